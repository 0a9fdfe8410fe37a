// Copyright 2025 INSA Automation Corp
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tenant

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktest "k8s.io/utils/clock/testing"
)

func testKernel(t *testing.T) (*Kernel, *clocktest.FakePassiveClock) {
	t.Helper()
	c := clocktest.NewFakePassiveClock(time.Now())
	iss := NewIssuer(testSecret, 15*time.Minute, 24*time.Hour, c)
	return NewKernel(nil, nil, nil, iss), c
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthenticateMiddleware(t *testing.T) {
	k, _ := testKernel(t)
	access, _, err := k.issuer.Issue(testPrincipal())
	require.NoError(t, err)

	h := k.Authenticate(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+access)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"unauthenticated","code":"unauthenticated"}`, w.Body.String())

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer not.a.token")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticateRejectsRefreshToken(t *testing.T) {
	k, _ := testKernel(t)
	_, refresh, err := k.issuer.Issue(testPrincipal())
	require.NoError(t, err)

	h := k.Authenticate(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+refresh)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireTenant(t *testing.T) {
	k, _ := testKernel(t)
	h := k.Authenticate(RequireTenant(okHandler()))

	bound, _, err := k.issuer.Issue(testPrincipal())
	require.NoError(t, err)
	unbound, _, err := k.issuer.Issue(Principal{UserID: "u2", Email: "x@acme.test"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+bound)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+unbound)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdminGuards(t *testing.T) {
	k, _ := testKernel(t)

	issue := func(p Principal) string {
		access, _, err := k.issuer.Issue(p)
		require.NoError(t, err)
		return access
	}
	member := issue(testPrincipal())
	tenantAdmin := issue(Principal{UserID: "u3", TenantID: "t1", TenantAdmin: true})
	sysAdmin := issue(Principal{UserID: "root", SystemAdmin: true})

	do := func(h http.Handler, token string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	ta := k.Authenticate(RequireTenantAdmin(okHandler()))
	require.Equal(t, http.StatusForbidden, do(ta, member))
	require.Equal(t, http.StatusNoContent, do(ta, tenantAdmin))
	require.Equal(t, http.StatusNoContent, do(ta, sysAdmin))

	sa := k.Authenticate(RequireSystemAdmin(okHandler()))
	require.Equal(t, http.StatusForbidden, do(sa, member))
	require.Equal(t, http.StatusForbidden, do(sa, tenantAdmin))
	require.Equal(t, http.StatusNoContent, do(sa, sysAdmin))
}
