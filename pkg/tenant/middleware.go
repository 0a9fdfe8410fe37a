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
	"encoding/json"
	"net/http"
	"strings"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

func denyJSON(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  platform.Code(err),
	})
}

// Authenticate validates the Bearer token and binds the identity into the
// request context. Requests without a valid access token get 401.
func (k *Kernel) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			denyJSON(w, http.StatusUnauthorized, platform.ErrUnauthenticated)
			return
		}
		p, err := k.AuthenticateToken(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			denyJSON(w, http.StatusUnauthorized, platform.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), p)))
	})
}

// RequireTenant rejects requests whose token is not bound to a tenant.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := BoundTenant(r.Context()); err != nil {
			denyJSON(w, http.StatusForbidden, platform.ErrTenantContextRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireTenantAdmin admits tenant admins and system admins.
func RequireTenantAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			denyJSON(w, http.StatusUnauthorized, platform.ErrUnauthenticated)
			return
		}
		if !p.TenantAdmin && !p.SystemAdmin {
			denyJSON(w, http.StatusForbidden, platform.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSystemAdmin admits only system admins.
func RequireSystemAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			denyJSON(w, http.StatusUnauthorized, platform.ErrUnauthenticated)
			return
		}
		if !p.SystemAdmin {
			denyJSON(w, http.StatusForbidden, platform.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
