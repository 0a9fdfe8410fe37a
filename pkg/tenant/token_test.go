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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktest "k8s.io/utils/clock/testing"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testPrincipal() Principal {
	return Principal{
		UserID:      "u1",
		Email:       "op@acme.test",
		TenantID:    "t1",
		TenantSlug:  "acme",
		Role:        "operator",
		Permissions: []string{"devices:read"},
		TenantAdmin: false,
	}
}

func TestIssueAndVerify(t *testing.T) {
	c := clocktest.NewFakePassiveClock(time.Now())
	iss := NewIssuer(testSecret, 15*time.Minute, 24*time.Hour, c)

	access, refresh, err := iss.Issue(testPrincipal())
	require.NoError(t, err)

	claims, err := iss.Verify(access, TokenAccess)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "t1", claims.TenantID)
	require.Equal(t, TokenAccess, claims.Kind)

	claims, err = iss.Verify(refresh, TokenRefresh)
	require.NoError(t, err)
	require.Equal(t, TokenRefresh, claims.Kind)
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	c := clocktest.NewFakePassiveClock(time.Now())
	iss := NewIssuer(testSecret, 15*time.Minute, 24*time.Hour, c)

	access, refresh, err := iss.Issue(testPrincipal())
	require.NoError(t, err)

	_, err = iss.Verify(refresh, TokenAccess)
	require.ErrorIs(t, err, platform.ErrUnauthenticated)
	_, err = iss.Verify(access, TokenRefresh)
	require.ErrorIs(t, err, platform.ErrUnauthenticated)
}

func TestVerifyRejectsExpired(t *testing.T) {
	c := clocktest.NewFakePassiveClock(time.Now())
	iss := NewIssuer(testSecret, 15*time.Minute, 24*time.Hour, c)

	access, _, err := iss.Issue(testPrincipal())
	require.NoError(t, err)

	c.SetTime(c.Now().Add(16 * time.Minute))
	_, err = iss.Verify(access, TokenAccess)
	require.ErrorIs(t, err, platform.ErrUnauthenticated)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	c := clocktest.NewFakePassiveClock(time.Now())
	iss := NewIssuer(testSecret, 15*time.Minute, 24*time.Hour, c)
	other := NewIssuer("another-secret-another-secret-00", 15*time.Minute, 24*time.Hour, c)

	access, _, err := other.Issue(testPrincipal())
	require.NoError(t, err)

	_, err = iss.Verify(access, TokenAccess)
	require.ErrorIs(t, err, platform.ErrUnauthenticated)
}
