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
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

func TestBoundTenant(t *testing.T) {
	ctx := WithIdentity(context.Background(), Principal{UserID: "u1", TenantID: "t1"})
	id, err := BoundTenant(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", id)
}

func TestBoundTenantMissingIdentity(t *testing.T) {
	_, err := BoundTenant(context.Background())
	require.ErrorIs(t, err, platform.ErrUnauthenticated)
}

func TestBoundTenantNoTenantBinding(t *testing.T) {
	ctx := WithIdentity(context.Background(), Principal{UserID: "u1"})
	_, err := BoundTenant(ctx)
	require.ErrorIs(t, err, platform.ErrTenantContextRequired)
}

func TestBoundTenantMismatch(t *testing.T) {
	// Simulate a handler that rewrote one of the two values.
	ctx := WithIdentity(context.Background(), Principal{UserID: "u1", TenantID: "t1"})
	ctx = context.WithValue(ctx, tenantKey, "t2")
	_, err := BoundTenant(ctx)
	require.ErrorIs(t, err, platform.ErrForbidden)
}

func TestCanAccessTenant(t *testing.T) {
	member := WithIdentity(context.Background(), Principal{UserID: "u1", TenantID: "t1"})
	require.True(t, CanAccessTenant(member, "t1"))
	require.False(t, CanAccessTenant(member, "t2"))

	sysadmin := WithIdentity(context.Background(), Principal{UserID: "root", SystemAdmin: true})
	require.True(t, CanAccessTenant(sysadmin, "t1"))
	require.True(t, CanAccessTenant(sysadmin, "t2"))

	require.False(t, CanAccessTenant(context.Background(), "t1"))
}
