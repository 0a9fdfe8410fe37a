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

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

// Principal is the authenticated caller of a request. TenantID is
// intentionally duplicated between the principal and the request-scoped
// tenant handle: both are written together by the auth guard, and sensitive
// operations compare them. Reading only one of the two has caused
// privilege-check regressions before.
type Principal struct {
	UserID      string
	Email       string
	TenantID    string
	TenantSlug  string
	Role        string
	Permissions []string
	TenantAdmin bool
	SystemAdmin bool
}

type ctxKey int

const (
	principalKey ctxKey = iota
	tenantKey
)

// WithIdentity binds the principal and the tenant handle into the context.
// The two are always written together.
func WithIdentity(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	return context.WithValue(ctx, tenantKey, p.TenantID)
}

// PrincipalFrom returns the authenticated principal of the request.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// TenantFrom returns the request-scoped tenant handle.
func TenantFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey).(string)
	return id, ok && id != ""
}

// BoundTenant returns the tenant id after asserting that the request-scoped
// handle and the principal's duplicate agree. Sensitive operations call this
// instead of either accessor alone.
func BoundTenant(ctx context.Context) (string, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return "", platform.ErrUnauthenticated
	}
	id, ok := TenantFrom(ctx)
	if !ok {
		return "", platform.ErrTenantContextRequired
	}
	if p.TenantID != id {
		return "", platform.ErrForbidden
	}
	return id, nil
}

// CanAccessTenant reports whether the caller may read tenant-scoped data of
// tenantID. System admins may access any tenant; everyone else only the one
// bound to their token.
func CanAccessTenant(ctx context.Context, tenantID string) bool {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return false
	}
	if p.SystemAdmin {
		return true
	}
	bound, err := BoundTenant(ctx)
	return err == nil && bound == tenantID
}
