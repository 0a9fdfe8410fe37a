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

// Package tenant implements the authorization kernel: credential
// verification with transparent legacy-hash migration, bearer token issue
// and verification, request-scoped tenant context, and quota enforcement.
package tenant

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

var (
	loginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_auth_login_attempts_total",
		Help: "Number of login attempts by outcome.",
	}, []string{"outcome"})
	hashMigrations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_auth_hash_migrations_total",
		Help: "Number of legacy password verifiers upgraded on login.",
	})
)

// rolePermissions derives the permission list embedded in tokens.
var rolePermissions = map[string][]string{
	"member":   {"devices:read", "telemetry:read", "rules:read", "alerts:read", "alerts:transition"},
	"operator": {"devices:read", "devices:write", "telemetry:read", "rules:read", "rules:write", "alerts:read", "alerts:transition"},
	"admin":    {"devices:*", "telemetry:*", "rules:*", "alerts:*", "tenant:manage"},
}

// Kernel resolves identities and enforces tenant access.
type Kernel struct {
	logger log.Logger
	store  *store.Store
	issuer *Issuer
	quotas *QuotaGuard
}

// NewKernel wires the kernel. reg may be nil in tests.
func NewKernel(logger log.Logger, reg prometheus.Registerer, st *store.Store, issuer *Issuer) *Kernel {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(loginAttempts, hashMigrations)
	}
	return &Kernel{
		logger: logger,
		store:  st,
		issuer: issuer,
		quotas: NewQuotaGuard(st),
	}
}

// Issuer exposes the token issuer for middleware construction.
func (k *Kernel) Issuer() *Issuer { return k.issuer }

// Quotas exposes the quota guard.
func (k *Kernel) Quotas() *QuotaGuard { return k.quotas }

// Login verifies credentials and issues a token pair. tenantSlug may be
// empty: the token then binds the user's only membership, or no tenant at
// all for system admins without memberships. Every failure collapses to the
// single opaque ErrInvalidCredentials.
func (k *Kernel) Login(ctx context.Context, email, password, tenantSlug string) (access, refresh string, p Principal, err error) {
	fail := func() (string, string, Principal, error) {
		loginAttempts.WithLabelValues("failure").Inc()
		return "", "", Principal{}, platform.ErrInvalidCredentials
	}

	u, err := k.store.GetUserByEmail(ctx, email)
	if err != nil {
		return fail()
	}
	valid, needsRehash := VerifyPassword(u.PasswordHash, password)
	if !valid {
		return fail()
	}
	if needsRehash {
		// Transparent migration: upgrade the legacy verifier inside the
		// authenticated path. A failed upgrade does not fail the login.
		if upgraded, herr := HashPassword(password); herr == nil {
			if uerr := k.store.UpdatePasswordHash(ctx, u.ID, upgraded); uerr != nil {
				_ = level.Warn(k.logger).Log("msg", "legacy hash upgrade failed", "user", u.ID, "err", uerr)
			} else {
				hashMigrations.Inc()
			}
		}
	}

	p = Principal{
		UserID:      u.ID,
		Email:       u.Email,
		SystemAdmin: u.SystemAdmin,
	}
	if tenantSlug != "" {
		t, err := k.store.GetTenantBySlug(ctx, tenantSlug)
		if err != nil {
			return fail()
		}
		tu, err := k.store.GetMembership(ctx, t.ID, u.ID)
		if err != nil {
			if !u.SystemAdmin {
				return fail()
			}
			// System admins may bind any tenant without a membership row.
			tu = &model.TenantUser{TenantID: t.ID, UserID: u.ID, Role: "admin", TenantAdmin: true}
		}
		p.TenantID, p.TenantSlug = t.ID, t.Slug
		p.Role, p.TenantAdmin = tu.Role, tu.TenantAdmin
	}
	p.Permissions = rolePermissions[p.Role]

	access, refresh, err = k.issuer.Issue(p)
	if err != nil {
		return "", "", Principal{}, errors.Wrap(err, "issue tokens")
	}
	loginAttempts.WithLabelValues("success").Inc()
	return access, refresh, p, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (k *Kernel) Refresh(ctx context.Context, refreshToken string) (access, refresh string, err error) {
	claims, err := k.issuer.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return "", "", err
	}
	// Re-read the user so revoked accounts and changed flags take effect at
	// refresh time.
	u, err := k.store.GetUser(ctx, claims.UserID)
	if err != nil {
		return "", "", platform.ErrUnauthenticated
	}
	p := Principal{
		UserID:      u.ID,
		Email:       u.Email,
		TenantID:    claims.TenantID,
		TenantSlug:  claims.TenantSlug,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		TenantAdmin: claims.TenantAdmin,
		SystemAdmin: u.SystemAdmin,
	}
	access, refresh, err = k.issuer.Issue(p)
	return access, refresh, errors.Wrap(err, "issue tokens")
}

// Bootstrap seeds a first system admin when the users table is empty.
func (k *Kernel) Bootstrap(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	n, err := k.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u := &model.User{Email: email, PasswordHash: hash, SystemAdmin: true}
	if err := k.store.CreateUser(ctx, u); err != nil {
		return errors.Wrap(err, "seed system admin")
	}
	_ = level.Info(k.logger).Log("msg", "seeded bootstrap system admin", "email", email)
	return nil
}

// AuthenticateToken validates a bearer token and returns the identity to
// bind into the request context.
func (k *Kernel) AuthenticateToken(token string) (Principal, error) {
	claims, err := k.issuer.Verify(token, TokenAccess)
	if err != nil {
		return Principal{}, platform.ErrUnauthenticated
	}
	return Principal{
		UserID:      claims.UserID,
		Email:       claims.Email,
		TenantID:    claims.TenantID,
		TenantSlug:  claims.TenantSlug,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		TenantAdmin: claims.TenantAdmin,
		SystemAdmin: claims.SystemAdmin,
	}, nil
}
