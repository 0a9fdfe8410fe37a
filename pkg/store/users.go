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

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

// CreateUser inserts a global user row. A duplicate e-mail yields
// ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = s.clock.Now().UTC()

	return s.run(ctx, "create_user", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, email, password_hash, system_admin, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			u.ID, u.Email, u.PasswordHash, u.SystemAdmin, u.CreatedAt)
		if isUniqueViolation(err) {
			return errors.Wrap(platform.ErrConflict, "email already registered")
		}
		return errors.Wrap(err, "insert user")
	})
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.run(ctx, "get_user", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "get user")
	}
	return &u, nil
}

// GetUserByEmail fetches a user by e-mail. E-mails are globally unique.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := s.run(ctx, "get_user_by_email", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = $1`, email)
	})
	if err != nil {
		return nil, notFoundOr(err, "get user by email")
	}
	return &u, nil
}

// UpdatePasswordHash replaces a user's stored verifier. Used by the
// transparent legacy-hash migration on login.
func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return s.run(ctx, "update_password_hash", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
		return errors.Wrap(err, "update password hash")
	})
}

// CountUsers returns the total number of user rows. Used by the bootstrap
// seed to decide whether a first system admin is needed.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.run(ctx, "count_users", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &n, `SELECT count(*) FROM users`)
	})
	return n, errors.Wrap(err, "count users")
}

// Membership is a tenant membership joined with the user row.
type Membership struct {
	model.TenantUser
	Email string `db:"email" json:"email"`
}

// GetMembership fetches the membership binding a user into a tenant.
func (s *Store) GetMembership(ctx context.Context, tenantID, userID string) (*model.TenantUser, error) {
	var tu model.TenantUser
	err := s.run(ctx, "get_membership", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &tu, `
			SELECT * FROM tenant_users WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	})
	if err != nil {
		return nil, notFoundOr(err, "get membership")
	}
	return &tu, nil
}

// ListMemberships returns every member of a tenant with their e-mail.
func (s *Store) ListMemberships(ctx context.Context, tenantID string) ([]Membership, error) {
	var out []Membership
	err := s.run(ctx, "list_memberships", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &out, `
			SELECT tu.tenant_id, tu.user_id, tu.role, tu.tenant_admin, tu.joined_at, u.email
			FROM tenant_users tu JOIN users u ON u.id = tu.user_id
			WHERE tu.tenant_id = $1
			ORDER BY tu.joined_at`, tenantID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list memberships")
	}
	return out, nil
}

// AddMembership binds a user into a tenant. A duplicate pair yields
// ErrConflict.
func (s *Store) AddMembership(ctx context.Context, tu *model.TenantUser) error {
	tu.JoinedAt = s.clock.Now().UTC()
	return s.run(ctx, "add_membership", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tenant_users (tenant_id, user_id, role, tenant_admin, joined_at)
			VALUES ($1, $2, $3, $4, $5)`,
			tu.TenantID, tu.UserID, tu.Role, tu.TenantAdmin, tu.JoinedAt)
		if isUniqueViolation(err) {
			return errors.Wrap(platform.ErrConflict, "user already a member")
		}
		return errors.Wrap(err, "insert membership")
	})
}

// RemoveMembership deletes a membership. Removing the last tenant admin is
// refused with ErrConflict; the check and the delete share a transaction so
// concurrent removals cannot both pass it.
func (s *Store) RemoveMembership(ctx context.Context, tenantID, userID string) error {
	return s.inTx(ctx, "remove_membership", func(ctx context.Context, tx *sqlx.Tx) error {
		var tu model.TenantUser
		err := tx.GetContext(ctx, &tu, `
			SELECT * FROM tenant_users WHERE tenant_id = $1 AND user_id = $2 FOR UPDATE`, tenantID, userID)
		if err != nil {
			return notFoundOr(err, "lock membership")
		}
		if tu.TenantAdmin {
			var admins int64
			if err := tx.GetContext(ctx, &admins, `
				SELECT count(*) FROM tenant_users WHERE tenant_id = $1 AND tenant_admin`, tenantID); err != nil {
				return errors.Wrap(err, "count tenant admins")
			}
			if admins <= 1 {
				return errors.Wrap(platform.ErrConflict, "cannot remove the last tenant admin")
			}
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM tenant_users WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
		return errors.Wrap(err, "delete membership")
	})
}

// UpdateMembershipRole changes a member's role and admin flag. Demoting the
// last tenant admin is refused with ErrConflict.
func (s *Store) UpdateMembershipRole(ctx context.Context, tenantID, userID, role string, tenantAdmin bool) error {
	return s.inTx(ctx, "update_membership_role", func(ctx context.Context, tx *sqlx.Tx) error {
		var tu model.TenantUser
		err := tx.GetContext(ctx, &tu, `
			SELECT * FROM tenant_users WHERE tenant_id = $1 AND user_id = $2 FOR UPDATE`, tenantID, userID)
		if err != nil {
			return notFoundOr(err, "lock membership")
		}
		if tu.TenantAdmin && !tenantAdmin {
			var admins int64
			if err := tx.GetContext(ctx, &admins, `
				SELECT count(*) FROM tenant_users WHERE tenant_id = $1 AND tenant_admin`, tenantID); err != nil {
				return errors.Wrap(err, "count tenant admins")
			}
			if admins <= 1 {
				return errors.Wrap(platform.ErrConflict, "cannot demote the last tenant admin")
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tenant_users SET role = $3, tenant_admin = $4 WHERE tenant_id = $1 AND user_id = $2`,
			tenantID, userID, role, tenantAdmin)
		return errors.Wrap(err, "update membership")
	})
}

// CountMemberships returns the member count of a tenant for quota checks.
func (s *Store) CountMemberships(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.run(ctx, "count_memberships", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &n, `SELECT count(*) FROM tenant_users WHERE tenant_id = $1`, tenantID)
	})
	return n, errors.Wrap(err, "count memberships")
}
