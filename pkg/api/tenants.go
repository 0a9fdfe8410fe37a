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

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/tenant"
)

// tenantVisible gates access to a tenant-scoped management resource. A
// tenant the caller cannot access answers as not found.
func tenantVisible(ctx context.Context, tenantID string) error {
	if !tenant.CanAccessTenant(ctx, tenantID) {
		return errors.Wrap(platform.ErrNotFound, "tenant")
	}
	return nil
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	f := store.TenantFilter{
		Tier:   model.Tier(r.URL.Query().Get("tier")),
		Search: r.URL.Query().Get("search"),
	}
	f.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	f.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	tenants, err := s.store.ListTenants(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

type createTenantRequest struct {
	Slug               string `json:"slug" validate:"required,min=2,max=64"`
	Name               string `json:"name" validate:"required,max=255"`
	Tier               string `json:"tier" validate:"required"`
	MaxDevices         *int64 `json:"max_devices"`
	MaxUsers           *int64 `json:"max_users"`
	MaxTelemetryPerDay *int64 `json:"max_telemetry_per_day"`
	MaxRetentionDays   *int64 `json:"max_retention_days"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !model.Tier(req.Tier).Valid() {
		s.writeError(w, r, errors.Wrapf(platform.ErrValidation, "unknown tier %q", req.Tier))
		return
	}
	t := &model.Tenant{
		Slug:               req.Slug,
		Name:               req.Name,
		Tier:               model.Tier(req.Tier),
		MaxDevices:         req.MaxDevices,
		MaxUsers:           req.MaxUsers,
		MaxTelemetryPerDay: req.MaxTelemetryPerDay,
		MaxRetentionDays:   req.MaxRetentionDays,
	}
	if err := s.store.CreateTenant(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := tenantVisible(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

type updateTenantRequest struct {
	Name               *string `json:"name" validate:"omitempty,max=255"`
	Tier               *string `json:"tier"`
	MaxDevices         *int64  `json:"max_devices"`
	MaxUsers           *int64  `json:"max_users"`
	MaxTelemetryPerDay *int64  `json:"max_telemetry_per_day"`
	MaxRetentionDays   *int64  `json:"max_retention_days"`
}

// handleUpdateTenant lets a tenant admin rename their tenant; tier and
// quota caps move only under a system-admin token.
func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := tenantVisible(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateTenantRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, _ := tenant.PrincipalFrom(r.Context())
	touchesCaps := req.Tier != nil || req.MaxDevices != nil || req.MaxUsers != nil ||
		req.MaxTelemetryPerDay != nil || req.MaxRetentionDays != nil
	if touchesCaps && !p.SystemAdmin {
		s.writeError(w, r, errors.Wrap(platform.ErrForbidden, "tier and quota caps require a system admin"))
		return
	}

	t, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Tier != nil {
		if !model.Tier(*req.Tier).Valid() {
			s.writeError(w, r, errors.Wrapf(platform.ErrValidation, "unknown tier %q", *req.Tier))
			return
		}
		t.Tier = model.Tier(*req.Tier)
	}
	if req.MaxDevices != nil {
		t.MaxDevices = req.MaxDevices
	}
	if req.MaxUsers != nil {
		t.MaxUsers = req.MaxUsers
	}
	if req.MaxTelemetryPerDay != nil {
		t.MaxTelemetryPerDay = req.MaxTelemetryPerDay
	}
	if req.MaxRetentionDays != nil {
		t.MaxRetentionDays = req.MaxRetentionDays
	}
	if err := s.store.UpdateTenant(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTenant(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleTenantStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := tenantVisible(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.store.GetTenantStats(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleTenantQuotas reports configured caps next to current usage so the
// front-end can render consumption bars.
func (s *Server) handleTenantQuotas(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := tenantVisible(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.store.GetTenantStats(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices":            map[string]any{"used": stats.DeviceCount, "limit": t.MaxDevices},
		"users":              map[string]any{"used": stats.UserCount, "limit": t.MaxUsers},
		"telemetry_today":    map[string]any{"used": stats.TelemetryToday, "limit": t.MaxTelemetryPerDay},
		"max_retention_days": t.MaxRetentionDays,
	})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := tenantVisible(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	members, err := s.store.ListMemberships(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"users": members})
}

type inviteRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password"`
	Role        string `json:"role" validate:"required,oneof=member operator admin"`
	TenantAdmin bool   `json:"tenant_admin"`
}

// handleInviteMember binds a user into the tenant, creating the account on
// first invite. The user quota is enforced under the guard so concurrent
// invites cannot race past the cap.
func (s *Server) handleInviteMember(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	if err := tenantVisible(r.Context(), tenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req inviteRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	t, err := s.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	u, err := s.store.GetUserByEmail(r.Context(), req.Email)
	switch {
	case errors.Is(err, platform.ErrNotFound):
		if req.Password == "" {
			s.writeError(w, r, errors.Wrap(platform.ErrValidation, "password required for a new user"))
			return
		}
		hash, herr := tenant.HashPassword(req.Password)
		if herr != nil {
			s.writeError(w, r, herr)
			return
		}
		u = &model.User{Email: req.Email, PasswordHash: hash}
		if cerr := s.store.CreateUser(r.Context(), u); cerr != nil {
			s.writeError(w, r, cerr)
			return
		}
	case err != nil:
		s.writeError(w, r, err)
		return
	}

	tu := &model.TenantUser{
		TenantID:    tenantID,
		UserID:      u.ID,
		Role:        req.Role,
		TenantAdmin: req.TenantAdmin,
	}
	err = s.kernel.Quotas().Reserve(r.Context(), tenantID, tenant.ResourceUsers, t.MaxUsers, func(ctx context.Context) error {
		return s.store.AddMembership(ctx, tu)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tu)
}

// handleRemoveMember detaches a user from the tenant. The last tenant admin
// cannot be removed; demote-then-remove is the supported path and it
// conflicts too.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "user_id")
	if err := tenantVisible(r.Context(), tenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	tu, err := s.store.GetMembership(r.Context(), tenantID, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tu.TenantAdmin {
		if err := s.assertNotLastAdmin(r.Context(), tenantID, userID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := s.store.RemoveMembership(r.Context(), tenantID, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

type changeRoleRequest struct {
	Role        string `json:"role" validate:"required,oneof=member operator admin"`
	TenantAdmin bool   `json:"tenant_admin"`
}

func (s *Server) handleChangeMemberRole(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "user_id")
	if err := tenantVisible(r.Context(), tenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req changeRoleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.TenantAdmin {
		tu, err := s.store.GetMembership(r.Context(), tenantID, userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if tu.TenantAdmin {
			if err := s.assertNotLastAdmin(r.Context(), tenantID, userID); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
	}
	if err := s.store.UpdateMembershipRole(r.Context(), tenantID, userID, req.Role, req.TenantAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID, "user_id": userID, "role": req.Role, "tenant_admin": req.TenantAdmin,
	})
}

// assertNotLastAdmin conflicts when userID is the only tenant admin left.
func (s *Server) assertNotLastAdmin(ctx context.Context, tenantID, userID string) error {
	members, err := s.store.ListMemberships(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.TenantAdmin && m.UserID != userID {
			return nil
		}
	}
	return errors.Wrap(platform.ErrConflict, "tenant must keep at least one admin")
}
