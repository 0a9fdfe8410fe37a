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
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/tenant"
)

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	policies, err := s.store.ListEscalationPolicies(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

type policyRequest struct {
	Name       string                 `json:"name" validate:"required,max=255"`
	Tiers      []model.EscalationTier `json:"tiers" validate:"required,min=1"`
	Severities []model.Severity       `json:"severities" validate:"required,min=1"`
}

func validatePolicy(req policyRequest) error {
	for i, tier := range req.Tiers {
		if tier.DelayMinutes < 0 {
			return errors.Wrapf(platform.ErrValidation, "tier %d has a negative delay", i+1)
		}
		if len(tier.Targets) == 0 {
			return errors.Wrapf(platform.ErrValidation, "tier %d has no targets", i+1)
		}
		if len(tier.Channels) == 0 {
			return errors.Wrapf(platform.ErrValidation, "tier %d has no channels", i+1)
		}
	}
	for _, sev := range req.Severities {
		if !sev.Valid() {
			return errors.Wrapf(platform.ErrValidation, "unknown severity %q", sev)
		}
	}
	return nil
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req policyRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validatePolicy(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := &model.EscalationPolicy{
		TenantID:   tenantID,
		Name:       req.Name,
		Tiers:      req.Tiers,
		Severities: req.Severities,
	}
	if err := s.store.CreateEscalationPolicy(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.store.GetEscalationPolicy(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req policyRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validatePolicy(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.store.GetEscalationPolicy(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p.Name = req.Name
	p.Tiers = req.Tiers
	p.Severities = req.Severities
	if err := s.store.UpdateEscalationPolicy(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeleteEscalationPolicy(r.Context(), tenantID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	schedules, err := s.store.ListOnCallSchedules(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

type scheduleRequest struct {
	Name      string            `json:"name" validate:"required,max=255"`
	Rotation  model.Rotation    `json:"rotation" validate:"required"`
	Overrides map[string]string `json:"overrides"`
	Timezone  string            `json:"timezone" validate:"required"`
}

func validateSchedule(req scheduleRequest) error {
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return errors.Wrapf(platform.ErrValidation, "unknown timezone %q", req.Timezone)
	}
	switch req.Rotation.Kind {
	case model.RotationWeekly, model.RotationDaily:
		if len(req.Rotation.Users) == 0 {
			return errors.Wrap(platform.ErrValidation, "rotation needs at least one user")
		}
	case model.RotationCustom:
		for i, rr := range req.Rotation.Ranges {
			start, err := time.Parse("2006-01-02", rr.Start)
			if err != nil {
				return errors.Wrapf(platform.ErrValidation, "range %d start must be YYYY-MM-DD", i+1)
			}
			end, err := time.Parse("2006-01-02", rr.End)
			if err != nil {
				return errors.Wrapf(platform.ErrValidation, "range %d end must be YYYY-MM-DD", i+1)
			}
			if !start.Before(end) {
				return errors.Wrapf(platform.ErrValidation, "range %d is empty", i+1)
			}
			if rr.UserID == "" {
				return errors.Wrapf(platform.ErrValidation, "range %d has no user", i+1)
			}
		}
	default:
		return errors.Wrapf(platform.ErrValidation, "unknown rotation kind %q", req.Rotation.Kind)
	}
	for date := range req.Overrides {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return errors.Wrapf(platform.ErrValidation, "override date %q must be YYYY-MM-DD", date)
		}
	}
	return nil
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req scheduleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateSchedule(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sc := &model.OnCallSchedule{
		TenantID:  tenantID,
		Name:      req.Name,
		Rotation:  req.Rotation,
		Overrides: req.Overrides,
		Timezone:  req.Timezone,
	}
	if err := s.store.CreateOnCallSchedule(r.Context(), sc); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sc, err := s.store.GetOnCallSchedule(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req scheduleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateSchedule(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sc, err := s.store.GetOnCallSchedule(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sc.Name = req.Name
	sc.Rotation = req.Rotation
	sc.Overrides = req.Overrides
	sc.Timezone = req.Timezone
	if err := s.store.UpdateOnCallSchedule(r.Context(), sc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.resolver != nil {
		s.resolver.InvalidateSchedule(r.Context(), tenantID, sc.ID)
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteOnCallSchedule(r.Context(), tenantID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.resolver != nil {
		s.resolver.InvalidateSchedule(r.Context(), tenantID, id)
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// handleOnCallCurrent resolves who is on call right now for a schedule.
func (s *Server) handleOnCallCurrent(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	scheduleID := r.URL.Query().Get("schedule_id")
	if scheduleID == "" {
		s.writeError(w, r, errors.Wrap(platform.ErrValidation, "schedule_id is required"))
		return
	}
	userID, err := s.resolver.OnCallUser(r.Context(), tenantID, scheduleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"schedule_id": scheduleID,
		"user_id":     u.ID,
		"email":       u.Email,
	})
}
