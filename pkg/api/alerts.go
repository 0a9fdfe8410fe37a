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
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/tenant"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := store.AlertFilter{
		Severity: model.Severity(r.URL.Query().Get("severity")),
		DeviceID: r.URL.Query().Get("device_id"),
	}
	f.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	f.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	alerts, err := s.store.ListAlerts(r.Context(), tenantID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

type createAlertRequest struct {
	DeviceID  string         `json:"device_id" validate:"required"`
	Severity  string         `json:"severity" validate:"required"`
	Message   string         `json:"message" validate:"required,max=2048"`
	SourceKey string         `json:"source_key"`
	Metadata  map[string]any `json:"metadata"`
}

// handleCreateAlert records an alert raised by an external system through
// the API. It rides the same grouping and escalation path as rule alerts.
func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createAlertRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !model.Severity(req.Severity).Valid() {
		s.writeError(w, r, errors.Wrapf(platform.ErrValidation, "unknown severity %q", req.Severity))
		return
	}
	// Tenant ownership of the device is asserted before the insert.
	if _, err := s.store.GetDevice(r.Context(), tenantID, req.DeviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	a := &model.Alert{
		TenantID: tenantID,
		DeviceID: req.DeviceID,
		Severity: model.Severity(req.Severity),
		Message:  req.Message,
		Metadata: req.Metadata,
	}
	var sourceKey *string
	if req.SourceKey != "" {
		sourceKey = &req.SourceKey
	}
	res, err := s.alerts.EmitExternal(r.Context(), a, sourceKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"alert":    res.Alert,
		"grouped":  res.Grouped,
		"group_id": res.GroupID,
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.store.GetAlert(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

type transitionRequest struct {
	Note *string `json:"note"`
}

// transitionHandler builds the acknowledge/investigate/resolve/reopen
// endpoints, which differ only in the target state.
func (s *Server) transitionHandler(to model.AlertStateValue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant.BoundTenant(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p, _ := tenant.PrincipalFrom(r.Context())

		var req transitionRequest
		// The body is optional on transitions.
		if r.ContentLength > 0 {
			if err := s.decode(r, &req); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		st, err := s.alerts.Transition(r.Context(), tenantID, chi.URLParam(r, "id"), to, p.UserID, req.Note, p.SystemAdmin)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, st)
	}
}

type noteRequest struct {
	Note string `json:"note" validate:"required,max=4096"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, _ := tenant.PrincipalFrom(r.Context())

	var req noteRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.AddAlertNote(r.Context(), tenantID, chi.URLParam(r, "id"), p.UserID, req.Note); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// handleAlertHistory returns the append-only state trail plus the SLA row.
func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	alertID := chi.URLParam(r, "id")
	states, err := s.store.ListAlertStates(r.Context(), tenantID, alertID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"states": states}
	if sla, err := s.store.GetAlertSLA(r.Context(), tenantID, alertID); err == nil {
		resp["sla"] = sla
	} else if !errors.Is(err, platform.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
