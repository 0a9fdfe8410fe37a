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
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/rules"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/tenant"
)

// ruleView augments the rule with its condition and actions, which the model
// serializes opaquely.
type ruleView struct {
	model.Rule
	Condition json.RawMessage `json:"condition"`
	Actions   json.RawMessage `json:"actions,omitempty"`
}

func viewRule(r model.Rule) ruleView {
	return ruleView{Rule: r, Condition: r.Condition, Actions: r.Actions}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.store.ListRules(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]ruleView, 0, len(list))
	for _, rr := range list {
		views = append(views, viewRule(rr))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": views})
}

type ruleRequest struct {
	Name            string          `json:"name" validate:"required,max=255"`
	Type            string          `json:"type" validate:"required"`
	Condition       json.RawMessage `json:"condition" validate:"required"`
	Actions         []model.Action  `json:"actions"`
	Priority        int             `json:"priority" validate:"min=1,max=5"`
	Enabled         *bool           `json:"enabled"`
	CooldownSeconds int             `json:"cooldown_seconds" validate:"min=0"`
	IntervalSeconds int             `json:"interval_seconds" validate:"min=0"`
	Scope           model.RuleScope `json:"scope"`
}

// compileRule rejects conditions the engine could not evaluate, so a rule
// that persists is a rule that runs.
func compileRule(typ string, condition json.RawMessage) error {
	if !model.RuleType(typ).Valid() {
		return errors.Wrapf(platform.ErrValidation, "unknown rule type %q", typ)
	}
	if _, err := rules.Compile(model.RuleType(typ), condition); err != nil {
		return errors.Wrap(platform.ErrValidation, err.Error())
	}
	return nil
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ruleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := compileRule(req.Type, req.Condition); err != nil {
		s.writeError(w, r, err)
		return
	}
	actions, err := json.Marshal(req.Actions)
	if err != nil {
		s.writeError(w, r, errors.Wrap(platform.ErrValidation, "encode actions"))
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := &model.Rule{
		TenantID:        tenantID,
		Name:            req.Name,
		Type:            model.RuleType(req.Type),
		Condition:       req.Condition,
		Actions:         actions,
		Priority:        req.Priority,
		Enabled:         enabled,
		CooldownSeconds: req.CooldownSeconds,
		IntervalSeconds: req.IntervalSeconds,
		Scope:           req.Scope,
	}
	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateRules(r, tenantID)
	s.writeJSON(w, http.StatusCreated, viewRule(*rule))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.store.GetRule(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewRule(*rule))
}

type updateRuleRequest struct {
	Name            *string          `json:"name" validate:"omitempty,max=255"`
	Condition       json.RawMessage  `json:"condition"`
	Actions         *[]model.Action  `json:"actions"`
	Priority        *int             `json:"priority" validate:"omitempty,min=1,max=5"`
	Enabled         *bool            `json:"enabled"`
	CooldownSeconds *int             `json:"cooldown_seconds" validate:"omitempty,min=0"`
	IntervalSeconds *int             `json:"interval_seconds" validate:"omitempty,min=0"`
	Scope           *model.RuleScope `json:"scope"`
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateRuleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.store.GetRule(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Condition != nil {
		if err := compileRule(string(rule.Type), req.Condition); err != nil {
			s.writeError(w, r, err)
			return
		}
		rule.Condition = req.Condition
	}
	if req.Actions != nil {
		actions, err := json.Marshal(*req.Actions)
		if err != nil {
			s.writeError(w, r, errors.Wrap(platform.ErrValidation, "encode actions"))
			return
		}
		rule.Actions = actions
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.CooldownSeconds != nil {
		rule.CooldownSeconds = *req.CooldownSeconds
	}
	if req.IntervalSeconds != nil {
		rule.IntervalSeconds = *req.IntervalSeconds
	}
	if req.Scope != nil {
		rule.Scope = *req.Scope
	}
	if err := s.store.UpdateRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateRules(r, tenantID)
	s.writeJSON(w, http.StatusOK, viewRule(*rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeleteRule(r.Context(), tenantID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateRules(r, tenantID)
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) invalidateRules(r *http.Request, tenantID string) {
	if s.engine != nil {
		s.engine.InvalidateTenant(r.Context(), tenantID)
	}
}
