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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/tenant"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	devices, err := s.store.ListDevices(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type createDeviceRequest struct {
	Name     string         `json:"name" validate:"required,max=255"`
	Type     string         `json:"type" validate:"required,max=64"`
	Protocol string         `json:"protocol" validate:"required"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createDeviceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !model.Protocol(req.Protocol).Valid() {
		s.writeError(w, r, errors.Wrapf(platform.ErrValidation, "unknown protocol %q", req.Protocol))
		return
	}

	t, err := s.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d := &model.Device{
		TenantID: tenantID,
		Name:     req.Name,
		Type:     req.Type,
		Protocol: model.Protocol(req.Protocol),
		Metadata: req.Metadata,
	}
	err = s.kernel.Quotas().Reserve(r.Context(), tenantID, tenant.ResourceDevices, t.MaxDevices, func(ctx context.Context) error {
		return s.store.CreateDevice(ctx, d)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.store.GetDevice(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

type updateDeviceRequest struct {
	Name     *string        `json:"name" validate:"omitempty,max=255"`
	Type     *string        `json:"type" validate:"omitempty,max=64"`
	Status   *string        `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateDeviceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.store.GetDevice(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name != nil {
		d.Name = *req.Name
	}
	if req.Type != nil {
		d.Type = *req.Type
	}
	if req.Status != nil {
		if !model.DeviceStatus(*req.Status).Valid() {
			s.writeError(w, r, errors.Wrapf(platform.ErrValidation, "unknown status %q", *req.Status))
			return
		}
		d.Status = model.DeviceStatus(*req.Status)
	}
	if req.Metadata != nil {
		d.Metadata = req.Metadata
	}
	if err := s.store.UpdateDevice(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.pipeline != nil {
		s.pipeline.InvalidateBinding(d.ID)
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteDevice(r.Context(), tenantID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.pipeline != nil {
		s.pipeline.InvalidateBinding(id)
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

type commandRequest struct {
	Command string          `json:"command" validate:"required,max=128"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// handleDeviceCommand pushes a command to the device over every connected
// downlink protocol.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deviceID := chi.URLParam(r, "id")
	// The device lookup doubles as the tenant ownership check.
	if _, err := s.store.GetDevice(r.Context(), tenantID, deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req commandRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(s.commands) == 0 {
		s.writeError(w, r, errors.Wrap(platform.ErrBrokerUnavailable, "no command transport connected"))
		return
	}
	payload, err := json.Marshal(map[string]any{
		"device_id": deviceID,
		"command":   req.Command,
		"params":    req.Params,
		"issued_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.writeError(w, r, errors.Wrap(err, "encode command"))
		return
	}

	published := 0
	var lastErr error
	for _, p := range s.commands {
		if err := p.PublishCommand(r.Context(), deviceID, payload); err != nil {
			lastErr = err
			continue
		}
		published++
	}
	if published == 0 {
		s.writeError(w, r, lastErr)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "transports": published})
}

// handleDeviceTelemetry serves raw points or a server-side aggregate over a
// window. Without a window it returns the most recent points.
func (s *Server) handleDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.BoundTenant(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deviceID := chi.URLParam(r, "id")
	// The device lookup doubles as the tenant ownership check.
	if _, err := s.store.GetDevice(r.Context(), tenantID, deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	key := q.Get("key")
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	var window store.TelemetryWindow
	if from := q.Get("from"); from != "" {
		window.From, err = time.Parse(time.RFC3339, from)
		if err != nil {
			s.writeError(w, r, errors.Wrap(platform.ErrValidation, "from must be RFC 3339"))
			return
		}
		window.To = time.Now().UTC()
		if to := q.Get("to"); to != "" {
			window.To, err = time.Parse(time.RFC3339, to)
			if err != nil {
				s.writeError(w, r, errors.Wrap(platform.ErrValidation, "to must be RFC 3339"))
				return
			}
		}
	}

	if agg := q.Get("aggregate"); agg != "" {
		if key == "" || window.From.IsZero() {
			s.writeError(w, r, errors.Wrap(platform.ErrValidation, "aggregate queries need key and from"))
			return
		}
		aq := store.AggregateQuery{
			TenantID:  tenantID,
			DeviceID:  deviceID,
			Key:       key,
			Aggregate: store.Aggregate(agg),
			Window:    window,
		}
		if p := q.Get("percentile"); p != "" {
			aq.Percentile, err = strconv.ParseFloat(p, 64)
			if err != nil {
				s.writeError(w, r, errors.Wrap(platform.ErrValidation, "percentile must be numeric"))
				return
			}
		}
		value, samples, err := s.store.QueryAggregate(r.Context(), aq)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"aggregate": agg, "key": key, "value": value, "samples": samples,
		})
		return
	}

	if window.From.IsZero() {
		points, err := s.store.RecentPoints(r.Context(), tenantID, deviceID, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"points": points})
		return
	}

	cur := s.store.FetchTelemetry(tenantID, deviceID, key, window)
	points := make([]model.TelemetryPoint, 0, limit)
	for len(points) < limit {
		p, ok, err := cur.Next(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			break
		}
		points = append(points, p)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"points": points})
}
