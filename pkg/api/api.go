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

// Package api serves the management surface: auth, tenants, devices, rules,
// alerts, escalation policies and on-call schedules. Every data endpoint is
// tenant-filtered; a resource of another tenant answers exactly like a
// missing one.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/alert"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/cache"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/escalate"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/ingest"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/rules"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/tenant"
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "iiot_api_requests_total",
	Help: "Number of API requests by method and status class.",
}, []string{"method", "class"})

// CommandPublisher pushes a command payload to one device over a connected
// protocol adapter.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, deviceID string, payload []byte) error
}

// Options carries the server's collaborators. RuleEngine, Pipeline, Resolver,
// Commands and Cache may be nil in tests.
type Options struct {
	Logger     log.Logger
	Registry   prometheus.Registerer
	Store      *store.Store
	Cache      *cache.Cache
	Kernel     *tenant.Kernel
	Alerts     *alert.Manager
	RuleEngine *rules.Engine
	Pipeline   *ingest.Pipeline
	Resolver   *escalate.Resolver
	Commands   []CommandPublisher
}

// Server is the management API.
type Server struct {
	logger   log.Logger
	store    *store.Store
	cache    *cache.Cache
	kernel   *tenant.Kernel
	alerts   *alert.Manager
	engine   *rules.Engine
	pipeline *ingest.Pipeline
	resolver *escalate.Resolver
	commands []CommandPublisher
	validate *validator.Validate
}

// New builds the server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Registry != nil {
		opts.Registry.MustRegister(requestsTotal)
	}
	return &Server{
		logger:   opts.Logger,
		store:    opts.Store,
		cache:    opts.Cache,
		kernel:   opts.Kernel,
		alerts:   opts.Alerts,
		engine:   opts.RuleEngine,
		pipeline: opts.Pipeline,
		resolver: opts.Resolver,
		commands: opts.Commands,
		validate: validator.New(),
	}
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(300, time.Minute))

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.kernel.Authenticate)

		r.Route("/tenants", func(r chi.Router) {
			r.With(tenant.RequireSystemAdmin).Get("/", s.handleListTenants)
			r.With(tenant.RequireSystemAdmin).Post("/", s.handleCreateTenant)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTenant)
				r.With(tenant.RequireTenantAdmin).Patch("/", s.handleUpdateTenant)
				r.With(tenant.RequireSystemAdmin).Delete("/", s.handleDeleteTenant)
				r.Get("/stats", s.handleTenantStats)
				r.Get("/quotas", s.handleTenantQuotas)
				r.Get("/users", s.handleListMembers)
				r.With(tenant.RequireTenantAdmin).Post("/users/invite", s.handleInviteMember)
				r.With(tenant.RequireTenantAdmin).Delete("/users/{user_id}", s.handleRemoveMember)
				r.With(tenant.RequireTenantAdmin).Patch("/users/{user_id}/role", s.handleChangeMemberRole)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(tenant.RequireTenant)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/", s.handleCreateDevice)
				r.Get("/{id}", s.handleGetDevice)
				r.Patch("/{id}", s.handleUpdateDevice)
				r.Delete("/{id}", s.handleDeleteDevice)
				r.Get("/{id}/telemetry", s.handleDeviceTelemetry)
				r.Post("/{id}/commands", s.handleDeviceCommand)
			})

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)
				r.Get("/{id}", s.handleGetRule)
				r.Patch("/{id}", s.handleUpdateRule)
				r.Delete("/{id}", s.handleDeleteRule)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleListAlerts)
				r.Post("/", s.handleCreateAlert)
				r.Get("/{id}", s.handleGetAlert)
				r.Post("/{id}/acknowledge", s.transitionHandler("acknowledged"))
				r.Post("/{id}/investigate", s.transitionHandler("investigating"))
				r.Post("/{id}/resolve", s.transitionHandler("resolved"))
				r.Post("/{id}/reopen", s.transitionHandler("new"))
				r.Post("/{id}/notes", s.handleAddNote)
				r.Get("/{id}/history", s.handleAlertHistory)
			})

			r.Route("/escalation-policies", func(r chi.Router) {
				r.Get("/", s.handleListPolicies)
				r.With(tenant.RequireTenantAdmin).Post("/", s.handleCreatePolicy)
				r.Get("/{id}", s.handleGetPolicy)
				r.With(tenant.RequireTenantAdmin).Patch("/{id}", s.handleUpdatePolicy)
				r.With(tenant.RequireTenantAdmin).Delete("/{id}", s.handleDeletePolicy)
			})

			r.Route("/on-call-schedules", func(r chi.Router) {
				r.Get("/", s.handleListSchedules)
				r.With(tenant.RequireTenantAdmin).Post("/", s.handleCreateSchedule)
				r.Get("/{id}", s.handleGetSchedule)
				r.With(tenant.RequireTenantAdmin).Patch("/{id}", s.handleUpdateSchedule)
				r.With(tenant.RequireTenantAdmin).Delete("/{id}", s.handleDeleteSchedule)
			})

			r.Get("/on-call/current", s.handleOnCallCurrent)
		})
	})
	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		class := "2xx"
		switch {
		case ww.Status() >= 500:
			class = "5xx"
		case ww.Status() >= 400:
			class = "4xx"
		case ww.Status() >= 300:
			class = "3xx"
		}
		requestsTotal.WithLabelValues(r.Method, class).Inc()
	})
}

// statusFor maps taxonomy errors onto HTTP codes. Tenant-scoped not-found
// and forbidden both land on 404 so existence is never disclosed across
// tenants.
func statusFor(err error) int {
	switch {
	case errors.Is(err, platform.ErrValidation), errors.Is(err, platform.ErrInvalidStateTransition):
		return http.StatusBadRequest
	case errors.Is(err, platform.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, platform.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, platform.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, platform.ErrUnauthenticated), errors.Is(err, platform.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, platform.ErrForbidden), errors.Is(err, platform.ErrTenantContextRequired):
		return http.StatusForbidden
	case errors.Is(err, platform.ErrStorageUnavailable), errors.Is(err, platform.ErrCacheUnavailable), errors.Is(err, platform.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]string{"error": err.Error()}
	if status >= 500 {
		// Internals stay in the log, not the response.
		_ = level.Error(s.logger).Log("msg", "request failed", "path", r.URL.Path, "err", err)
		body["error"] = "internal error"
	}
	if code := platform.Code(err); code != "" {
		body["code"] = code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decode parses and validates a JSON request body.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v); err != nil {
		return errors.Wrap(platform.ErrValidation, err.Error())
	}
	if err := s.validate.Struct(v); err != nil {
		return errors.Wrap(platform.ErrValidation, err.Error())
	}
	return nil
}
