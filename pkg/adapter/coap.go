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

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

// Binder answers whether a device has a registered tenant binding, so the
// CoAP front-end can reject unroutable posts synchronously.
type Binder interface {
	KnownDevice(ctx context.Context, deviceID string) bool
}

// CoAPConfig carries listener settings.
type CoAPConfig struct {
	ListenAddress string // default ":5683"
}

// CoAP serves the constrained-device ingestion endpoint over UDP.
type CoAP struct {
	logger   log.Logger
	cfg      CoAPConfig
	pipeline Pipeline
	binder   Binder
	store    *store.Store
}

// NewCoAP builds the adapter.
func NewCoAP(logger log.Logger, cfg CoAPConfig, pipeline Pipeline, binder Binder, st *store.Store) *CoAP {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":5683"
	}
	return &CoAP{logger: logger, cfg: cfg, pipeline: pipeline, binder: binder, store: st}
}

// Run serves until ctx is cancelled.
func (c *CoAP) Run(ctx context.Context) error {
	r := mux.NewRouter()
	_ = r.Handle("/telemetry", mux.HandlerFunc(func(w mux.ResponseWriter, req *mux.Message) {
		c.handleTelemetry(ctx, w, req)
	}))
	_ = r.Handle("/devices", mux.HandlerFunc(func(w mux.ResponseWriter, req *mux.Message) {
		c.handleDevices(ctx, w, req)
	}))
	_ = r.Handle("/.well-known/core", mux.HandlerFunc(func(w mux.ResponseWriter, req *mux.Message) {
		c.handleDiscovery(w, req)
	}))

	l, err := coapnet.NewListenUDP("udp", c.cfg.ListenAddress)
	if err != nil {
		return errors.Wrap(err, "coap listen")
	}
	srv := udp.NewServer(options.WithMux(r))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	_ = level.Info(c.logger).Log("msg", "coap listening", "address", c.cfg.ListenAddress)

	select {
	case <-ctx.Done():
		srv.Stop()
		_ = l.Close()
		return nil
	case err := <-errCh:
		return errors.Wrap(err, "coap serve")
	}
}

func respond(w mux.ResponseWriter, code codes.Code, mediaType message.MediaType, body []byte) {
	if err := w.SetResponse(code, mediaType, bytes.NewReader(body)); err != nil {
		// Nothing more to do for an unwritable response.
		_ = err
	}
}

// handleTelemetry accepts POST bodies in CBOR or JSON. 2.01 on ingest,
// 4.00 on malformed payloads, 4.03 when no tenant is resolvable, 5.03 under
// backpressure.
func (c *CoAP) handleTelemetry(ctx context.Context, w mux.ResponseWriter, req *mux.Message) {
	eventsReceived.WithLabelValues("coap").Inc()
	if req.Code() != codes.POST {
		respond(w, codes.MethodNotAllowed, message.TextPlain, []byte("POST only"))
		return
	}
	body, err := req.ReadBody()
	if err != nil || len(body) == 0 {
		eventsMalformed.WithLabelValues("coap").Inc()
		respond(w, codes.BadRequest, message.TextPlain, []byte("empty body"))
		return
	}

	var doc map[string]any
	mt, _ := req.ContentFormat()
	if mt == message.AppCBOR {
		err = cbor.Unmarshal(body, &doc)
	} else {
		err = json.Unmarshal(body, &doc)
	}
	if err != nil {
		eventsMalformed.WithLabelValues("coap").Inc()
		respond(w, codes.BadRequest, message.TextPlain, []byte("unparsable payload"))
		return
	}

	ev, err := DecodeTelemetry("", doc, model.ProtocolCoAP, body)
	if err != nil {
		eventsMalformed.WithLabelValues("coap").Inc()
		respond(w, codes.BadRequest, message.TextPlain, []byte(err.Error()))
		return
	}
	if ev.TenantID == "" && !c.binder.KnownDevice(ctx, ev.DeviceID) {
		respond(w, codes.Forbidden, message.TextPlain, []byte("no tenant binding for device"))
		return
	}
	if !c.pipeline.TryEnqueue(ev) {
		backpressureTotal.WithLabelValues("coap").Inc()
		respond(w, codes.ServiceUnavailable, message.TextPlain, []byte("try later"))
		return
	}
	respond(w, codes.Created, message.TextPlain, nil)
}

// handleDevices serves device lookups: ?id=<device> or ?tenant_id=<tenant>.
func (c *CoAP) handleDevices(ctx context.Context, w mux.ResponseWriter, req *mux.Message) {
	if req.Code() != codes.GET {
		respond(w, codes.MethodNotAllowed, message.TextPlain, []byte("GET only"))
		return
	}
	queries, _ := req.Queries()
	var id, tenantID string
	for _, q := range queries {
		if v, ok := strings.CutPrefix(q, "id="); ok {
			id = v
		}
		if v, ok := strings.CutPrefix(q, "tenant_id="); ok {
			tenantID = v
		}
	}

	switch {
	case id != "":
		d, err := c.store.GetDeviceAnyTenant(ctx, id)
		if err != nil {
			respond(w, codes.NotFound, message.TextPlain, []byte("unknown device"))
			return
		}
		c.respondJSON(w, d)
	case tenantID != "":
		ds, err := c.store.ListDevices(ctx, tenantID)
		if err != nil {
			respond(w, codes.InternalServerError, message.TextPlain, []byte("listing failed"))
			return
		}
		c.respondJSON(w, ds)
	default:
		respond(w, codes.BadRequest, message.TextPlain, []byte("id or tenant_id query required"))
	}
}

func (c *CoAP) respondJSON(w mux.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		respond(w, codes.InternalServerError, message.TextPlain, []byte("encoding failed"))
		return
	}
	respond(w, codes.Content, message.AppJSON, body)
}

// handleDiscovery serves the RFC 6690 resource listing.
func (c *CoAP) handleDiscovery(w mux.ResponseWriter, _ *mux.Message) {
	links := `</telemetry>;rt="iiot.telemetry";ct="60 50",</devices>;rt="iiot.devices";ct=50`
	respond(w, codes.Content, message.AppLinkFormat, []byte(links))
}
