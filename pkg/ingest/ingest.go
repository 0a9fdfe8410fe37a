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

// Package ingest normalizes adapter events into telemetry rows. A single
// bounded channel decouples protocol adapters from the batch writer so a slow
// database never blocks a broker callback.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/cache"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

var (
	eventsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_ingest_events_enqueued_total",
		Help: "Number of telemetry events accepted into the ingestion queue.",
	})
	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_ingest_events_dropped_total",
		Help: "Number of telemetry events dropped before persistence.",
	}, []string{"reason"})
	pointsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_ingest_points_written_total",
		Help: "Number of telemetry points persisted.",
	})
	pointsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_ingest_points_deduplicated_total",
		Help: "Number of telemetry points dropped as duplicates on insert.",
	})
	quotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_ingest_quota_rejections_total",
		Help: "Number of telemetry batches rejected by the daily tenant quota.",
	}, []string{"tenant"})
	queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iiot_ingest_queue_length",
		Help: "Current number of events waiting in the ingestion queue.",
	})
)

const (
	// queueCapacity bounds memory under adapter bursts. Adapters observe a
	// full queue through TryEnqueue and apply protocol-level backpressure.
	queueCapacity = 8192
	// batchSize and batchDelay control the write batching: a flush happens
	// when batchSize points accumulated or batchDelay passed since the first
	// buffered event, whichever is first.
	batchSize  = 500
	batchDelay = time.Second

	// bindingTTL bounds staleness of the device to tenant binding cache.
	bindingTTL = time.Minute
)

// Sink receives accepted telemetry after persistence. The rule engine
// registers itself here for reactive evaluation.
type Sink interface {
	Consume(ctx context.Context, ev model.TelemetryEvent)
}

type binding struct {
	tenantID  string
	quota     *int64
	expiresAt time.Time
}

// Pipeline is the ingestion stage between adapters and the store.
type Pipeline struct {
	logger log.Logger
	store  *store.Store
	cache  *cache.Cache
	clock  clock.Clock

	ch    chan model.TelemetryEvent
	sinks []Sink

	mtx      sync.Mutex
	bindings map[string]binding

	// autoProvision controls whether unknown device ids with a resolved
	// tenant create a device row instead of being dropped.
	autoProvision bool
}

// New builds the pipeline. reg may be nil in tests.
func New(logger log.Logger, reg prometheus.Registerer, st *store.Store, ca *cache.Cache, autoProvision bool) *Pipeline {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(eventsEnqueued, eventsDropped, pointsWritten, pointsDeduplicated, quotaRejections, queueLength)
	}
	return &Pipeline{
		logger:        logger,
		store:         st,
		cache:         ca,
		clock:         clock.RealClock{},
		ch:            make(chan model.TelemetryEvent, queueCapacity),
		bindings:      map[string]binding{},
		autoProvision: autoProvision,
	}
}

// RegisterSink adds a consumer of accepted events. Must be called before Run.
func (p *Pipeline) RegisterSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Healthy reports whether the pipeline currently accepts events. It is false
// while the store breaker is open; adapters pause consumption then instead of
// piling events into a queue that cannot drain.
func (p *Pipeline) Healthy() bool {
	return p.store.Healthy()
}

// TryEnqueue offers an event without blocking. A false return tells the
// adapter to apply its protocol's backpressure (nack, delay, 5.03).
func (p *Pipeline) TryEnqueue(ev model.TelemetryEvent) bool {
	if !p.Healthy() {
		eventsDropped.WithLabelValues("store_unavailable").Inc()
		return false
	}
	if ev.DeviceID == "" || len(ev.Readings) == 0 {
		eventsDropped.WithLabelValues("invalid").Inc()
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.clock.Now()
	}
	select {
	case p.ch <- ev:
		eventsEnqueued.Inc()
		queueLength.Set(float64(len(p.ch)))
		return true
	default:
		eventsDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

// Run drains the queue until ctx is cancelled, flushing batches on size or
// delay. A final flush happens on shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	var (
		buf   []model.TelemetryEvent
		total int
		timer = time.NewTimer(batchDelay)
	)
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		if len(buf) == 0 {
			return
		}
		p.flush(ctx, buf)
		buf, total = nil, 0
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.flushRemaining(flushCtx, buf)
			cancel()
			return nil
		case ev := <-p.ch:
			queueLength.Set(float64(len(p.ch)))
			if len(buf) == 0 {
				timer.Reset(batchDelay)
			}
			buf = append(buf, ev)
			total += len(ev.Readings)
			if total >= batchSize {
				if !timer.Stop() {
					<-timer.C
				}
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

func (p *Pipeline) flushRemaining(ctx context.Context, buf []model.TelemetryEvent) {
	for {
		select {
		case ev := <-p.ch:
			buf = append(buf, ev)
		default:
			p.flush(ctx, buf)
			return
		}
	}
}

// flush groups buffered events per tenant and writes each group in one
// quota-checked batch insert.
func (p *Pipeline) flush(ctx context.Context, buf []model.TelemetryEvent) {
	type group struct {
		quota  *int64
		points []model.TelemetryPoint
		events []model.TelemetryEvent
	}
	groups := map[string]*group{}

	for _, ev := range buf {
		b, err := p.resolveBinding(ctx, &ev)
		if err != nil {
			eventsDropped.WithLabelValues("unresolved_device").Inc()
			_ = level.Debug(p.logger).Log("msg", "dropped event for unresolved device", "device", ev.DeviceID, "err", err)
			continue
		}
		g, ok := groups[b.tenantID]
		if !ok {
			g = &group{quota: b.quota}
			groups[b.tenantID] = g
		}
		g.points = append(g.points, eventPoints(b.tenantID, ev)...)
		g.events = append(g.events, ev)
	}

	for tenantID, g := range groups {
		inserted, err := p.store.InsertTelemetryBatch(ctx, tenantID, g.quota, g.points)
		if err != nil {
			if errors.Is(err, platform.ErrQuotaExceeded) {
				quotaRejections.WithLabelValues(tenantID).Inc()
				eventsDropped.WithLabelValues("quota").Add(float64(len(g.events)))
				continue
			}
			eventsDropped.WithLabelValues("store_error").Add(float64(len(g.events)))
			_ = level.Warn(p.logger).Log("msg", "telemetry batch insert failed", "tenant", tenantID, "points", len(g.points), "err", err)
			continue
		}
		pointsWritten.Add(float64(inserted))
		pointsDeduplicated.Add(float64(int64(len(g.points)) - inserted))
		p.afterWrite(ctx, tenantID, g.events)
	}
}

// afterWrite refreshes device liveness and fans accepted events out to the
// bus and the registered sinks.
func (p *Pipeline) afterWrite(ctx context.Context, tenantID string, events []model.TelemetryEvent) {
	seen := map[string]time.Time{}
	for _, ev := range events {
		if t, ok := seen[ev.DeviceID]; !ok || ev.Timestamp.After(t) {
			seen[ev.DeviceID] = ev.Timestamp
		}
	}
	for deviceID, at := range seen {
		if err := p.store.TouchDevice(ctx, tenantID, deviceID, at); err != nil {
			_ = level.Warn(p.logger).Log("msg", "device last-seen refresh failed", "device", deviceID, "err", err)
		}
		if p.cache != nil {
			if err := p.cache.Publish(ctx, cache.ChannelDeviceStatus, tenantID+":"+deviceID+":active"); err != nil {
				_ = level.Debug(p.logger).Log("msg", "device status publish failed", "err", err)
			}
		}
	}
	for _, ev := range events {
		ev.TenantID = tenantID
		for _, s := range p.sinks {
			s.Consume(ctx, ev)
		}
	}
}

// resolveBinding maps the event's device to its tenant and telemetry quota,
// provisioning the device when allowed.
func (p *Pipeline) resolveBinding(ctx context.Context, ev *model.TelemetryEvent) (binding, error) {
	now := p.clock.Now()

	p.mtx.Lock()
	b, ok := p.bindings[ev.DeviceID]
	p.mtx.Unlock()
	if ok && now.Before(b.expiresAt) {
		return b, nil
	}

	d, err := p.store.GetDeviceAnyTenant(ctx, ev.DeviceID)
	if err != nil {
		if !errors.Is(err, platform.ErrNotFound) {
			return binding{}, err
		}
		if !p.autoProvision || ev.TenantID == "" {
			return binding{}, err
		}
		d = &model.Device{
			ID:       ev.DeviceID,
			TenantID: ev.TenantID,
			Name:     ev.DeviceID,
			Type:     "auto",
			Protocol: ev.SourceProtocol,
			Status:   model.DeviceActive,
		}
		if err := p.store.CreateDevice(ctx, d); err != nil && !errors.Is(err, platform.ErrConflict) {
			return binding{}, err
		}
		_ = level.Info(p.logger).Log("msg", "auto-provisioned device", "device", d.ID, "tenant", d.TenantID, "protocol", d.Protocol)
	}

	// An adapter-claimed tenant that disagrees with the registered binding is
	// a spoofing attempt or a misconfigured gateway. The registration wins.
	if ev.TenantID != "" && ev.TenantID != d.TenantID {
		return binding{}, errors.Errorf("device %s is not registered to tenant %s", ev.DeviceID, ev.TenantID)
	}

	t, err := p.store.GetTenant(ctx, d.TenantID)
	if err != nil {
		return binding{}, err
	}
	b = binding{tenantID: d.TenantID, quota: t.MaxTelemetryPerDay, expiresAt: now.Add(bindingTTL)}
	p.mtx.Lock()
	p.bindings[ev.DeviceID] = b
	p.mtx.Unlock()
	return b, nil
}

// KnownDevice reports whether the device resolves to a tenant, either from
// the binding cache or the store. The CoAP front-end uses it to reject
// unroutable posts synchronously.
func (p *Pipeline) KnownDevice(ctx context.Context, deviceID string) bool {
	ev := model.TelemetryEvent{DeviceID: deviceID}
	_, err := p.resolveBinding(ctx, &ev)
	return err == nil
}

// InvalidateBinding drops the cached binding for a device, called on device
// mutation through the API.
func (p *Pipeline) InvalidateBinding(deviceID string) {
	p.mtx.Lock()
	delete(p.bindings, deviceID)
	p.mtx.Unlock()
}

func eventPoints(tenantID string, ev model.TelemetryEvent) []model.TelemetryPoint {
	pts := make([]model.TelemetryPoint, 0, len(ev.Readings))
	for key, r := range ev.Readings {
		quality := 1.0
		if r.Quality != nil {
			quality = *r.Quality
		}
		var unit *string
		if r.Unit != "" {
			u := r.Unit
			unit = &u
		}
		pts = append(pts, model.TelemetryPoint{
			TenantID:       tenantID,
			DeviceID:       ev.DeviceID,
			Key:            key,
			NumericValue:   r.Numeric,
			StringValue:    r.Text,
			Unit:           unit,
			Timestamp:      ev.Timestamp,
			Quality:        quality,
			SourceProtocol: ev.SourceProtocol,
		})
	}
	return pts
}
