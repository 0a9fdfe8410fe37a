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

// Package notify delivers alert notifications over email, SMS and webhooks.
// Delivery is best-effort with bounded retries; a failed delivery is recorded
// on the alert history and never changes alert state.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
)

var (
	sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_notify_sends_total",
		Help: "Number of notification deliveries by channel and outcome.",
	}, []string{"channel", "outcome"})
	sendRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_notify_retries_total",
		Help: "Number of delivery retries by channel.",
	}, []string{"channel"})
	queueDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_notify_queue_drops_total",
		Help: "Number of notifications dropped because a channel queue was full.",
	}, []string{"channel"})
)

const (
	channelQueueSize = 1024
	workersPerChannel = 4

	maxAttempts = 3
)

// retryDelays are the waits before attempt 2 and 3 and after the final
// failure accounting.
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Notification is one delivery request for one target.
type Notification struct {
	TenantID string
	AlertID  string
	Severity model.Severity
	Subject  string
	Body     string
	Action   model.Action
}

// Sender delivers a notification over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Recorder appends a delivery-failure note to the alert history. The store
// implements it.
type Recorder interface {
	AddAlertNote(ctx context.Context, tenantID, alertID, changedBy, note string) error
}

type pool struct {
	sender Sender
	queue  chan Notification
}

// Dispatcher fans notifications out to per-channel worker pools.
type Dispatcher struct {
	logger   log.Logger
	recorder Recorder
	pools    map[string]*pool
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the given senders. reg and recorder
// may be nil in tests.
func NewDispatcher(logger log.Logger, reg prometheus.Registerer, recorder Recorder, senders ...Sender) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(sendsTotal, sendRetries, queueDrops)
	}
	d := &Dispatcher{
		logger:   logger,
		recorder: recorder,
		pools:    map[string]*pool{},
	}
	for _, s := range senders {
		d.pools[s.Name()] = &pool{sender: s, queue: make(chan Notification, channelQueueSize)}
	}
	return d
}

// Run starts the channel workers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for name, p := range d.pools {
		for i := 0; i < workersPerChannel; i++ {
			d.wg.Add(1)
			go d.worker(ctx, name, p)
		}
	}
	<-ctx.Done()
	d.wg.Wait()
	return nil
}

// Dispatch enqueues a notification without blocking. Unknown channels and
// full queues are counted and logged; the caller never waits on delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	p, ok := d.pools[n.Action.Channel]
	if !ok {
		_ = level.Warn(d.logger).Log("msg", "notification for unconfigured channel", "channel", n.Action.Channel, "alert", n.AlertID)
		sendsTotal.WithLabelValues(n.Action.Channel, "unconfigured").Inc()
		return
	}
	select {
	case p.queue <- n:
	default:
		queueDrops.WithLabelValues(n.Action.Channel).Inc()
		_ = level.Warn(d.logger).Log("msg", "notification queue full, dropping", "channel", n.Action.Channel, "alert", n.AlertID)
	}
}

func (d *Dispatcher) worker(ctx context.Context, name string, p *pool) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.queue:
			d.deliver(ctx, p.sender, n)
		}
	}
}

// deliver attempts the send with bounded retries, then records the terminal
// failure on the alert history.
func (d *Dispatcher) deliver(ctx context.Context, s Sender, n Notification) {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			sendRetries.WithLabelValues(s.Name()).Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelays[attempt-1]):
			}
		}
		if err = s.Send(ctx, n); err == nil {
			sendsTotal.WithLabelValues(s.Name(), "success").Inc()
			return
		}
		_ = level.Warn(d.logger).Log("msg", "notification delivery failed", "channel", s.Name(), "alert", n.AlertID, "attempt", attempt+1, "err", err)
		if IsPermanent(err) {
			break
		}
	}
	sendsTotal.WithLabelValues(s.Name(), "failure").Inc()
	if d.recorder != nil && n.AlertID != "" {
		note := fmt.Sprintf("%s notification delivery failed after %d attempts: %v", s.Name(), maxAttempts, err)
		if rerr := d.recorder.AddAlertNote(ctx, n.TenantID, n.AlertID, "system", note); rerr != nil {
			_ = level.Warn(d.logger).Log("msg", "recording delivery failure failed", "alert", n.AlertID, "err", rerr)
		}
	}
}

// errPermanent marks failures retries cannot fix.
type errPermanent struct{ error }

// Permanent wraps err so deliver could stop early; kept exported for senders.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errPermanent{err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var p errPermanent
	return errors.As(err, &p)
}
