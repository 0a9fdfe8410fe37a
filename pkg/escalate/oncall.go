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

// Package escalate advances unacknowledged alerts through their tenant's
// escalation policy and resolves on-call rotations.
package escalate

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/cache"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

// resolutionTTL bounds how long a resolved on-call user is reused without
// re-reading the schedule.
const resolutionTTL = time.Hour

type cachedResolution struct {
	userID    string
	expiresAt time.Time
}

// Resolver maps (schedule, instant) to the on-call user id.
type Resolver struct {
	logger log.Logger
	store  *store.Store
	bus    *cache.Cache
	clock  clock.Clock

	mtx    sync.Mutex
	cached map[string]cachedResolution
}

// NewResolver builds the resolver. bus may be nil in tests.
func NewResolver(logger log.Logger, st *store.Store, bus *cache.Cache) *Resolver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Resolver{
		logger: logger,
		store:  st,
		bus:    bus,
		clock:  clock.RealClock{},
		cached: map[string]cachedResolution{},
	}
}

// Run consumes schedule invalidations until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return nil
	}
	msgs := r.bus.Subscribe(ctx, cache.OnCallInvalidateChannel("*"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				<-ctx.Done()
				return nil
			}
			// Payload is the schedule id; empty clears everything.
			r.Invalidate(m.Payload)
		}
	}
}

// Invalidate drops cached resolutions for scheduleID, or all when empty.
func (r *Resolver) Invalidate(scheduleID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if scheduleID == "" {
		r.cached = map[string]cachedResolution{}
		return
	}
	delete(r.cached, scheduleID)
}

// OnCallUser returns the user currently on call for the schedule.
func (r *Resolver) OnCallUser(ctx context.Context, tenantID, scheduleID string) (string, error) {
	now := r.clock.Now()
	r.mtx.Lock()
	if c, ok := r.cached[scheduleID]; ok && now.Before(c.expiresAt) {
		r.mtx.Unlock()
		return c.userID, nil
	}
	r.mtx.Unlock()

	sched, err := r.store.GetOnCallSchedule(ctx, tenantID, scheduleID)
	if err != nil {
		return "", err
	}
	userID, err := ResolveAt(sched, now)
	if err != nil {
		return "", err
	}
	r.mtx.Lock()
	r.cached[scheduleID] = cachedResolution{userID: userID, expiresAt: now.Add(resolutionTTL)}
	r.mtx.Unlock()
	return userID, nil
}

// ResolveAt computes the on-call user of sched at instant t. Overrides win
// over the rotation; rotation arithmetic happens in the schedule's timezone.
func ResolveAt(sched *model.OnCallSchedule, t time.Time) (string, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return "", errors.Wrapf(err, "schedule %s timezone %q", sched.ID, sched.Timezone)
	}
	local := t.In(loc)
	date := local.Format("2006-01-02")

	if userID, ok := sched.Overrides[date]; ok {
		return userID, nil
	}

	switch sched.Rotation.Kind {
	case model.RotationWeekly:
		if len(sched.Rotation.Users) == 0 {
			return "", errors.Wrapf(platform.ErrNotFound, "schedule %s has no rotation users", sched.ID)
		}
		_, week := local.ISOWeek()
		return sched.Rotation.Users[week%len(sched.Rotation.Users)], nil
	case model.RotationDaily:
		if len(sched.Rotation.Users) == 0 {
			return "", errors.Wrapf(platform.ErrNotFound, "schedule %s has no rotation users", sched.ID)
		}
		return sched.Rotation.Users[int(local.Weekday())%len(sched.Rotation.Users)], nil
	case model.RotationCustom:
		for _, rr := range sched.Rotation.Ranges {
			if rr.Start <= date && date < rr.End {
				return rr.UserID, nil
			}
		}
		return "", errors.Wrapf(platform.ErrNotFound, "schedule %s has no range covering %s", sched.ID, date)
	}
	return "", errors.Errorf("schedule %s has unknown rotation kind %q", sched.ID, sched.Rotation.Kind)
}

// InvalidateSchedule drops the local cache and broadcasts the invalidation.
// Called by the API layer on schedule mutation.
func (r *Resolver) InvalidateSchedule(ctx context.Context, tenantID, scheduleID string) {
	r.Invalidate(scheduleID)
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, cache.OnCallInvalidateChannel(tenantID), scheduleID); err != nil {
		_ = level.Debug(r.logger).Log("msg", "on-call invalidation publish failed", "schedule", scheduleID, "err", err)
	}
}
