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

package notify

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
)

type fakeSender struct {
	name string

	mtx      sync.Mutex
	attempts int
	failN    int // fail the first failN attempts
	err      error
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(context.Context, Notification) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.attempts++
	if f.attempts <= f.failN {
		if f.err != nil {
			return f.err
		}
		return errors.New("transient failure")
	}
	return nil
}

type fakeRecorder struct {
	mtx   sync.Mutex
	notes []string
}

func (f *fakeRecorder) AddAlertNote(_ context.Context, _, _, _, note string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	s := &fakeSender{name: "email", failN: 2}
	rec := &fakeRecorder{}
	d := NewDispatcher(nil, nil, rec, s)

	d.deliver(context.Background(), s, Notification{AlertID: "a1", TenantID: "t1"})
	require.Equal(t, 3, s.attempts)
	require.Empty(t, rec.notes, "a recovered delivery records nothing")
}

func TestDeliverRecordsTerminalFailure(t *testing.T) {
	s := &fakeSender{name: "email", failN: maxAttempts}
	rec := &fakeRecorder{}
	d := NewDispatcher(nil, nil, rec, s)

	d.deliver(context.Background(), s, Notification{AlertID: "a1", TenantID: "t1"})
	require.Equal(t, maxAttempts, s.attempts)
	require.Len(t, rec.notes, 1)
	require.Contains(t, rec.notes[0], "delivery failed")
}

func TestDeliverStopsOnPermanentError(t *testing.T) {
	s := &fakeSender{name: "webhook", failN: maxAttempts, err: Permanent(errors.New("restricted address"))}
	rec := &fakeRecorder{}
	d := NewDispatcher(nil, nil, rec, s)

	d.deliver(context.Background(), s, Notification{AlertID: "a1", TenantID: "t1"})
	require.Equal(t, 1, s.attempts, "permanent failures must not retry")
	require.Len(t, rec.notes, 1)
}

func TestDispatchUnknownChannelDoesNotPanic(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	d.Dispatch(context.Background(), Notification{Action: model.Action{Channel: "pager"}})
}

func TestFormatSMS(t *testing.T) {
	msg := FormatSMS(model.SeverityCritical, "boiler pressure high")
	require.Equal(t, "[CRITICAL] boiler pressure high", msg)

	long := FormatSMS(model.SeverityLow, strings.Repeat("x", 300))
	require.Len(t, long, 160)
	require.True(t, strings.HasPrefix(long, "[LOW] "))
}
