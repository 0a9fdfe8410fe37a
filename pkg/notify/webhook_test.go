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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktest "k8s.io/utils/clock/testing"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
)

func TestBlockedAddr(t *testing.T) {
	blocked := []string{
		"127.0.0.1",
		"10.0.0.8",
		"172.16.4.2",
		"172.31.255.255",
		"192.168.1.1",
		"169.254.169.254", // cloud metadata
		"0.0.0.0",
		"::1",
		"fc00::1",
		"fd12:3456::1",
		"fe80::1",
		"::ffff:10.0.0.1", // v4-mapped private
	}
	for _, s := range blocked {
		require.True(t, blockedAddr(netip.MustParseAddr(s)), "%s must be blocked", s)
	}

	allowed := []string{
		"93.184.216.34",
		"8.8.8.8",
		"172.32.0.1", // just outside 172.16/12
		"2606:2800:220:1:248:1893:25c8:1946",
	}
	for _, s := range allowed {
		require.False(t, blockedAddr(netip.MustParseAddr(s)), "%s must be allowed", s)
	}
}

func TestGuardedDialRefusesLoopback(t *testing.T) {
	_, err := guardedDialContext(context.Background(), "tcp", "127.0.0.1:80")
	require.Error(t, err)
	require.Contains(t, err.Error(), "restricted address")

	_, err = guardedDialContext(context.Background(), "tcp", "localhost:80")
	require.Error(t, err)
}

func TestSendRejectsInvalidURL(t *testing.T) {
	s := NewWebhookSender(nil)
	for _, u := range []string{"", "ftp://example.com/x", "not a url", "file:///etc/passwd"} {
		err := s.Send(context.Background(), Notification{Action: model.Action{Channel: "webhook", URL: u}})
		require.Error(t, err, "url %q", u)
		require.True(t, IsPermanent(err), "url %q must fail permanently", u)
	}
}

// seqLimiter plays back a fixed sequence of counter values.
type seqLimiter struct {
	counts []int64
	calls  int
}

func (l *seqLimiter) Incr(context.Context, string, time.Duration) (int64, error) {
	l.calls++
	if l.calls > len(l.counts) {
		return l.counts[len(l.counts)-1], nil
	}
	return l.counts[l.calls-1], nil
}

func TestSendWaitsOutRateLimit(t *testing.T) {
	// Two over-budget answers, then a free slot. The sender must wait and
	// retry the counter rather than give up on the delivery.
	limiter := &seqLimiter{counts: []int64{3, 2, 1}}
	fc := clocktest.NewFakeClock(time.Now())
	s := NewWebhookSender(limiter)
	s.clock = fc

	done := make(chan error, 1)
	go func() {
		done <- s.waitForRateSlot(context.Background(), "hooks.acme.test")
	}()

	for i := 0; i < 2; i++ {
		require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
		fc.Step(rateRetryInterval)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not acquire a rate slot")
	}
	require.Equal(t, 3, limiter.calls)
}

func TestRateSlotWaitStopsOnCancel(t *testing.T) {
	limiter := &seqLimiter{counts: []int64{5}}
	fc := clocktest.NewFakeClock(time.Now())
	s := NewWebhookSender(limiter)
	s.clock = fc

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.waitForRateSlot(ctx, "hooks.acme.test")
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not release the waiter")
	}
}

func TestSign(t *testing.T) {
	body := []byte(`{"alert_id":"a1"}`)
	got := Sign("topsecret", "1756000000", body)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte("1756000000." + string(body)))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), got)

	// A different secret or timestamp changes the signature.
	require.NotEqual(t, got, Sign("other", "1756000000", body))
	require.NotEqual(t, got, Sign("topsecret", "1756000001", body))
}
