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

package escalate

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	clocktest "k8s.io/utils/clock/testing"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/cache"
)

func TestRunHoldsOneBusSubscription(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ca := cache.NewWithClient(nil, rdb, clocktest.NewFakeClock(time.Now()))

	r := NewResolver(nil, nil, ca)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	// PSubscribe registration races the first publish without a handshake.
	time.Sleep(50 * time.Millisecond)

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		r.mtx.Lock()
		r.cached["s1"] = cachedResolution{userID: "u1", expiresAt: time.Now().Add(time.Hour)}
		r.mtx.Unlock()
		require.NoError(t, ca.Publish(ctx, cache.OnCallInvalidateChannel("t1"), "s1"))
		time.Sleep(2 * time.Millisecond)
	}

	// Every message must land on the one subscription opened at startup.
	require.Eventually(t, func() bool {
		r.mtx.Lock()
		defer r.mtx.Unlock()
		_, ok := r.cached["s1"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Less(t, runtime.NumGoroutine(), before+10,
		"invalidation messages must not spawn subscriptions")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
