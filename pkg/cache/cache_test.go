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

package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	clocktest "k8s.io/utils/clock/testing"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis, *clocktest.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := clocktest.NewFakeClock(time.Now())
	return NewWithClient(nil, rdb, c), mr, c
}

func TestSetGetDelete(t *testing.T) {
	c, _, _ := testCache(t)
	ctx := t.Context()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetServesLocalLayerAfterRedisLoss(t *testing.T) {
	c, mr, _ := testCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	mr.Close()

	// The local entry is still fresh, so the outage is invisible.
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestLocalEntryExpires(t *testing.T) {
	c, mr, clk := testCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	clk.SetTime(clk.Now().Add(localTTLMax + time.Second))
	mr.Close()

	// Stale local entry and no Redis: the caller sees the outage and falls
	// through to the database.
	_, _, err := c.Get(ctx, "k")
	require.Error(t, err)
	require.True(t, errors.Is(err, platform.ErrCacheUnavailable))
}

func TestForgetDropsOnlyLocal(t *testing.T) {
	c, _, _ := testCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	c.Forget("k")

	// Redis still has the entry.
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestIncrSetsTTLOnFirstUse(t *testing.T) {
	c, mr, _ := testCache(t)
	ctx := t.Context()

	n, err := c.Incr(ctx, "rate", time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = c.Incr(ctx, "rate", time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	mr.FastForward(2 * time.Second)
	n, err = c.Incr(ctx, "rate", time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "counter resets once the window TTL passes")
}

func TestPublishSubscribe(t *testing.T) {
	c, _, _ := testCache(t)
	ctx := t.Context()

	msgs := c.Subscribe(ctx, RulesInvalidateChannel("*"))
	// PSubscribe registration races the publish without a handshake.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c.Publish(ctx, RulesInvalidateChannel("t1"), "t1"))

	select {
	case m := <-msgs:
		require.Equal(t, RulesInvalidateChannel("t1"), m.Channel)
		require.Equal(t, "t1", m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no bus delivery")
	}
}

func TestChannelNames(t *testing.T) {
	require.Equal(t, "rules:invalidate:t1", RulesInvalidateChannel("t1"))
	require.Equal(t, "oncall:invalidate:*", OnCallInvalidateChannel("*"))
}
