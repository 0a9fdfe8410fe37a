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
	"context"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

// Bus channel name builders. Every in-process cache that mirrors database
// rows subscribes to the matching channel so mutations made by another
// process invalidate it.
const (
	ChannelDeviceStatus = "devices:status"
	ChannelAlerts       = "alerts:fanout"
)

// RulesInvalidateChannel names the per-tenant rule cache invalidation
// channel.
func RulesInvalidateChannel(tenantID string) string {
	return "rules:invalidate:" + tenantID
}

// OnCallInvalidateChannel names the per-tenant on-call resolution
// invalidation channel.
func OnCallInvalidateChannel(tenantID string) string {
	return "oncall:invalidate:" + tenantID
}

// Message is one bus delivery.
type Message struct {
	Channel string
	Payload string
}

// Publish sends payload on channel. Delivery is at-most-once; subscribers
// treat messages as invalidation hints, never as the source of truth.
func (c *Cache) Publish(ctx context.Context, channel, payload string) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrap(platform.ErrBrokerUnavailable, err.Error())
	}
	return nil
}

// Subscribe delivers messages for the given channel patterns until ctx is
// cancelled. The returned channel is closed on shutdown.
func (c *Cache) Subscribe(ctx context.Context, patterns ...string) <-chan Message {
	sub := c.rdb.PSubscribe(ctx, patterns...)
	out := make(chan Message, 64)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: m.Channel, Payload: m.Payload}:
				default:
					// Dropping an invalidation hint is safe: local TTLs
					// bound the staleness window.
					_ = level.Warn(c.logger).Log("msg", "bus subscriber lagging, dropped message", "channel", m.Channel)
				}
			}
		}
	}()
	return out
}
