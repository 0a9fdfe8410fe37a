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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/cache"
)

const (
	webhookTimeout    = 10 * time.Second
	webhookMaxPayload = 1 << 20 // 1 MiB
	// rateRetryInterval paces re-checks while a target host is over its
	// per-second budget. Excess sends wait their turn instead of failing.
	rateRetryInterval = 250 * time.Millisecond
)

// RateLimiter bounds outbound request rate per target host. The shared
// cache implements it so the limit holds across processes.
type RateLimiter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// WebhookSender POSTs signed alert payloads to tenant-configured URLs.
type WebhookSender struct {
	client  *http.Client
	limiter RateLimiter
	clock   clock.Clock
}

// NewWebhookSender builds the sender. limiter may be nil to disable rate
// limiting (tests).
func NewWebhookSender(limiter RateLimiter) *WebhookSender {
	transport := cleanhttp.DefaultPooledTransport()
	transport.DialContext = guardedDialContext
	return &WebhookSender{
		client: &http.Client{
			Transport: transport,
			Timeout:   webhookTimeout,
			// A redirect could point the vetted request at an internal
			// address.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: limiter,
		clock:   clock.RealClock{},
	}
}

var _ RateLimiter = (*cache.Cache)(nil)

func (s *WebhookSender) Name() string { return "webhook" }

// Sign computes the hex HMAC-SHA256 over timestamp "." body, the signature
// receivers verify.
func Sign(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSender) Send(ctx context.Context, n Notification) error {
	if n.Action.URL == "" {
		return Permanent(errors.New("webhook action without url"))
	}
	u, err := url.Parse(n.Action.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Permanent(errors.Errorf("invalid webhook url %q", n.Action.URL))
	}

	if err := s.waitForRateSlot(ctx, u.Hostname()); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"alert_id":  n.AlertID,
		"tenant_id": n.TenantID,
		"severity":  n.Severity,
		"subject":   n.Subject,
		"message":   n.Body,
	})
	if err != nil {
		return errors.Wrap(err, "encode webhook payload")
	}
	if len(body) > webhookMaxPayload {
		return Permanent(errors.Errorf("webhook payload exceeds %d bytes", webhookMaxPayload))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Action.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	timestamp := strconv.FormatInt(s.clock.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", timestamp)
	if n.Action.Secret != "" {
		req.Header.Set("X-Signature", "sha256="+Sign(n.Action.Secret, timestamp, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook target returned %s", resp.Status)
	}
	return nil
}

// waitForRateSlot blocks until the per-host counter grants a slot. A burst
// beyond the per-second budget queues here rather than consuming delivery
// retries; only context cancellation gives up.
func (s *WebhookSender) waitForRateSlot(ctx context.Context, host string) error {
	if s.limiter == nil {
		return nil
	}
	for {
		count, err := s.limiter.Incr(ctx, "webhook:rate:"+host, time.Second)
		if err != nil || count <= 1 {
			// A limiter outage must not block deliveries.
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for webhook rate slot on %s", host)
		case <-s.clock.After(rateRetryInterval):
		}
	}
}

// guardedDialContext resolves the target and refuses internal address
// space, then dials one vetted address directly so the connection cannot be
// re-resolved elsewhere.
func guardedDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "split webhook address")
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve webhook host %s", host)
	}
	var dialer net.Dialer
	for _, ip := range addrs {
		if blockedAddr(ip) {
			return nil, errors.Errorf("webhook host %s resolves to restricted address %s", host, ip)
		}
	}
	for _, ip := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
	}
	return nil, errors.Errorf("webhook host %s unreachable", host)
}

// blockedAddr reports whether ip lies in address space webhooks must never
// reach: loopback, RFC1918, link-local, unique-local, unspecified.
func blockedAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
