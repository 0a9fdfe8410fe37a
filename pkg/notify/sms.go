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
	"encoding/json"
	"net/http"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
)

// smsMaxLength is the single-segment GSM limit; longer texts are truncated,
// never split.
const smsMaxLength = 160

// SMSConfig points at the HTTP SMS gateway.
type SMSConfig struct {
	ProviderURL string
	APIKey      string
	From        string
}

// SMSSender submits short texts to an HTTP SMS provider.
type SMSSender struct {
	cfg    SMSConfig
	client *http.Client
}

// NewSMSSender builds the sender.
func NewSMSSender(cfg SMSConfig) *SMSSender {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = 10 * time.Second
	return &SMSSender{cfg: cfg, client: c}
}

func (s *SMSSender) Name() string { return "sms" }

// FormatSMS renders the severity-prefixed, length-capped message text.
func FormatSMS(severity model.Severity, body string) string {
	msg := "[" + strings.ToUpper(string(severity)) + "] " + body
	if len(msg) > smsMaxLength {
		msg = msg[:smsMaxLength]
	}
	return msg
}

func (s *SMSSender) Send(ctx context.Context, n Notification) error {
	if n.Action.Phone == "" {
		return Permanent(errors.New("sms action without phone number"))
	}
	if s.cfg.ProviderURL == "" {
		return Permanent(errors.New("sms provider not configured"))
	}

	payload, err := json.Marshal(map[string]string{
		"to":   n.Action.Phone,
		"from": s.cfg.From,
		"text": FormatSMS(n.Severity, n.Body),
	})
	if err != nil {
		return errors.Wrap(err, "encode sms payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ProviderURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build sms request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "submit sms")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return errors.Errorf("sms provider returned %s", resp.Status)
	}
	return nil
}
