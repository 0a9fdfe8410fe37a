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
	"time"

	"github.com/matcornic/hermes/v2"
	"github.com/pkg/errors"
	mail "github.com/wneessen/go-mail"
)

const smtpTimeout = 30 * time.Second

// EmailConfig carries SMTP connection settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender renders alert emails and submits them over SMTP.
type EmailSender struct {
	cfg    EmailConfig
	hermes hermes.Hermes
}

// NewEmailSender builds the sender.
func NewEmailSender(cfg EmailConfig) *EmailSender {
	return &EmailSender{
		cfg: cfg,
		hermes: hermes.Hermes{
			Product: hermes.Product{
				Name:      "INSA IIoT Platform",
				Copyright: "INSA Automation Corp",
			},
		},
	}
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, n Notification) error {
	if n.Action.Email == "" {
		return Permanent(errors.New("email action without address"))
	}

	body := hermes.Email{
		Body: hermes.Body{
			Title:  n.Subject,
			Intros: []string{n.Body},
			Dictionary: []hermes.Entry{
				{Key: "Severity", Value: strings.ToUpper(string(n.Severity))},
				{Key: "Alert", Value: n.AlertID},
			},
			Signature: "Regards",
		},
	}
	html, err := s.hermes.GenerateHTML(body)
	if err != nil {
		return errors.Wrap(err, "render email html")
	}
	text, err := s.hermes.GeneratePlainText(body)
	if err != nil {
		return errors.Wrap(err, "render email text")
	}

	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return Permanent(errors.Wrap(err, "invalid sender address"))
	}
	if err := m.To(n.Action.Email); err != nil {
		return Permanent(errors.Wrap(err, "invalid recipient address"))
	}
	m.Subject(n.Subject)
	m.SetBodyString(mail.TypeTextPlain, text)
	m.AddAlternativeString(mail.TypeTextHTML, html)

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(smtpTimeout),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return errors.Wrap(err, "smtp client")
	}
	return errors.Wrap(client.DialAndSendWithContext(ctx, m), "send email")
}
