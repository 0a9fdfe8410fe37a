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

// Package config assembles process configuration from flags and environment
// variables. Flags take precedence; every flag has an environment fallback
// so the binary runs unmodified in containers.
package config

import (
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
)

// Config is the full runtime configuration of the iiotd binary.
type Config struct {
	ListenAddress string

	DatabaseURL string
	RedisURL    string

	// SigningSecret signs bearer tokens. It has no default: regenerating it
	// on restart would invalidate all outstanding tokens, so it must come
	// from externalized secret material.
	SigningSecret   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	MQTT  MQTTConfig
	CoAP  CoAPConfig
	AMQP  AMQPConfig
	OPCUA OPCUAConfig

	SMTP SMTPConfig
	SMS  SMSConfig

	EvaluationInterval time.Duration

	// Bootstrap credentials for the first system admin. Applied only when
	// the users table is empty.
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

type MQTTConfig struct {
	BrokerURL   string
	TopicPrefix string
	Username    string
	Password    string
	ClientID    string
}

type CoAPConfig struct {
	ListenAddress string
}

type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
}

type OPCUAConfig struct {
	ListenAddress string
	Namespace     string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMSConfig struct {
	// ProviderURL is the HTTP endpoint of the external SMS provider. SMS is
	// disabled when empty.
	ProviderURL string
	APIToken    string
	From        string
}

// RegisterFlags registers all configuration flags on the application.
func (c *Config) RegisterFlags(a *kingpin.Application) {
	a.Flag("web.listen-address", "Address the management API and /metrics listen on.").
		Default(":8080").Envar("LISTEN_ADDRESS").StringVar(&c.ListenAddress)

	a.Flag("db.url", "PostgreSQL DSN.").
		Default("postgres://localhost:5432/iiot?sslmode=disable").Envar("DATABASE_URL").StringVar(&c.DatabaseURL)

	a.Flag("cache.url", "Redis DSN for the shared cache and bus.").
		Default("redis://localhost:6379/0").Envar("REDIS_URL").StringVar(&c.RedisURL)

	a.Flag("auth.signing-secret", "HMAC secret for bearer tokens. Required.").
		Envar("TOKEN_SIGNING_SECRET").StringVar(&c.SigningSecret)
	a.Flag("auth.access-token-ttl", "Lifetime of access tokens.").
		Default("1h").Envar("ACCESS_TOKEN_TTL").DurationVar(&c.AccessTokenTTL)
	a.Flag("auth.refresh-token-ttl", "Lifetime of refresh tokens.").
		Default("720h").Envar("REFRESH_TOKEN_TTL").DurationVar(&c.RefreshTokenTTL)

	a.Flag("mqtt.broker-url", "MQTT broker URL. Adapter disabled when empty.").
		Envar("MQTT_BROKER_URL").StringVar(&c.MQTT.BrokerURL)
	a.Flag("mqtt.topic-prefix", "Topic prefix for all subscriptions.").
		Default("iiot").Envar("MQTT_TOPIC_PREFIX").StringVar(&c.MQTT.TopicPrefix)
	a.Flag("mqtt.username", "MQTT username.").
		Envar("MQTT_USERNAME").StringVar(&c.MQTT.Username)
	a.Flag("mqtt.password", "MQTT password.").
		Envar("MQTT_PASSWORD").StringVar(&c.MQTT.Password)
	a.Flag("mqtt.client-id", "MQTT client id.").
		Default("iiotd").Envar("MQTT_CLIENT_ID").StringVar(&c.MQTT.ClientID)

	a.Flag("coap.listen-address", "UDP address of the CoAP server. Adapter disabled when empty.").
		Default(":5683").Envar("COAP_LISTEN_ADDRESS").StringVar(&c.CoAP.ListenAddress)

	a.Flag("amqp.url", "AMQP broker URL. Adapter disabled when empty.").
		Envar("AMQP_URL").StringVar(&c.AMQP.URL)
	a.Flag("amqp.exchange", "Topic exchange name.").
		Default("iiot").Envar("AMQP_EXCHANGE").StringVar(&c.AMQP.Exchange)
	a.Flag("amqp.queue", "Durable telemetry queue name.").
		Default("telemetry").Envar("AMQP_QUEUE").StringVar(&c.AMQP.Queue)

	a.Flag("opcua.listen-address", "OPC UA endpoint address. Adapter disabled when empty.").
		Default(":4840").Envar("OPCUA_LISTEN_ADDRESS").StringVar(&c.OPCUA.ListenAddress)
	a.Flag("opcua.namespace", "OPC UA namespace URI.").
		Default("INSA Advanced IIoT Platform").Envar("OPCUA_NAMESPACE").StringVar(&c.OPCUA.Namespace)

	a.Flag("smtp.host", "SMTP relay host. E-mail disabled when empty.").
		Envar("SMTP_HOST").StringVar(&c.SMTP.Host)
	a.Flag("smtp.port", "SMTP relay port.").
		Default("587").Envar("SMTP_PORT").IntVar(&c.SMTP.Port)
	a.Flag("smtp.username", "SMTP username.").
		Envar("SMTP_USERNAME").StringVar(&c.SMTP.Username)
	a.Flag("smtp.password", "SMTP password.").
		Envar("SMTP_PASSWORD").StringVar(&c.SMTP.Password)
	a.Flag("smtp.from", "From address for platform mail.").
		Default("alerts@iiot.local").Envar("SMTP_FROM").StringVar(&c.SMTP.From)

	a.Flag("sms.provider-url", "SMS provider endpoint. SMS disabled when empty.").
		Envar("SMS_PROVIDER_URL").StringVar(&c.SMS.ProviderURL)
	a.Flag("sms.api-token", "SMS provider API token.").
		Envar("SMS_API_TOKEN").StringVar(&c.SMS.APIToken)
	a.Flag("sms.from", "SMS sender id.").
		Envar("SMS_FROM").StringVar(&c.SMS.From)

	a.Flag("rules.evaluation-interval", "Default interval between rule evaluations.").
		Default("30s").Envar("RULE_EVALUATION_INTERVAL").DurationVar(&c.EvaluationInterval)

	a.Flag("bootstrap.admin-email", "E-mail of the seeded system admin.").
		Envar("BOOTSTRAP_ADMIN_EMAIL").StringVar(&c.BootstrapAdminEmail)
	a.Flag("bootstrap.admin-password", "Password of the seeded system admin.").
		Envar("BOOTSTRAP_ADMIN_PASSWORD").StringVar(&c.BootstrapAdminPassword)
}

// Validate checks startup invariants. A missing signing secret aborts
// startup; there is deliberately no generated default.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return errors.New("auth.signing-secret (TOKEN_SIGNING_SECRET) is required; refusing to generate one at startup")
	}
	if len(c.SigningSecret) < 32 {
		return errors.New("auth.signing-secret must be at least 32 bytes")
	}
	if c.DatabaseURL == "" {
		return errors.New("db.url is required")
	}
	if c.EvaluationInterval < time.Second {
		return errors.Errorf("rules.evaluation-interval %s is below the 1s minimum", c.EvaluationInterval)
	}
	return nil
}
