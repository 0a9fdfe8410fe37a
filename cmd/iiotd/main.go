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

// The iiotd binary runs the whole ingestion platform in one process:
// protocol adapters, the telemetry pipeline, the rule engine, alerting,
// escalation, notification workers and the management API.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/adapter"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/alert"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/api"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/cache"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/config"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/escalate"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/ingest"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/notify"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/rules"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/tenant"
)

func main() {
	// Optional .env for local development; containers pass real env vars.
	_ = godotenv.Load()

	var (
		cfg      config.Config
		logLevel string
	)
	a := kingpin.New("iiotd", "Industrial IoT ingestion and alerting platform.")
	cfg.RegisterFlags(a)
	a.Flag("log.level", "Log level (debug, info, warn, error).").
		Default("info").Envar("LOG_LEVEL").EnumVar(&logLevel, "debug", "info", "warn", "error")
	if _, err := a.Parse(os.Args[1:]); err != nil {
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	switch logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := cfg.Validate(); err != nil {
		_ = level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(2)
	}

	if err := realMain(logger, cfg); err != nil {
		_ = level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "exiting")
}

func realMain(logger log.Logger, cfg config.Config) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStartup()

	st, err := store.Open(logger, registry, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(startupCtx); err != nil {
		return err
	}

	ca, err := cache.New(startupCtx, logger, registry, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = ca.Close() }()

	issuer := tenant.NewIssuer(cfg.SigningSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, clock.RealClock{})
	kernel := tenant.NewKernel(logger, registry, st, issuer)
	if err := kernel.Bootstrap(startupCtx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword); err != nil {
		return err
	}

	var senders []notify.Sender
	if cfg.SMTP.Host != "" {
		senders = append(senders, notify.NewEmailSender(notify.EmailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}))
	}
	if cfg.SMS.ProviderURL != "" {
		senders = append(senders, notify.NewSMSSender(notify.SMSConfig{
			ProviderURL: cfg.SMS.ProviderURL,
			APIKey:      cfg.SMS.APIToken,
			From:        cfg.SMS.From,
		}))
	}
	senders = append(senders, notify.NewWebhookSender(ca))
	dispatcher := notify.NewDispatcher(logger, registry, st, senders...)

	manager := alert.New(logger, registry, st, ca, dispatcher)
	engine := rules.New(logger, registry, st, ca, manager, cfg.EvaluationInterval)
	pipeline := ingest.New(logger, registry, st, ca, true)
	pipeline.RegisterSink(engine)
	resolver := escalate.NewResolver(logger, st, ca)
	executor := escalate.NewExecutor(logger, registry, st, resolver, dispatcher)

	adapter.RegisterMetrics(registry)
	status := deviceStatusWriter{store: st}

	var (
		mq       *adapter.MQTT
		am       *adapter.AMQP
		commands []api.CommandPublisher
	)
	if cfg.MQTT.BrokerURL != "" {
		mq = adapter.NewMQTT(logger, adapter.MQTTConfig{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, pipeline, manager, status)
		commands = append(commands, mq)
	}
	if cfg.AMQP.URL != "" {
		am = adapter.NewAMQP(logger, adapter.AMQPConfig{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
			Queue:    cfg.AMQP.Queue,
		}, pipeline)
		manager.RegisterFanout(am)
		commands = append(commands, am)
	}

	apiServer := api.New(api.Options{
		Logger:     logger,
		Registry:   registry,
		Store:      st,
		Cache:      ca,
		Kernel:     kernel,
		Alerts:     manager,
		RuleEngine: engine,
		Pipeline:   pipeline,
		Resolver:   resolver,
		Commands:   commands,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := ca.Ping(ctx); err != nil {
			http.Error(w, "cache unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", apiServer.Handler())
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error { return pipeline.Run(ctx) }, func(error) { cancel() })
	g.Add(func() error { return engine.Run(ctx) }, func(error) { cancel() })
	g.Add(func() error { return dispatcher.Run(ctx) }, func(error) { cancel() })
	g.Add(func() error { return manager.RunSLAMonitor(ctx) }, func(error) { cancel() })
	g.Add(func() error { return resolver.Run(ctx) }, func(error) { cancel() })
	g.Add(func() error { return executor.Run(ctx) }, func(error) { cancel() })

	if mq != nil {
		g.Add(func() error { return mq.Run(ctx) }, func(error) { cancel() })
	}
	if cfg.CoAP.ListenAddress != "" {
		c := adapter.NewCoAP(logger, adapter.CoAPConfig{ListenAddress: cfg.CoAP.ListenAddress}, pipeline, pipeline, st)
		g.Add(func() error { return c.Run(ctx) }, func(error) { cancel() })
	}
	if am != nil {
		g.Add(func() error { return am.Run(ctx) }, func(error) { cancel() })
	}
	if cfg.OPCUA.ListenAddress != "" {
		host, port, err := splitHostPort(cfg.OPCUA.ListenAddress)
		if err != nil {
			return err
		}
		o := adapter.NewOPCUA(logger, adapter.OPCUAConfig{
			Host:      host,
			Port:      port,
			Namespace: cfg.OPCUA.Namespace,
		}, st, status)
		g.Add(func() error { return o.Run(ctx) }, func(error) { cancel() })
	}

	g.Add(func() error {
		_ = level.Info(logger).Log("msg", "listening", "addr", cfg.ListenAddress)
		return httpServer.ListenAndServe()
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	})

	return g.Run()
}

// deviceStatusWriter applies adapter status reports to the owning tenant's
// device row.
type deviceStatusWriter struct {
	store *store.Store
}

func (w deviceStatusWriter) SetStatus(ctx context.Context, deviceID string, status model.DeviceStatus) error {
	d, err := w.store.GetDeviceAnyTenant(ctx, deviceID)
	if err != nil {
		return err
	}
	return w.store.SetDeviceStatus(ctx, d.TenantID, d.ID, status)
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
