// Package boot builds the runtime shared by the audit-trail commands:
// configuration, logger, metrics registry and the pipeline adapters.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/amqpaudit"
	"github.com/kafeiih/audit-trail/esaudit"
	"github.com/kafeiih/audit-trail/internal/config"
	"github.com/kafeiih/audit-trail/internal/logging"
	"github.com/kafeiih/audit-trail/internal/metrics"
	"github.com/kafeiih/audit-trail/internal/retry"
	"github.com/kafeiih/audit-trail/memindex"
	"github.com/kafeiih/audit-trail/relay"
)

const shutdownTimeout = 10 * time.Second

// Runtime is what every long-running command starts from.
type Runtime struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// Load reads the configuration and applies the --log-level and --log-format
// flags when they were set on cmd.
func Load(cmd *cobra.Command) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.LogLevel = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-format"); f != nil && f.Changed {
		cfg.LogFormat = f.Value.String()
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}, nil
}

// Readiness is the start-up budget for external dependencies.
func (rt *Runtime) Readiness() retry.Readiness {
	return retry.Readiness{Attempts: rt.Config.ReadinessAttempts, Interval: rt.Config.ReadinessInterval}
}

// AllowList is the set of source services the indexer accepts.
func (rt *Runtime) AllowList() (audit.ServiceAllowList, error) {
	return audit.NewServiceAllowList(rt.Config.KnownServices...)
}

// IndexStore returns the configured index backend.
func (rt *Runtime) IndexStore() (audit.IndexStore, error) {
	switch rt.Config.IndexKind {
	case "memory":
		rt.Logger.Warn("using the in-memory index, records are lost on restart")
		return memindex.New(rt.Config.MaxResults), nil
	case "elasticsearch":
		client, err := esaudit.NewClient(rt.Config.ElasticURLs)
		if err != nil {
			return nil, err
		}
		return esaudit.New(client,
			esaudit.WithMaxResults(rt.Config.MaxResults),
			esaudit.WithReadiness(rt.Readiness()),
			esaudit.WithLogger(rt.Logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown index kind %q", rt.Config.IndexKind)
	}
}

func (rt *Runtime) brokerOptions() []amqpaudit.Option {
	return []amqpaudit.Option{
		amqpaudit.WithReadiness(rt.Readiness()),
		amqpaudit.WithConfirmTimeout(rt.Config.ConfirmTimeout),
		amqpaudit.WithLogger(rt.Logger),
	}
}

// Publisher returns a broker publisher. It connects lazily.
func (rt *Runtime) Publisher() *amqpaudit.Publisher {
	return amqpaudit.NewPublisher(rt.Config.BrokerURL, rt.brokerOptions()...)
}

// Source returns the broker side the indexer consumes from.
func (rt *Runtime) Source() *amqpaudit.Source {
	return amqpaudit.NewSource(rt.Config.BrokerURL, rt.brokerOptions()...)
}

// RelayConfig maps the settings onto relay.Config.
func (rt *Runtime) RelayConfig() relay.Config {
	c := rt.Config
	return relay.Config{
		Workers:         c.RelayWorkers,
		QueueSize:       c.RelayQueueSize,
		PublishAttempts: c.PublishAttempts,
		RetryDelay:      c.RetryDelay,
		SweepInterval:   c.SweepInterval,
		SweepGrace:      c.SweepGrace,
		SweepBatch:      c.SweepBatch,
		ClaimLease:      c.ClaimLease,
	}
}

// ListenAndServe runs srv until ctx is done and then shuts it down.
func ListenAndServe(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("http server listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down http server")
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// NewServer returns an http.Server with the timeouts every command uses.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
