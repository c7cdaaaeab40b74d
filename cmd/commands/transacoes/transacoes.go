package transacoes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kafeiih/audit-trail/amqpaudit"
	"github.com/kafeiih/audit-trail/capture"
	"github.com/kafeiih/audit-trail/chiware"
	"github.com/kafeiih/audit-trail/cmd/commands/boot"
	"github.com/kafeiih/audit-trail/internal/transacoes"
	"github.com/kafeiih/audit-trail/pgxaudit"
	"github.com/kafeiih/audit-trail/relay"
)

// NewCommand returns the "transacoes" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transacoes",
		Short: "Run the sample transacoes service with audit capture",
		Long: `Run the transacoes HTTP service. Every write is captured into the
audit outbox in the same database transaction and relayed to the broker.

Endpoints:
  POST /transacoes/deposito
  POST /transacoes/saque
  POST /transacoes/transferencia
  GET  /transacoes/{id}
  GET  /transacoes/conta/{contaId}`,
		RunE:         runTransacoes,
		SilenceUsage: true,
	}

	cmd.Flags().String("addr", "", "HTTP listen address (overrides AUDIT_HTTP_ADDR)")

	return cmd
}

func runTransacoes(cmd *cobra.Command, _ []string) error {
	rt, err := boot.Load(cmd)
	if err != nil {
		return err
	}
	cfg, logger := rt.Config, rt.Logger
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxaudit.Open(ctx, cfg.DatabaseURL, rt.Readiness(), logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := pgxaudit.ApplyMigrations(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info("audit migrations applied", "files", applied)
	if err := transacoes.ApplySchema(ctx, pool); err != nil {
		return err
	}

	pub := rt.Publisher()
	defer pub.Close()
	if err := pub.Ready(ctx); err != nil {
		if !errors.Is(err, amqpaudit.ErrBrokerUnavailable) {
			return err
		}
		// writes keep landing in the outbox; the sweep delivers them later
		logger.Warn("broker unavailable at start-up", "error", err)
	}

	rl := relay.New(pgxaudit.NewOutboxStore(pool), pub, rt.RelayConfig(), logger, relay.WithMetrics(rt.Metrics))
	icpt, err := capture.NewInterceptor(cfg.SourceService, rl, logger, capture.WithMetrics(rt.Metrics))
	if err != nil {
		return err
	}

	svc := transacoes.NewService(
		pgxaudit.NewTxRunner(pool, icpt, logger),
		transacoes.NewStore(pool),
		transacoes.NewContasClient(cfg.ContasURL, nil, logger),
		logger,
	)

	r := chiware.NewBaseRouter(logger,
		chiware.WithGatherer(rt.Registry),
		chiware.WithAuth(transacoes.Identity),
		chiware.WithUserExtractor(transacoes.UserFromContext),
		chiware.WithReadinessCheck("database", func(ctx context.Context) error { return pool.Ping(ctx) }),
	)
	transacoes.NewHandler(svc, logger).Mount(r)

	g, gctx := errgroup.WithContext(ctx)
	// the relay outlives the signal so queued entries drain after the
	// server stops accepting requests
	g.Go(func() error { return rl.Run(context.WithoutCancel(gctx)) })
	g.Go(func() error {
		defer rl.Close()
		return boot.ListenAndServe(gctx, boot.NewServer(cfg.HTTPAddr, r), logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("transacoes: %w", err)
	}
	logger.Info("transacoes stopped", "pending_dispatch", icpt.Pending())
	return nil
}
