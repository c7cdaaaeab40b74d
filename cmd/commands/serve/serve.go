package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kafeiih/audit-trail/chiware"
	"github.com/kafeiih/audit-trail/cmd/commands/boot"
	"github.com/kafeiih/audit-trail/indexer"
	"github.com/kafeiih/audit-trail/query"
)

// NewCommand returns the "serve" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the audit indexer and the query API",
		Long: `Consume audit records from the broker, index them and serve the query API.

Endpoints:
  GET /audit                                  search with filters
  GET /audit/{id}                             one record
  GET /audit/entity/{entityName}/{entityId}   history of an entity
  GET /audit/user/{userId}                    actions of a user
  GET /healthz, /readyz, /metrics`,
		RunE:         runServe,
		SilenceUsage: true,
	}

	cmd.Flags().String("addr", "", "HTTP listen address (overrides AUDIT_HTTP_ADDR)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	allow, err := rt.AllowList()
	if err != nil {
		return err
	}
	store, err := rt.IndexStore()
	if err != nil {
		return err
	}
	if err := store.EnsureIndices(ctx, allow.Names()); err != nil {
		return fmt.Errorf("preparing indices: %w", err)
	}

	consumer := indexer.New(rt.Source(), store, logger,
		indexer.WithAllowList(allow),
		indexer.WithMetrics(rt.Metrics),
		indexer.WithReconnectDelay(cfg.ReconnectDelay),
	)

	svc := query.NewService(store, cfg.MaxResults, logger, rt.Metrics)
	handler := chiware.NewRouter(svc, logger,
		chiware.WithGatherer(rt.Registry),
		chiware.WithReadinessCheck(indexer.ComponentName, func(context.Context) error {
			if s := consumer.State(); s != indexer.StateRunning {
				return fmt.Errorf("indexer is %s", s)
			}
			return nil
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// a degraded indexer must not take the query API down with it
		if err := consumer.Run(gctx); err != nil {
			logger.Error("indexer stopped, query API keeps serving", "state", consumer.State(), "error", err)
		}
		return nil
	})
	g.Go(func() error { return boot.ListenAndServe(gctx, boot.NewServer(cfg.HTTPAddr, handler), logger) })

	err = g.Wait()
	logger.Info("audit-trail stopped", "error", err)
	return err
}
