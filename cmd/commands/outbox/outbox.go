package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/kafeiih/audit-trail/cmd/commands/boot"
	"github.com/kafeiih/audit-trail/pgxaudit"
	"github.com/kafeiih/audit-trail/relay"
)

// NewCommand returns the "outbox" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and recover the audit outbox",
		Long: "Inspect undelivered audit records and push stale ones to the broker.\n\n" +
			"The outbox lives in the audit schema of AUDIT_DATABASE_URL.",
		SilenceUsage: true,
	}

	cmd.AddCommand(StatusCommand())
	cmd.AddCommand(SweepCommand())

	return cmd
}

func StatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show delivery counts and the oldest pending entries",
		Long: `Show delivery counts and the oldest pending entries.

Examples:
  audit-trail outbox status
  audit-trail outbox status --limit 50 -o json`,
		RunE:         runStatus,
		SilenceUsage: true,
	}

	cmd.Flags().Int("limit", 20, "Number of pending entries to list")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func SweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deliver stale undelivered entries once",
		Long: `Claim undelivered entries older than the sweep grace period and publish
them to the broker, then exit. The running transacoes service does the
same on AUDIT_SWEEP_INTERVAL.

Examples:
  audit-trail outbox sweep
  audit-trail outbox sweep --grace 0s`,
		RunE:         runSweep,
		SilenceUsage: true,
	}

	cmd.Flags().Duration("grace", -1, "Only claim entries older than this (defaults to AUDIT_SWEEP_GRACE)")

	return cmd
}

func open(cmd *cobra.Command) (*boot.Runtime, *pgxpool.Pool, context.Context, context.CancelFunc, error) {
	rt, err := boot.Load(cmd)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	pool, err := pgxaudit.Open(ctx, rt.Config.DatabaseURL, rt.Readiness(), rt.Logger)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, err
	}
	return rt, pool, ctx, cancel, nil
}

type pendingRow struct {
	ID        string    `json:"id"`
	Entity    string    `json:"entity"`
	Operation string    `json:"operation"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}
	output, _ := cmd.Flags().GetString("output")

	_, pool, ctx, cancel, err := open(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer pool.Close()

	store := pgxaudit.NewOutboxStore(pool)
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	entries, err := store.ListUndelivered(ctx, limit)
	if err != nil {
		return err
	}

	rows := make([]pendingRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, pendingRow{
			ID:        e.Record.ID.String(),
			Entity:    e.Record.EntityName + "/" + e.Record.EntityID,
			Operation: string(e.Record.Operation),
			CreatedAt: e.CreatedAt,
			Attempts:  e.Attempts,
			LastError: e.LastError,
		})
	}

	switch output {
	case "json":
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]any{"stats": stats, "pending": rows})
	case "", "table":
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pending: %d  Delivered: %d\n", stats.Pending, stats.Delivered)
	if stats.OldestPending != nil {
		fmt.Fprintf(out, "Oldest pending: %s (%s ago)\n", stats.OldestPending.Format(time.RFC3339), time.Since(*stats.OldestPending).Round(time.Second))
	}
	if len(rows) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nID\tENTITY\tOPERATION\tCREATED\tATTEMPTS\tLAST ERROR")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Entity, r.Operation, r.CreatedAt.Format(time.RFC3339), r.Attempts, r.LastError)
	}
	return w.Flush()
}

func runSweep(cmd *cobra.Command, _ []string) error {
	rt, pool, ctx, cancel, err := open(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer pool.Close()

	cfg := rt.RelayConfig()
	if grace, _ := cmd.Flags().GetDuration("grace"); grace >= 0 {
		cfg.SweepGrace = grace
	}

	pub := rt.Publisher()
	defer pub.Close()
	if err := pub.Ready(ctx); err != nil {
		return err
	}

	rl := relay.New(pgxaudit.NewOutboxStore(pool), pub, cfg, rt.Logger, relay.WithMetrics(rt.Metrics))
	n, err := rl.SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Claimed %d stale entr(y/ies).\n", n)
	return nil
}
