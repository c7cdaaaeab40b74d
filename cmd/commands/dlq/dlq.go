package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kafeiih/audit-trail/cmd/commands/boot"
)

// NewCommand returns the "dlq" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dlq",
		Short:        "Inspect messages the indexer rejected",
		SilenceUsage: true,
	}

	cmd.AddCommand(PeekCommand())

	return cmd
}

func PeekCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Show dead-lettered messages without removing them",
		Long: `Show dead-lettered messages without removing them. Messages return to the
dead-letter queue when the command exits.

Examples:
  audit-trail dlq peek
  audit-trail dlq peek --limit 5 -o json`,
		RunE:         runPeek,
		SilenceUsage: true,
	}

	cmd.Flags().Int("limit", 20, "Number of messages to show")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runPeek(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}
	output, _ := cmd.Flags().GetString("output")

	rt, err := boot.Load(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	letters, err := rt.Source().InspectDeadLetters(ctx, limit)
	if err != nil {
		return err
	}

	switch output {
	case "json":
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(letters)
	case "", "table":
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}

	if len(letters) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE ID\tCORRELATION\tTIME\tREASON\tQUEUE\tBYTES")
	for _, l := range letters {
		ts := "-"
		if !l.Timestamp.IsZero() {
			ts = l.Timestamp.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", l.MessageID, l.CorrelationID, ts, l.Reason, l.Queue, len(l.Body))
	}
	return w.Flush()
}
