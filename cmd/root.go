package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kafeiih/audit-trail/cmd/commands/dlq"
	"github.com/kafeiih/audit-trail/cmd/commands/migrations"
	"github.com/kafeiih/audit-trail/cmd/commands/outbox"
	"github.com/kafeiih/audit-trail/cmd/commands/serve"
	"github.com/kafeiih/audit-trail/cmd/commands/transacoes"
)

// rootCmd represents the base command when called without any subcommands.
func rootCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "audit-trail",
		Short: "Capture, relay, index and query business audit records",
		Long: `audit-trail records every change made by a business service, relays it
through RabbitMQ and indexes it for querying.

Settings come from AUDIT_* environment variables, optionally seeded from a
.env file in the working directory.

Quick start:
  audit-trail migrations apply --with-transacoes   # Prepare the database
  audit-trail transacoes                           # Run the sample service
  audit-trail serve                                # Run the indexer and query API
  audit-trail dlq peek                             # Look at rejected messages`,
	}

	cmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().String("log-format", "json", "Log format: json or text")

	cmd.AddCommand(serve.NewCommand())
	cmd.AddCommand(transacoes.NewCommand())
	cmd.AddCommand(outbox.NewCommand())
	cmd.AddCommand(migrations.NewCommand())
	cmd.AddCommand(dlq.NewCommand())

	return cmd
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
