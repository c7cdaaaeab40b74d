package migrations

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kafeiih/audit-trail/cmd/commands/boot"
	"github.com/kafeiih/audit-trail/internal/transacoes"
	"github.com/kafeiih/audit-trail/pgxaudit"
)

// NewCommand returns the "migrations" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrations",
		Short: "Manage the audit outbox schema",
		Long: "Copy the embedded SQL migrations for an external tool, or apply them\n" +
			"directly to AUDIT_DATABASE_URL.",
		SilenceUsage: true,
	}

	cmd.AddCommand(ListCommand())
	cmd.AddCommand(CopyCommand())
	cmd.AddCommand(ApplyCommand())

	return cmd
}

func ListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the embedded migration files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, err := pgxaudit.MigrationFiles()
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
		SilenceUsage: true,
	}
}

func CopyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Write the migration files into a directory",
		Long: `Write the embedded migration files into a directory. Existing files are
never overwritten.

Examples:
  audit-trail migrations copy
  audit-trail migrations copy --out ./db/migrations`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			outDir, _ := cmd.Flags().GetString("out")
			files, err := pgxaudit.CopyMigrations(outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Copied %d migration file(s) to %s.\n", len(files), outDir)
			return nil
		},
		SilenceUsage: true,
	}

	cmd.Flags().String("out", "./migrations", "Destination directory for migration files")

	return cmd
}

func ApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply pending migrations to the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := boot.Load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			pool, err := pgxaudit.Open(ctx, rt.Config.DatabaseURL, rt.Readiness(), rt.Logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := pgxaudit.ApplyMigrations(ctx, pool)
			if err != nil {
				return err
			}
			if with, _ := cmd.Flags().GetBool("with-transacoes"); with {
				if err := transacoes.ApplySchema(ctx, pool); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", len(applied))
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "  "+name)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.Flags().Bool("with-transacoes", false, "Also create the sample transacoes table")

	return cmd
}
