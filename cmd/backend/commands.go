package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"client-file-vault/internal/config"
	"client-file-vault/internal/db"
	"client-file-vault/internal/service"
)

// newRootCommand returns the root command with all subcommands attached.
// Running it without a subcommand serves the API.
func newRootCommand() *cobra.Command {
	cobra.EnableCommandSorting = false
	root := &cobra.Command{
		Use:   "backend",
		Short: "Client file vault API.",
		Long: `Stores client records with their photos and files, ingests zip archives
of documents, and keeps an audit log of every API call.

Configuration is read from CFV_* environment variables (and a .env file).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newPurgeLogsCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.DBDriver != config.DriverPostgres {
				logger.Info("sqlite schema is migrated on open", zap.String("path", cfg.SQLitePath))
				st, err := openStore(cmd.Context(), cfg, logger)
				if err != nil {
					return err
				}
				return st.Close()
			}
			return db.RunMigrations(cfg.DatabaseURL, logger)
		},
	}
}

func newPurgeLogsCommand() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge-logs",
		Short: "Delete audit log records older than --days and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 0 {
				return errors.New("--days must not be negative")
			}
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := service.NewLogService(st, logger).PurgeOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d log records older than %d days\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 30, "age in days of the records to delete")
	return cmd
}
