package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

type cliEnv struct {
	DatabaseURL     string `env:"DATABASE_URL"`
	PGDSN           string `env:"PG_DSN"`
	SafeguardConfig string `env:"SAFEGUARD_CONFIG"`
}

var (
	databaseURL   string
	safeguardPath string
	cmdTimeout    time.Duration

	rootCmd = &cobra.Command{
		Use:           "controlctl",
		Short:         "Operate the command lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var defaults cliEnv
			if err := env.Parse(&defaults); err != nil {
				return fmt.Errorf("parse env: %w", err)
			}
			if databaseURL == "" {
				databaseURL = defaults.DatabaseURL
			}
			if databaseURL == "" {
				databaseURL = defaults.PGDSN
			}
			if safeguardPath == "" {
				safeguardPath = defaults.SafeguardConfig
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres DSN (defaults to DATABASE_URL or PG_DSN)")
	rootCmd.PersistentFlags().StringVar(&safeguardPath, "safeguard-config", "", "safeguard yaml (defaults to SAFEGUARD_CONFIG)")
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 30*time.Second, "overall deadline of the command")

	rootCmd.AddCommand(migrateCmd, stuckCmd, breakerCmd, exportCmd, devicesCmd, dlqCmd, maintenanceCmd)
	breakerCmd.AddCommand(breakerSetCmd, breakerGetCmd)
	devicesCmd.AddCommand(devicesAddCmd, devicesCountCmd)
	dlqCmd.AddCommand(dlqListCmd)
	maintenanceCmd.AddCommand(purgeProcessedCmd, counterGCCmd)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, cmdTimeout)
}

func openDB(ctx context.Context) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database url required: set --database-url, DATABASE_URL or PG_DSN")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}
