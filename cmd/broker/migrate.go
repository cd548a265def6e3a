package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
	"github.com/MaximeWewer/guacamole-session-broker/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Ensure the sessions schema exists",
		Long:  "Connects to Postgres and creates the sessions table, unique partial index, and lookup indices if they don't already exist.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)

			st, err := store.Open(context.Background(), cfg.Postgres.DSN, cfg.Postgres.MinConns, cfg.Postgres.MaxConns)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer st.Close()

			logging.Op().Info("schema is up to date")
			return nil
		},
	}
	return cmd
}

// loadConfig builds the effective Config from defaults, an optional
// --config YAML file, and BROKER_* environment overrides — in that
// order, matching the teacher's daemonCmd precedence.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
