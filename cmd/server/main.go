package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"retailsync/internal/config"
	"retailsync/internal/logger"
)

var version = "0.4.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log := logger.WithComponent("cmd")
		log.Error().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg     config.Config
		dataDir string
		port    string
	)

	root := &cobra.Command{
		Use:   "retailsync",
		Short: "Offline-first retail store that replicates to a remote replica",
		Long: `retailsync keeps every branch's catalog, sales and returns in local
document stores and replicates them to a remote replica whenever the
device is online. Without a subcommand it runs the API server.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			if dataDir != "" {
				loaded.DataDir = dataDir
			}
			if port != "" {
				loaded.Port = port
			}
			cfg = loaded
			return logger.Setup(logger.LogConfig{
				Level:      cfg.LogLevel,
				Format:     cfg.LogFormat,
				TimeFormat: time.RFC3339,
				Output:     "stdout",
			})
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory of the local store files (overrides DATA_DIR)")
	root.PersistentFlags().StringVar(&port, "port", "", "listen port (overrides PORT or REPLICA_PORT)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API server with continuous replication",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "replica",
			Short: "Run a remote replica that devices replicate to",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if port != "" {
					cfg.ReplicaPort = port
				}
				return runReplica(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Run one replication cycle for every store and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSync(cmd.Context(), cfg, cmd.OutOrStdout())
			},
		},
	)
	return root
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AdminPassword != "" {
		if len(cfg.AdminPassword) < 8 {
			return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters")
		}
		if err := validatePasswordStrength(cfg.AdminPassword); err != nil {
			return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD is too weak: %w", err)
		}
	}
	return nil
}

func validateReplicaConfig(cfg config.Config) error {
	if cfg.ReplicaUsername == "" || cfg.ReplicaPassword == "" {
		return errors.New("REPLICA_USERNAME and REPLICA_PASSWORD must be set")
	}
	if len(cfg.ReplicaPassword) < 12 {
		return errors.New("REPLICA_PASSWORD must be at least 12 characters")
	}
	return nil
}

// validatePasswordStrength rejects passwords that are a single repeated
// character, a run of consecutive characters, or on a known-weak list.
func validatePasswordStrength(password string) error {
	known := map[string]bool{
		"password": true, "password1": true, "admin123": true, "administrator": true,
		"12345678": true, "87654321": true, "qwertyuiop": true, "changeme": true,
		"retailsync": true, "retailsync1": true,
	}
	if known[strings.ToLower(password)] {
		return fmt.Errorf("common password not allowed")
	}

	allSame := true
	for i := 1; i < len(password); i++ {
		if password[i] != password[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("repeated-character password not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(password); i++ {
		diff := int(password[i]) - int(password[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential password not allowed")
	}

	return nil
}
