// Command widget-client is a terminal front end for the chat widget session.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/omochice/chatwidget/internal/config"
	"github.com/omochice/chatwidget/internal/identity"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "widget-client",
		Short:         "Talk to a support inbox from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "widget.toml", "path to config file (.toml, .yaml)")

	root.AddCommand(newChatCommand(), newResetCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the persisted visitor identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			store, closeStore, err := openStore(cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "visitor identity cleared")
			return nil
		},
	}
}

// newLogger builds the root logger. Logs go to stderr so they do not
// interleave with the conversation on stdout.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// openStore opens the identity store selected by cfg. The returned func
// releases it.
func openStore(cfg config.StorageConfig, logger zerolog.Logger) (*identity.Store, func(), error) {
	noop := func() {}

	switch cfg.Driver {
	case config.StorageMemory:
		return identity.NewStore(identity.NewMemoryBackend(), logger), noop, nil
	case config.StorageFile:
		return identity.NewStore(identity.NewFileBackend(cfg.Path, logger), logger), noop, nil
	case config.StorageSQLite:
		backend, err := identity.OpenSQLiteBackend(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		closeFn := func() {
			if err := backend.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close identity database")
			}
		}
		return identity.NewStore(backend, logger), closeFn, nil
	default:
		return nil, noop, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
