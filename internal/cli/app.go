package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/config"
	"github.com/roach88/fkg/internal/schema"
	"github.com/roach88/fkg/internal/store"
	"github.com/roach88/fkg/internal/store/backend"
)

// app is the state shared by commands that touch the local store.
type app struct {
	cfg       *config.Config
	cfgPath   string
	logger    *slog.Logger
	store     store.Store
	validator *schema.Validator
}

// loadConfig reads configuration and installs the process logger.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (*config.Config, string, *slog.Logger, error) {
	cfg, path, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, "", nil, err
	}
	logger := config.NewLogger(cfg.Logging, cmd.ErrOrStderr(), opts.Verbose)
	slog.SetDefault(logger)
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}
	return cfg, path, logger, nil
}

// openApp loads config, opens the configured store and the schema set.
// Failures are reported through f.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command, f *OutputFormatter) (*app, error) {
	cfg, path, logger, err := loadConfig(opts, cmd)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	validator, err := schema.Default()
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeGeneric, "failed to load schemas", err)
	}

	logger.Debug("opening store", "url", cfg.Database.URL)
	st, err := backend.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("failed to open store %s", cfg.Database.URL), err)
	}

	return &app{cfg: cfg, cfgPath: path, logger: logger, store: st, validator: validator}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing store", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
