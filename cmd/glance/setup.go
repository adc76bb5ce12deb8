package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/glance/internal/logger"
)

// loadedConfig holds the config file read by prepare.
var loadedConfig Config

// prepare runs before every subcommand: it merges the config file into
// unset flags and installs the logger in the context.
func prepare(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	loadedConfig = cfg
	applyLoggingConfig(cmd, cfg)
	if hasFlag(cmd, "model-dir") {
		applyModelConfig(cmd, cfg)
	}

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.New(os.Stderr, logger.Format(logFormat), level, isTerminal(os.Stderr))
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

func hasFlag(cmd *cli.Command, name string) bool {
	for _, f := range cmd.Flags {
		for _, n := range f.Names() {
			if n == name {
				return true
			}
		}
	}
	return false
}
