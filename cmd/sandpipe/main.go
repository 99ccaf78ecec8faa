// sandpipe runs application handlers in pooled, sandboxed workers. The
// commands here host the engine for one unit at a time and manage the
// execution configs it reads.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/p-arndt/sandpipe/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "sandpipe",
		Short:         "Sandboxed worker execution engine",
		Long:          "Run application handlers in long-lived sandboxed workers and manage their execution configs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", getEnvDefault("SANDPIPE_CONFIG", "sandpipe.yaml"), "path to sandpipe.yaml")
	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(newInvokeCmd())
	rootCmd.AddCommand(newTaskCmd())
	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newInstallsCmd())
	rootCmd.AddCommand(newUninstallCmd())
	rootCmd.AddCommand(newWorkersCmd())
	rootCmd.AddCommand(newPurgeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandpipe: %v\n", err)
		os.Exit(1)
	}
}

func getEnvDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// loadConfig reads the config named by the --config flag and builds the
// logger for the configured level.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
