package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/sandpipe/internal/store"
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <app> <install>",
		Short: "Create or replace the execution config of an install",
		Args:  cobra.ExactArgs(2),
		RunE:  runInstall,
	}

	cmd.Flags().String("payload-url", "", "URL of the zipped code bundle")
	cmd.Flags().String("hash", "", "content hash of the bundle")
	cmd.Flags().StringArrayP("env", "e", nil, "handler environment as NAME=value (repeatable)")
	cmd.Flags().Int("max-concurrency", 0, "units a worker runs at once (0 = daemon default)")
	cmd.Flags().String("script", "", "handler module relative to the bundle root (default index.js)")
	cmd.MarkFlagRequired("payload-url")
	cmd.MarkFlagRequired("hash")

	return cmd
}

func runInstall(cmd *cobra.Command, args []string) error {
	payloadURL, _ := cmd.Flags().GetString("payload-url")
	hash, _ := cmd.Flags().GetString("hash")
	envPairs, _ := cmd.Flags().GetStringArray("env")
	maxConc, _ := cmd.Flags().GetInt("max-concurrency")
	script, _ := cmd.Flags().GetString("script")

	if maxConc < 0 {
		return errors.New("max-concurrency must not be negative")
	}
	env, err := parseEnv(envPairs)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.PutExecConfig(&store.ExecConfig{
		AppID:          args[0],
		InstallID:      args[1],
		PayloadURL:     payloadURL,
		BundleHash:     hash,
		Env:            env,
		MaxConcurrency: maxConc,
		Script:         script,
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "installed %s/%s (%s)\n", args[0], args[1], hash)
	return nil
}

func newInstallsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "installs",
		Short: "List execution configs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			cfgs, err := st.ListExecConfigs()
			if err != nil {
				return err
			}
			printInstalls(cmd.OutOrStdout(), cfgs)
			return nil
		},
	}
}

func printInstalls(w io.Writer, cfgs []*store.ExecConfig) {
	fmt.Fprintf(w, "%-16s %-16s %-20s %-6s %s\n", "APP", "INSTALL", "HASH", "CONC", "ENV")
	fmt.Fprintf(w, "%-16s %-16s %-20s %-6s %s\n", "---", "-------", "----", "----", "---")
	for _, c := range cfgs {
		names := make([]string, 0, len(c.Env))
		for k := range c.Env {
			names = append(names, k)
		}
		sort.Strings(names)
		conc := "-"
		if c.MaxConcurrency > 0 {
			conc = fmt.Sprint(c.MaxConcurrency)
		}
		fmt.Fprintf(w, "%-16s %-16s %-20s %-6s %s\n", c.AppID, c.InstallID, shorten(c.BundleHash, 20), conc, strings.Join(names, ","))
	}
}

func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <app> <install>",
		Short: "Delete the execution config of an install",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteExecConfig(args[0], args[1]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s/%s is not installed", args[0], args[1])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newWorkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List recorded worker processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			running, _ := cmd.Flags().GetBool("running")

			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			var workers []*store.Worker
			if running {
				workers, err = st.ListRunningWorkers()
			} else {
				workers, err = st.ListWorkers()
			}
			if err != nil {
				return err
			}
			printWorkers(cmd.OutOrStdout(), workers, time.Now())
			return nil
		},
	}

	cmd.Flags().Bool("running", false, "only list workers still marked running")

	return cmd
}

func printWorkers(w io.Writer, workers []*store.Worker, now time.Time) {
	fmt.Fprintf(w, "%-8s %-36s %-8s %-10s %-10s %s\n", "ID", "KEY", "PID", "STATUS", "STARTED", "EXIT")
	fmt.Fprintf(w, "%-8s %-36s %-8s %-10s %-10s %s\n", "--", "---", "---", "------", "-------", "----")
	for _, wk := range workers {
		started := wk.StartedAt.Local().Format("2006-01-02")
		if now.Sub(wk.StartedAt) < 24*time.Hour {
			started = wk.StartedAt.Local().Format("15:04:05")
		}
		key := wk.AppID + "/" + wk.InstallID + "/" + wk.WorkerID
		fmt.Fprintf(w, "%-8s %-36s %-8d %-10s %-10s %s\n", shorten(wk.ID, 8), shorten(key, 36), wk.PID, wk.Status, started, wk.ExitError)
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Empty the bundle cache and prune old worker records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := newBundleCache(cfg, logger).Purge(); err != nil {
				return fmt.Errorf("purge bundle cache: %w", err)
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.PruneWorkers(time.Now().Add(-cfg.Pool.Retention))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle cache emptied, %d worker records pruned\n", n)
			return nil
		},
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid env %q, want NAME=value", p)
		}
		env[name] = value
	}
	return env, nil
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
