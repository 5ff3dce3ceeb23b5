package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/bldx/internal/cache"
	"github.com/3cpo-dev/bldx/internal/coordinator"
	"github.com/3cpo-dev/bldx/internal/core"
	"github.com/3cpo-dev/bldx/internal/task"
	"github.com/3cpo-dev/bldx/internal/telemetry"
	"github.com/3cpo-dev/bldx/pkg/api"
)

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// openRuntime wires config, store and runtime. The returned func releases
// them.
func openRuntime(cmd *cobra.Command) (core.Config, *core.Runtime, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, nil, nil, err
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled, cfg.Telemetry.OTLPEndpoint,
		telemetry.WithFlushInterval(cfg.TelemetryFlushInterval()))
	store, err := core.NewStore(cfg.Store.Path)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("open store: %w", err)
	}
	rt, err := core.NewRuntime(cfg, store, task.NewRegistry())
	if err != nil {
		_ = store.Close()
		return cfg, nil, nil, err
	}
	release := func() {
		// Workers run in their own process group and miss the terminal's
		// SIGINT; kill them, then archive what this invocation ran.
		rt.Manager().TerminateAll()
		rt.Manager().Cleanup(0)
		_ = telemetry.Shutdown()
		_ = store.Close()
	}
	return cfg, rt, release, nil
}

func loadPlan(cmd *cobra.Command, cfg core.Config) (api.PlanSpec, core.BuildRequest, error) {
	path, _ := cmd.Flags().GetString("file")
	spec, err := core.LoadPlanFile(path)
	if err != nil {
		return spec, core.BuildRequest{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return spec, core.BuildRequest{}, err
	}
	req, err := core.BuildRequestFor(spec, cfg, filepath.Dir(abs))
	return spec, req, err
}

// Print the execution levels of a plan file
func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate a plan file and print its execution levels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			_, req, err := loadPlan(cmd, cfg)
			if err != nil {
				return err
			}
			plan, err := coordinator.NewPlan(req.Subtasks)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key\t%s\n", cache.Fingerprint(req.Input, req.Mode))
			for i, level := range plan.Levels() {
				fmt.Fprintf(out, "level %d\t%s\n", i, strings.Join(level, " "))
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "plan file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// Run a plan file through the cache and coordinator
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a plan file, serving it from the cache when possible",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rt, release, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer release()

			_, req, err := loadPlan(cmd, cfg)
			if err != nil {
				return err
			}
			if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
				req.NoCache = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := rt.Build(ctx, req)
			out := cmd.OutOrStdout()
			var batchErr *coordinator.BatchError
			switch {
			case errors.As(err, &batchErr):
				printBatch(out, report.Batch)
				fmt.Fprintf(out, "status\t%s\n", api.RunFailed)
				return err
			case err != nil:
				return err
			}

			status := api.RunSucceeded
			if report.CacheHit {
				status = api.RunCached
			}
			fmt.Fprintf(out, "key\t%s\n", report.Key)
			fmt.Fprintf(out, "status\t%s\n", status)
			ids := make([]string, 0, len(report.Summary.Subtasks))
			for id := range report.Summary.Subtasks {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				s := report.Summary.Subtasks[id]
				fmt.Fprintf(out, "%s\t%s\t%s\n", id, s.Elapsed.Round(time.Millisecond), strings.Join(s.Outputs, ","))
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "plan file (YAML or JSON)")
	cmd.Flags().Bool("no-cache", false, "skip the result cache")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printBatch(w io.Writer, batch *coordinator.BatchResult) {
	if batch == nil {
		return
	}
	for _, level := range batch.Levels {
		for _, id := range level {
			r, ok := batch.Results[id]
			if !ok {
				continue
			}
			line := fmt.Sprintf("%s\t%s", id, r.Outcome)
			if r.Reason != "" {
				line += "\t" + r.Reason
			}
			fmt.Fprintln(w, line)
		}
	}
}

// Run one worker to completion
func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec -- command [args...]",
		Short: "Spawn a single worker and wait for it to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rt, release, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer release()

			workDir, _ := cmd.Flags().GetString("workdir")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			instructions, _ := cmd.Flags().GetString("instructions")
			spec := task.CommandSpec{Executable: args[0], Args: args[1:], WorkDir: workDir}
			if instructions != "" {
				data, err := os.ReadFile(instructions)
				if err != nil {
					return fmt.Errorf("read instructions: %w", err)
				}
				spec.Instructions = string(data)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			snap, err := rt.Exec(ctx, spec, timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "task\t%s\n", snap.ID)
			fmt.Fprintf(out, "status\t%s\n", snap.Status)
			fmt.Fprintf(out, "elapsed\t%s\n", snap.Elapsed.Round(time.Millisecond))
			if snap.Result != nil {
				fmt.Fprintf(out, "result\t%s\n", snap.Result.Kind)
			}
			if snap.Status != task.StatusCompleted {
				if snap.DiagnosticTail != "" {
					fmt.Fprintln(out, snap.DiagnosticTail)
				}
				return fmt.Errorf("task %s %s: %s", snap.ID, snap.Status, snap.Reason)
			}
			return nil
		},
	}
	cmd.Flags().String("workdir", ".", "worker working directory")
	cmd.Flags().Duration("timeout", 0, "hard timeout (default worker.timeout_seconds)")
	cmd.Flags().String("instructions", "", "file whose contents are written to the worker's stdin")
	return cmd
}

// Inspect and maintain the result cache
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the result cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	evict := &cobra.Command{
		Use:   "evict",
		Short: "Remove expired and invalidated cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, err := cache.New(cfg.Cache.Dir, cache.WithTTL(cfg.CacheTTL()))
			if err != nil {
				return err
			}
			n, err := c.EvictExpired()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %d entries from %s\n", n, c.Dir())
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show files changed in a project since its last cached build",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			diff, err := cache.Changes(store, project)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if diff.Empty() {
				fmt.Fprintln(out, "no changes")
				return nil
			}
			for _, p := range diff.Added {
				fmt.Fprintf(out, "A\t%s\n", p)
			}
			for _, p := range diff.Modified {
				fmt.Fprintf(out, "M\t%s\n", p)
			}
			for _, p := range diff.Removed {
				fmt.Fprintf(out, "D\t%s\n", p)
			}
			return nil
		},
	}
	status.Flags().String("project", ".", "project root")

	cmd.AddCommand(evict, status)
	return cmd
}

// List archived tasks
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived tasks, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			snaps, err := store.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range snaps {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.FinishedAt.Format(time.RFC3339), s.Elapsed.Round(time.Millisecond), s.Command.Executable)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of tasks")
	return cmd
}
