package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/bldx/internal/core"
	"github.com/3cpo-dev/bldx/internal/server"
	"github.com/3cpo-dev/bldx/internal/task"
	"github.com/3cpo-dev/bldx/internal/telemetry"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bldx-server",
		Short:         "Host the bldx task registry and its status API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	cmd.Flags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.Flags().String("config", "", "config file (default $XDG_CONFIG_HOME/bldx/config.yaml)")
	cmd.Flags().String("addr", "", "listen address (default server.addr)")
	return cmd
}

func serve(cmd *cobra.Command, args []string) error {
	levelStr, _ := cmd.Flags().GetString("log")
	if level, err := zerolog.ParseLevel(levelStr); err == nil && levelStr != "" {
		zerolog.SetGlobalLevel(level)
	}
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	telemetry.InitGlobal(cfg.Telemetry.Enabled, cfg.Telemetry.OTLPEndpoint,
		telemetry.WithFlushInterval(cfg.TelemetryFlushInterval()))
	defer telemetry.Shutdown()
	collector := telemetry.GetGlobal()
	perf := telemetry.NewPerformanceMonitor(collector, cfg.Telemetry.Enabled)
	defer perf.Shutdown()

	store, err := core.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rt, err := core.NewRuntime(cfg, store, task.NewRegistry())
	if err != nil {
		return err
	}
	mgr := rt.Manager()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go rt.Maintain(ctx)
	go reportRegistry(ctx, mgr, perf)

	var monitor *telemetry.MonitoringServer
	if cfg.Telemetry.Enabled && cfg.Telemetry.MonitoringPort > 0 {
		monitor = telemetry.NewMonitoringServer(fmt.Sprintf("127.0.0.1:%d", cfg.Telemetry.MonitoringPort), collector)
		for name, check := range telemetry.DefaultHealthChecks() {
			monitor.RegisterHealthCheck(name, check)
		}
		monitor.RegisterHealthCheck("registry", telemetry.RegistryHealthCheck(func() int {
			return byStatus(mgr.List())[string(task.StatusRunning)]
		}, cfg.Coordinator.PoolSize))
		monitor.RegisterHealthCheck("store", telemetry.StoreHealthCheck(rt.Health))
		go func() {
			if err := monitor.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("monitoring server stopped")
			}
		}()
	}

	srv := server.New(mgr, version, cfg.Server.Token, perf)
	errc := make(chan error, 1)
	go func() {
		tls := server.MTLSConfig{
			ServerCert:   cfg.Server.TLS.CertFile,
			ServerKey:    cfg.Server.TLS.KeyFile,
			ClientCACert: cfg.Server.TLS.ClientCAFile,
		}
		if tls.ServerCert != "" {
			errc <- srv.ListenAndServeTLS(cfg.Server.Addr, tls)
			return
		}
		errc <- srv.ListenAndServe(cfg.Server.Addr)
	}()
	if cfg.Server.Token == "" {
		log.Warn().Msg("server.token is empty, task API is unauthenticated")
	}

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("bldx-server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if monitor != nil {
		_ = monitor.Shutdown(shutdownCtx)
	}
	// Workers outlive the registry otherwise; archive what finished.
	mgr.Sweep()
	if n := mgr.TerminateAll(); n > 0 {
		log.Warn().Int("tasks", n).Msg("running tasks terminated at shutdown")
	}
	mgr.Cleanup(0)
	return nil
}

func byStatus(snaps []task.Snapshot) map[string]int {
	out := map[string]int{}
	for _, s := range snaps {
		out[string(s.Status)]++
	}
	return out
}

func reportRegistry(ctx context.Context, mgr *task.Manager, perf *telemetry.PerformanceMonitor) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			perf.RecordRegistryMetrics(byStatus(mgr.List()))
		}
	}
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
