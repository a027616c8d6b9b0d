package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"echoroi/internal/config"
	"echoroi/internal/health"
	"echoroi/internal/logging"
	"echoroi/internal/metrics"
	"echoroi/internal/reconcile"
	"echoroi/internal/watcher"
)

func watchCommand(a *app) *cobra.Command {
	var policy string

	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Reconcile the annotation directory whenever its records change",
		Long: `Run a reconciliation pass now and again every time annotation records
settle after an edit. When metrics.listen is set, Prometheus metrics are
served on /metrics and health probes on /livez, /readyz and /healthz. Changes to the config file are picked up without a
restart.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), a.annotationDir(args), policy)
		},
	}

	cmd.Flags().StringVar(&policy, "skip-policy", "", "Handling of unreadable records: delete, preserve")
	return cmd
}

func (a *app) watch(ctx context.Context, dir, policy string) error {
	logger := a.log.WithComponent("watch")

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := metrics.New(nil)
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	passes := &health.PassTracker{}
	checker.RegisterFunc("registry", true, health.PingCheck(st.Ping))
	checker.RegisterFunc("annotations", true, health.DirCheck(dir))
	checker.RegisterFunc("last_pass", false, passes.Check)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if addr := a.cfg.Metrics.Listen; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Serve(ctx, addr, checker.Mount); err != nil {
				logger.Error("metrics server stopped", "addr", addr, "error", err)
			}
		}()
		logger.Info("serving metrics and health probes", "addr", addr, "checks", checker.Names())
	}

	var current atomic.Pointer[reconcile.Reconciler]
	build := func(cfg *config.Config) error {
		r, err := a.newReconciler(st, cfg, policy, true, reconcile.WithMetrics(m))
		if err != nil {
			return err
		}
		current.Store(r)
		return nil
	}
	if err := build(a.cfg); err != nil {
		return err
	}

	if a.configPath != "" {
		loader := config.NewLoader(a.configPath)
		if _, err := loader.Load(); err != nil {
			return err
		}
		loader.OnChange(func(cfg *config.Config) {
			if err := build(cfg); err != nil {
				logger.Error("config reload rejected", "error", err)
				return
			}
			if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
				a.log.SetLevel(level)
			}
			logger.Info("configuration reloaded", "skip_policy", cfg.Annotations.SkipPolicy, "log_level", cfg.Logging.Level)
		})
		if err := loader.Watch(); err != nil {
			return err
		}
		defer loader.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-loader.Errors():
					logger.Warn("config reload failed", "error", err)
				}
			}
		}()
	}

	w, err := watcher.New([]string{dir}, a.cfg.Debounce())
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.Stop()

	runPass(ctx, current.Load(), dir, passes, logger)
	checker.SetReady(true)
	logger.Info("watching annotations", "dir", dir, "debounce", a.cfg.Debounce())

	for {
		select {
		case <-ctx.Done():
			logger.Info("watch stopped")
			return nil
		case t, ok := <-w.Triggers():
			if !ok {
				return nil
			}
			logger.Debug("annotation records settled", "files", len(t.Paths))
			runPass(ctx, current.Load(), dir, passes, logger)
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}

// runPass runs one pass and logs its outcome. A failed pass is rolled back
// and retried on the next trigger.
func runPass(ctx context.Context, r *reconcile.Reconciler, dir string, passes *health.PassTracker, logger *slog.Logger) {
	_, err := r.Run(ctx, dir)
	if ctx.Err() != nil {
		return
	}
	passes.Observe(time.Now(), err)
	if err != nil {
		logger.Error("reconciliation pass failed", "dir", dir, "error", err)
	}
}
