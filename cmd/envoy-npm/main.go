package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/melih/envoy-npm/internal/adapters/docker"
	"github.com/melih/envoy-npm/internal/adapters/http"
	"github.com/melih/envoy-npm/internal/adapters/npm"
	"github.com/melih/envoy-npm/internal/config"
	"github.com/melih/envoy-npm/internal/core/reconciler"
	"github.com/melih/envoy-npm/internal/core/registry"
	"github.com/melih/envoy-npm/internal/logging"
	"github.com/melih/envoy-npm/internal/metrics"
)

func main() {
	cmd, err := newRootCommand()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() (*cobra.Command, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	cmd := &cobra.Command{
		Use:           "envoy-npm",
		Short:         "Keep Nginx Proxy Manager hosts in sync with Docker containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg); err != nil {
				logrus.WithError(err).Error("envoy-npm stopped")
				return err
			}
			return nil
		},
	}
	cfg.AddFlags(cmd.Flags())
	return cmd, nil
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	// 1. Logging and metrics
	log, err := logging.Setup(logrus.StandardLogger(), cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// 2. Initialize Adapters (Infrastructure)
	dockerAdapter, err := docker.NewAdapter(cfg.DockerHost, log, m)
	if err != nil {
		return err
	}
	defer dockerAdapter.Close()

	backend, err := npm.NewClient(npm.Options{
		BaseURL:     cfg.NPMURL,
		Email:       cfg.NPMEmail,
		Password:    cfg.NPMPassword,
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryDelay,
		MaxDelay:    cfg.MaxRetryDelay,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	// 3. Fatal startup checks: backend credentials and the event subscription.
	if _, err := backend.Login(ctx); err != nil {
		return fmt.Errorf("failed to log in to NPM: %w", err)
	}
	events, err := dockerAdapter.Events(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to container events: %w", err)
	}

	// 4. Core
	hosts := registry.New()
	engine := reconciler.New(backend, dockerAdapter, hosts, reconciler.Options{
		Policy:        reconciler.Policy{AllowDomainReuse: cfg.AllowDomainReuse},
		SyncInterval:  cfg.SyncInterval,
		ShutdownGrace: cfg.ShutdownGrace,
		Logger:        log,
		Metrics:       m,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx, events)
	})

	// 5. Operational HTTP surface
	if cfg.HealthPort > 0 {
		app := http.NewRouter(http.NewStatusHandler(dockerAdapter, hosts), promReg)
		addr := fmt.Sprintf(":%d", cfg.HealthPort)
		g.Go(func() error {
			log.Infof("Health server listening on %s", addr)
			if err := app.Listen(addr); err != nil {
				return fmt.Errorf("health server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return app.ShutdownWithTimeout(cfg.ShutdownGrace)
		})
	}

	log.WithFields(logrus.Fields{
		"npm":           cfg.NPMURL,
		"sync_interval": cfg.SyncInterval,
	}).Info("envoy-npm started")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("envoy-npm stopped")
	return nil
}
