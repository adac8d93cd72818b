package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/paneflow/adapter"
	"github.com/jonwraymond/paneflow/config"
	"github.com/jonwraymond/paneflow/fanout"
	"github.com/jonwraymond/paneflow/observe"
	"github.com/jonwraymond/paneflow/observe/exporters"
	"github.com/jonwraymond/paneflow/relay"
	"github.com/jonwraymond/paneflow/resilience"
	"github.com/jonwraymond/paneflow/secret"
	"github.com/jonwraymond/paneflow/server"
)

const shutdownTimeout = 10 * time.Second

func (a *App) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&a.listen, "listen", "", "listen address (overrides the config file)")
	return cmd
}

// services is the wired object graph of one server.
type services struct {
	observer observe.Observer
	logger   observe.Logger
	manager  *fanout.Manager
	server   *server.Server
}

func build(ctx context.Context, cfg *config.Config) (*services, error) {
	resolver := secret.DefaultResolver()
	defer resolver.Close()
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		return nil, err
	}

	obs, err := observe.NewObserver(ctx, cfg.Observe)
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	tel, err := observe.NewTelemetry(obs)
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}
	log := tel.Logger

	policies, err := cfg.Policies()
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}
	breakers := resilience.NewBreakerSet(cfg.BreakerConfig(), func(provider string, from, to resilience.State) {
		tel.Metrics.RecordBreakerTransition(context.Background(), provider, from.String(), to.String())
		log.Warn(context.Background(), "circuit state changed",
			observe.Field{Key: "provider", Value: provider},
			observe.Field{Key: "from", Value: from.String()},
			observe.Field{Key: "to", Value: to.String()},
		)
	})
	exec := resilience.NewExecutor(
		resilience.WithPolicies(policies),
		resilience.WithBreakers(breakers),
		resilience.WithTelemetry(tel),
	)

	registry := adapter.NewRegistry(adapter.WithRegistryLogger(log))
	for _, name := range cfg.ProviderNames() {
		p := cfg.Providers[name]
		echo := adapter.NewEcho(adapter.EchoConfig{
			Name:       name,
			Models:     p.Models,
			TokenDelay: p.TokenDelay,
		})
		if err := registry.Register(echo); err != nil {
			_ = obs.Shutdown(ctx)
			return nil, err
		}
		log.Info(ctx, "provider registered",
			observe.Field{Key: "provider", Value: name},
			observe.Field{Key: "type", Value: p.Type},
			observe.Field{Key: "models", Value: len(p.Models)},
			observe.Field{Key: "has_api_key", Value: p.APIKey != ""},
		)
	}

	manager := fanout.NewManager(cfg.ManagerConfig(), fanout.WithTelemetry(tel))
	rel := relay.New(exec, registry, manager, relay.WithLogger(log))

	opts := []server.Option{server.WithLogger(log)}
	if cfg.Observe.Metrics.Enabled && cfg.Observe.Metrics.Exporter == "prometheus" {
		opts = append(opts, server.WithMetricsHandler(exporters.MetricsHandler()))
	}
	srv := server.New(server.Config{ServiceName: cfg.Observe.ServiceName}, manager, rel, registry, breakers, opts...)

	return &services{observer: obs, logger: log, manager: manager, server: srv}, nil
}

func (a *App) serve(ctx context.Context) error {
	svc, err := build(ctx, a.cfg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           svc.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.manager.Run(ctx)
	})
	g.Go(func() error {
		svc.logger.Info(ctx, "server listening", observe.Field{Key: "addr", Value: a.cfg.Listen})
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return svc.shutdown(httpServer)
	})

	return g.Wait()
}

func (s *services) shutdown(httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info(ctx, "shutting down")
	return errors.Join(
		httpServer.Shutdown(ctx),
		s.server.Shutdown(ctx),
		s.manager.Close(),
		s.observer.Shutdown(ctx),
	)
}
