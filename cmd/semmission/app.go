package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semmission/api"
	"github.com/c360studio/semmission/config"
	"github.com/c360studio/semmission/controller"
	"github.com/c360studio/semmission/session"
	"github.com/c360studio/semmission/transport"
)

// App holds the clients shared by one command invocation.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	client   *api.Client
	store    session.Store
	registry *prometheus.Registry

	natsClient    *natsclient.Client
	metricsServer *http.Server
}

// newApp loads configuration, applies flag overrides and connects the
// optional resume cache.
func newApp(ctx context.Context, flags *globalFlags) (*App, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		client:   newAPIClient(cfg, logger),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector())

	if cfg.NATS.URL == "" {
		a.store = session.NewMemoryStore()
	} else {
		if err := a.connectStore(ctx); err != nil {
			return nil, err
		}
	}

	if flags.metricsAddr != "" {
		a.serveMetrics(flags.metricsAddr)
	}
	return a, nil
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFromFile(flags.configPath)
	} else {
		cfg, err = config.NewLoader(nil).Load()
	}
	if err != nil {
		return nil, err
	}

	if flags.logLevel != "" {
		cfg.Log.Level = strings.ToLower(flags.logLevel)
	}
	if flags.baseURL != "" {
		cfg.API.BaseURL = flags.baseURL
	}
	if flags.transport != "" {
		cfg.Stream.Transport = flags.transport
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newAPIClient(cfg *config.Config, logger *slog.Logger) *api.Client {
	opts := []api.Option{
		api.WithTimeout(cfg.API.Timeout),
		api.WithLogger(logger),
	}
	for k, v := range cfg.API.Headers {
		opts = append(opts, api.WithHeader(k, v))
	}
	if cfg.API.Token != "" {
		opts = append(opts, api.WithHeader("Authorization", "Bearer "+cfg.API.Token))
	}
	return api.NewClient(cfg.API.BaseURL, opts...)
}

func (a *App) connectStore(ctx context.Context) error {
	a.logger.Debug("Connecting to NATS", "url", a.cfg.NATS.URL)

	client, err := natsclient.NewClient(a.cfg.NATS.URL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("NATS connection failed: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	store, err := session.NewKVStore(ctx, client, a.cfg.NATS.Bucket, a.cfg.NATS.TTL)
	if err != nil {
		client.Close(ctx)
		return fmt.Errorf("open session store: %w", err)
	}

	a.natsClient = client
	a.store = store
	a.logger.Debug("Session store ready", "bucket", a.cfg.NATS.Bucket)
	return nil
}

func (a *App) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("Metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", addr)
}

// dialer builds the configured live transport.
func (a *App) dialer() (transport.Dialer, error) {
	opts := []transport.Option{
		transport.WithLogger(a.logger),
		transport.WithIdleTimeout(a.cfg.Stream.IdleTimeout),
	}
	for k, v := range a.cfg.API.Headers {
		opts = append(opts, transport.WithHeader(k, v))
	}
	if a.cfg.API.Token != "" {
		opts = append(opts, transport.WithHeader("Authorization", "Bearer "+a.cfg.API.Token))
	}

	switch a.cfg.Stream.Transport {
	case config.TransportSSE:
		return transport.NewSSE(a.cfg.API.BaseURL, opts...), nil
	case config.TransportWebSocket:
		return transport.NewWebSocket(a.cfg.API.BaseURL, opts...), nil
	default:
		return nil, fmt.Errorf("transport %q needs an event log; use replay", a.cfg.Stream.Transport)
	}
}

// newController wires a controller to the shared clients.
func (a *App) newController(dialer transport.Dialer, opts ...controller.Option) *controller.Controller {
	r := a.cfg.Stream.Retry
	base := []controller.Option{
		controller.WithLogger(a.logger),
		controller.WithRetry(controller.RetryConfig{
			MaxAttempts:       r.MaxAttempts,
			BackoffBase:       r.BackoffBase,
			BackoffMultiplier: r.BackoffMultiplier,
			MaxBackoff:        r.MaxBackoff,
		}),
		controller.WithCommandTimeout(a.cfg.API.Timeout),
		controller.WithSessionStore(a.store),
		controller.WithRegisterer(a.registry),
	}
	return controller.New(a.client, dialer, append(base, opts...)...)
}

// Close releases the NATS connection and the metrics listener.
func (a *App) Close(ctx context.Context) {
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = a.metricsServer.Shutdown(shutdownCtx)
	}
	if a.natsClient != nil {
		a.natsClient.Close(ctx)
	}
}
