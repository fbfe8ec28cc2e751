package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/ghgovernor"
	"github.com/ambiyansyah-risyal/ghgovernor/config"
	"github.com/ambiyansyah-risyal/ghgovernor/cooldown/memory"
	natsstore "github.com/ambiyansyah-risyal/ghgovernor/cooldown/nats"
	redisstore "github.com/ambiyansyah-risyal/ghgovernor/cooldown/redis"
)

const shutdownTimeout = 5 * time.Second

// app holds the governor and everything that must be released after a command.
type app struct {
	cfg     *config.Config
	logger  ghgovernor.Logger
	gov     *ghgovernor.Governor
	closers []func()

	metricsAddr string
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: ghgovernor.NewConsoleLogger(cfg.Logging.Level),
	}

	opts := append(cfg.Options(), ghgovernor.WithLogger(a.logger))
	if cfg.GitHub.Token != "" {
		opts = append(opts, ghgovernor.WithAuthProvider(staticToken(cfg.GitHub.Token)))
	}

	store, err := a.openCooldownStore(cmd.Context())
	if err != nil {
		a.Close()
		return nil, err
	}
	if store != nil {
		opts = append(opts, ghgovernor.WithCooldownStore(store))
	}

	if cfg.Metrics.Address != "" {
		sink, err := a.serveMetrics(cfg.Metrics.Address)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, ghgovernor.WithMetricsSink(sink))
	}

	gov, err := ghgovernor.New(opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.gov = gov
	return a, nil
}

// loadConfig reads the config file and environment, then lets flags override both.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("redis-addr") && flags.Changed("nats-url") {
		return nil, errors.New("--redis-addr and --nats-url are mutually exclusive")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("redis-addr") {
		addr, _ := flags.GetString("redis-addr")
		cfg.Cooldown.Backend = config.BackendRedis
		cfg.Cooldown.RedisURL = redisURL(addr)
	}
	if flags.Changed("nats-url") {
		cfg.Cooldown.Backend = config.BackendNATS
		cfg.Cooldown.NATSURL, _ = flags.GetString("nats-url")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Address, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("token") {
		cfg.GitHub.Token, _ = flags.GetString("token")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// failure logs the full diagnostic context of a governor error at debug
// level and passes err through.
func (a *app) failure(err error) error {
	var clientErr *ghgovernor.ClientError
	if errors.As(err, &clientErr) {
		a.logger.Debug("request failed", "details", clientErr.DebugInfo())
	}
	return err
}

// redisURL accepts either host:port or a full redis:// or rediss:// URL.
func redisURL(addr string) string {
	if addr == "" || strings.Contains(addr, "://") {
		return addr
	}
	return "redis://" + addr
}

func staticToken(token string) ghgovernor.AuthProvider {
	return func(context.Context) (string, error) {
		return "Bearer " + token, nil
	}
}

func (a *app) openCooldownStore(ctx context.Context) (ghgovernor.CooldownStore, error) {
	c := a.cfg.Cooldown
	switch c.Backend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendRedis:
		store, client, err := redisstore.Dial(ctx, c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("cooldown store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.logger.Debug("using redis cooldown store", "prefix", c.Prefix)
		return store, nil

	case config.BackendNATS:
		conn, err := nats.Connect(c.NATSURL, nats.Name("ghgov"))
		if err != nil {
			return nil, fmt.Errorf("cooldown store: connect nats: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		store, err := natsstore.Open(ctx, conn, natsstore.Config{Bucket: c.NATSBucket})
		if err != nil {
			return nil, fmt.Errorf("cooldown store: %w", err)
		}
		a.logger.Debug("using nats cooldown store", "bucket", c.NATSBucket, "prefix", c.Prefix)
		return store, nil

	default:
		return nil, nil
	}
}

// serveMetrics starts a /metrics endpoint backed by a fresh registry.
func (a *app) serveMetrics(addr string) (*ghgovernor.PrometheusSink, error) {
	registry := prometheus.NewRegistry()
	sink := ghgovernor.NewPrometheusSinkWithRegistry(registry)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.metricsAddr = ln.Addr().String()
	a.logger.Info("serving metrics", "addr", a.metricsAddr)

	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return sink, nil
}
