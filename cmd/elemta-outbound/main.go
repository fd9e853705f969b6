package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/busybox42/elemta/internal/config"
	"github.com/busybox42/elemta/internal/events"
	"github.com/busybox42/elemta/internal/logging"
	"github.com/busybox42/elemta/internal/metrics"
	"github.com/busybox42/elemta/internal/mta"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "elemta-outbound",
		Short:   "Elemta outbound delivery core",
		Long:    "Elemta outbound delivery core: dispatches queued mail to destination MX hosts and forwards delivery events to an operator-configured endpoint.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the dispatch loop and event forwarder",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("elemta-outbound %s\n", cmd.Root().Version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate a default configuration file",
		RunE:  generateConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		RunE:  validateConfig,
	})
}

func generateConfig(cmd *cobra.Command, args []string) error {
	outputPath := "elemta-outbound.conf"
	if len(args) > 0 {
		outputPath = args[0]
	}
	if err := config.CreateDefaultConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	fmt.Printf("Default configuration generated at: %s\n", outputPath)
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configFile := configPath
	if len(args) > 0 {
		configFile = args[0]
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	result := cfg.Validate()
	if result.Valid {
		fmt.Println("Configuration is VALID")
	} else {
		fmt.Println("Configuration has ERRORS")
	}
	for i, e := range result.Errors {
		fmt.Printf("  %d. %s\n", i+1, e.Error())
	}
	for i, w := range result.Warnings {
		fmt.Printf("  warning %d. %s\n", i+1, w.Error())
	}
	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg)
	logger := slog.Default().With("component", "main")

	groupStore, err := buildGroupStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to build virtual-mta group store: %w", err)
	}

	broker, err := buildBroker(cfg)
	if err != nil {
		return fmt.Errorf("failed to build broker: %w", err)
	}

	store, err := buildEventStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to build event store: %w", err)
	}

	recorderMetrics, err := buildMetricsRecorder(cfg)
	if err != nil {
		return fmt.Errorf("failed to build metrics recorder: %w", err)
	}

	resolver := mta.NewNetResolver(mta.DefaultResolverConfig())
	selector := mta.NewSelector(groupStore)
	registry := mta.NewUnavailabilityRegistry()

	poolCfg := mta.PoolConfig{
		MaxConnectionsPerKey: cfg.Pool.MaxConnectionsPerKey,
		IdleTimeout:          cfg.PoolIdleTimeout(),
		ConnectPort:          cfg.Pool.ConnectPort,
		HelloName:            cfg.Pool.HelloName,
		BreakerMaxRequests:   cfg.Pool.BreakerMaxRequests,
		BreakerInterval:      cfg.PoolBreakerInterval(),
		BreakerTimeout:       cfg.PoolBreakerTimeout(),
	}
	pool := mta.NewClientPool(poolCfg, registry)

	deliveryLogger := logging.NewDeliveryLogger(slog.Default())
	recorder := mta.NewOutcomeRecorder(store, recorderMetrics, deliveryLogger)

	senderCfg := mta.SenderConfig{
		PollInterval:   cfg.SenderPollInterval(),
		MaxTimeInQueue: cfg.SenderMaxTimeInQueue(),
		DefaultGroupID: cfg.Sender.DefaultGroupID,
	}
	sender := mta.NewSender(senderCfg, broker, resolver, selector, pool, registry, recorder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	forwarderCfg := events.ForwarderConfig{
		PostURL:   cfg.Forwarder.PostURL,
		BatchSize: cfg.Forwarder.BatchSize,
		FanOut:    cfg.Forwarder.FanOut,
		PollDelay: cfg.ForwarderPollDelay(),
	}
	var shutdownCause error
	onFatal := func(cause error) {
		shutdownCause = cause
		logger.Error("event forwarder failed fatally, shutting down", "error", cause)
		stop()
	}
	forwarder := events.NewForwarder(forwarderCfg, store, recorderMetrics, onFatal)

	var metricsServer *http.Server
	if cfg.Metrics.PrometheusListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.PrometheusListen, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.PrometheusListen)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	sender.Start(ctx)
	if forwarder.Enabled() {
		forwarder.Start(ctx)
	} else {
		logger.Info("event forwarder disabled: no post_url configured")
	}

	// Close pooled connections idle past pool.idle_timeout_seconds.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				pool.Sweep(now)
			}
		}
	}()

	logger.Info("elemta-outbound started", "hostname", cfg.Server.Hostname)
	<-ctx.Done()

	logger.Info("shutting down")
	sender.Stop()
	if forwarder.Enabled() {
		forwarder.Stop()
	}
	if metricsServer != nil {
		_ = metricsServer.Close()
	}

	if shutdownCause != nil {
		return shutdownCause
	}
	return nil
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildGroupStore(cfg *config.Config) (*mta.StaticGroupStore, error) {
	groups := make([]*mta.VirtualMTAGroup, 0, len(cfg.VirtualMTAGroup))
	for _, g := range cfg.VirtualMTAGroup {
		mtas := make([]*mta.VirtualMTA, 0, len(g.MTA))
		for _, m := range g.MTA {
			mtas = append(mtas, &mta.VirtualMTA{
				IP:                m.IP,
				HostName:          m.HostName,
				MaxPerDestination: m.MaxPerDestination,
			})
		}
		groups = append(groups, &mta.VirtualMTAGroup{ID: g.ID, MTAs: mtas})
	}
	return mta.NewStaticGroupStore(groups)
}

func buildBroker(cfg *config.Config) (mta.Broker, error) {
	switch cfg.Broker.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Broker.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse broker redis_url: %w", err)
		}
		return mta.NewRedisBroker(redis.NewClient(opts)), nil
	default:
		return mta.NewInMemoryBroker(), nil
	}
}

func buildEventStore(cfg *config.Config) (events.Store, error) {
	switch cfg.EventStore.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.EventStore.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse event_store redis_url: %w", err)
		}
		return events.NewRedisStore(redis.NewClient(opts)), nil
	default:
		return events.NewInMemoryStore(), nil
	}
}

func buildMetricsRecorder(cfg *config.Config) (*metrics.MultiRecorder, error) {
	recorders := make([]metrics.Recorder, 0, 2)

	prom := metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	recorders = append(recorders, prom)

	if cfg.Metrics.ValkeyAddr != "" {
		store, err := metrics.NewValkeyStore(cfg.Metrics.ValkeyAddr)
		if err != nil {
			return nil, fmt.Errorf("connect to valkey at %q: %w", cfg.Metrics.ValkeyAddr, err)
		}
		recorders = append(recorders, metrics.NewValkeyRecorderAdapter(store, context.Background()))
	}

	return metrics.NewMultiRecorder(recorders...), nil
}
