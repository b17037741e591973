package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/internal/config"
	"github.com/zsiec/cadence/internal/health"
	"github.com/zsiec/cadence/internal/ingestion"
	"github.com/zsiec/cadence/internal/ingestion/codec/libav"
	"github.com/zsiec/cadence/internal/ingestion/codec/raw"
	"github.com/zsiec/cadence/internal/ingestion/media"
	"github.com/zsiec/cadence/internal/ingestion/registry"
	"github.com/zsiec/cadence/internal/logger"
	"github.com/zsiec/cadence/internal/server"
	"github.com/zsiec/cadence/pkg/version"
)

const diskUsageThreshold = 0.9

func main() {
	var (
		configPath  string
		node        string
		memoryLimit uint64
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "configs/default.yaml", "Path to configuration file")
	flag.StringVar(&node, "node", "", "Node name published to the registry (defaults to the hostname)")
	flag.Uint64Var(&memoryLimit, "memory-limit", 0, "Heap size in bytes above which health reports degraded")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	// Show version and exit if requested
	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	appLog := logger.NewLogrusAdapter(logrus.NewEntry(log))

	if node == "" {
		if node, err = os.Hostname(); err != nil {
			log.WithError(err).Fatal("Failed to resolve hostname, pass -node")
		}
	}

	version.SetComponent("node", node)
	version.SetComponent("codec", cfg.Ingestion.Codec)
	version.SetComponent("decoder", cfg.Ingestion.Process.Binary)

	log.WithFields(logrus.Fields{
		"version": version.GetInfo().Short(),
		"node":    node,
		"codec":   cfg.Ingestion.Codec,
	}).Info("Starting cadence ingestion daemon")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(&cfg.Server, &cfg.Metrics, log)

	reg, redisClient := newRegistry(ctx, cfg, appLog, log)
	if redisClient != nil {
		srv.RegisterHealthChecker(health.NewRedisChecker(redisClient))
	}

	mgr, err := ingestion.NewManager(ingestion.Options{
		Config:   &cfg.Ingestion,
		Registry: reg,
		Codec:    newCodec(cfg.Ingestion.Codec, appLog),
		Node:     node,
		Logger:   appLog,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create ingestion manager")
	}

	srv.RegisterHealthChecker(health.NewDecoderChecker(cfg.Ingestion.Process.Binary))
	srv.RegisterHealthChecker(health.NewDiskChecker(cfg.Ingestion.Process.PipeDir, diskUsageThreshold))
	srv.RegisterHealthChecker(health.NewMemoryChecker(memoryLimit))
	srv.RegisterHealthChecker(health.NewSessionsChecker(mgr))
	srv.SetSessions(mgr)
	srv.RegisterRoutes(ingestion.NewHandlers(mgr, srv.ErrorHandler(), appLog).RegisterRoutes)

	if err := mgr.Start(ctx); err != nil {
		_ = mgr.Stop()
		log.WithError(err).Fatal("Failed to start configured sessions")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Stopping sessions")
		return mgr.Stop()
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Shutdown with error")
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

// newRegistry connects to Redis when enabled and falls back to a
// process-local registry otherwise.
func newRegistry(ctx context.Context, cfg *config.Config, appLog logger.Logger, log *logrus.Logger) (registry.Registry, redis.UniversalClient) {
	if !cfg.Redis.Enabled {
		log.Info("Redis disabled, sessions are registered in memory only")
		return registry.NewMemory(), nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Redis.Addresses,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}
	log.WithField("addresses", cfg.Redis.Addresses).Info("Connected to Redis")

	rc := cfg.Ingestion.Registry
	return registry.NewRedis(client, appLog, rc.KeyPrefix, rc.TTL), client
}

func newCodec(name string, log logger.Logger) media.Codec {
	if name == raw.Name {
		return raw.New()
	}
	libav.RouteLogs(log.WithField("component", "libav"))
	return libav.New()
}
