package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/offsync/internal/agent"
	"github.com/l0p7/offsync/internal/agent/queue"
	"github.com/l0p7/offsync/internal/agent/store"
	"github.com/l0p7/offsync/internal/config"
	"github.com/l0p7/offsync/internal/lifecycle"
	"github.com/l0p7/offsync/internal/logging"
	"github.com/l0p7/offsync/internal/metrics"
	"github.com/l0p7/offsync/internal/notify"
	"github.com/l0p7/offsync/internal/offline"
	"github.com/l0p7/offsync/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to agent configuration file")
		envPrefix  = flag.String("env-prefix", "OFFSYNC", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	upstream, err := url.Parse(cfg.Upstream.Origin)
	if err != nil {
		logger.Error("invalid upstream origin", slog.Any("error", err))
		os.Exit(1)
	}

	cacheStore := buildStore(logger.With(slog.String("agent", "store_factory")), cfg.Cache)
	defer closeWithTimeout(logger, "store", cacheStore.Close)

	mutationQueue := buildQueue(logger.With(slog.String("agent", "queue_factory")), cfg.Queue)
	defer closeWithTimeout(logger, "queue", mutationQueue.Close)

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	synth, err := offline.New(cfg.Offline.Template)
	if err != nil {
		logger.Error("offline template setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	classifier, err := agent.NewClassifier(cfg.Classify, logger)
	if err != nil {
		logger.Error("classifier setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	httpClient := &http.Client{}
	namespaces := agent.NewNamespaces(cfg.Cache.Version)

	executor := agent.NewExecutor(logger, agent.ExecutorOptions{
		Store:      cacheStore,
		Client:     httpClient,
		Timeout:    cfg.Upstream.Timeout(),
		Namespaces: namespaces,
		Offline:    synth,
		Metrics:    recorder,
	})

	interceptor, err := agent.New(logger, agent.Options{
		Classifier: classifier,
		Executor:   executor,
		Queue:      mutationQueue,
		Offline:    synth,
		Upstream:   upstream,
		AllowHosts: cfg.Upstream.AllowHosts,
		Metrics:    recorder,
	})
	if err != nil {
		logger.Error("interceptor setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	drainer := queue.NewDrainer(mutationQueue, httpClient, cfg.Upstream.Timeout(), logger, recorder)

	agentLifecycle, err := lifecycle.New(logger, lifecycle.Options{
		Store:      cacheStore,
		Client:     httpClient,
		Upstream:   upstream,
		Namespaces: namespaces,
		Timeout:    cfg.Upstream.Timeout(),
		Metrics:    recorder,
	})
	if err != nil {
		logger.Error("lifecycle setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	manifest, err := config.LoadManifest(cfg.Precache)
	if err != nil {
		logger.Error("manifest load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := agentLifecycle.Install(ctx, manifest); err != nil {
		logger.Error("install failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := agentLifecycle.Activate(ctx); err != nil {
		logger.Error("activation failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.Precache.Watch && strings.TrimSpace(cfg.Precache.ManifestFile) != "" {
		watcher, err := config.WatchManifest(ctx, cfg.Precache, func(updated config.Manifest) {
			if err := agentLifecycle.Install(ctx, updated); err != nil {
				logger.Error("re-install failed", slog.Any("error", err))
				return
			}
			if err := agentLifecycle.Activate(ctx); err != nil {
				logger.Error("re-activation failed", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("manifest watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	dispatcher := notify.New(
		notify.NewLogPresenter(logger),
		notify.NewMemoryRegistry(logger),
		cfg.Notify.DefaultTitle,
		logger,
	)

	control := &server.Control{
		Drainer:   drainer,
		Queue:     mutationQueue,
		Lifecycle: agentLifecycle,
		Manifest: func(context.Context) (config.Manifest, error) {
			return config.LoadManifest(cfg.Precache)
		},
		Dispatcher: dispatcher,
		Logger:     logger.With(slog.String("agent", "control")),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/-/", control.Handler())
	mux.Handle("/", server.NewInterceptHandler(interceptor, logger))

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}

func buildStore(logger *slog.Logger, cfg config.CacheConfig) store.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache store")
		return store.NewMemory()
	case "redis":
		redisStore, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return store.NewMemory()
		}
		logger.Info("using redis cache store", slog.String("address", cfg.Redis.Address))
		return redisStore
	default:
		logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory()
	}
}

func buildQueue(logger *slog.Logger, cfg config.QueueConfig) queue.Queue {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory mutation queue")
		return queue.NewMemory()
	case "redis":
		redisQueue, err := queue.NewRedis(queue.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: queue.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis queue initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory queue")
			return queue.NewMemory()
		}
		logger.Info("using redis mutation queue", slog.String("address", cfg.Redis.Address))
		return redisQueue
	default:
		logger.Warn("unsupported queue backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return queue.NewMemory()
	}
}

func closeWithTimeout(logger *slog.Logger, name string, close func(context.Context) error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := close(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.String("resource", name), slog.Any("error", err))
	}
}
