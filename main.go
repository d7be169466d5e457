package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/eddielth/telemetry-hub/alerting"
	"github.com/eddielth/telemetry-hub/api"
	"github.com/eddielth/telemetry-hub/cache"
	"github.com/eddielth/telemetry-hub/config"
	"github.com/eddielth/telemetry-hub/dispatch"
	"github.com/eddielth/telemetry-hub/fanout"
	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/metrics"
	"github.com/eddielth/telemetry-hub/mqtt"
	"github.com/eddielth/telemetry-hub/presence"
	"github.com/eddielth/telemetry-hub/queue"
	"github.com/eddielth/telemetry-hub/registry"
	"github.com/eddielth/telemetry-hub/storage"
	"github.com/eddielth/telemetry-hub/transformer"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		logger.Error("failed to initialise logger: %v", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		logger.Error("failed to start: %v", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := config.WatchConfig(*configPath, app.Reload); err != nil {
		// not fatal, the service keeps running on the loaded config
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching config file %s", *configPath)
	}

	logger.Info("telemetry hub started, waiting for device data")
	if err := app.Run(ctx); err != nil {
		logger.Error("stopped with error: %v", err)
		os.Exit(1)
	}
	logger.Info("telemetry hub stopped")
}

// App holds every long-lived component. It is built once in main and
// handed down explicitly.
type App struct {
	cfg        *config.Config
	backend    storage.Backend
	identities *registry.Cached
	redis      redis.UniversalClient
	queue      *queue.Queue
	scripts    *transformer.Manager
	hub        *fanout.Hub
	mqtt       *mqtt.Manager
	worker     *dispatch.Worker
	status     *dispatch.StatusWorker
	server     *http.Server
}

func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	metrics.Init()

	app := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	backend, err := storage.Open(ctx, cfg.Registry)
	if err != nil {
		return nil, err
	}
	app.backend = backend
	app.identities = registry.NewCached(backend, cfg.Registry.CacheMax, cfg.Registry.CacheTTL)

	app.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	readings := cache.New(app.redis, cache.Options{TTL: cfg.Cache.TTL, MaxReadings: cfg.Cache.MaxReadings})
	tracker := presence.NewTracker(app.redis, app.identities, presence.Options{
		OnlineTTL:   cfg.Presence.OnlineTTL,
		LastSeenTTL: cfg.Presence.LastSeenTTL,
	})

	app.hub = fanout.NewHub([]byte(cfg.Fanout.JWTSecret), fanout.WithSendBuffer(cfg.Fanout.SendBuffer))

	notifier, err := newNotifier(cfg.Alerting, app.hub)
	if err != nil {
		return nil, err
	}
	evaluator := alerting.NewEvaluator(backend, alerting.NewRedisCooldown(app.redis), notifier)

	app.scripts, err = transformer.NewManager(cfg.Transformers)
	if err != nil {
		return nil, err
	}

	app.worker = dispatch.NewWorker(
		transformer.NewClassifier(cfg.Dispatch.LegacyClimateIDs),
		app.identities,
		transformer.NewNormalizer(app.scripts),
		dispatch.CacheTarget(readings),
		dispatch.BroadcastTarget(app.hub),
		dispatch.AlertTarget(evaluator),
	)
	app.status = dispatch.NewStatusWorker(tracker)

	app.queue, err = queue.Connect(ctx, cfg.NATS.URL, queue.Options{
		Stream:    cfg.NATS.Stream,
		Retention: cfg.NATS.Retention,
		Consumers: map[string]queue.ConsumerOptions{
			queue.TopicTelemetry: consumerOptions(cfg.NATS.Telemetry),
			queue.TopicStatus:    consumerOptions(cfg.NATS.Status),
		},
	})
	if err != nil {
		return nil, err
	}

	if cfg.MQTT.Enabled {
		app.mqtt, err = mqtt.NewManager(cfg.MQTT, app.queue)
		if err != nil {
			return nil, err
		}
	}

	handler := api.NewHandler(api.Options{
		Publisher: app.queue,
		Readings:  readings,
		Presence:  tracker,
		WebSocket: app.hub,
		JWTSecret: []byte(cfg.Fanout.JWTSecret),
		APIKeys:   cfg.HTTP.APIKeys,
	})
	app.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return app, nil
}

func consumerOptions(qc config.QueueConfig) queue.ConsumerOptions {
	return queue.ConsumerOptions{
		Concurrency: qc.Concurrency,
		LockLease:   qc.LockLease,
		MaxDeliver:  qc.MaxDeliver,
		RetryDelay:  qc.RetryDelay,
		Retryable:   qc.Retryable,
	}
}

// newNotifier always logs, posts to the webhook when configured and pushes
// alerts to the device room when enabled
func newNotifier(cfg config.AlertingConfig, hub *fanout.Hub) (alerting.Notifier, error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		webhook, err := alerting.NewWebhookNotifier(cfg.WebhookURL, alerting.WithTimeout(cfg.WebhookTimeout))
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	if cfg.BroadcastAlert {
		notifiers = append(notifiers, alerting.NotifierFunc(func(ctx context.Context, n alerting.Notification) error {
			return hub.PublishAlert(ctx, n.LogicalID, n)
		}))
	}
	return alerting.NewMultiNotifier(notifiers...), nil
}

// Run serves until ctx is cancelled or a component fails
func (a *App) Run(ctx context.Context) error {
	if a.mqtt != nil {
		if err := a.mqtt.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.queue.Consume(gctx, queue.TopicTelemetry, a.worker.Handle)
	})
	g.Go(func() error {
		return a.queue.Consume(gctx, queue.TopicStatus, a.status.Handle)
	})

	g.Go(func() error {
		logger.Info("http server listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.mqtt != nil {
		g.Go(func() error {
			<-gctx.Done()
			a.mqtt.Stop()
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reload applies a changed config file: scripts, log level and, for the
// file backend, the registry and rules
func (a *App) Reload(newCfg *config.Config) error {
	for family, transformerCfg := range newCfg.Transformers {
		if err := a.scripts.ReloadTransformer(family, transformerCfg); err != nil {
			// keep going, one broken script must not block the others
			logger.Error("failed to reload transformer %s: %v", family, err)
		}
	}

	if level, err := logger.ParseLogLevel(newCfg.Logger.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warn("ignoring log level %q: %v", newCfg.Logger.Level, err)
	}

	if fs, ok := a.backend.(*storage.FileStore); ok {
		if err := fs.Reload(); err != nil {
			return err
		}
		a.identities.Invalidate()
	}

	logger.Info("connection settings take effect after a restart")
	return nil
}

// Close releases everything newApp opened, in reverse order
func (a *App) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn("close redis: %v", err)
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			logger.Warn("close registry backend: %v", err)
		}
	}
}
