package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/application/batch"
	"github.com/voici5986/grok2api/internal/application/pipeline"
	"github.com/voici5986/grok2api/internal/domain/token"
	"github.com/voici5986/grok2api/internal/infrastructure/config"
	"github.com/voici5986/grok2api/internal/infrastructure/eventbus"
	"github.com/voici5986/grok2api/internal/infrastructure/logger"
	"github.com/voici5986/grok2api/internal/infrastructure/mediacache"
	"github.com/voici5986/grok2api/internal/infrastructure/persistence"
	"github.com/voici5986/grok2api/internal/infrastructure/upstream"
	httpServer "github.com/voici5986/grok2api/internal/interfaces/http"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// Quota probes. The default window is read through the cheapest model; the
// heavy window has its own meter and only exists on Super accounts.
const (
	defaultProbeModel = "grok-3"
	heavyProbeModel   = "grok-4-heavy"
)

// App 应用程序（依赖注入容器）
type App struct {
	watcher *config.Watcher
	logger  *zap.Logger

	store     persistence.Store
	bus       eventbus.Bus
	pool      *token.Pool
	refresher *token.Refresher

	client   *upstream.Client
	cache    *mediacache.Cache
	pipeline *pipeline.Pipeline
	batch    *batch.Engine

	httpServer *httpServer.Server

	cancelBackground context.CancelFunc
}

// NewApp 创建应用程序
func NewApp(cfg *config.Config, configPath string, log *zap.Logger) (*App, error) {
	app := &App{logger: log}

	watcher, err := config.NewWatcher(cfg, configPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init config watcher: %w", err)
	}
	app.watcher = watcher

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	if err := app.initDomain(); err != nil {
		return nil, fmt.Errorf("failed to init domain: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}
	return app, nil
}

// Config returns the live configuration snapshot.
func (app *App) Config() *config.Config { return app.watcher.Current() }

// Pool returns the token pool (used by the operator CLI).
func (app *App) Pool() *token.Pool { return app.pool }

// initStorage 初始化持久化
func (app *App) initStorage() error {
	cfg := app.Config()
	app.logger.Info("Initializing storage", zap.String("type", cfg.Storage.Type))

	switch cfg.Storage.Type {
	case "", "file":
		store, err := persistence.NewFileStore(cfg.Storage.Path, app.logger)
		if err != nil {
			return err
		}
		app.store = store
	case "sqlite", "postgres":
		store, err := persistence.NewGormStore(cfg.Storage.Type, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		app.store = store
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
	return nil
}

// initDomain 初始化领域组件
func (app *App) initDomain() error {
	cfg := app.Config()
	app.logger.Info("Initializing domain services")

	app.bus = eventbus.NewInMemoryBus(app.logger, 256)

	pool, err := token.NewPool(app.store, app.bus, token.Options{
		FailThreshold:  cfg.Pool.FailThreshold,
		SaveDelay:      cfg.Pool.SaveDelay,
		ReloadInterval: cfg.Pool.ReloadInterval,
	}, app.logger)
	if err != nil {
		return err
	}
	app.pool = pool

	client, err := upstream.NewClient(app.watcher.Current, app.logger)
	if err != nil {
		return err
	}
	app.client = client

	app.refresher = token.NewRefresher(pool, app.usageFunc(), token.RefresherOptions{
		BasicInterval: time.Duration(cfg.Pool.RefreshIntervalHours) * time.Hour,
		SuperInterval: time.Duration(cfg.Pool.SuperRefreshIntervalHours) * time.Hour,
		Concurrency:   cfg.Pool.UsageConcurrent,
	}, app.logger)

	cache, err := mediacache.New(cfg.Cache.Dir, cfg.Cache.MaxSizeMB, app.logger)
	if err != nil {
		return err
	}
	app.cache = cache

	app.pipeline = pipeline.New(pool, client, cache, app.watcher.Current, app.logger)
	app.pipeline.OnSuccess = app.refreshAfterUse

	app.batch = batch.NewEngine(app.watcher.Current, pool, client, app.refresher, app.bus, app.logger)
	app.subscribeEvents()
	return nil
}

// subscribeEvents attaches the operator audit trail to the in-process bus.
// Pool lifecycle changes and batch progress land in the log no matter which
// component triggered them. token_updated is left out, it fires per request.
func (app *App) subscribeEvents() {
	audit := app.logger.With(zap.String("component", "events"))

	tokenChange := func(ctx context.Context, event eventbus.Event) {
		p, ok := event.Payload().(eventbus.TokenChangePayload)
		if !ok {
			return
		}
		audit.Info("Token state changed",
			zap.String("event", event.Type()),
			zap.String("token", p.TokenID),
			zap.String("class", p.Class),
			zap.Bool("disabled", p.Disabled),
			zap.Int("failures", p.Failures))
	}
	for _, typ := range []string{
		eventbus.EventTypeTokenImported,
		eventbus.EventTypeTokenRemoved,
		eventbus.EventTypeTokenDisabled,
		eventbus.EventTypeTokenRefreshed,
	} {
		app.bus.Subscribe(typ, tokenChange)
	}

	app.bus.Subscribe(eventbus.EventTypeBatchProgress, func(ctx context.Context, event eventbus.Event) {
		p, ok := event.Payload().(eventbus.BatchProgressPayload)
		if !ok {
			return
		}
		audit.Info("Batch progress",
			zap.String("task", p.TaskID),
			zap.String("kind", p.Kind),
			zap.Int("completed", p.Completed),
			zap.Int("failed", p.Failed),
			zap.Int("total", p.Total),
			zap.Bool("cancelled", p.Cancelled))
	})
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	app.httpServer = httpServer.NewServer(httpServer.Deps{
		Config:   app.watcher.Current,
		Pipeline: app.pipeline,
		Pool:     app.pool,
		Batch:    app.batch,
		Cache:    app.cache,
	}, app.logger)
	return nil
}

// usageFunc builds the quota probe the refresher and batch engine share.
func (app *App) usageFunc() token.UsageFunc {
	return func(ctx context.Context, rec *token.Record) (*token.QuotaUpdate, int, error) {
		cookie := rec.Cookie()

		snap, err := app.client.RateLimits(ctx, cookie, defaultProbeModel)
		if err != nil {
			return nil, apperrors.UpstreamStatus(err), err
		}
		update := &token.QuotaUpdate{Default: windowFromSnapshot(snap)}

		if rec.Class == token.ClassSuper {
			heavy, err := app.client.RateLimits(ctx, cookie, heavyProbeModel)
			if err != nil {
				app.logger.Debug("Heavy window probe failed",
					zap.String("token", logger.MaskToken(rec.ID)), zap.Error(err))
			} else {
				update.Heavy = windowFromSnapshot(heavy)
			}
		}
		return update, 0, nil
	}
}

func windowFromSnapshot(snap *upstream.RateLimitSnapshot) *token.QuotaWindow {
	w := &token.QuotaWindow{Remaining: snap.RemainingQueries}
	if w.Remaining < 0 {
		w.Remaining = snap.RemainingTokens
	}
	if snap.WaitSeconds > 0 {
		w.ResetAt = time.Now().Add(time.Duration(snap.WaitSeconds) * time.Second)
	}
	return w
}

// refreshAfterUse re-reads quota windows right after a successful request
// so selection stays close to the upstream's view.
func (app *App) refreshAfterUse(tokenID string) {
	rec, ok := app.pool.Get(tokenID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.refresher.RefreshOne(ctx, rec); err != nil {
		app.logger.Debug("Post-request quota refresh failed",
			zap.String("token", logger.MaskToken(tokenID)), zap.Error(err))
	}
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	bg, cancel := context.WithCancel(context.Background())
	app.cancelBackground = cancel

	app.pool.Start(bg)
	app.refresher.Start(bg)

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if app.cancelBackground != nil {
		app.cancelBackground()
	}

	// Pool.Close flushes dirty records through the store.
	app.pool.Close()
	app.cache.Close()
	app.bus.Close()
	if err := app.store.Close(); err != nil {
		app.logger.Error("Failed to close store", zap.Error(err))
	}
	if err := app.watcher.Close(); err != nil {
		app.logger.Error("Failed to close config watcher", zap.Error(err))
	}

	app.logger.Info("Application stopped successfully")
	return nil
}
