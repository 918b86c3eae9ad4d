package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	analyticsapp "github.com/crm/backend/internal/application/analytics"
	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/infrastructure/auth"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/crm/backend/internal/infrastructure/event"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/infrastructure/marketing"
	"github.com/crm/backend/internal/infrastructure/persistence"
	"github.com/crm/backend/internal/infrastructure/scheduler"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/crm/backend/internal/interfaces/http/handler"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/crm/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const snapshotTTL = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := logger.ConfigForEnvironment(cfg.App.Env)
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	logCfg.Output = cfg.Log.Output
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info("Starting CRM analytics",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", cfg.App.Version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	if lp.IsEnabled() {
		bridged, err := logger.New(logCfg, logger.WithCore(lp.NewZapCore(logger.ParseLevel(logCfg.Level))))
		if err != nil {
			log.Fatal("Failed to initialize bridged logger", zap.Error(err))
		}
		_ = log.Sync()
		log = bridged
	}

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	meter := mp.Meter(cfg.Telemetry.ServiceName)

	// Database
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Database.SlowThreshold))
	dbTracing := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
	}, log)
	db, err := persistence.NewDatabase(&cfg.Database,
		persistence.WithGormLogger(gormLog),
		persistence.WithCallbacks(dbTracing))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	sqlDB, err := db.DB.DB()
	if err != nil {
		log.Fatal("Failed to access database pool", zap.Error(err))
	}
	log.Info("Database connected successfully")

	// Redis is optional
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedisClient(cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()
		log.Info("Redis connected successfully")
	}

	// Analytics
	metrics, err := telemetry.NewAnalyticsMetrics(meter, log)
	if err != nil {
		log.Fatal("Failed to create analytics metrics", zap.Error(err))
	}

	serviceOpts := []analyticsapp.ServiceOption{
		analyticsapp.WithLogger(log),
		analyticsapp.WithMetrics(metrics),
		analyticsapp.WithFallback(cfg.Analytics.FallbackEnabled),
		analyticsapp.WithQueryTimeout(cfg.Analytics.QueryTimeout),
		analyticsapp.WithMarketingSource(newMarketingSource(cfg.Marketing, cfg.Analytics.StaleTime, log)),
	}
	if redisClient != nil && cfg.Analytics.SnapshotEnabled {
		serviceOpts = append(serviceOpts, analyticsapp.WithSnapshotStore(
			cache.NewRedisSnapshotStore(redisClient, "crm:analytics:snapshot:", snapshotTTL)))
	}
	service := analyticsapp.NewService(persistence.NewGormRecordReader(db.DB), serviceOpts...)

	warmTenants, err := cfg.Analytics.WarmTenants()
	if err != nil {
		log.Fatal("Invalid warm tenant list", zap.Error(err))
	}
	queryCache := cache.NewQueryCache(
		cache.WithStaleTime(cfg.Analytics.StaleTime),
		cache.WithQueryCacheLogger(log),
		cache.WithObserver(metrics),
	)
	cachedOpts := []analyticsapp.CachedServiceOption{
		analyticsapp.WithCachedLogger(log),
		analyticsapp.WithWarmup(warmTenants, cfg.Analytics.DefaultWindowMonths),
	}

	var relay *cache.RedisInvalidationRelay
	if redisClient != nil {
		relay = cache.NewRedisInvalidationRelay(redisClient,
			cache.WithRelayChannel(cfg.Analytics.RelayChannel),
			cache.WithRelayLogger(log))
		cachedOpts = append(cachedOpts, analyticsapp.WithInvalidationPublisher(relay))
	}
	cachedService := analyticsapp.NewCachedService(service, queryCache, cachedOpts...)

	if relay != nil {
		go func() {
			if err := relay.Subscribe(ctx, cachedService.ApplyRemote); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Cache invalidation relay stopped", zap.Error(err))
			}
		}()
		defer func() { _ = relay.Close() }()
	}

	// Change notifications. Every instance listens itself, so database
	// events invalidate the local cache only.
	bus := event.NewInMemoryEventBus(log)
	invalidationHandler := analyticsapp.NewCacheInvalidationHandler(cachedService.Local(), log)
	bus.Subscribe(invalidationHandler, invalidationHandler.EventTypes()...)
	if err := bus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}

	var listener *event.ChangeListener
	if cfg.Notify.Enabled {
		listener = event.NewChangeListener(event.ListenerConfig{
			DSN:                  cfg.Database.DSN(),
			Channel:              cfg.Notify.Channel,
			MinReconnectInterval: cfg.Notify.MinReconnectInterval,
			MaxReconnectInterval: cfg.Notify.MaxReconnectInterval,
			PingInterval:         cfg.Notify.PingInterval,
		}, bus,
			event.WithListenerLogger(log),
			// Notifications may have been missed while disconnected
			event.WithReconnectHook(func(ctx context.Context) { queryCache.InvalidateAll(ctx) }),
		)
		if err := listener.Start(ctx); err != nil {
			log.Fatal("Failed to start change listener", zap.Error(err))
		}
	}

	var refresher *scheduler.CacheRefresher
	if cfg.Analytics.RefreshInterval > 0 {
		refresher, err = scheduler.NewCacheRefresher(cachedService, scheduler.CacheRefresherConfig{
			Interval: cfg.Analytics.RefreshInterval,
			Timeout:  cfg.Analytics.QueryTimeout,
		}, scheduler.WithRefresherLogger(log))
		if err != nil {
			log.Fatal("Failed to create cache refresher", zap.Error(err))
		}
		if err := refresher.Start(ctx); err != nil {
			log.Fatal("Failed to start cache refresher", zap.Error(err))
		}
	}
	if len(warmTenants) > 0 {
		go func() {
			n, err := cachedService.Warm(ctx)
			if err != nil {
				log.Warn("Cache warmup incomplete", zap.Int("warmed", n), zap.Error(err))
				return
			}
			log.Info("Cache warmed", zap.Int("warmed", n))
		}()
	}

	// HTTP
	verifierOpts := []auth.VerifierOption{}
	if redisClient != nil {
		verifierOpts = append(verifierOpts, auth.WithRevocationList(auth.NewRedisRevocationList(redisClient)))
	}
	httpMetrics, err := middleware.HTTPMetrics(meter)
	if err != nil {
		log.Fatal("Failed to create HTTP metrics", zap.Error(err))
	}

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	corsCfg.AllowMethods = cfg.HTTP.CORSAllowMethods
	corsCfg.AllowHeaders = cfg.HTTP.CORSAllowHeaders

	tracingCfg := middleware.DefaultTracingConfig()
	tracingCfg.ServiceName = cfg.Telemetry.ServiceName
	tracingCfg.Enabled = tp.IsEnabled()

	engine, err := router.New(router.EngineConfig{
		Logger:   log,
		Verifier: auth.NewTokenVerifier(cfg.JWT, verifierOpts...),
		Analytics: handler.NewAnalyticsHandler(cachedService,
			handler.WithDefaultWindow(cfg.Analytics.DefaultWindowMonths),
			handler.WithHandlerLogger(log)),
		System:         handler.NewSystemHandler(sqlDB, cfg.App.Version, log),
		CORS:           corsCfg,
		Tracing:        tracingCfg,
		Metrics:        httpMetrics,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		TenantHeader:   cfg.App.Env != "production",
		TrustedProxies: cfg.HTTP.TrustedProxies,
	})
	if err != nil {
		log.Fatal("Failed to build router", zap.Error(err))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if refresher != nil {
		if err := refresher.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping cache refresher", zap.Error(err))
		}
	}
	if listener != nil {
		if err := listener.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping change listener", zap.Error(err))
		}
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping event bus", zap.Error(err))
	}
	if err := mp.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down metrics", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", zap.Error(err))
	}

	log.Info("Server exited gracefully")
	if err := lp.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down log export: %v\n", err)
	}
}

// newMarketingSource returns the ad platform client, or a source without
// campaigns when it is disabled or misconfigured. Responses are cached for
// the analytics staleness window.
func newMarketingSource(cfg config.MarketingConfig, staleTime time.Duration, log *zap.Logger) analytics.MarketingSource {
	if !cfg.Enabled {
		return marketing.Disabled{}
	}
	client, err := marketing.NewClient(marketing.Config{
		BaseURL:      cfg.BaseURL,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
		Scopes:       cfg.Scopes,
		Timeout:      cfg.Timeout,
		CacheSize:    cfg.CacheSize,
		CacheTTL:     staleTime,
	}, marketing.WithLogger(log))
	if err != nil {
		log.Error("Marketing client disabled", zap.Error(err))
		return marketing.Disabled{}
	}
	return client
}
