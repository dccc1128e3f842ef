// Package app wires configuration into the engine's components. Both the
// server and the CLI build on it.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/agent"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/config"
	"rotadominios/backend/internal/database"
	"rotadominios/backend/internal/health"
	"rotadominios/backend/internal/metrics"
	"rotadominios/backend/internal/publish"
	"rotadominios/backend/internal/reconcile"
	"rotadominios/backend/internal/resolver"
	"rotadominios/backend/internal/store"
	"rotadominios/backend/internal/tunnelmap"
)

type App struct {
	Config     *config.Config
	Log        *logrus.Entry
	DB         *database.DB
	Store      store.Store
	Cloudflare *cloudflare.Client
	Agents     *agent.Connector
	Resolver   *resolver.DoH
	Metrics    *metrics.Metrics
	TunnelMap  *tunnelmap.Map
	Workflow   *publish.Workflow
	Health     *health.Evaluator
	Reconciler *reconcile.Reconciler

	redis *redis.Client
}

// New opens the database and builds every component. reg may be nil.
func New(cfg *config.Config, log *logrus.Entry, reg prometheus.Registerer) (*App, error) {
	db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	mapping, err := tunnelmap.Load(cfg.TunnelMapFile)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Store:      store.NewSQL(db),
		Cloudflare: cloudflare.New(cfg.CloudflareAPIToken, cloudflare.WithBaseURL(cfg.CloudflareAPIBase)),
		Agents:     agent.NewConnector(cfg.AgentToken, cfg.AgentPort),
		Resolver:   resolver.NewDoH(cfg.ResolverURL),
		Metrics:    metrics.New(reg),
		TunnelMap:  mapping,
	}

	a.Workflow = publish.New(a.Store, a.Cloudflare, log.WithField("component", "publish"),
		publish.WithMetrics(a.Metrics),
		publish.WithDefaultService(cfg.IngressDefaultService),
	)
	a.Health = health.New(a.Store, a.Resolver, a.Cloudflare, a.Agents, log.WithField("component", "health"),
		health.WithCache(a.healthCache()),
		health.WithInFlight(a.Workflow.Locks().InFlight),
		health.WithMetrics(a.Metrics),
		health.WithBatchOptions(health.BatchOptions{
			Size:    cfg.HealthBatchSize,
			Pause:   cfg.HealthBatchPause,
			Retries: cfg.HealthBatchRetries,
		}),
	)
	a.Reconciler = reconcile.New(a.Store, a.Agents, a.Resolver, log.WithField("component", "reconcile"),
		reconcile.WithMapping(mapping),
		reconcile.WithMetrics(a.Metrics),
	)
	return a, nil
}

func (a *App) healthCache() health.Cache {
	if a.Config.HealthCacheBackend != "redis" {
		return health.NewMemoryCache(a.Config.HealthCacheTTL)
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		a.Log.WithError(err).Warn("redis unreachable at startup; verdicts will not be cached until it answers")
	}
	return health.NewRedisCache(a.redis, a.Config.HealthCacheTTL)
}

func (a *App) Close() error {
	if a.redis != nil {
		a.redis.Close()
	}
	return a.DB.Close()
}
