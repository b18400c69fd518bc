package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/creds"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/upstream"
)

// initInfra establishes the optional Redis connection backing the cache
// (C3). A connection failure (or an invalid URL) here is never fatal — it
// only means a.rdb stays nil, so initCache disables caching and
// initRateLimit disables rate limiting, per the degraded-not-fatal policy.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.RedisURL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Cache.RedisURL)))

	opts, err := redis.ParseURL(a.cfg.Cache.RedisURL)
	if err != nil {
		a.log.Warn("cache: invalid redis url, caching disabled",
			slog.String("error", err.Error()))
		return nil
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		a.log.Warn("cache: redis unreachable at startup, caching disabled",
			slog.String("error", err.Error()))
		return nil
	}

	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initCredentials builds the C1 credential map from the configured client
// keys and mapping. A malformed mapping degrades to "default upstream key
// for every client" rather than failing startup.
func (a *App) initCredentials(_ context.Context) error {
	m, ok := creds.New(a.cfg.ClientAPIKeys, a.cfg.APIKeyMapping, a.cfg.OpenAIAPIKey)
	if !ok {
		creds.LogMappingError(a.log)
	}
	a.creds = m
	return nil
}

// initRateLimit builds the C2 sliding-window registry. It shares the Redis connection
// initInfra already established; when no Redis is configured (or it was
// unreachable at startup), rate limiting is disabled rather than failing
// requests — the same degrade-not-fail policy initCache applies.
func (a *App) initRateLimit(_ context.Context) error {
	a.limiter = ratelimit.NewRegistry(a.rdb, a.cfg.RateLimit.RequestsPerMinute, a.cfg.RateLimit.TokensPerMinute)
	return nil
}

// initCache selects the C3 cache backend: Redis-backed when initInfra
// connected, an in-process fallback when no Redis URL was configured at
// all, or disabled (nil) when a URL was configured but unreachable — the
// only one of the three that constitutes a degraded mode rather than a
// deliberate choice.
func (a *App) initCache(ctx context.Context) error {
	switch {
	case a.rdb != nil:
		a.cacheImp = npCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case a.cfg.Cache.RedisURL == "":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.cacheImp = a.memCache
		a.log.Info("cache backend: in-process (no redis url configured)")

	default:
		a.log.Warn("cache backend: disabled (redis configured but unreachable at startup)")
	}

	return nil
}

// initMetrics builds the C4 Prometheus registry.
func (a *App) initMetrics(_ context.Context) error {
	a.prom = metrics.New()
	return nil
}

// initGateway wires the C5 upstream client and C6/C7 gateway together with
// every subsystem built by the earlier steps.
func (a *App) initGateway(ctx context.Context) error {
	a.upc = upstream.New(a.cfg.OpenAIAPIBase, a.cfg.Retry.MaxAttempts, a.cfg.Retry.BackoffFactor)

	auditLog, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	a.audit = auditLog

	gw := proxy.NewGateway(
		a.creds,
		a.cacheImp,
		a.upc,
		a.prom,
		a.log,
		int(a.cfg.Cache.EmbeddingsTTL.Seconds()),
		int(a.cfg.Cache.DefaultTTL.Seconds()),
	)

	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.SetRateLimiter(a.limiter)
	gw.SetAuditLogger(a.audit)

	if a.rdb != nil {
		gw.SetRedisPing(redisPinger(ctx, a.rdb))
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw
	return nil
}

// redisPinger returns a zero-argument probe function suitable for /health.
// Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}
