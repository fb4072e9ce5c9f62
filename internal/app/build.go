package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/chatrelay/internal/config"
	"github.com/ent0n29/chatrelay/internal/history"
	"github.com/ent0n29/chatrelay/internal/httpapi"
	"github.com/ent0n29/chatrelay/internal/llm"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/session"
	"github.com/ent0n29/chatrelay/internal/turn"
)

const (
	janitorInterval = 5 * time.Second
	deltaBuffer     = 16
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Contexts    *session.ContextStore
	History     history.Store
	Coordinator *turn.Coordinator
	Metrics     *observability.Metrics
	Backends    httpapi.Backends

	// StartBackground launches maintenance loops bound to ctx (in-memory
	// context expiry). Safe to call when there is nothing to run.
	StartBackground func(ctx context.Context)

	// Cleanup should be called on shutdown to release external resources (Redis, DB).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	adapter, err := llm.NewAdapter(llm.Config{
		Mode:              cfg.LLMAdapterMode,
		URL:               cfg.LLMAPIURL,
		APIKey:            cfg.LLMAPIKey,
		Model:             cfg.LLMModel,
		MaxTokens:         cfg.LLMMaxTokens,
		Temperature:       cfg.LLMTemperature,
		SystemPrompt:      cfg.LLMSystemPrompt,
		ConnectTimeout:    cfg.LLMConnectTimeout,
		ResponseTimeout:   cfg.LLMResponseTimeout,
		StreamIdleTimeout: cfg.LLMStreamIdleTimeout,
		Logger:            logger,
		OnMalformedFrame:  metrics.IncMalformedFrame,
	})
	if err != nil {
		return nil, fmt.Errorf("llm adapter init failed: %w", err)
	}

	var (
		readyChecks []httpapi.ReadyCheck
		background  = func(context.Context) {}
		cache       session.Cache
		cacheMode   string
	)
	if cfg.RedisURL != "" {
		rc, err := session.DialRedis(ctx, cfg.RedisURL, cfg.ContextCASRetries)
		if err != nil {
			return nil, fmt.Errorf("context cache init failed: %w", err)
		}
		cache, cacheMode = rc, "redis"
		readyChecks = append(readyChecks, httpapi.ReadyCheck{Name: "redis", Check: rc.Ping})
	} else {
		mc := session.NewMemoryCache()
		mc.SetExpireHook(func(sessionID string) {
			metrics.IncSessionExpired()
			logger.Debug("session context expired", "session_id", sessionID)
		})
		cache, cacheMode = mc, "in-memory"
		background = func(ctx context.Context) { mc.StartJanitor(ctx, janitorInterval) }
	}

	contexts := session.NewContextStore(cache, session.Options{
		MaxMessages: cfg.ContextMaxMessages,
		TTL:         cfg.ContextTTL,
		Logger:      logger,
		OnCorrupt:   metrics.IncContextCorrupt,
	})

	hist, err := history.NewStore(ctx, cfg.HistoryDatabaseURL)
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("history store init failed: %w", err)
	}
	if p, ok := hist.(interface{ Ping(context.Context) error }); ok {
		readyChecks = append(readyChecks, httpapi.ReadyCheck{Name: "history", Check: p.Ping})
	}

	pipeline := relay.New(adapter, relay.Options{
		Logger:  logger,
		Metrics: metrics,
		Buffer:  deltaBuffer,
	})
	coordinator := turn.New(contexts, hist, pipeline, turn.Options{
		Logger:    logger,
		Metrics:   metrics,
		RedactPII: cfg.HistoryRedactPII,
	})

	backends := httpapi.Backends{
		Adapter: llm.ModeOf(adapter),
		Cache:   cacheMode,
		History: history.Mode(hist),
	}
	api := httpapi.New(cfg, coordinator, metrics, httpapi.Options{
		Logger:      logger,
		Backends:    backends,
		ReadyChecks: readyChecks,
	})

	cleanup := func() error {
		var errs []error
		if err := hist.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
		if err := cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context cache: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:          cfg,
		API:             api,
		Contexts:        contexts,
		History:         hist,
		Coordinator:     coordinator,
		Metrics:         metrics,
		Backends:        backends,
		StartBackground: background,
		Cleanup:         cleanup,
	}, nil
}
