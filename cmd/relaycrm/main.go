package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycrm/internal/crmsync"
	"github.com/agentworkforce/relaycrm/internal/httpapi"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	addr := os.Getenv("RELAYCRM_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	connections, segments, err := buildStorageBackendsFromEnv()
	if err != nil {
		logger.Fatal("failed to initialize storage backends", zap.Error(err))
	}

	var platform crmsync.PlatformClient
	if baseURL := strings.TrimSpace(os.Getenv("RELAYCRM_PLATFORM_BASE_URL")); baseURL != "" {
		platform = crmsync.NewHTTPPlatformClient(baseURL, os.Getenv("RELAYCRM_PLATFORM_TOKEN"), nil)
	}

	registry := prometheus.NewRegistry()
	metrics := crmsync.NewMetrics(registry)

	allowList := crmsync.DefaultActivityAllowList()
	allowListFile := strings.TrimSpace(os.Getenv("RELAYCRM_ALLOWLIST_FILE"))
	if allowListFile != "" {
		if err := allowList.LoadFromFile(allowListFile); err != nil {
			logger.Fatal("failed to load activity allow list",
				zap.String("path", allowListFile),
				zap.Error(err))
		}
	}

	engine := crmsync.NewEngine(crmsync.Options{
		Connections:   connections,
		Segments:      segments,
		Platform:      platform,
		AllowList:     allowList,
		Metrics:       metrics,
		Logger:        logger,
		SweepPageSize: intEnv("RELAYCRM_SWEEP_PAGE_SIZE", 0, logger),
	})

	if allowListFile != "" {
		ctx := context.Background()
		go func() {
			if err := crmsync.WatchAllowListFile(ctx, allowListFile, allowList, logger); err != nil {
				logger.Warn("allow list watcher stopped", zap.Error(err))
			}
		}()
	}

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:         os.Getenv("RELAYCRM_JWT_SECRET"),
		WebhookHMACSecret: os.Getenv("RELAYCRM_WEBHOOK_HMAC_SECRET"),
		WebhookMaxSkew:    durationEnv("RELAYCRM_WEBHOOK_MAX_SKEW", 5*time.Minute, logger),
		MaxBodyBytes:      int64Env("RELAYCRM_MAX_BODY_BYTES", 0, logger),
	}, registry, logger)

	logger.Info("relaycrm listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func intEnv(name string, fallback int, logger *zap.Logger) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback",
			zap.String("name", name),
			zap.String("value", raw),
			zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64, logger *zap.Logger) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid env value, using fallback",
			zap.String("name", name),
			zap.String("value", raw),
			zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration, logger *zap.Logger) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback",
			zap.String("name", name),
			zap.String("value", raw),
			zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}

// buildStorageBackendsFromEnv resolves the connection store and segment cache
// from either a backend profile or explicit per-backend DSNs. Explicit DSNs
// win over the profile defaults.
func buildStorageBackendsFromEnv() (crmsync.ConnectionStore, crmsync.SegmentCache, error) {
	profileStoreDSN, profileCacheDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}

	storeDSN := strings.TrimSpace(os.Getenv("RELAYCRM_STORE_DSN"))
	if storeDSN == "" {
		storeDSN = profileStoreDSN
	}
	cacheDSN := strings.TrimSpace(os.Getenv("RELAYCRM_CACHE_DSN"))
	if cacheDSN == "" {
		cacheDSN = profileCacheDSN
	}

	connections, err := crmsync.BuildConnectionStoreFromDSN(storeDSN)
	if err != nil {
		return nil, nil, err
	}
	segments, err := crmsync.BuildSegmentCacheFromDSN(cacheDSN)
	if err != nil {
		return nil, nil, err
	}
	return connections, segments, nil
}

func storageProfileDefaultsFromEnv() (storeDSN, cacheDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYCRM_BACKEND_PROFILE")))
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("RELAYCRM_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", fmt.Errorf("RELAYCRM_POSTGRES_DSN is required when RELAYCRM_BACKEND_PROFILE=%s", profile)
		}
		cacheDSN := strings.TrimSpace(os.Getenv("RELAYCRM_REDIS_DSN"))
		if cacheDSN == "" {
			cacheDSN = productionDSN
		}
		return productionDSN, cacheDSN, nil
	default:
		return "", "", fmt.Errorf("unsupported RELAYCRM_BACKEND_PROFILE: %s", profile)
	}
}
