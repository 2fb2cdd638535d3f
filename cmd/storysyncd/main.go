package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/calmiverse/storysync/internal/httpapi"
	"github.com/calmiverse/storysync/internal/storygen"
)

func main() {
	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	addr := os.Getenv("STORYSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, spool, spoolPath, err := buildStorageFromEnv()
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err))
	}
	if spool == nil {
		spool = storygen.NewMemoryGenerationSpool(intEnv("STORYSYNC_SPOOL_CAPACITY", 0))
	}

	submitter := storygen.NewHTTPSubmitter(storygen.HTTPSubmitterOptions{
		BaseURL:       os.Getenv("STORYSYNC_API_BASE_URL"),
		TokenProvider: tokenProviderFromEnv(),
		UserAgent:     "storysyncd",
	})

	engine, err := storygen.NewEngine(storygen.EngineOptions{
		Spool:     spool,
		Backend:   backend,
		Submitter: submitter,
		Sink:      &storygen.LogSink{Logger: logger},
		Retry: storygen.RetryOptions{
			MaxRetries: intEnv("STORYSYNC_MAX_RETRIES", 0),
			BaseDelay:  durationEnv("STORYSYNC_RETRY_BASE_DELAY", 0),
			MaxDelay:   durationEnv("STORYSYNC_RETRY_MAX_DELAY", 0),
			Timeout:    durationEnv("STORYSYNC_RETRY_TIMEOUT", 0),
			Logger:     logger,
		},
		DrainInterval:     durationEnv("STORYSYNC_DRAIN_INTERVAL", 0),
		GenerationTimeout: durationEnv("STORYSYNC_GENERATION_TIMEOUT", 0),
		TombstoneTTL:      durationEnv("STORYSYNC_TOMBSTONE_TTL", 0),
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("failed to initialize engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	engine.Start(ctx)

	if spoolPath != "" {
		watcher, watchErr := storygen.WatchSpool(spoolPath, func() {
			if syncErr := engine.ForceSync(); syncErr != nil {
				logger.Warn("spool reload failed", zap.Error(syncErr))
			}
		}, logger)
		if watchErr != nil {
			logger.Warn("spool watcher unavailable", zap.String("path", spoolPath), zap.Error(watchErr))
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	if feedURL := strings.TrimSpace(os.Getenv("STORYSYNC_FEED_URL")); feedURL != "" {
		feed, feedErr := storygen.NewChangeFeed(storygen.ChangeFeedOptions{
			URL:           feedURL,
			TokenProvider: tokenProviderFromEnv(),
			Handler:       engine.ApplyChange,
			Logger:        logger,
		})
		if feedErr != nil {
			logger.Fatal("failed to initialize change feed", zap.Error(feedErr))
		}
		feed.Start(ctx)
		defer func() { _ = feed.Close() }()
	}

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		APIToken:        os.Getenv("STORYSYNC_LOCAL_API_TOKEN"),
		RateLimitMax:    intEnv("STORYSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("STORYSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("STORYSYNC_MAX_BODY_BYTES", 0),
	})
	httpServer := &http.Server{Addr: addr, Handler: server}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("storysync listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	_ = engine.Close()
}

func buildLogger() (*zap.Logger, error) {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("STORYSYNC_LOG_MODE")), "development") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func tokenProviderFromEnv() storygen.AccessTokenProvider {
	token := strings.TrimSpace(os.Getenv("STORYSYNC_API_TOKEN"))
	if token == "" {
		return nil
	}
	return func(context.Context) (string, error) {
		return token, nil
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

// buildStorageFromEnv resolves the state backend and spool, honoring explicit
// DSNs first, then the backend profile. The returned path is non-empty only
// for a file spool, where a watcher can observe external writes.
func buildStorageFromEnv() (storygen.StateBackend, storygen.GenerationSpool, string, error) {
	profileStateDSN, profileSpoolDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, "", err
	}

	stateDSN := strings.TrimSpace(os.Getenv("STORYSYNC_STATE_BACKEND_DSN"))
	if stateDSN == "" {
		stateDSN = profileStateDSN
	}
	var backend storygen.StateBackend
	if stateDSN != "" {
		backend, err = storygen.BuildStateBackendFromDSN(stateDSN)
		if err != nil {
			return nil, nil, "", err
		}
	}

	spoolDSN := strings.TrimSpace(os.Getenv("STORYSYNC_SPOOL_DSN"))
	if spoolDSN == "" {
		spoolDSN = profileSpoolDSN
	}
	var spool storygen.GenerationSpool
	spoolPath := ""
	if spoolDSN != "" {
		spool, err = storygen.BuildGenerationSpoolFromDSN(spoolDSN, intEnv("STORYSYNC_SPOOL_CAPACITY", 0))
		if err != nil {
			return nil, nil, "", err
		}
		spoolPath = fileDSNPath(spoolDSN)
	}
	return backend, spool, spoolPath, nil
}

func fileDSNPath(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme != "" && scheme != "file" {
		return ""
	}
	if scheme == "" {
		return strings.TrimSpace(dsn)
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	return path
}

func storageProfileDefaultsFromEnv() (stateBackendDSN, spoolDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("STORYSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("STORYSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".storysync"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("STORYSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("STORYSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("STORYSYNC_PRODUCTION_DSN or STORYSYNC_POSTGRES_DSN is required when STORYSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "spool.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported STORYSYNC_BACKEND_PROFILE: %s", profile)
	}
}
