package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"planboard/collab/internal/app"
	"planboard/collab/internal/bridge"
	"planboard/collab/internal/config"
	"planboard/collab/internal/dispatch"
	"planboard/collab/internal/gateway"
	"planboard/collab/internal/positions"
	"planboard/collab/internal/preview"
	"planboard/collab/internal/rooms"
	"planboard/collab/internal/search"
	"planboard/collab/internal/snapshot"
	"planboard/collab/internal/store"
	"planboard/collab/internal/util"
	"planboard/collab/internal/workspace"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	records := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger)
	if meiliClient != nil {
		go searchService.ReindexAll(ctx)
	}

	hubOpts := workspace.HubOptions{
		ReplicaID: util.NewID("collab"),
		IdleTTL:   cfg.DocIdleTTL,
		MaxIdle:   cfg.DocMaxIdle,
		Logger:    logger,
	}
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		snapshots, err := snapshot.NewStore(ctx, snapshot.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		}, logger)
		if err != nil {
			logger.Fatal("snapshot store unavailable", zap.Error(err))
		}
		hubOpts.Snapshots = snapshots
	} else {
		logger.Info("no snapshot store configured; documents stay resident")
	}
	hub := workspace.NewHub(hubOpts)
	go hub.Run(ctx)

	registry := rooms.NewRegistry(logger)
	var relay rooms.Relay
	var redisRelay *rooms.RedisRelay
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisRelay, err = rooms.NewRedisRelay(cfg.RedisURL, hubOpts.ReplicaID, logger)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisRelay.Close()
		relay = redisRelay
	}
	broadcaster := rooms.NewBroadcaster(registry, relay, logger)
	if redisRelay != nil {
		stopRelay, err := redisRelay.Listen(ctx, broadcaster.Deliver)
		if err != nil {
			logger.Fatal("redis subscribe failed", zap.Error(err))
		}
		defer stopRelay()
	}

	previews := preview.NewCoordinator(logger)
	persistence := bridge.New(records, bridge.Options{
		Timeout: cfg.BridgeTimeout,
		Indexer: searchService,
		Logger:  logger,
	})
	batcher := positions.NewBatcher(persistence.SavePositionBatch, positions.Options{
		Delay:        cfg.PositionFlushDelay,
		FlushTimeout: cfg.BridgeTimeout,
		Logger:       logger,
	})
	dispatcher := dispatch.New(hub, persistence, batcher, previews, dispatch.Options{
		OnNodeDeleted: func(ctx context.Context, workspaceID, nodeID string) {
			d, release, err := hub.Acquire(ctx, workspaceID)
			if err != nil {
				logger.Warn("remove deleted node", zap.String("workspace_id", workspaceID), zap.Error(err))
				return
			}
			defer release()
			if _, err := d.RemoveNode(nil, nodeID); err != nil {
				logger.Warn("remove deleted node", zap.String("workspace_id", workspaceID), zap.Error(err))
			}
		},
		Logger: logger,
	})

	gatewayOpts := gateway.Options{
		OriginPatterns: originPatterns(cfg.CORSOrigin),
		Logger:         logger,
	}
	if cfg.AuthSecret != "" {
		gatewayOpts.Authenticate = gateway.TokenIdentity([]byte(cfg.AuthSecret))
	}
	sockets := gateway.New(hub, registry, dispatcher, previews, batcher, gatewayOpts)

	service := app.NewService(cfg, app.Deps{
		Store:       records,
		Documents:   hub,
		Previews:    previews,
		Broadcaster: broadcaster,
		Rooms:       registry,
		Search:      searchService,
		Indexer:     searchService,
		Logger:      logger,
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, sockets, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("collab server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	dispatcher.Wait()
	batcher.Close(shutdownCtx)
	hub.ArchiveAll(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = parsed
	return cfg.Build()
}

// originPatterns turns the configured CORS origin into host patterns for
// the websocket origin check.
func originPatterns(origin string) []string {
	origin = strings.TrimSpace(origin)
	if origin == "" || origin == "*" {
		return []string{"*"}
	}
	var patterns []string
	for _, o := range strings.Split(origin, ",") {
		o = strings.TrimSpace(o)
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}
