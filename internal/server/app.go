// Package server wires the upload service together: configuration, storage
// backends, the ingestion submitter, the session registry and the HTTP
// endpoint, with graceful shutdown on SIGINT/SIGTERM.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/docsrv/ingest/internal/ingestion"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/server/config"
	"github.com/docsrv/ingest/internal/server/httpapi"
	"github.com/docsrv/ingest/internal/server/migrations"
	"github.com/docsrv/ingest/internal/upload/broadcast"
	"github.com/docsrv/ingest/internal/upload/chunkstore"
	"github.com/docsrv/ingest/internal/upload/models"
	"github.com/docsrv/ingest/internal/upload/progress"
	"github.com/docsrv/ingest/internal/upload/registry"
	"github.com/docsrv/ingest/internal/upload/repositories/sessions"
	"github.com/docsrv/ingest/internal/upload/submitter"
	"github.com/docsrv/ingest/internal/upload/validation"
)

// queueRelay breaks the constructor cycle between the registry and the
// submitter: the registry enqueues through the relay, the relay forwards to
// the submitter bound after both exist.
type queueRelay struct {
	mu  sync.RWMutex
	sub *submitter.Submitter
}

func (r *queueRelay) bind(sub *submitter.Submitter) {
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
}

func (r *queueRelay) Enqueue(job *models.IngestionJob) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sub != nil {
		r.sub.Enqueue(job)
	}
}

func (r *queueRelay) Drop(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sub == nil {
		return 0
	}
	return r.sub.Drop(sessionID)
}

// App owns every long-lived component of the upload service.
type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	redis     *redis.Client
	registry  *registry.Registry
	submitter *submitter.Submitter
	cache     *progress.Cache
	bridge    *broadcast.RedisBridge
	server    *httpapi.Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	repo := sessions.NewPostgresRepository(db)

	objects, err := chunkstore.NewS3ObjectStore(ctx, chunkstore.S3Config{
		Region:       cfg.S3Region,
		Bucket:       cfg.S3Bucket,
		BaseEndpoint: cfg.S3BaseEndpoint,
		RootUser:     cfg.S3RootUser,
		RootPassword: cfg.S3RootPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("object store init error: %w", err)
	}

	store, err := chunkstore.NewStore(cfg.StagingDir, objects, cfg.ChunkWritersPerFile, logger)
	if err != nil {
		return nil, fmt.Errorf("chunk store init error: %w", err)
	}

	hub := broadcast.NewHub(0, logger)

	var (
		redisClient *redis.Client
		bridge      *broadcast.RedisBridge
		l2          progress.Tier
		publisher   broadcast.Publisher = hub
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		bridge = broadcast.NewRedisBridge(redisClient, hub, logger)
		l2 = progress.NewRedisTier(redisClient)
		publisher = bridge
	}

	cache := progress.New(progress.Config{
		L1TTL:         cfg.ProgressL1TTL,
		L2TTL:         cfg.ProgressL2TTL,
		L3TTL:         cfg.ProgressL3TTL,
		StatsInterval: cfg.ProgressStatsInterval,
	}, l2, progress.NewPostgresTier(db), logger)

	validator := validation.NewUnit(validation.Policy{
		MaxFileSize:          cfg.MaxFileSize,
		AllowedExtensions:    cfg.AllowedExtensions,
		RequireTypeAgreement: cfg.RequireTypeAgreement,
	}, nil, logger)

	relay := &queueRelay{}
	reg := registry.New(registry.Config{
		MaxActiveSessionsPerUser: cfg.MaxActiveSessionsPerUser,
		MaxFilesPerSession:       cfg.MaxFilesPerSession,
		SessionTTL:               cfg.SessionTTL,
		Retention:                cfg.SessionRetention,
		ReaperInterval:           cfg.ReaperInterval,
	}, repo, store, validator, relay, cache, publisher, logger)

	client := ingestion.NewClient(cfg.IngestionEndpoint, cfg.IngestionAPIKey, cfg.IngestionTimeout, logger)
	sub := submitter.New(submitter.Config{
		Workers:          cfg.SubmitWorkers,
		MaxAttempts:      cfg.SubmitMaxAttempts,
		BaseDelay:        cfg.SubmitBaseDelay,
		MaxDelay:         cfg.SubmitMaxDelay,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCoolDown:  cfg.BreakerCoolDown,
		RateLimit:        cfg.IngestionRateLimit,
		RateWindow:       cfg.IngestionRateWindow,
		PauseRecheck:     cfg.SubmitterPauseRetry,
	}, repo, objects, client, reg, logger)
	relay.bind(sub)

	srv := httpapi.NewServer(reg, hub, sub, []byte(cfg.SecretKey), cfg.CORSAllowedOrigins, cfg.MaxChunkSize, logger)

	return &App{
		config:    cfg,
		logger:    logger,
		db:        db,
		redis:     redisClient,
		registry:  reg,
		submitter: sub,
		cache:     cache,
		bridge:    bridge,
		server:    srv,
	}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	return goose.UpContext(ctx, db, ".")
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts every component and blocks until the context is cancelled,
// then drains them in reverse order.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting upload server", "addr", app.config.EndpointAddrHTTP)

	app.initSignalHandler(cancelFunc)

	app.cache.Start(ctx)
	if err := app.registry.Start(ctx); err != nil {
		return fmt.Errorf("registry start error: %w", err)
	}
	app.submitter.Start(ctx)

	var wg sync.WaitGroup
	if app.bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				app.logger.Error(ctx, "event bridge stopped", "error", err)
				cancelFunc()
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    app.config.EndpointAddrHTTP,
		Handler: app.server.Router(),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error(ctx, "http server stopped", "error", err)
			cancelFunc()
		}
	}()

	<-ctx.Done()
	app.logger.Info(context.Background(), "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, "http shutdown error", "error", err)
	}

	app.submitter.Wait()
	app.registry.Wait()
	app.cache.Wait()
	wg.Wait()

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn(context.Background(), "redis close error", "error", err)
		}
	}
	if err := app.db.Close(); err != nil {
		app.logger.Warn(context.Background(), "db close error", "error", err)
	}

	return nil
}
