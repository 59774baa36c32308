// Package main is the entry point for the docmesh ingestion service
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/developer-mesh/docmesh/internal/api"
	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/internal/database"
	"github.com/developer-mesh/docmesh/internal/embedding"
	"github.com/developer-mesh/docmesh/internal/extractor"
	"github.com/developer-mesh/docmesh/internal/metrics"
	"github.com/developer-mesh/docmesh/internal/processor"
	"github.com/developer-mesh/docmesh/internal/queue"
	"github.com/developer-mesh/docmesh/internal/repository"
	"github.com/developer-mesh/docmesh/internal/service"
	"github.com/developer-mesh/docmesh/internal/storage"
	"github.com/developer-mesh/docmesh/internal/vectorstore"
	"github.com/developer-mesh/docmesh/internal/worker"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

var (
	// Version information (set via ldflags during build)
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		role        = flag.String("role", "all", "Process role: all, api or worker")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("docmesh\nVersion: %s\nBuild Time: %s\nGit Commit: %s\n", version, buildTime, gitCommit)
		os.Exit(0)
	}
	runAPI := *role == "all" || *role == "api"
	runWorkers := *role == "all" || *role == "worker"
	if !runAPI && !runWorkers {
		log.Fatalf("Unknown role %q", *role)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewZapLogger("docmesh", cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logger.Info("Starting docmesh", map[string]interface{}{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"role":       *role,
	})

	shutdownTracing, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", map[string]interface{}{"error": err.Error()})
		}
	}()
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db, logger); err != nil {
			logger.Fatal("Failed to run migrations", map[string]interface{}{"error": err.Error()})
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	backend, err := vectorstore.NewBackend(cfg.Vector, db, logger)
	if err != nil {
		logger.Fatal("Failed to create vector backend", map[string]interface{}{"error": err.Error()})
	}
	defer func() { _ = backend.Close() }()
	vectors := vectorstore.NewClient(backend, vectorstore.ClientConfigFrom(cfg.Vector), logger, m)

	embedder, err := embedding.New(ctx, cfg.Embedding, cfg.AWS, logger)
	if err != nil {
		logger.Fatal("Failed to create embedder", map[string]interface{}{"error": err.Error()})
	}

	blobs, err := storage.New(ctx, cfg.Storage, cfg.AWS, logger)
	if err != nil {
		logger.Fatal("Failed to create blob storage", map[string]interface{}{"error": err.Error()})
	}

	q, err := queue.New(queue.NewRedisClient(cfg.Redis), queue.ConfigFrom(cfg.Queue), logger)
	if err != nil {
		logger.Fatal("Failed to create job queue", map[string]interface{}{"error": err.Error()})
	}
	q.WithOwnedClient()
	if err := q.Ping(ctx); err != nil {
		logger.Fatal("Failed to reach Redis", map[string]interface{}{"error": err.Error()})
	}

	var pool *worker.Pool
	if runWorkers {
		pool, err = startWorkers(ctx, cfg, db, q, blobs, embedder, vectors, logger, m)
		if err != nil {
			logger.Fatal("Failed to start workers", map[string]interface{}{"error": err.Error()})
		}
	}

	var httpServer *http.Server
	if runAPI {
		svc := service.New(service.Dependencies{
			Documents: repository.NewDocumentRepository(db),
			Queue:     q,
			Extractor: extractor.New(extractor.ConfigFrom(cfg.Extractor), logger, m),
			Blobs:     blobs,
			Embedder:  embedder,
			Vectors:   vectors,
			Logger:    logger,
			Metrics:   m,
		}, cfg.Processing.StaleThreshold)

		health := api.NewHealthChecker(q)
		health.RegisterCheck("database", func(ctx context.Context) error { return db.PingContext(ctx) })
		health.RegisterCheck("redis", q.Ping)

		router := api.NewRouter(cfg.Server.Mode, api.NewHandler(svc, logger), health, registry, logger)
		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			logger.Info("Starting API server", map[string]interface{}{"port": cfg.Server.Port})
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("API server error", map[string]interface{}{"error": err.Error()})
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Starting graceful shutdown", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown API server", map[string]interface{}{"error": err.Error()})
		}
	}
	if pool != nil {
		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Error("Worker pool shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := q.Close(); err != nil {
		logger.Error("Failed to close job queue", map[string]interface{}{"error": err.Error()})
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Failed to flush traces", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("Shutdown complete", nil)
}

// startWorkers wires the orchestrator and starts the queue maintenance
// loops and the worker pool.
func startWorkers(
	ctx context.Context,
	cfg *config.Config,
	db *sqlx.DB,
	q *queue.Queue,
	blobs storage.BlobStore,
	embedder embedding.Embedder,
	vectors *vectorstore.Client,
	logger observability.Logger,
	m *metrics.Metrics,
) (*worker.Pool, error) {
	orch := processor.NewOrchestrator(
		repository.NewDocumentRepository(db),
		repository.NewChunkRepository(db),
		blobs,
		embedder,
		vectors,
		processor.ConfigFrom(cfg.Processing, cfg.Embedding),
		logger,
		m,
	)

	dial := repository.DialDocuments(db)
	conns, err := worker.NewConnPool(func(ctx context.Context) (worker.DocumentConn, error) {
		conn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, cfg.Worker.PoolMax, cfg.Worker.PoolIdleTimeout, logger)
	if err != nil {
		return nil, err
	}

	if err := q.Start(ctx); err != nil {
		return nil, err
	}
	pool := worker.NewPool(q, orch, conns, worker.ConfigFrom(cfg.Worker), logger, m)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}
