// Command memflow runs the memory engine daemon: it hosts the tiered memory
// store over SQLite (with an optional Redis checkpoint mirror) and serves
// the metrics and health endpoints. Workflow orchestration is embedded by
// callers that supply an LLM provider; the daemon itself only maintains the
// durable state.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cortexstack/memflow/config"
	"github.com/cortexstack/memflow/internal/metrics"
	"github.com/cortexstack/memflow/llm/embedding"
	"github.com/cortexstack/memflow/memory"
	"github.com/cortexstack/memflow/workflow"
)

func main() {
	configPath := flag.String("config", "memflow.yaml", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithValidator(func(c *config.Config) error { return c.Validate() }).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := memory.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate memory schema: %w", err)
	}
	if err := workflow.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate workflow schema: %w", err)
	}
	logger.Info("database ready", zap.String("path", cfg.Database.Path))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("memflow", registry, logger)

	embedder := embedding.NewLocalProvider(cfg.Memory.EmbeddingDims)
	index := memory.NewInMemoryVectorIndex(embedder, logger)

	storeOpts := []memory.StoreOption{
		memory.WithVectorIndex(index),
		memory.WithCollector(collector),
	}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, running without checkpoint mirror", zap.Error(err))
		} else {
			mirror := memory.NewCheckpointMirror(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL, logger)
			storeOpts = append(storeOpts, memory.WithCheckpointMirror(mirror))
			logger.Info("checkpoint mirror enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}

	storeCfg := memory.DefaultStoreConfig()
	storeCfg.SimilarityThreshold = cfg.Memory.SimilarityThreshold
	storeCfg.CandidateLimit = cfg.Memory.CandidateLimit
	storeCfg.MergeThreshold = cfg.Memory.MergeThreshold
	store := memory.NewStore(db, storeCfg, logger, storeOpts...)

	var audit *workflow.AuditLog
	if cfg.Engine.AuditPath != "" {
		audit, err = workflow.OpenAuditLog(cfg.Engine.AuditPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer audit.Close()
	}
	audit.Record(workflow.AuditEvent{Event: "daemon_started"})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		// A store read end to end, not just a socket ping.
		if _, err := store.ListNamespaces(r.Context(), "healthz"); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}
	audit.Record(workflow.AuditEvent{Event: "daemon_stopped"})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}

	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("database close failed", zap.Error(err))
		}
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}
	zcfg.DisableCaller = !cfg.EnableCaller

	return zcfg.Build()
}
