// Package main запускает read-side API для дашборда:
// - последние показания по типам (Redis, с откатом к SQLite)
// - история значений для графиков
// - здоровье и статистика хранилища
// - экспорт метрик в Prometheus
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"telemetry-ingest/internal/cache"
	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/handlers"
	"telemetry-ingest/internal/logging"
	"telemetry-ingest/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.Open(cfg.Storage.Path, cfg.Storage.Timeout, logger)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.String("path", cfg.Storage.Path), zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var handler *handlers.Handler
	if cfg.Redis.Enabled {
		rc, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Timeout, 5, logger)
		if err != nil {
			logger.Warn("Running without cache, latest readings come from storage", zap.Error(err))
		} else {
			defer rc.Close()
			handler = handlers.NewHandler(store, rc, cfg.Server.HistoryLimit, logger)
		}
	}
	if handler == nil {
		handler = handlers.NewHandler(store, nil, cfg.Server.HistoryLimit, logger)
	}

	router := mux.NewRouter()
	handler.Register(router)
	router.Handle("/prometheus", promhttp.Handler())
	router.Use(loggingMiddleware(logger))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// statusRecorder запоминает код ответа для лога
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
