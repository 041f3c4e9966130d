// Package main запускает сервис приема телеметрии умного дома:
// - UDP прием JSON показаний датчиков
// - скользящее среднее температуры (окно 10 показаний)
// - пороговые алерты TEMP_HIGH и POWER_SPIKE
// - запись в SQLite и публикация в MQTT (и, опционально, Kafka)
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
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"telemetry-ingest/internal/alerting"
	"telemetry-ingest/internal/analytics"
	"telemetry-ingest/internal/cache"
	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/intake"
	"telemetry-ingest/internal/logging"
	"telemetry-ingest/internal/models"
	"telemetry-ingest/internal/processing"
	"telemetry-ingest/internal/publisher"
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

	if err := run(cfg, logger); err != nil {
		logger.Error("Telemetry ingest failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting telemetry ingest",
		zap.String("go_version", runtime.Version()),
		zap.String("intake_addr", cfg.Intake.Addr),
		zap.Int("window_size", cfg.Window.Size))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Хранилище: ошибка инициализации схемы фатальна
	store, err := storage.Open(cfg.Storage.Path, cfg.Storage.Timeout, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Storage close failed", zap.Error(err))
		}
	}()

	// Окно объявлено только для температуры
	windows := analytics.NewEngine(cfg.Window.Size, models.SensorTemperature)
	evaluator := alerting.NewEvaluator(alerting.Thresholds{
		TempHigh:   cfg.Thresholds.TempHigh,
		PowerSpike: cfg.Thresholds.PowerSpike,
	})
	processor := processing.NewProcessor(windows, evaluator, nil)

	sinks := buildPublisher(cfg, logger)
	defer sinks.Close()

	opts := intake.Options{
		Processor:   processor,
		Store:       store,
		Publisher:   sinks,
		Logger:      logger,
		MaxDatagram: cfg.Intake.MaxDatagram,
	}
	if cfg.Redis.Enabled {
		rc, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Timeout, 3, logger)
		if err != nil {
			logger.Warn("Running without latest cache", zap.Error(err))
		} else {
			defer rc.Close()
			opts.Cache = rc
		}
	}

	// Ошибка занятия сокета фатальна
	conn, err := intake.Listen(cfg.Intake.Addr)
	if err != nil {
		return err
	}
	loop := intake.New(conn, opts)

	metricsServer := newMetricsServer(cfg.Metrics.Addr, store)
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	runErr := loop.Run(ctx)
	logger.Info("Shutting down telemetry ingest")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown error", zap.Error(err))
	}

	return runErr
}

// buildPublisher собирает включенные приемники в один Fanout
func buildPublisher(cfg *config.Config, logger *zap.Logger) *publisher.Fanout {
	topics := publisher.Topics{Root: cfg.Publish.Root}

	var sinks []publisher.Publisher
	if cfg.MQTT.Enabled {
		mcfg := publisher.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
			Timeout:  cfg.MQTT.Timeout,
			Topics:   topics,
		}
		mp := publisher.NewMQTTPublisher(publisher.NewMQTTClient(mcfg, logger), mcfg, logger)
		if err := mp.Connect(); err != nil {
			// клиент продолжит переподключаться в фоне
			logger.Warn("MQTT broker not reachable yet", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		}
		sinks = append(sinks, mp)
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, publisher.NewKafkaPublisher(publisher.KafkaConfig{
			Brokers:       cfg.Kafka.Brokers,
			ReadingsTopic: cfg.Kafka.ReadingsTopic,
			AlertsTopic:   cfg.Kafka.AlertsTopic,
			Timeout:       cfg.Kafka.Timeout,
		}, logger))
		logger.Info("Kafka sink enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	fanout := publisher.NewFanout(sinks...)
	if fanout.Len() == 0 {
		logger.Warn("No publish sinks enabled, readings are stored only")
	}
	return fanout
}

// newMetricsServer отдает /prometheus и /health процесса приема
func newMetricsServer(addr string, store *storage.Store) *http.Server {
	router := mux.NewRouter()
	router.Handle("/prometheus", promhttp.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
