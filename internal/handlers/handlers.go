// Package handlers содержит HTTP обработчики read-side API
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"telemetry-ingest/internal/metrics"
	"telemetry-ingest/internal/models"
)

const (
	// DefaultHistoryLimit размер истории по умолчанию
	DefaultHistoryLimit = 50
	// MaxHistoryLimit верхняя граница параметра limit
	MaxHistoryLimit = 1000
)

// ReadStore часть хранилища, нужная API
type ReadStore interface {
	QueryLatest(ctx context.Context, t models.SensorType) (models.EnrichedReading, bool, error)
	QueryHistory(ctx context.Context, t models.SensorType, limit int) ([]models.HistoryPoint, error)
	Counts(ctx context.Context) (readings, alerts int64, err error)
	Ping(ctx context.Context) error
}

// LatestReader кэш последних показаний
type LatestReader interface {
	GetLatest(ctx context.Context, t models.SensorType) (models.EnrichedReading, bool, error)
	Ping(ctx context.Context) error
}

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	store        ReadStore
	cache        LatestReader
	types        []models.SensorType
	historyLimit int
	logger       *zap.Logger
	startTime    time.Time
}

// NewHandler создает новый обработчик. cache может быть nil.
func NewHandler(store ReadStore, cache LatestReader, historyLimit int, logger *zap.Logger) *Handler {
	if historyLimit < 1 || historyLimit > MaxHistoryLimit {
		historyLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:        store,
		cache:        cache,
		types:        models.KnownTypes,
		historyLimit: historyLimit,
		logger:       logger,
		startTime:    time.Now(),
	}
}

// Register вешает маршруты API на роутер
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/api/latest", h.LatestHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/latest/{type}", h.LatestByTypeHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/history", h.HistoryHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/history/{type}", h.HistoryByTypeHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
}

// LatestHandler обрабатывает GET /api/latest - последнее показание каждого типа
func (h *Handler) LatestHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/api/latest", r.Method))
	defer timer.ObserveDuration()

	response := make(map[models.SensorType]*models.EnrichedReading, len(h.types))
	for _, t := range h.types {
		e, ok, err := h.latest(r.Context(), t)
		if err != nil {
			h.respondError(w, r, "/api/latest", "Failed to query latest readings", http.StatusInternalServerError)
			return
		}
		if ok {
			e := e
			response[t] = &e
		} else {
			response[t] = nil
		}
	}

	h.respondJSON(w, r, "/api/latest", response, http.StatusOK)
}

// LatestByTypeHandler обрабатывает GET /api/latest/{type}
func (h *Handler) LatestByTypeHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/api/latest/{type}", r.Method))
	defer timer.ObserveDuration()

	t := models.SensorType(mux.Vars(r)["type"])
	e, ok, err := h.latest(r.Context(), t)
	if err != nil {
		h.respondError(w, r, "/api/latest/{type}", "Failed to query latest reading", http.StatusInternalServerError)
		return
	}
	if !ok {
		h.respondError(w, r, "/api/latest/{type}", "No readings for type "+string(t), http.StatusNotFound)
		return
	}

	h.respondJSON(w, r, "/api/latest/{type}", e, http.StatusOK)
}

// HistoryHandler обрабатывает GET /api/history?limit=N - история всех типов
func (h *Handler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/api/history", r.Method))
	defer timer.ObserveDuration()

	limit, ok := h.parseLimit(r)
	if !ok {
		h.respondError(w, r, "/api/history", "limit must be an integer in 1..1000", http.StatusBadRequest)
		return
	}

	response := make(map[models.SensorType][]models.HistoryPoint, len(h.types))
	for _, t := range h.types {
		points, err := h.store.QueryHistory(r.Context(), t, limit)
		if err != nil {
			h.logger.Error("History query failed", zap.String("type", string(t)), zap.Error(err))
			h.respondError(w, r, "/api/history", "Failed to query history", http.StatusInternalServerError)
			return
		}
		response[t] = points
	}

	h.respondJSON(w, r, "/api/history", response, http.StatusOK)
}

// HistoryByTypeHandler обрабатывает GET /api/history/{type}?limit=N
func (h *Handler) HistoryByTypeHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/api/history/{type}", r.Method))
	defer timer.ObserveDuration()

	limit, ok := h.parseLimit(r)
	if !ok {
		h.respondError(w, r, "/api/history/{type}", "limit must be an integer in 1..1000", http.StatusBadRequest)
		return
	}

	t := models.SensorType(mux.Vars(r)["type"])
	points, err := h.store.QueryHistory(r.Context(), t, limit)
	if err != nil {
		h.logger.Error("History query failed", zap.String("type", string(t)), zap.Error(err))
		h.respondError(w, r, "/api/history/{type}", "Failed to query history", http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, r, "/api/history/{type}", points, http.StatusOK)
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := models.HealthStatus{
		Status:  "healthy",
		Storage: "connected",
		Redis:   "disabled",
		Uptime:  time.Since(h.startTime).String(),
	}
	code := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("Storage ping failed", zap.Error(err))
		status.Status = "unhealthy"
		status.Storage = "disconnected"
		code = http.StatusServiceUnavailable
	}

	if h.cache != nil {
		status.Redis = "connected"
		if err := h.cache.Ping(r.Context()); err != nil {
			// без кэша API продолжает работать через хранилище
			status.Redis = "disconnected"
			if code == http.StatusOK {
				status.Status = "degraded"
			}
		}
	}

	h.respondJSON(w, r, "/health", status, code)
}

// StatsHandler обрабатывает GET /stats - количество сохраненных строк
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/stats", r.Method))
	defer timer.ObserveDuration()

	readings, alerts, err := h.store.Counts(r.Context())
	if err != nil {
		h.logger.Error("Counts query failed", zap.Error(err))
		h.respondError(w, r, "/stats", "Failed to query stats", http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, r, "/stats", models.StatsResponse{
		TotalReadings: readings,
		TotalAlerts:   alerts,
	}, http.StatusOK)
}

// latest читает последнее показание из хранилища. Redis читается только
// при недоступном хранилище.
func (h *Handler) latest(ctx context.Context, t models.SensorType) (models.EnrichedReading, bool, error) {
	e, ok, err := h.store.QueryLatest(ctx, t)
	if err == nil {
		return e, ok, nil
	}
	h.logger.Error("Latest query failed", zap.String("type", string(t)), zap.Error(err))
	if h.cache == nil {
		return e, ok, err
	}

	cached, found, cerr := h.cache.GetLatest(ctx, t)
	switch {
	case cerr != nil:
		h.logger.Warn("Latest cache lookup failed", zap.String("type", string(t)), zap.Error(cerr))
	case found:
		metrics.CacheHits.Inc()
		return cached, true, nil
	}
	metrics.CacheMisses.Inc()
	return models.EnrichedReading{}, false, err
}

// parseLimit разбирает параметр limit; отсутствие параметра дает значение по умолчанию
func (h *Handler) parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return h.historyLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxHistoryLimit {
		return 0, false
	}
	return n, true
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, endpoint string, data interface{}, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Failed to write response", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, endpoint, message string, status int) {
	h.respondJSON(w, r, endpoint, map[string]string{"error": message}, status)
}
