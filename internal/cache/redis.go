// Package cache реализует кэширование последних показаний в Redis
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"telemetry-ingest/internal/models"
)

const (
	// LatestKeyPrefix префикс ключей последнего показания по типу
	LatestKeyPrefix = "telemetry:latest:"
	// ReadingsCounterKey счетчик сохраненных показаний
	ReadingsCounterKey = "telemetry:readings:total"
	// AlertsCounterKey счетчик сохраненных алертов
	AlertsCounterKey = "telemetry:alerts:total"
	// LatestTTL время жизни последнего показания
	LatestTTL = 1 * time.Hour
	// DefaultTimeout таймаут одной операции
	DefaultTimeout = 500 * time.Millisecond
)

// RedisCache реализует кэширование в Redis. Источником истины остается
// хранилище, кэш заполняется после успешной записи.
type RedisCache struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisCache создает новое подключение к Redis
func NewRedisCache(addr, password string, db int, timeout time.Duration) (*RedisCache, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, timeout: timeout}, nil
}

// Connect пытается подключиться attempts раз с линейно растущей паузой.
// Ошибка последней попытки возвращается вызывающему, который решает,
// работать ли без кэша.
func Connect(ctx context.Context, addr, password string, db int, timeout time.Duration, attempts int, logger *zap.Logger) (*RedisCache, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		c, err := NewRedisCache(addr, password, db, timeout)
		if err == nil {
			logger.Info("Connected to Redis", zap.String("addr", addr))
			return c, nil
		}
		lastErr = err
		logger.Warn("Redis connection attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return nil, lastErr
}

// LatestKey ключ последнего показания типа
func LatestKey(t models.SensorType) string {
	return LatestKeyPrefix + string(t)
}

// CacheLatest сохраняет показание как последнее для его типа и увеличивает счетчики
func (r *RedisCache) CacheLatest(ctx context.Context, e models.EnrichedReading) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, LatestKey(e.Type), data, LatestTTL)
	pipe.Incr(ctx, ReadingsCounterKey)
	if n := len(e.Alerts); n > 0 {
		pipe.IncrBy(ctx, AlertsCounterKey, int64(n))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache reading: %w", err)
	}
	return nil
}

// InvalidateLatest удаляет последнее показание типа
func (r *RedisCache) InvalidateLatest(ctx context.Context, t models.SensorType) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Del(ctx, LatestKey(t)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate latest %s: %w", t, err)
	}
	return nil
}

// GetLatest возвращает последнее показание типа. ok=false при промахе.
func (r *RedisCache) GetLatest(ctx context.Context, t models.SensorType) (models.EnrichedReading, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, LatestKey(t)).Bytes()
	if err == redis.Nil {
		return models.EnrichedReading{}, false, nil
	}
	if err != nil {
		return models.EnrichedReading{}, false, fmt.Errorf("failed to get latest %s: %w", t, err)
	}

	var e models.EnrichedReading
	if err := json.Unmarshal(data, &e); err != nil {
		return models.EnrichedReading{}, false, fmt.Errorf("failed to unmarshal latest %s: %w", t, err)
	}
	if e.Alerts == nil {
		e.Alerts = []models.AlertTag{}
	}
	return e, true, nil
}

// GetCounter возвращает значение счетчика
func (r *RedisCache) GetCounter(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	val, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// Ping проверяет соединение с Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (r *RedisCache) Close() error {
	return r.client.Close()
}
