package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"telemetry-ingest/internal/models"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(mr.Addr(), "", 0, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCache(addr, "", 0, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestCacheLatest_RoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.GetLatest(ctx, models.SensorTemperature)
	require.NoError(t, err)
	assert.False(t, ok)

	avg := 26.0
	e := models.EnrichedReading{
		DeviceID:   "d1",
		Type:       models.SensorTemperature,
		Value:      27,
		ReceivedTS: 1700000000,
		AvgWindow:  &avg,
		Alerts:     []models.AlertTag{models.TagTempHigh},
	}
	require.NoError(t, c.CacheLatest(ctx, e))

	got, ok, err := c.GetLatest(ctx, models.SensorTemperature)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e, got)

	assert.True(t, mr.Exists(LatestKey(models.SensorTemperature)))
	assert.Greater(t, mr.TTL(LatestKey(models.SensorTemperature)), time.Duration(0))
}

func TestCacheLatest_Counters(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.CacheLatest(ctx, models.EnrichedReading{Type: models.SensorPower, Value: 300, Alerts: []models.AlertTag{}}))
	require.NoError(t, c.CacheLatest(ctx, models.EnrichedReading{Type: models.SensorPower, Value: 700, Alerts: []models.AlertTag{models.TagPowerSpike}}))

	readings, err := c.GetCounter(ctx, ReadingsCounterKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), readings)

	alerts, err := c.GetCounter(ctx, AlertsCounterKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), alerts)

	missing, err := c.GetCounter(ctx, "telemetry:nope")
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestGetLatest_NilAlertsNormalized(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set(LatestKey(models.SensorPower), `{"device_id":"m","type":"power","value":1,"received_ts":5}`))

	got, ok, err := c.GetLatest(context.Background(), models.SensorPower)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, got.Alerts)
	assert.Nil(t, got.AvgWindow)
}

func TestGetLatest_CorruptValue(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set(LatestKey(models.SensorPower), "{"))

	_, ok, err := c.GetLatest(context.Background(), models.SensorPower)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)

	c, err := Connect(context.Background(), mr.Addr(), "", 0, time.Second, 3, logger)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	addr := mr.Addr()
	mr.Close()
	_, err = Connect(context.Background(), addr, "", 0, 50*time.Millisecond, 1, logger)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Connect(ctx, addr, "", 0, 50*time.Millisecond, 3, logger)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidateLatest(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.CacheLatest(ctx, models.EnrichedReading{Type: models.SensorPower, Value: 100, Alerts: []models.AlertTag{}}))
	require.True(t, mr.Exists(LatestKey(models.SensorPower)))

	require.NoError(t, c.InvalidateLatest(ctx, models.SensorPower))
	_, ok, err := c.GetLatest(ctx, models.SensorPower)
	require.NoError(t, err)
	assert.False(t, ok)

	// удаление отсутствующего ключа не ошибка
	assert.NoError(t, c.InvalidateLatest(ctx, models.SensorPower))
}
