package intake

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"telemetry-ingest/internal/alerting"
	"telemetry-ingest/internal/analytics"
	"telemetry-ingest/internal/models"
	"telemetry-ingest/internal/processing"
	"telemetry-ingest/internal/publisher"
	"telemetry-ingest/internal/storage"
)

type publication struct {
	topic string
	event models.EnrichedReading
}

// recordingPublisher запоминает публикации в порядке вызова
type recordingPublisher struct {
	mu     sync.Mutex
	topics publisher.Topics
	fail   error
	items  []publication
}

func (p *recordingPublisher) PublishReading(_ context.Context, e models.EnrichedReading) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.items = append(p.items, publication{topic: p.topics.Reading(e.DeviceID, e.Type), event: e})
	return nil
}

func (p *recordingPublisher) PublishAlert(_ context.Context, e models.EnrichedReading) error {
	if !e.HasAlerts() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.items = append(p.items, publication{topic: p.topics.Alerts(), event: e})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publication(nil), p.items...)
}

type recordingCache struct {
	mu       sync.Mutex
	failures int
	latest   map[models.SensorType]models.EnrichedReading
}

func (c *recordingCache) CacheLatest(_ context.Context, e models.EnrichedReading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("redis: connection refused")
	}
	if c.latest == nil {
		c.latest = make(map[models.SensorType]models.EnrichedReading)
	}
	c.latest[e.Type] = e
	return nil
}

func (c *recordingCache) InvalidateLatest(_ context.Context, t models.SensorType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latest, t)
	return nil
}

func (c *recordingCache) get(t models.SensorType) (models.EnrichedReading, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.latest[t]
	return e, ok
}

type harness struct {
	loop      *Loop
	store     *storage.Store
	pub       *recordingPublisher
	cache     *recordingCache
	processor *processing.Processor
	sender    net.Conn
	done      chan error
	cancel    context.CancelFunc
}

func newProcessor() *processing.Processor {
	return processing.NewProcessor(
		analytics.NewEngine(analytics.DefaultWindowSize, models.SensorTemperature),
		alerting.NewEvaluator(alerting.DefaultThresholds()),
		nil,
	)
}

func startHarness(t *testing.T, st Store) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &harness{
		pub:       &recordingPublisher{topics: publisher.Topics{Root: "home"}},
		cache:     &recordingCache{},
		processor: newProcessor(),
		done:      make(chan error, 1),
	}
	if st == nil {
		s, err := storage.Open(filepath.Join(t.TempDir(), "iot.db"), time.Second, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		h.store = s
		st = s
	}

	conn, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	h.loop = New(conn, Options{
		Processor: h.processor,
		Store:     st,
		Publisher: h.pub,
		Cache:     h.cache,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.loop.Run(ctx) }()

	h.sender, err = net.Dial("udp", h.loop.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = h.sender.Close()
		h.stop(t)
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("intake loop did not stop")
	}
}

func (h *harness) send(t *testing.T, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := h.sender.Write([]byte(p))
		require.NoError(t, err)
	}
}

func (h *harness) waitPublished(t *testing.T, n int) []publication {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.pub.published()) >= n }, 3*time.Second, 5*time.Millisecond)
	return h.pub.published()
}

func TestListen_BindError(t *testing.T) {
	conn, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	_, err = Listen(conn.LocalAddr().String())
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, conn.LocalAddr().String(), be.Addr)
}

func TestLoop_TemperatureScenario(t *testing.T) {
	h := startHarness(t, nil)

	h.send(t,
		`{"type":"temperature","value":25.0,"device_id":"d1"}`,
		`{"type":"temperature","value":27.0,"device_id":"d1"}`,
	)

	pubs := h.waitPublished(t, 3)
	require.Len(t, pubs, 3)
	assert.Equal(t, "home/d1/temperature", pubs[0].topic)
	assert.Empty(t, pubs[0].event.Alerts)
	assert.Equal(t, "home/d1/temperature", pubs[1].topic)
	assert.Equal(t, []models.AlertTag{models.TagTempHigh}, pubs[1].event.Alerts)
	assert.Equal(t, "home/alerts", pubs[2].topic)
	assert.Equal(t, pubs[1].event, pubs[2].event)

	ctx := context.Background()
	latest, ok, err := h.store.QueryLatest(ctx, models.SensorTemperature)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 27.0, latest.Value)
	require.NotNil(t, latest.AvgWindow)
	assert.Equal(t, 26.0, *latest.AvgWindow)
	assert.Equal(t, []models.AlertTag{models.TagTempHigh}, latest.Alerts)

	// сохраненное и опубликованное значения совпадают
	assert.Equal(t, pubs[1].event, latest)

	readings, alerts, err := h.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), readings)
	assert.Equal(t, int64(1), alerts)

	cached, ok := h.cache.get(models.SensorTemperature)
	require.True(t, ok)
	assert.Equal(t, latest, cached)
}

func TestLoop_PowerScenario(t *testing.T) {
	h := startHarness(t, nil)

	h.send(t, `{"type":"power","value":300.0}`)

	pubs := h.waitPublished(t, 1)
	require.Len(t, pubs, 1)
	assert.Equal(t, "home/unknown/power", pubs[0].topic)
	assert.Nil(t, pubs[0].event.AvgWindow)
	assert.Empty(t, pubs[0].event.Alerts)

	readings, alerts, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), readings)
	assert.Zero(t, alerts)
}

func TestLoop_MalformedDatagramsChangeNothing(t *testing.T) {
	h := startHarness(t, nil)

	malformed := `{"type": "temperature"}`
	h.send(t, malformed, malformed, `not json`, malformed, `{"type":"temperature","value":21.5,"device_id":"sentinel"}`)

	pubs := h.waitPublished(t, 1)
	require.Len(t, pubs, 1)
	assert.Equal(t, "sentinel", pubs[0].event.DeviceID)

	// окно содержит только валидное показание
	assert.Equal(t, []float64{21.5}, h.processor.Windows().Values(models.SensorTemperature))
	require.NotNil(t, pubs[0].event.AvgWindow)
	assert.Equal(t, 21.5, *pubs[0].event.AvgWindow)

	readings, _, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), readings)
}

func TestLoop_OversizedDatagramDropped(t *testing.T) {
	h := startHarness(t, nil)

	big := make([]byte, 5000)
	for i := range big {
		big[i] = ' '
	}
	copy(big, `{"type":"power","value":1}`)
	_, err := h.sender.Write(big)
	require.NoError(t, err)
	h.send(t, `{"type":"power","value":2}`)

	pubs := h.waitPublished(t, 1)
	require.Len(t, pubs, 1)
	assert.Equal(t, 2.0, pubs[0].event.Value)
}

func TestLoop_ArrivalOrderDrivesWindow(t *testing.T) {
	h := startHarness(t, nil)

	for _, v := range []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12"} {
		h.send(t, `{"type":"temperature","value":`+v+`,"device_id":"d1"}`)
	}

	pubs := h.waitPublished(t, 12)
	last := pubs[len(pubs)-1].event
	assert.Equal(t, 12.0, last.Value)
	require.NotNil(t, last.AvgWindow)
	// среднее 3..12
	assert.Equal(t, 7.5, *last.AvgWindow)
}

// failingStore отказывает в записи первых n показаний
type failingStore struct {
	mu       sync.Mutex
	failures int
	readings []models.EnrichedReading
	alerts   int
}

func (s *failingStore) AppendReading(_ context.Context, e models.EnrichedReading) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return 0, &storage.StoreError{Kind: storage.Unavailable, Op: "append reading", Err: errors.New("disk full")}
	}
	s.readings = append(s.readings, e)
	return uint64(len(s.readings)), nil
}

func (s *failingStore) AppendAlerts(_ context.Context, e models.EnrichedReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts += len(e.Alerts)
	return nil
}

func TestLoop_StoreFailureDoesNotStopIntake(t *testing.T) {
	st := &failingStore{failures: 1}
	h := startHarness(t, st)

	h.send(t,
		`{"type":"temperature","value":30,"device_id":"d1"}`,
		`{"type":"temperature","value":20,"device_id":"d1"}`,
	)

	// первое показание не сохранено, но опубликовано (показание + алерт)
	pubs := h.waitPublished(t, 3)
	require.Len(t, pubs, 3)
	assert.Equal(t, "home/alerts", pubs[1].topic)
	assert.Equal(t, 20.0, pubs[2].event.Value)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.readings, 1)
	assert.Equal(t, 20.0, st.readings[0].Value)
	assert.Zero(t, st.alerts)

	// кэш обновляется только после успешной записи
	cached, ok := h.cache.get(models.SensorTemperature)
	require.True(t, ok)
	assert.Equal(t, 20.0, cached.Value)
}

func TestLoop_FailedCacheWriteDropsStaleLatest(t *testing.T) {
	h := startHarness(t, nil)

	h.send(t, `{"type":"temperature","value":20,"device_id":"d1"}`)
	h.waitPublished(t, 1)
	cached, ok := h.cache.get(models.SensorTemperature)
	require.True(t, ok)
	assert.Equal(t, 20.0, cached.Value)

	h.cache.mu.Lock()
	h.cache.failures = 1
	h.cache.mu.Unlock()

	h.send(t, `{"type":"temperature","value":27,"device_id":"d1"}`)
	h.waitPublished(t, 3)

	// в кэше не осталось значения старее хранилища
	_, ok = h.cache.get(models.SensorTemperature)
	assert.False(t, ok)

	latest, ok, err := h.store.QueryLatest(context.Background(), models.SensorTemperature)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 27.0, latest.Value)
}

func TestLoop_PublishFailureDoesNotStopIntake(t *testing.T) {
	h := startHarness(t, nil)
	h.pub.mu.Lock()
	h.pub.fail = &publisher.PublishError{Kind: publisher.BrokerUnavailable, Sink: "mqtt", Topic: "home/x"}
	h.pub.mu.Unlock()

	h.send(t, `{"type":"power","value":700,"device_id":"m1"}`, `{"type":"power","value":10,"device_id":"m1"}`)

	require.Eventually(t, func() bool {
		n, _, err := h.store.Counts(context.Background())
		return err == nil && n == 2
	}, 3*time.Second, 5*time.Millisecond)

	_, alerts, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), alerts)
	assert.Empty(t, h.pub.published())
}

func TestLoop_StopsOnCancel(t *testing.T) {
	h := startHarness(t, nil)
	h.cancel()

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("intake loop did not stop")
	}
}
