// Package intake владеет UDP сокетом и проводит каждую датаграмму через
// декодирование, обогащение, сохранение и публикацию.
//
// Датаграммы обрабатываются строго по одной в порядке прихода, поэтому
// скользящее окно N-го показания отражает показания 1..N. Ошибка обработки
// одной датаграммы никогда не останавливает цикл.
package intake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"telemetry-ingest/internal/codec"
	"telemetry-ingest/internal/metrics"
	"telemetry-ingest/internal/models"
	"telemetry-ingest/internal/processing"
	"telemetry-ingest/internal/publisher"
	"telemetry-ingest/internal/storage"
)

// Store часть хранилища, нужная циклу приема
type Store interface {
	AppendReading(ctx context.Context, e models.EnrichedReading) (uint64, error)
	AppendAlerts(ctx context.Context, e models.EnrichedReading) error
}

// LatestCache кэш последнего показания по типу
type LatestCache interface {
	CacheLatest(ctx context.Context, e models.EnrichedReading) error
	InvalidateLatest(ctx context.Context, t models.SensorType) error
}

// BindError не удалось занять UDP адрес; фатальна при запуске
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind intake socket %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Listen занимает UDP адрес для приема датаграмм
func Listen(addr string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	return conn, nil
}

// Options зависимости цикла приема
type Options struct {
	Processor   *processing.Processor
	Store       Store
	Publisher   publisher.Publisher
	Cache       LatestCache
	Logger      *zap.Logger
	MaxDatagram int
}

// Loop цикл приема датаграмм
type Loop struct {
	conn        net.PacketConn
	processor   *processing.Processor
	store       Store
	publisher   publisher.Publisher
	cache       LatestCache
	logger      *zap.Logger
	maxDatagram int
}

// New создает цикл поверх уже открытого сокета
func New(conn net.PacketConn, opts Options) *Loop {
	if opts.MaxDatagram <= 0 || opts.MaxDatagram > codec.MaxDatagramSize {
		opts.MaxDatagram = codec.MaxDatagramSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = publisher.NewFanout()
	}
	return &Loop{
		conn:        conn,
		processor:   opts.Processor,
		store:       opts.Store,
		publisher:   opts.Publisher,
		cache:       opts.Cache,
		logger:      opts.Logger,
		maxDatagram: opts.MaxDatagram,
	}
}

// Addr локальный адрес сокета
func (l *Loop) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Run читает датаграммы до отмены ctx. Отмена закрывает сокет; датаграмма,
// которая уже обрабатывается, доводится до конца в пределах таймаутов
// хранилища и публикации.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.Close()
	})
	defer stop()

	l.logger.Info("Intake loop running", zap.String("addr", l.conn.LocalAddr().String()))

	buf := make([]byte, l.maxDatagram+1)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info("Intake loop stopped")
				return nil
			}
			l.logger.Warn("UDP read failed", zap.Error(err))
			continue
		}

		l.handle(context.WithoutCancel(ctx), buf[:n], from)
	}
}

// handle проводит одну датаграмму через весь конвейер
func (l *Loop) handle(ctx context.Context, data []byte, from net.Addr) {
	start := time.Now()
	defer func() {
		metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
	}()
	metrics.DatagramsReceived.Inc()

	remote := ""
	if from != nil {
		remote = from.String()
	}

	if len(data) > l.maxDatagram {
		metrics.DecodeErrors.WithLabelValues(codec.Malformed.String()).Inc()
		l.logger.Warn("Datagram too large, dropped",
			zap.String("from", remote),
			zap.Int("bytes", len(data)),
			zap.Int("limit", l.maxDatagram))
		return
	}

	reading, err := codec.Decode(data)
	if err != nil {
		kind := codec.Malformed
		var de *codec.DecodeError
		if errors.As(err, &de) {
			kind = de.Kind
		}
		metrics.DecodeErrors.WithLabelValues(kind.String()).Inc()
		l.logger.Warn("Datagram rejected",
			zap.String("from", remote),
			zap.Stringer("kind", kind),
			zap.Error(err),
			zap.String("raw", codec.Truncate(data, 120)))
		return
	}

	enriched := l.processor.Process(reading)
	metrics.ReadingsProcessed.WithLabelValues(string(enriched.Type)).Inc()
	for _, tag := range enriched.Alerts {
		metrics.AlertsRaised.WithLabelValues(string(enriched.Type), string(tag)).Inc()
	}
	if enriched.AvgWindow != nil {
		metrics.UpdateWindowMetrics(l.processor.Windows().Snapshot())
	}

	// хранилище и публикация работают с одним и тем же обогащенным значением
	if l.persist(ctx, enriched) && l.cache != nil {
		l.updateCache(ctx, enriched)
	}
	l.publish(ctx, enriched)

	l.logger.Debug("Reading processed",
		zap.String("from", remote),
		zap.String("device_id", enriched.DeviceID),
		zap.String("type", string(enriched.Type)),
		zap.Float64("value", enriched.Value),
		zap.Float64p("avg_window", enriched.AvgWindow),
		zap.Any("alerts", enriched.Alerts),
		zap.Int64("received_ts", enriched.ReceivedTS))
}

// persist сохраняет показание, затем его алерты. Возвращает false, если
// строка показания не сохранена.
func (l *Loop) persist(ctx context.Context, e models.EnrichedReading) bool {
	id, err := l.store.AppendReading(ctx, e)
	if err != nil {
		l.storeFailed("append_reading", e, err)
		return false
	}
	if err := l.store.AppendAlerts(ctx, e); err != nil {
		l.storeFailed("append_alerts", e, err)
	}
	l.logger.Debug("Reading stored", zap.Uint64("id", id), zap.Int("alerts", len(e.Alerts)))
	return true
}

// updateCache кладет показание в кэш. Если запись не удалась, старое значение
// удаляется: кэш не хранит показание старее последней строки хранилища.
func (l *Loop) updateCache(ctx context.Context, e models.EnrichedReading) {
	err := l.cache.CacheLatest(ctx, e)
	if err == nil {
		return
	}
	metrics.CacheErrors.Inc()
	l.logger.Warn("Latest cache update failed", zap.String("type", string(e.Type)), zap.Error(err))

	if err := l.cache.InvalidateLatest(ctx, e.Type); err != nil {
		metrics.CacheErrors.Inc()
		l.logger.Warn("Stale latest cache entry not removed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (l *Loop) storeFailed(op string, e models.EnrichedReading, err error) {
	kind := storage.Unavailable
	var se *storage.StoreError
	if errors.As(err, &se) {
		kind = se.Kind
	}
	metrics.StoreErrors.WithLabelValues(op, kind.String()).Inc()
	l.logger.Error("Storage write failed, reading not durable",
		zap.String("op", op),
		zap.String("device_id", e.DeviceID),
		zap.String("type", string(e.Type)),
		zap.Error(err))
}

// publish публикует показание и, при наличии алертов, алерт. Ошибки не повторяются.
func (l *Loop) publish(ctx context.Context, e models.EnrichedReading) {
	if err := l.publisher.PublishReading(ctx, e); err != nil {
		l.publishFailed(e, err)
	}
	if err := l.publisher.PublishAlert(ctx, e); err != nil {
		l.publishFailed(e, err)
	}
}

func (l *Loop) publishFailed(e models.EnrichedReading, err error) {
	errs := publisher.Errors(err)
	if len(errs) == 0 {
		metrics.PublishErrors.WithLabelValues("unknown", "unknown").Inc()
		l.logger.Warn("Publish failed", zap.String("device_id", e.DeviceID), zap.Error(err))
		return
	}
	for _, pe := range errs {
		metrics.PublishErrors.WithLabelValues(pe.Sink, pe.Kind.String()).Inc()
		l.logger.Warn("Publish failed",
			zap.String("sink", pe.Sink),
			zap.String("topic", pe.Topic),
			zap.Stringer("kind", pe.Kind),
			zap.String("device_id", e.DeviceID),
			zap.Error(pe.Err))
	}
}
