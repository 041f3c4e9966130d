package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"telemetry-ingest/internal/models"
)

// KafkaConfig настройки Kafka приемника
type KafkaConfig struct {
	Brokers       []string
	ReadingsTopic string
	AlertsTopic   string
	Timeout       time.Duration
}

// messageWriter часть kafka.Writer, используемая приемником
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher дублирует поток событий в Kafka. Топики Kafka плоские,
// поэтому иерархия {device_id}/{type} передается ключом сообщения.
type KafkaPublisher struct {
	readings messageWriter
	alerts   messageWriter
	cfg      KafkaConfig
	logger   *zap.Logger
}

// NewKafkaPublisher создает синхронных писателей для топиков показаний и алертов
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  1,
			Compression:  kafka.Snappy,
		}
	}
	return newKafkaPublisher(newWriter(cfg.ReadingsTopic), newWriter(cfg.AlertsTopic), cfg, logger)
}

func newKafkaPublisher(readings, alerts messageWriter, cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &KafkaPublisher{
		readings: readings,
		alerts:   alerts,
		cfg:      cfg,
		logger:   logger,
	}
}

// MessageKey ключ сообщения для показания
func MessageKey(e models.EnrichedReading) []byte {
	return []byte(readingPath(e.DeviceID, e.Type))
}

// PublishReading пишет показание в топик показаний
func (p *KafkaPublisher) PublishReading(ctx context.Context, e models.EnrichedReading) error {
	return p.write(ctx, p.readings, p.cfg.ReadingsTopic, e)
}

// PublishAlert пишет показание в топик алертов, только если есть алерты
func (p *KafkaPublisher) PublishAlert(ctx context.Context, e models.EnrichedReading) error {
	if !e.HasAlerts() {
		return nil
	}
	return p.write(ctx, p.alerts, p.cfg.AlertsTopic, e)
}

func (p *KafkaPublisher) write(ctx context.Context, w messageWriter, topic string, e models.EnrichedReading) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return &PublishError{Kind: BrokerUnavailable, Sink: "kafka", Topic: topic, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	err = w.WriteMessages(ctx, kafka.Message{
		Key:   MessageKey(e),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		kind := BrokerUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = Timeout
		}
		return &PublishError{Kind: kind, Sink: "kafka", Topic: topic, Err: err}
	}

	p.logger.Debug("Kafka published", zap.String("topic", topic), zap.ByteString("key", MessageKey(e)))
	return nil
}

// Close закрывает писателей
func (p *KafkaPublisher) Close() {
	if err := p.readings.Close(); err != nil {
		p.logger.Warn("Kafka writer close failed", zap.String("topic", p.cfg.ReadingsTopic), zap.Error(err))
	}
	if err := p.alerts.Close(); err != nil {
		p.logger.Warn("Kafka writer close failed", zap.String("topic", p.cfg.AlertsTopic), zap.Error(err))
	}
}
