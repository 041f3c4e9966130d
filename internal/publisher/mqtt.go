package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"telemetry-ingest/internal/models"
)

// MQTTConfig настройки MQTT приемника
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
	Topics   Topics
}

// MQTTPublisher публикует события в MQTT брокер
type MQTTPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	topics  Topics
	logger  *zap.Logger
}

// NewMQTTClient создает клиента с автоматическим переподключением.
// К ClientID добавляется случайный суффикс, чтобы несколько процессов
// не выбивали друг друга из брокера.
func NewMQTTClient(cfg MQTTConfig, logger *zap.Logger) mqtt.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	clientID := cfg.ClientID + "-" + uuid.NewString()[:8]

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(cfg.Timeout).
		SetWriteTimeout(cfg.Timeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(30 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker), zap.String("client_id", clientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	}
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting", zap.String("broker", cfg.Broker))
	}

	return mqtt.NewClient(opts)
}

// NewMQTTPublisher оборачивает клиента. Соединение устанавливается в фоне
// (ConnectRetry), поэтому недоступный брокер не блокирует запуск.
func NewMQTTPublisher(client mqtt.Client, cfg MQTTConfig, logger *zap.Logger) *MQTTPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &MQTTPublisher{
		client:  client,
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		topics:  cfg.Topics,
		logger:  logger,
	}
}

// Connect начинает подключение и ждет его не дольше таймаута.
// Ошибка не фатальна: клиент продолжит попытки в фоне.
func (p *MQTTPublisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.timeout) {
		return &PublishError{Kind: Timeout, Sink: "mqtt", Topic: "connect"}
	}
	if err := token.Error(); err != nil {
		return &PublishError{Kind: BrokerUnavailable, Sink: "mqtt", Topic: "connect", Err: err}
	}
	return nil
}

// PublishReading публикует показание в топик устройства
func (p *MQTTPublisher) PublishReading(ctx context.Context, e models.EnrichedReading) error {
	return p.publish(ctx, p.topics.Reading(e.DeviceID, e.Type), e)
}

// PublishAlert публикует полное показание в общий топик алертов
func (p *MQTTPublisher) PublishAlert(ctx context.Context, e models.EnrichedReading) error {
	if !e.HasAlerts() {
		return nil
	}
	return p.publish(ctx, p.topics.Alerts(), e)
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, e models.EnrichedReading) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return &PublishError{Kind: BrokerUnavailable, Sink: "mqtt", Topic: topic, Err: err}
	}

	if !p.client.IsConnected() {
		return &PublishError{Kind: BrokerUnavailable, Sink: "mqtt", Topic: topic, Err: errors.New("not connected")}
	}

	token := p.client.Publish(topic, p.qos, false, payload)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return &PublishError{Kind: Timeout, Sink: "mqtt", Topic: topic}
	case <-ctx.Done():
		return &PublishError{Kind: Timeout, Sink: "mqtt", Topic: topic, Err: ctx.Err()}
	}
	if err := token.Error(); err != nil {
		return &PublishError{Kind: BrokerUnavailable, Sink: "mqtt", Topic: topic, Err: err}
	}

	p.logger.Debug("MQTT published", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

// Close отключается от брокера, давая 250мс на отправку буфера
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
