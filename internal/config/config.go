// Package config загружает конфигурацию сервисов телеметрии.
//
// Источники в порядке приоритета: переменные окружения TELEMETRY_*,
// файл config.yaml в каталоге из флага -config, значения по умолчанию.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"telemetry-ingest/internal/codec"
	"telemetry-ingest/internal/handlers"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "TELEMETRY"

// Config содержит конфигурацию сервиса
type Config struct {
	Intake     IntakeConfig     `mapstructure:"intake"`
	Window     WindowConfig     `mapstructure:"window"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Storage    StorageConfig    `mapstructure:"storage"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

// IntakeConfig настройки UDP приема
type IntakeConfig struct {
	Addr        string `mapstructure:"addr"`
	MaxDatagram int    `mapstructure:"max_datagram"`
}

// WindowConfig настройки скользящего окна
type WindowConfig struct {
	Size int `mapstructure:"size"`
}

// ThresholdsConfig пороги алертов
type ThresholdsConfig struct {
	TempHigh   float64 `mapstructure:"temp_high"`
	PowerSpike float64 `mapstructure:"power_spike"`
}

// StorageConfig настройки SQLite хранилища
type StorageConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MQTTConfig настройки MQTT брокера
type MQTTConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Broker   string        `mapstructure:"broker"`
	ClientID string        `mapstructure:"client_id"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	QoS      int           `mapstructure:"qos"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PublishConfig общие настройки публикации
type PublishConfig struct {
	Root string `mapstructure:"root"`
}

// KafkaConfig настройки Kafka приемника
type KafkaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	ReadingsTopic string        `mapstructure:"readings_topic"`
	AlertsTopic   string        `mapstructure:"alerts_topic"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// RedisConfig настройки кэша последних показаний
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig адрес экспорта метрик процесса приема
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ServerConfig настройки read-side API
type ServerConfig struct {
	Addr         string `mapstructure:"addr"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("intake.addr", ":5000")
	v.SetDefault("intake.max_datagram", 4096)

	v.SetDefault("window.size", 10)

	v.SetDefault("thresholds.temp_high", 26.0)
	v.SetDefault("thresholds.power_spike", 600.0)

	v.SetDefault("storage.path", "iot.db")
	v.SetDefault("storage.timeout", 2*time.Second)

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "telemetry-ingest")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.timeout", 2*time.Second)

	v.SetDefault("publish.root", "home")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.readings_topic", "telemetry.readings")
	v.SetDefault("kafka.alerts_topic", "telemetry.alerts")
	v.SetDefault("kafka.timeout", 2*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.timeout", 500*time.Millisecond)

	v.SetDefault("metrics.addr", ":9100")

	v.SetDefault("server.addr", ":8001")
	v.SetDefault("server.history_limit", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load читает конфигурацию. Отсутствие config.yaml в path не является ошибкой.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// строка из окружения: "a:9092,b:9092"
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет допустимость значений
func (c *Config) Validate() error {
	var errs []error
	if c.Window.Size < 1 {
		errs = append(errs, fmt.Errorf("window.size must be >= 1, got %d", c.Window.Size))
	}
	if c.Intake.MaxDatagram < 1 || c.Intake.MaxDatagram > codec.MaxDatagramSize {
		errs = append(errs, fmt.Errorf("intake.max_datagram must be in 1..%d, got %d", codec.MaxDatagramSize, c.Intake.MaxDatagram))
	}
	if c.Server.HistoryLimit < 1 || c.Server.HistoryLimit > handlers.MaxHistoryLimit {
		errs = append(errs, fmt.Errorf("server.history_limit must be in 1..%d, got %d", handlers.MaxHistoryLimit, c.Server.HistoryLimit))
	}
	if strings.Trim(c.Publish.Root, "/ ") == "" {
		errs = append(errs, errors.New("publish.root must not be empty"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Brokers[0] == "") {
		errs = append(errs, errors.New("kafka.brokers must not be empty when kafka is enabled"))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}
	return errors.Join(errs...)
}
