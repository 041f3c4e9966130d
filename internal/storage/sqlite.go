// Package storage реализует долговременное хранилище показаний и алертов в SQLite.
//
// Таблица readings содержит одну строку на каждое обработанное показание,
// таблица alerts содержит по одной строке на каждый сработавший тег. Строки только
// добавляются и никогда не изменяются.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"telemetry-ingest/internal/models"
)

// DefaultTimeout таймаут одной операции хранилища
const DefaultTimeout = 2 * time.Second

// ReadingRecord строка таблицы readings
type ReadingRecord struct {
	ID         uint64   `gorm:"primaryKey;autoIncrement;index:idx_readings_type_id,priority:2"`
	DeviceID   string   `gorm:"not null"`
	Type       string   `gorm:"not null;index:idx_readings_type_id,priority:1"`
	Value      float64  `gorm:"not null"`
	Unit       string   `gorm:"not null;default:''"`
	TS         int64    `gorm:"column:ts;not null;default:0"`
	ReceivedTS int64    `gorm:"column:received_ts;not null"`
	AvgWindow  *float64 `gorm:"column:avg_window"`
	Alerts     string   `gorm:"not null;default:'[]'"`
}

// TableName имя таблицы показаний
func (ReadingRecord) TableName() string { return "readings" }

// AlertRecord строка таблицы alerts
type AlertRecord struct {
	ID         uint64  `gorm:"primaryKey;autoIncrement"`
	DeviceID   string  `gorm:"not null"`
	Type       string  `gorm:"not null;index"`
	Alert      string  `gorm:"not null"`
	Value      float64 `gorm:"not null"`
	ReceivedTS int64   `gorm:"column:received_ts;not null"`
}

// TableName имя таблицы алертов
func (AlertRecord) TableName() string { return "alerts" }

// Store хранилище на SQLite
type Store struct {
	db      *gorm.DB
	timeout time.Duration
	logger  *zap.Logger
}

// Open открывает базу по пути path и создает схему.
// Ошибка здесь фатальна для процесса приема.
func Open(path string, timeout time.Duration, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, schemaViolation("open", errors.New("empty database path"))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, unavailable("open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable("open", err)
	}
	// SQLite допускает одного писателя
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&ReadingRecord{}, &AlertRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, schemaViolation("migrate", err)
	}

	logger.Info("Storage opened", zap.String("path", path), zap.Duration("timeout", timeout))
	return &Store{db: db, timeout: timeout, logger: logger}, nil
}

// Close закрывает соединение с базой
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping проверяет соединение
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// AppendReading добавляет строку показания и возвращает ее идентификатор
func (s *Store) AppendReading(ctx context.Context, e models.EnrichedReading) (uint64, error) {
	if e.Type == "" {
		return 0, schemaViolation("append reading", errors.New("empty sensor type"))
	}
	alerts, err := encodeAlerts(e.Alerts)
	if err != nil {
		return 0, schemaViolation("append reading", err)
	}

	rec := ReadingRecord{
		DeviceID:   e.DeviceID,
		Type:       string(e.Type),
		Value:      e.Value,
		Unit:       e.Unit,
		TS:         e.TS,
		ReceivedTS: e.ReceivedTS,
		AvgWindow:  e.AvgWindow,
		Alerts:     alerts,
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, unavailable("append reading", err)
	}
	return rec.ID, nil
}

// AppendAlerts добавляет по одной строке на каждый тег показания.
// Пустой список алертов не является ошибкой.
func (s *Store) AppendAlerts(ctx context.Context, e models.EnrichedReading) error {
	if len(e.Alerts) == 0 {
		return nil
	}

	recs := make([]AlertRecord, 0, len(e.Alerts))
	for _, tag := range e.Alerts {
		recs = append(recs, AlertRecord{
			DeviceID:   e.DeviceID,
			Type:       string(e.Type),
			Alert:      string(tag),
			Value:      e.Value,
			ReceivedTS: e.ReceivedTS,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(&recs).Error; err != nil {
		return unavailable("append alerts", err)
	}
	return nil
}

// QueryLatest возвращает последнее сохраненное показание типа.
// ok=false, если показаний этого типа еще нет.
func (s *Store) QueryLatest(ctx context.Context, t models.SensorType) (models.EnrichedReading, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []ReadingRecord
	err := s.db.WithContext(ctx).
		Where("type = ?", string(t)).
		Order("id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return models.EnrichedReading{}, false, unavailable("query latest", err)
	}
	if len(rows) == 0 {
		return models.EnrichedReading{}, false, nil
	}
	return s.toEnriched(rows[0]), true, nil
}

// QueryHistory возвращает последние limit показаний типа в хронологическом
// порядке (от старых к новым)
func (s *Store) QueryHistory(ctx context.Context, t models.SensorType, limit int) ([]models.HistoryPoint, error) {
	if limit <= 0 {
		return []models.HistoryPoint{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []ReadingRecord
	err := s.db.WithContext(ctx).
		Select("id", "value", "received_ts").
		Where("type = ?", string(t)).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("query history", err)
	}

	points := make([]models.HistoryPoint, len(rows))
	for i, r := range rows {
		points[len(rows)-1-i] = models.HistoryPoint{Value: r.Value, ReceivedTS: r.ReceivedTS}
	}
	return points, nil
}

// Counts возвращает количество строк в readings и alerts
func (s *Store) Counts(ctx context.Context) (readings, alerts int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	db := s.db.WithContext(ctx)
	if err := db.Model(&ReadingRecord{}).Count(&readings).Error; err != nil {
		return 0, 0, unavailable("count readings", err)
	}
	if err := db.Model(&AlertRecord{}).Count(&alerts).Error; err != nil {
		return 0, 0, unavailable("count alerts", err)
	}
	return readings, alerts, nil
}

// Alerts возвращает сохраненные алерты типа в порядке добавления
func (s *Store) Alerts(ctx context.Context, t models.SensorType) ([]AlertRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []AlertRecord
	if err := s.db.WithContext(ctx).Where("type = ?", string(t)).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, unavailable("query alerts", err)
	}
	return rows, nil
}

func (s *Store) toEnriched(r ReadingRecord) models.EnrichedReading {
	alerts, err := decodeAlerts(r.Alerts)
	if err != nil {
		s.logger.Warn("Corrupt alerts column, treating as empty",
			zap.Uint64("id", r.ID),
			zap.String("alerts", r.Alerts),
			zap.Error(err))
	}
	return models.EnrichedReading{
		DeviceID:   r.DeviceID,
		Type:       models.SensorType(r.Type),
		Value:      r.Value,
		Unit:       r.Unit,
		TS:         r.TS,
		ReceivedTS: r.ReceivedTS,
		AvgWindow:  r.AvgWindow,
		Alerts:     alerts,
	}
}

func encodeAlerts(tags []models.AlertTag) (string, error) {
	if tags == nil {
		tags = []models.AlertTag{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode alerts: %w", err)
	}
	return string(data), nil
}

func decodeAlerts(raw string) ([]models.AlertTag, error) {
	tags := []models.AlertTag{}
	if strings.TrimSpace(raw) == "" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []models.AlertTag{}, err
	}
	if tags == nil {
		tags = []models.AlertTag{}
	}
	return tags, nil
}
