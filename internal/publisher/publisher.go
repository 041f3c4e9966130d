// Package publisher републикует обогащенные показания и алерты подписчикам.
//
// Публикация best-effort: каждая операция ограничена таймаутом, ошибки
// возвращаются вызывающему для логирования и никогда не повторяются.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"telemetry-ingest/internal/models"
)

const (
	// DefaultRoot корень иерархии топиков
	DefaultRoot = "home"
	// DefaultTimeout таймаут одной публикации
	DefaultTimeout = 2 * time.Second
)

// Publisher приемник событий
type Publisher interface {
	// PublishReading публикует показание в топик {root}/{device_id}/{type}
	PublishReading(ctx context.Context, e models.EnrichedReading) error
	// PublishAlert публикует показание в {root}/alerts, только если есть алерты
	PublishAlert(ctx context.Context, e models.EnrichedReading) error
	Close()
}

// ErrorKind класс ошибки публикации
type ErrorKind int

const (
	// BrokerUnavailable брокер недоступен или отверг сообщение
	BrokerUnavailable ErrorKind = iota
	// Timeout брокер не подтвердил публикацию вовремя
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case BrokerUnavailable:
		return "broker_unavailable"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// PublishError ошибка публикации в один приемник
type PublishError struct {
	Kind  ErrorKind
	Sink  string
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("publish %s to %s: %s", e.Sink, e.Topic, e.Kind)
	}
	return fmt.Sprintf("publish %s to %s: %s: %v", e.Sink, e.Topic, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Topics строит имена топиков от общего корня
type Topics struct {
	Root string
}

// Reading топик показания конкретного устройства и типа
func (t Topics) Reading(deviceID string, typ models.SensorType) string {
	return t.root() + "/" + readingPath(deviceID, typ)
}

// Alerts общий топик алертов
func (t Topics) Alerts() string {
	return t.root() + "/alerts"
}

func (t Topics) root() string {
	r := strings.TrimSuffix(t.Root, "/")
	if r == "" {
		return DefaultRoot
	}
	return r
}

func readingPath(deviceID string, typ models.SensorType) string {
	if deviceID == "" {
		deviceID = models.DefaultDeviceID
	}
	return sanitize(deviceID) + "/" + sanitize(string(typ))
}

// sanitize убирает из уровня топика разделители и wildcard символы MQTT
func sanitize(level string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(level)
}

// Fanout публикует в несколько приемников независимо друг от друга
type Fanout struct {
	sinks []Publisher
}

// NewFanout объединяет приемники; nil значения пропускаются
func NewFanout(sinks ...Publisher) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len количество подключенных приемников
func (f *Fanout) Len() int { return len(f.sinks) }

// PublishReading публикует во все приемники, ошибки объединяются
func (f *Fanout) PublishReading(ctx context.Context, e models.EnrichedReading) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.PublishReading(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishAlert публикует алерт во все приемники, ошибки объединяются
func (f *Fanout) PublishAlert(ctx context.Context, e models.EnrichedReading) error {
	if !e.HasAlerts() {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.PublishAlert(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close закрывает все приемники
func (f *Fanout) Close() {
	for _, s := range f.sinks {
		s.Close()
	}
}

// Errors раскладывает объединенную ошибку Fanout на отдельные PublishError
func Errors(err error) []*PublishError {
	if err == nil {
		return nil
	}
	var out []*PublishError
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		var pe *PublishError
		if errors.As(err, &pe) {
			out = append(out, pe)
		}
	}
	walk(err)
	return out
}
