// Package processing обогащает показания скользящим средним и алертами
package processing

import (
	"time"

	"telemetry-ingest/internal/alerting"
	"telemetry-ingest/internal/analytics"
	"telemetry-ingest/internal/models"
)

// Clock источник времени приема
type Clock func() time.Time

// Processor объединяет движок окон и вычислитель алертов в одно
// преобразование Reading -> EnrichedReading
type Processor struct {
	windows   *analytics.Engine
	evaluator *alerting.Evaluator
	now       Clock
}

// NewProcessor создает процессор. Если now == nil, используется time.Now.
func NewProcessor(windows *analytics.Engine, evaluator *alerting.Evaluator, now Clock) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{
		windows:   windows,
		evaluator: evaluator,
		now:       now,
	}
}

// Process обогащает показание. Окно типа (если объявлено) продвигается ровно
// один раз за вызов; received_ts всегда берется из собственных часов.
func (p *Processor) Process(r models.Reading) models.EnrichedReading {
	out := models.EnrichedReading{
		DeviceID: r.DeviceID,
		Type:     r.Type,
		Value:    r.Value,
		Unit:     r.Unit,
		TS:       r.TS,
	}

	var avg *float64
	if mean, ok := p.windows.Update(r.Type, r.Value); ok {
		rounded := analytics.Round(mean, analytics.ReportPrecision)
		avg = &rounded
		out.AvgWindow = avg
	}

	out.Alerts = p.evaluator.Evaluate(r.Type, r.Value, avg)
	out.ReceivedTS = p.now().Unix()
	return out
}

// Windows возвращает движок окон процессора
func (p *Processor) Windows() *analytics.Engine {
	return p.windows
}
