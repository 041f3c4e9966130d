package alerting

import (
	"sync"

	"telemetry-ingest/internal/models"
)

// Пороговые значения по умолчанию
const (
	DefaultTempHighThreshold   = 26.0
	DefaultPowerSpikeThreshold = 600.0
)

// Rule одно пороговое правило: Tag срабатывает, если значение >= Threshold.
// Правило не имеет состояния.
type Rule struct {
	Tag       models.AlertTag
	Threshold float64
}

// Fires проверяет правило для мгновенного значения
func (r Rule) Fires(value float64) bool {
	return value >= r.Threshold
}

// Thresholds настраиваемые пороги встроенных правил
type Thresholds struct {
	TempHigh   float64
	PowerSpike float64
}

// DefaultThresholds возвращает пороги по умолчанию
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempHigh:   DefaultTempHighThreshold,
		PowerSpike: DefaultPowerSpikeThreshold,
	}
}

// Evaluator применяет правила своего типа к показанию.
// Теги разных типов никогда не смешиваются.
type Evaluator struct {
	mu    sync.RWMutex
	rules map[models.SensorType][]Rule
}

// NewEvaluator создает вычислитель со встроенными правилами temperature и power
func NewEvaluator(th Thresholds) *Evaluator {
	e := &Evaluator{rules: make(map[models.SensorType][]Rule)}
	e.Register(models.SensorTemperature, Rule{Tag: models.TagTempHigh, Threshold: th.TempHigh})
	e.Register(models.SensorPower, Rule{Tag: models.TagPowerSpike, Threshold: th.PowerSpike})
	return e
}

// Register добавляет правила для типа в порядке объявления
func (e *Evaluator) Register(t models.SensorType, rules ...Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[t] = append(e.rules[t], rules...)
}

// Evaluate возвращает сработавшие теги в порядке объявления правил.
// Правила сравнивают мгновенное значение, а не среднее; avg передается
// для правил, которым он может понадобиться. Результат никогда не nil.
func (e *Evaluator) Evaluate(t models.SensorType, value float64, avg *float64) []models.AlertTag {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tags := make([]models.AlertTag, 0)
	for _, r := range e.rules[t] {
		if r.Fires(value) {
			tags = append(tags, r.Tag)
		}
	}
	return tags
}
