// Package analytics реализует скользящую статистику по типам датчиков.
// Для каждого типа, у которого объявлено окно, хранится FIFO последних W значений
// (по всем устройствам этого типа) и вычисляется скользящее среднее.
package analytics

import (
	"math"
	"sort"
	"sync"

	"telemetry-ingest/internal/models"
)

const (
	// DefaultWindowSize размер окна по умолчанию (10 событий)
	DefaultWindowSize = 10
	// ReportPrecision число знаков после запятой во внешних отчетах
	ReportPrecision = 2
)

// SlidingWindow реализует скользящее окно для хранения значений.
// Статистика считается по содержимому буфера при каждом запросе, поэтому
// вытесненное значение не оставляет следа в среднем.
type SlidingWindow struct {
	values []float64
	size   int
	index  int
	count  int
}

// NewSlidingWindow создает новое скользящее окно заданного размера
func NewSlidingWindow(size int) *SlidingWindow {
	if size < 1 {
		size = 1
	}
	return &SlidingWindow{
		values: make([]float64, size),
		size:   size,
	}
}

// Add добавляет новое значение в окно, вытесняя самое старое при переполнении
func (sw *SlidingWindow) Add(value float64) {
	if sw.count < sw.size {
		sw.count++
	}
	sw.values[sw.index] = value
	sw.index = (sw.index + 1) % sw.size
}

// Mean возвращает среднее значение (rolling average)
func (sw *SlidingWindow) Mean() float64 {
	if sw.count == 0 {
		return 0
	}
	var sum float64
	for _, v := range sw.values[:sw.count] {
		sum += v
	}
	return sum / float64(sw.count)
}

// StdDev возвращает выборочное стандартное отклонение
func (sw *SlidingWindow) StdDev() float64 {
	if sw.count < 2 {
		return 0
	}
	mean := sw.Mean()
	var sq float64
	for _, v := range sw.values[:sw.count] {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(sw.count-1))
}

// Count возвращает количество элементов в окне
func (sw *SlidingWindow) Count() int {
	return sw.count
}

// Size возвращает емкость окна
func (sw *SlidingWindow) Size() int {
	return sw.size
}

// Values возвращает содержимое окна от самого старого к самому новому
func (sw *SlidingWindow) Values() []float64 {
	out := make([]float64, 0, sw.count)
	start := 0
	if sw.count == sw.size {
		start = sw.index
	}
	for i := 0; i < sw.count; i++ {
		out = append(out, sw.values[(start+i)%sw.size])
	}
	return out
}

// Round округляет значение до precision знаков
func Round(v float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}

// WindowStats снимок состояния окна одного типа
type WindowStats struct {
	Type   models.SensorType
	Mean   float64
	StdDev float64
	Count  int
}

// Engine хранит окна для типов датчиков, у которых объявлено скользящее окно.
// Окна живут все время работы процесса.
type Engine struct {
	mu      sync.RWMutex
	windows map[models.SensorType]*SlidingWindow
}

// NewEngine создает движок с окнами размера size для перечисленных типов
func NewEngine(size int, types ...models.SensorType) *Engine {
	e := &Engine{windows: make(map[models.SensorType]*SlidingWindow, len(types))}
	for _, t := range types {
		e.windows[t] = NewSlidingWindow(size)
	}
	return e
}

// Update добавляет значение в окно типа и возвращает среднее с учетом
// только что добавленного значения. ok=false, если окно для типа не объявлено.
func (e *Engine) Update(t models.SensorType, value float64) (avg float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.windows[t]
	if !ok {
		return 0, false
	}
	w.Add(value)
	return w.Mean(), true
}

// Values возвращает копию содержимого окна типа
func (e *Engine) Values(t models.SensorType) []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	w, ok := e.windows[t]
	if !ok {
		return nil
	}
	return w.Values()
}

// Snapshot возвращает статистику по всем окнам, отсортированную по типу
func (e *Engine) Snapshot() []WindowStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]WindowStats, 0, len(e.windows))
	for t, w := range e.windows {
		out = append(out, WindowStats{
			Type:   t,
			Mean:   w.Mean(),
			StdDev: w.StdDev(),
			Count:  w.Count(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
