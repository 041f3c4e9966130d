// Package models содержит структуры данных телеметрии датчиков
package models

// SensorType тип датчика (temperature, power, ...)
type SensorType string

const (
	// SensorTemperature датчик температуры
	SensorTemperature SensorType = "temperature"
	// SensorPower датчик мощности
	SensorPower SensorType = "power"
)

// KnownTypes типы, которые отдаются read-side API по умолчанию
var KnownTypes = []SensorType{SensorTemperature, SensorPower}

// AlertTag имя сработавшего порогового правила
type AlertTag string

const (
	// TagTempHigh температура выше порога
	TagTempHigh AlertTag = "TEMP_HIGH"
	// TagPowerSpike скачок потребляемой мощности
	TagPowerSpike AlertTag = "POWER_SPIKE"
)

// Значения по умолчанию для необязательных полей датаграммы
const (
	DefaultDeviceID = "unknown"
	DefaultUnit     = ""
	DefaultTS       = 0
)

// Reading одно показание датчика в том виде, в каком оно пришло по UDP
type Reading struct {
	DeviceID string     `json:"device_id"`
	Type     SensorType `json:"type"`
	Value    float64    `json:"value"`
	Unit     string     `json:"unit"`
	TS       int64      `json:"ts"`
}

// EnrichedReading показание, дополненное скользящим средним и алертами.
// После создания не изменяется.
type EnrichedReading struct {
	DeviceID   string     `json:"device_id"`
	Type       SensorType `json:"type"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
	TS         int64      `json:"ts"`
	ReceivedTS int64      `json:"received_ts"`
	AvgWindow  *float64   `json:"avg_window,omitempty"`
	Alerts     []AlertTag `json:"alerts"`
}

// HasAlerts сообщает, сработало ли хотя бы одно правило
func (e EnrichedReading) HasAlerts() bool {
	return len(e.Alerts) > 0
}

// Reading возвращает исходную часть показания
func (e EnrichedReading) Reading() Reading {
	return Reading{
		DeviceID: e.DeviceID,
		Type:     e.Type,
		Value:    e.Value,
		Unit:     e.Unit,
		TS:       e.TS,
	}
}

// HistoryPoint точка истории для графиков дашборда
type HistoryPoint struct {
	Value      float64 `json:"value"`
	ReceivedTS int64   `json:"received_ts"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	Redis   string `json:"redis"`
	Uptime  string `json:"uptime"`
}

// StatsResponse содержит статистику по сохраненным данным
type StatsResponse struct {
	TotalReadings int64 `json:"total_readings"`
	TotalAlerts   int64 `json:"total_alerts"`
}
