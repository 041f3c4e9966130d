// Package codec декодирует UDP датаграммы с показаниями датчиков.
//
// Датаграмма содержит один JSON объект с ключами type, value (обязательные)
// и device_id, unit, ts (необязательные).
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"telemetry-ingest/internal/models"
)

// MaxDatagramSize максимальный размер принимаемой датаграммы
const MaxDatagramSize = 4096

// ErrorKind класс ошибки декодирования
type ErrorKind int

const (
	// Malformed полезная нагрузка не является ожидаемым JSON объектом
	Malformed ErrorKind = iota
	// MissingField нет type/value или value не число
	MissingField
)

func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case MissingField:
		return "missing_field"
	default:
		return "unknown"
	}
}

// DecodeError ошибка разбора одной датаграммы
type DecodeError struct {
	Kind  ErrorKind
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: field %q: %v", e.Kind, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: field %q", e.Kind, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(field string, err error) error {
	return &DecodeError{Kind: Malformed, Field: field, Err: err}
}

func missing(field string, err error) error {
	return &DecodeError{Kind: MissingField, Field: field, Err: err}
}

// Decode разбирает датаграмму в Reading и подставляет значения по умолчанию.
// Не имеет побочных эффектов.
func Decode(raw []byte) (models.Reading, error) {
	if len(raw) > MaxDatagramSize {
		return models.Reading{}, malformed("", fmt.Errorf("payload too large: %d bytes", len(raw)))
	}
	if !utf8.Valid(raw) {
		return models.Reading{}, malformed("", fmt.Errorf("payload is not valid UTF-8"))
	}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&fields); err != nil {
		return models.Reading{}, malformed("", err)
	}
	if fields == nil {
		return models.Reading{}, malformed("", fmt.Errorf("payload is not an object"))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return models.Reading{}, malformed("", fmt.Errorf("trailing data after object"))
	}

	r := models.Reading{
		DeviceID: models.DefaultDeviceID,
		Unit:     models.DefaultUnit,
		TS:       models.DefaultTS,
	}

	typ, ok, err := optionalString(fields, "type")
	if err != nil {
		return models.Reading{}, malformed("type", err)
	}
	if !ok || strings.TrimSpace(typ) == "" {
		return models.Reading{}, missing("type", nil)
	}
	r.Type = models.SensorType(typ)

	rawValue, ok := fields["value"]
	if !ok {
		return models.Reading{}, missing("value", nil)
	}
	value, err := parseNumber(rawValue)
	if err != nil {
		return models.Reading{}, missing("value", err)
	}
	r.Value = value

	if id, ok, err := optionalString(fields, "device_id"); err != nil {
		return models.Reading{}, malformed("device_id", err)
	} else if ok && id != "" {
		r.DeviceID = id
	}

	if unit, ok, err := optionalString(fields, "unit"); err != nil {
		return models.Reading{}, malformed("unit", err)
	} else if ok {
		r.Unit = unit
	}

	if rawTS, ok := fields["ts"]; ok && !isNull(rawTS) {
		ts, err := parseNumber(rawTS)
		if err != nil {
			return models.Reading{}, malformed("ts", err)
		}
		if ts >= math.MaxInt64 || ts < math.MinInt64 {
			return models.Reading{}, malformed("ts", fmt.Errorf("out of range"))
		}
		r.TS = int64(ts)
	}

	return r, nil
}

// Encode сериализует Reading в формат датаграммы
func Encode(r models.Reading) ([]byte, error) {
	if !isFinite(r.Value) {
		return nil, fmt.Errorf("encode: value is not finite")
	}
	return json.Marshal(r)
}

// optionalString возвращает строковое поле; null трактуется как отсутствие
func optionalString(fields map[string]json.RawMessage, key string) (string, bool, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, fmt.Errorf("expected string")
	}
	return s, true, nil
}

// parseNumber принимает JSON число или строку с числом
func parseNumber(raw json.RawMessage) (float64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("not a number")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(n.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", n.String())
	}
	if !isFinite(v) {
		return 0, fmt.Errorf("not finite")
	}
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Truncate обрезает payload для логов
func Truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
