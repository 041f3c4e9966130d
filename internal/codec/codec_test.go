package codec

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-ingest/internal/models"
)

func TestDecode_Defaults(t *testing.T) {
	r, err := Decode([]byte(`{"type":"temperature","value":25.0}`))
	require.NoError(t, err)

	assert.Equal(t, models.SensorTemperature, r.Type)
	assert.Equal(t, 25.0, r.Value)
	assert.Equal(t, "unknown", r.DeviceID)
	assert.Equal(t, "", r.Unit)
	assert.Equal(t, int64(0), r.TS)
}

func TestDecode_TrailingWhitespaceAllowed(t *testing.T) {
	r, err := Decode([]byte("{\"type\":\"power\",\"value\":300}\r\n  "))
	require.NoError(t, err)
	assert.Equal(t, 300.0, r.Value)
}

func TestDecode_AllFields(t *testing.T) {
	r, err := Decode([]byte(`{"type":"power","value":612.5,"device_id":"plug-1","unit":"W","ts":1700000000}`))
	require.NoError(t, err)

	assert.Equal(t, models.Reading{
		DeviceID: "plug-1",
		Type:     models.SensorPower,
		Value:    612.5,
		Unit:     "W",
		TS:       1700000000,
	}, r)
}

func TestDecode_NumericStrings(t *testing.T) {
	r, err := Decode([]byte(`{"type":"temperature","value":"25.5","ts":"1700000000"}`))
	require.NoError(t, err)
	assert.Equal(t, 25.5, r.Value)
	assert.Equal(t, int64(1700000000), r.TS)
}

func TestDecode_EmptyDeviceIDDefaults(t *testing.T) {
	r, err := Decode([]byte(`{"type":"temperature","value":1,"device_id":""}`))
	require.NoError(t, err)
	assert.Equal(t, models.DefaultDeviceID, r.DeviceID)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    ErrorKind
		field   string
	}{
		{"not json", `hello`, Malformed, ""},
		{"truncated", `{"type":"temperature"`, Malformed, ""},
		{"array", `[1,2,3]`, Malformed, ""},
		{"null", `null`, Malformed, ""},
		{"trailing garbage", `{"type":"power","value":1} x`, Malformed, ""},
		{"trailing closing bracket", `{"type":"power","value":1}]`, Malformed, ""},
		{"trailing closing brace", `{"type":"power","value":1}}`, Malformed, ""},
		{"second object", `{"type":"power","value":1}{"type":"power","value":2}`, Malformed, ""},
		{"missing value", `{"type": "temperature"}`, MissingField, "value"},
		{"missing type", `{"value": 1}`, MissingField, "type"},
		{"empty type", `{"type":"  ","value":1}`, MissingField, "type"},
		{"null value", `{"type":"power","value":null}`, MissingField, "value"},
		{"bool value", `{"type":"power","value":true}`, MissingField, "value"},
		{"text value", `{"type":"power","value":"high"}`, MissingField, "value"},
		{"nan value", `{"type":"power","value":"NaN"}`, MissingField, "value"},
		{"numeric type", `{"type":5,"value":1}`, Malformed, "type"},
		{"numeric device", `{"type":"power","value":1,"device_id":7}`, Malformed, "device_id"},
		{"bad ts", `{"type":"power","value":1,"ts":"yesterday"}`, Malformed, "ts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			require.Error(t, err)

			var de *DecodeError
			require.True(t, errors.As(err, &de), "expected *DecodeError, got %T", err)
			assert.Equal(t, tt.kind, de.Kind)
			assert.Equal(t, tt.field, de.Field)
		})
	}
}

func TestDecode_TooLarge(t *testing.T) {
	payload := `{"type":"power","value":1,"unit":"` + strings.Repeat("W", MaxDatagramSize) + `"}`
	_, err := Decode([]byte(payload))

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Malformed, de.Kind)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	readings := []models.Reading{
		{DeviceID: "d1", Type: models.SensorTemperature, Value: 21.75, Unit: "C", TS: 1700000123},
		{DeviceID: "meter", Type: models.SensorPower, Value: 0, Unit: "W", TS: 1},
		{DeviceID: "hum-3", Type: "humidity", Value: -3.5e-3, Unit: "%", TS: 42},
	}

	for _, want := range readings {
		raw, err := Encode(want)
		require.NoError(t, err)

		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate([]byte("abc"), 5))
	assert.Equal(t, "ab…", Truncate([]byte("abcdef"), 2))
}
