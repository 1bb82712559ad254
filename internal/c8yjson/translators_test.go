package c8yjson_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedge-bridge/cloud-mapper/internal/c8yjson"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

var fixedTime = time.Date(2021, 4, 8, 0, 0, 0, 0, time.UTC)

func TestMeasurementToC8ySingleValue(t *testing.T) {
	payload := map[string]any{
		"temperature": 23.0,
		"pressure":    220.0,
	}
	out, err := c8yjson.MeasurementToC8y(payload, "", "main-device", true, nil, fixedTime)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "ThinEdgeMeasurement", got["type"])
	assert.Equal(t, map[string]any{"temperature": map[string]any{"value": 23.0}}, got["temperature"])
	assert.Equal(t, map[string]any{"pressure": map[string]any{"value": 220.0}}, got["pressure"])
	assert.NotContains(t, got, "externalSource")
}

func TestMeasurementToC8yGroupedValues(t *testing.T) {
	payload := map[string]any{
		"temperature": 25.0,
		"location": map[string]any{
			"latitude":  32.54,
			"longitude": -117.67,
			"altitude":  98.6,
		},
		"pressure": 98.0,
	}
	out, err := c8yjson.MeasurementToC8y(payload, "", "main-device", true, nil, fixedTime)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	location := got["location"].(map[string]any)
	assert.Equal(t, map[string]any{"value": 32.54}, location["latitude"])
	assert.Equal(t, map[string]any{"value": -117.67}, location["longitude"])
	assert.Equal(t, map[string]any{"value": 98.6}, location["altitude"])
}

func TestMeasurementToC8yCustomType(t *testing.T) {
	payload := map[string]any{"type": "CustomType", "temperature": 23.0}
	out, err := c8yjson.MeasurementToC8y(payload, "", "main-device", true, nil, fixedTime)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "CustomType", got["type"])
}

func TestMeasurementToC8yExplicitTimestampPreserved(t *testing.T) {
	payload := map[string]any{"time": "2021-04-08T00:00:00Z", "temperature": 23.0}
	out, err := c8yjson.MeasurementToC8y(payload, "", "main-device", true, nil, fixedTime.Add(time.Hour))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "2021-04-08T00:00:00Z", got["time"])
}

func TestMeasurementToC8yChildDeviceGetsExternalSource(t *testing.T) {
	payload := map[string]any{"temperature": 23.0}
	out, err := c8yjson.MeasurementToC8y(payload, "", "child-device-xid", false, nil, fixedTime)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, map[string]any{
		"externalId": "child-device-xid",
		"type":       "c8y_Serial",
	}, got["externalSource"])
}

func TestParseUnitsMetadataFlattensGroups(t *testing.T) {
	meta := []byte(`{
		"Climate": {
			"Temperature": {"unit": "°C"},
			"Humidity": {"unit": "%RH"}
		},
		"Pressure": {"unit": "hPa"}
	}`)
	units, err := c8yjson.ParseUnitsMetadata(meta)
	require.NoError(t, err)
	assert.Equal(t, "°C", units["Climate.Temperature"])
	assert.Equal(t, "%RH", units["Climate.Humidity"])
	assert.Equal(t, "hPa", units["Pressure"])
}

func TestMeasurementToC8yAttachesUnitsFromMetadata(t *testing.T) {
	units := c8yjson.Units{"Climate.Temperature": "°C"}
	payload := map[string]any{
		"Climate": map[string]any{"Temperature": 21.5},
	}
	out, err := c8yjson.MeasurementToC8y(payload, "", "main-device", true, units, fixedTime)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	climate := got["Climate"].(map[string]any)
	assert.Equal(t, map[string]any{"value": 21.5, "unit": "°C"}, climate["Temperature"])
}

func TestEventToC8yUsesPayloadTextAndTime(t *testing.T) {
	payload := map[string]any{"text": "login failed", "time": "2021-04-08T00:00:00Z", "severity": "ignored-key"}
	out, err := c8yjson.EventToC8y(payload, "login_event", "main-device", fixedTime)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "login_event", got["type"])
	assert.Equal(t, "login failed", got["text"])
	assert.Equal(t, "2021-04-08T00:00:00Z", got["time"])
	assert.Equal(t, "ignored-key", got["severity"])
}

func TestAlarmToC8yDefaultsTextToType(t *testing.T) {
	out, err := c8yjson.AlarmToC8y(map[string]any{}, "temperature_high", "main-device", "critical", fixedTime)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "temperature_high", got["text"])
	assert.Equal(t, "critical", got["severity"])
}

func TestTwinFragmentToC8yWrapsValueUnderKey(t *testing.T) {
	out, err := c8yjson.TwinFragmentToC8y("customFragment", map[string]any{"foo": "bar"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"customFragment":{"foo":"bar"}}`, string(out))
}

func TestParseDeviceControlRequestSoftwareUpdate(t *testing.T) {
	body := []byte(`{
		"id": "123456",
		"c8y_SoftwareUpdate": [
			{"name": "nodered", "action": "install", "version": "1.0.0::debian", "url": ""}
		],
		"externalSource": {"externalId": "test-device", "type": "c8y_Serial"}
	}`)
	req, ok, err := c8yjson.ParseDeviceControlRequest(body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "123456", req.C8yOperationID)
	assert.Equal(t, models.OpSoftwareUpdate, req.Operation)
	assert.Equal(t, models.EntityExternalId("test-device"), req.ExternalID)
	assert.Contains(t, string(req.Fragment), "nodered")
}

func TestParseDeviceControlRequestUnknownOperationIgnored(t *testing.T) {
	body := []byte(`{"id": "1", "c8y_SomeFutureOp": {}}`)
	_, ok, err := c8yjson.ParseDeviceControlRequest(body)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOperationNameRoundTrip(t *testing.T) {
	for op, name := range map[models.OperationType]string{
		models.OpSoftwareUpdate: "c8y_SoftwareUpdate",
		models.OpRestart:        "c8y_Restart",
	} {
		assert.Equal(t, name, c8yjson.ToC8yName(op))
		got, ok := c8yjson.FromC8yName(name)
		require.True(t, ok)
		assert.Equal(t, op, got)
	}
}
