package c8yjson

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// Units holds per-measurement-name unit strings, keyed exactly as they
// appear in the measurement payload (flat key, or "group.key" for
// grouped measurements), sourced from the latest MeasurementMetadata
// message received for a measurement type.
type Units map[string]string

// ParseUnitsMetadata turns a "m/<type>/meta" payload (a JSON object
// mapping measurement names to {"unit": "..."} or nested groups of the
// same) into a flat Units lookup.
func ParseUnitsMetadata(payload []byte) (Units, error) {
	if len(payload) == 0 {
		return Units{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse measurement metadata: %w", err)
	}
	units := Units{}
	flattenUnits("", raw, units)
	return units, nil
}

func flattenUnits(prefix string, raw map[string]any, out Units) {
	for key, v := range raw {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if unit, ok := obj["unit"].(string); ok {
			out[flatKey(prefix, key)] = unit
			continue
		}
		flattenUnits(flatKey(prefix, key), obj, out)
	}
}

func flatKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// MeasurementToC8y translates a thin-edge measurement payload into the
// Cumulocity JSON measurement envelope published on
// "measurement/measurements/create" (or attached to an MQTT batch),
// enriched with externalSource for non-main entities and units sourced
// from the measurement-metadata message for mType, if any.
func MeasurementToC8y(payload map[string]any, mType string, xid models.EntityExternalId, isMainDevice bool, units Units, receivedAt time.Time) ([]byte, error) {
	out := map[string]any{}

	if ts, ok := payload["time"].(string); ok && ts != "" {
		out["time"] = ts
	} else {
		out["time"] = receivedAt.UTC().Format(time.RFC3339Nano)
	}

	if typ, ok := payload["type"].(string); ok && typ != "" {
		out["type"] = typ
	} else if mType != "" {
		out["type"] = mType
	} else {
		out["type"] = "ThinEdgeMeasurement"
	}

	if !isMainDevice {
		out["externalSource"] = map[string]any{
			"externalId": string(xid),
			"type":       "c8y_Serial",
		}
	}

	for key, value := range payload {
		if key == "time" || key == "type" {
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			group := make(map[string]any, len(v))
			for subKey, subValue := range v {
				group[subKey] = fragmentValue(subValue, units, key+"."+subKey)
			}
			out[key] = group
		default:
			out[key] = map[string]any{key: fragmentValue(value, units, key)}
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal c8y measurement envelope: %w", err)
	}
	return data, nil
}

func fragmentValue(value any, units Units, unitKey string) map[string]any {
	fragment := map[string]any{"value": value}
	if unit, ok := units[unitKey]; ok && unit != "" {
		fragment["unit"] = unit
	}
	return fragment
}
