package c8yjson

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// EventToC8y translates a thin-edge event payload (received on an
// "e/<type>" channel) into the Cumulocity JSON event creation body that
// the mapper publishes over MQTT on "<prefix>/event/events/<externalId>", mirroring the
// ThinEdgeEvent shape in tedge_api/src/event.rs: "text" and "time" are
// promoted to top-level fields, every other payload key passes through
// as a custom fragment.
func EventToC8y(payload map[string]any, eventType string, xid models.EntityExternalId, receivedAt time.Time) ([]byte, error) {
	out := map[string]any{
		"type":       eventType,
		"source":     map[string]any{"id": string(xid)},
		"text":       eventType,
		"externalId": string(xid),
	}

	if text, ok := payload["text"].(string); ok && text != "" {
		out["text"] = text
	}
	if ts, ok := payload["time"].(string); ok && ts != "" {
		out["time"] = ts
	} else {
		out["time"] = receivedAt.UTC().Format(time.RFC3339Nano)
	}
	for key, value := range payload {
		if key == "text" || key == "time" {
			continue
		}
		out[key] = value
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal c8y event: %w", err)
	}
	return data, nil
}

// AlarmToC8y translates a thin-edge alarm payload (received on an
// "a/<type>" channel) into the Cumulocity JSON alarm creation request
// body, keeping "text"/"time"/"severity" as top-level fields and
// passing the rest through as custom fragments.
func AlarmToC8y(payload map[string]any, alarmType string, xid models.EntityExternalId, severity string, receivedAt time.Time) ([]byte, error) {
	out := map[string]any{
		"type":       alarmType,
		"source":     map[string]any{"id": string(xid)},
		"text":       alarmType,
		"severity":   severity,
		"externalId": string(xid),
	}
	if text, ok := payload["text"].(string); ok && text != "" {
		out["text"] = text
	}
	if ts, ok := payload["time"].(string); ok && ts != "" {
		out["time"] = ts
	} else {
		out["time"] = receivedAt.UTC().Format(time.RFC3339Nano)
	}
	for key, value := range payload {
		if key == "text" || key == "time" || key == "severity" {
			continue
		}
		out[key] = value
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal c8y alarm: %w", err)
	}
	return data, nil
}
