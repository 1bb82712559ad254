package c8yjson

import (
	"encoding/json"
	"fmt"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// DeviceControlRequest is a single cloud-initiated operation delivered
// as JSON-over-MQTT on "c8y/devicecontrol/notifications", per
// c8y_mapper_ext/src/operations/handlers/software_update.rs's test
// fixtures. ExternalID is empty when the request targets the main
// device (no externalSource fragment).
type DeviceControlRequest struct {
	C8yOperationID string
	Operation      models.OperationType
	ExternalID     models.EntityExternalId
	Fragment       json.RawMessage
}

// ParseDeviceControlRequest decodes one devicecontrol notification,
// identifying the single recognized "c8y_*" operation fragment it
// carries. Requests naming an operation this mapper doesn't support
// are reported via ok=false rather than an error, so callers can
// silently ignore them the way the reference mapper does for
// unregistered operation names.
func ParseDeviceControlRequest(payload []byte) (DeviceControlRequest, bool, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return DeviceControlRequest{}, false, fmt.Errorf("parse devicecontrol request: %w", err)
	}

	var req DeviceControlRequest
	if id, ok := raw["id"]; ok {
		if err := json.Unmarshal(id, &req.C8yOperationID); err != nil {
			return DeviceControlRequest{}, false, fmt.Errorf("parse devicecontrol request id: %w", err)
		}
	}

	if src, ok := raw["externalSource"]; ok {
		var external struct {
			ExternalID string `json:"externalId"`
		}
		if err := json.Unmarshal(src, &external); err != nil {
			return DeviceControlRequest{}, false, fmt.Errorf("parse devicecontrol request externalSource: %w", err)
		}
		req.ExternalID = models.EntityExternalId(external.ExternalID)
	}

	for key, value := range raw {
		if key == "id" || key == "externalSource" {
			continue
		}
		op, ok := FromC8yName(key)
		if !ok {
			continue
		}
		req.Operation = op
		req.Fragment = value
		return req, true, nil
	}
	return DeviceControlRequest{}, false, nil
}
