// Package c8yjson translates between the normalized local thin-edge
// message shapes (measurements, events, twin fragments, device-control
// requests) and Cumulocity's JSON-over-MQTT / HTTPS representations, per
// spec.md §4.G.2 and §6. Grounded on
// crates/extensions/c8y_mapper_ext/src/json.rs and the JSON
// device-control deserializer referenced by
// crates/extensions/c8y_mapper_ext/src/operations/handlers/software_update.rs's
// C8yDeviceControlTopic tests.
package c8yjson

import "github.com/tedge-bridge/cloud-mapper/pkg/models"

// c8yOperationNames pairs every operation type the mapper knows about
// with its cloud-facing "c8y_*" operation name, used both for SmartREST
// executing/successful/failed records and for parsing cloud-initiated
// JSON device-control requests.
var c8yOperationNames = map[models.OperationType]string{
	models.OpSoftwareUpdate: "c8y_SoftwareUpdate",
	models.OpSoftwareList:   "c8y_SoftwareList",
	models.OpConfigSnapshot: "c8y_UploadConfigFile",
	models.OpConfigUpdate:   "c8y_DownloadConfigFile",
	models.OpLogUpload:      "c8y_LogfileRequest",
	models.OpFirmwareUpdate: "c8y_Firmware",
	models.OpRestart:        "c8y_Restart",
}

// ToC8yName maps an internal operation type to its cloud-facing name.
func ToC8yName(op models.OperationType) string {
	if name, ok := c8yOperationNames[op]; ok {
		return name
	}
	return string(op)
}

// FromC8yName maps a cloud-facing operation name back to the internal
// operation type, reporting false if the name is not recognized.
func FromC8yName(name string) (models.OperationType, bool) {
	for op, n := range c8yOperationNames {
		if n == name {
			return op, true
		}
	}
	return "", false
}

// SupportedOperationNames returns every recognized cloud-facing
// operation name, used to render the 114 "supported operations" record.
func SupportedOperationNames() []string {
	names := make([]string, 0, len(c8yOperationNames))
	for _, n := range c8yOperationNames {
		names = append(names, n)
	}
	return names
}
