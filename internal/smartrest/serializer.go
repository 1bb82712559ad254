// Package smartrest encodes and decodes Cumulocity's SmartREST CSV-line
// wire protocol (spec.md §6): template-id-prefixed comma-separated
// records such as "501,c8y_SoftwareUpdate" (operation executing) or
// "114,c8y_SoftwareUpdate,c8y_LogfileRequest" (supported operations).
// Grounded on
// crates/core/c8y_smartrest/src/smartrest_serializer.rs, translated from
// serde's CSV writer to stdlib encoding/csv — no third-party CSV library
// appears anywhere in the retrieved corpus, so this is a deliberate
// standard-library exception (see DESIGN.md).
package smartrest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// Record is one SmartREST line: a template id plus its ordered fields.
type Record struct {
	TemplateID string
	Fields     []string
}

// Encode renders a single Record as a trailing-newline-terminated
// SmartREST CSV line, quoting fields that contain commas or quotes.
func Encode(rec Record) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = false
	row := append([]string{rec.TemplateID}, rec.Fields...)
	if err := w.Write(row); err != nil {
		return "", fmt.Errorf("encode smartrest record %s: %w", rec.TemplateID, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush smartrest record %s: %w", rec.TemplateID, err)
	}
	return buf.String(), nil
}

// Parse decodes a single SmartREST CSV line into a Record.
func Parse(line string) (Record, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return Record{}, fmt.Errorf("parse smartrest line %q: %w", line, err)
	}
	if len(fields) == 0 {
		return Record{}, fmt.Errorf("parse smartrest line %q: empty record", line)
	}
	return Record{TemplateID: fields[0], Fields: fields[1:]}, nil
}

// Uplink template ids the mapper emits.
const (
	TemplateSupportedOperations   = "114"
	TemplateGetPendingOperations  = "500"
	TemplateOperationExecuting    = "501"
	TemplateOperationFailed       = "502"
	TemplateOperationSuccessful   = "503"
	TemplateSoftwareList          = "118"
	TemplateFirmwareOperation     = "119"
	TemplateConfigSnapshotRequest = "117"
	TemplateLogfileRequest        = "117"
	TemplateServiceStatus         = "102"
	TemplateSetInterval           = "117"
	TemplateCreateChildDevice     = "101"
)

// SupportedOperations renders the 114 record advertising every cloud
// operation name the mapper is willing to run.
func SupportedOperations(operations []string) (string, error) {
	return Encode(Record{TemplateID: TemplateSupportedOperations, Fields: operations})
}

// GetPendingOperations renders the bare 500 request.
func GetPendingOperations() (string, error) {
	return Encode(Record{TemplateID: TemplateGetPendingOperations})
}

// OperationExecuting renders "501,<op>".
func OperationExecuting(operation string) (string, error) {
	return Encode(Record{TemplateID: TemplateOperationExecuting, Fields: []string{operation}})
}

// OperationSuccessful renders "503,<op>[,<result>]".
func OperationSuccessful(operation string, result string) (string, error) {
	fields := []string{operation}
	if result != "" {
		fields = append(fields, result)
	}
	return Encode(Record{TemplateID: TemplateOperationSuccessful, Fields: fields})
}

// OperationFailed renders "502,<op>,<reason>".
func OperationFailed(operation, reason string) (string, error) {
	return Encode(Record{TemplateID: TemplateOperationFailed, Fields: []string{operation, reason}})
}

// SoftwareList renders "118,<name>,<version>,<url>,..." triples.
func SoftwareList(entries []SoftwareModule) (string, error) {
	fields := make([]string, 0, len(entries)*3)
	for _, e := range entries {
		fields = append(fields, e.Name, e.Version, e.URL)
	}
	return Encode(Record{TemplateID: TemplateSoftwareList, Fields: fields})
}

// SoftwareModule is one entry of a 118 software list record.
type SoftwareModule struct {
	Name    string
	Version string
	URL     string
}

// AlarmSeverityCode maps a thin-edge alarm severity to its SmartREST
// template id (301/302/303/304 critical/major/minor/warning creation
// records).
func AlarmSeverityCode(severity string) (string, error) {
	switch strings.ToLower(severity) {
	case "critical":
		return "301", nil
	case "major":
		return "302", nil
	case "minor":
		return "303", nil
	case "warning":
		return "304", nil
	default:
		return "", fmt.Errorf("unknown alarm severity %q", severity)
	}
}

// ServiceStatus renders "102,<status>" for a service's health update.
func ServiceStatus(status string) (string, error) {
	return Encode(Record{TemplateID: TemplateServiceStatus, Fields: []string{status}})
}

// SetInterval renders "117,<minutes>" advertising a service's
// availability-monitoring interval; 0 disables the timer.
func SetInterval(minutes int) (string, error) {
	return Encode(Record{TemplateID: TemplateSetInterval, Fields: []string{fmt.Sprint(minutes)}})
}

// ChildDeviceCreation renders "101,<childID>,<name>,<type>" registering a
// child device with the bridge (used only when the mapper needs to
// register a child ahead of any other uplink referencing it).
func ChildDeviceCreation(childID, name, deviceType string) (string, error) {
	return Encode(Record{TemplateID: TemplateCreateChildDevice, Fields: []string{childID, name, deviceType}})
}
