package models

import (
	"encoding/json"
	"fmt"
)

// GenericCommandState is the parsed form of a command message's JSON
// payload on "te/.../cmd/<op>/<cmd_id>": the status is lifted out into
// its own field, and the rest is kept as an opaque extension map so
// workflow scripts and user-defined statuses pass through untouched.
// Grounded on crates/core/tedge_api/src/workflow/state.rs.
type GenericCommandState struct {
	Topic   string
	Status  string
	Payload map[string]any
}

// ErrMissingStatus is returned when a command payload has no "status" key.
var ErrMissingStatus = fmt.Errorf("command payload is missing a \"status\" property")

// ParseGenericCommandState extracts a GenericCommandState from a raw
// command message payload. An empty payload (the clearing message) is
// not valid JSON and yields an error; callers treat it as "no command
// state" before calling this function.
func ParseGenericCommandState(topic string, payload []byte) (GenericCommandState, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return GenericCommandState{}, fmt.Errorf("command payload on %s is not a JSON object: %w", topic, err)
	}
	status, ok := obj["status"].(string)
	if !ok {
		return GenericCommandState{}, ErrMissingStatus
	}
	return GenericCommandState{Topic: topic, Status: status, Payload: obj}, nil
}

// ToJSON re-serializes the command state, writing Status back into the
// payload's "status" key first.
func (c GenericCommandState) ToJSON() ([]byte, error) {
	payload := make(map[string]any, len(c.Payload)+1)
	for k, v := range c.Payload {
		payload[k] = v
	}
	payload["status"] = c.Status
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal command state for %s: %w", c.Topic, err)
	}
	return data, nil
}

// MoveTo returns a copy of the command state advanced to a new status.
func (c GenericCommandState) MoveTo(status string) GenericCommandState {
	c.Status = status
	c.Payload = cloneProps(c.Payload)
	c.Payload["status"] = status
	return c
}

// FailWith returns a copy of the command state moved to "failed" with a
// "reason" property set.
func (c GenericCommandState) FailWith(reason string) GenericCommandState {
	c.Status = string(StatusFailed)
	c.Payload = cloneProps(c.Payload)
	c.Payload["status"] = string(StatusFailed)
	c.Payload["reason"] = reason
	return c
}

// UpdateFromJSON merges extra into the command state's payload (new keys
// extend, existing keys are replaced), then re-derives Status from the
// merged payload's "status" property. If that property is now missing,
// the command fails with "Unknown status" exactly as the reference
// implementation does.
func (c GenericCommandState) UpdateFromJSON(extra map[string]any) GenericCommandState {
	merged := cloneProps(c.Payload)
	for k, v := range extra {
		merged[k] = v
	}
	c.Payload = merged
	if status, ok := merged["status"].(string); ok {
		c.Status = status
		return c
	}
	return c.FailWith("Unknown status")
}

// Reason returns the "reason" property of the payload, if any.
func (c GenericCommandState) Reason() string {
	if v, ok := c.Payload["reason"].(string); ok {
		return v
	}
	return ""
}

func cloneProps(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ValidTransition reports whether moving from "from" to "to" is allowed
// by the DAG in spec.md §4.F: init -> (scheduled ->)? executing ->
// (successful | failed). Transitions to a user-defined status are always
// permitted from "executing" (workflow-defined states take over from
// there); terminal statuses never transition further.
func ValidTransition(from, to CommandStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StatusInit:
		return to == StatusScheduled || to == StatusExecuting
	case StatusScheduled:
		return to == StatusExecuting
	case StatusExecuting:
		return true
	case "":
		return to == StatusInit
	default:
		// A user-defined workflow state: any forward transition is left to
		// the workflow supervisor to validate against its own state graph;
		// here we only reject moving backwards into "init".
		return to != StatusInit
	}
}
