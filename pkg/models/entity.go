// Package models holds the data types shared across the cloud-mapper
// subsystem: the topic-addressed entity model (§3 of the mapper design),
// command/workflow state, and the cloud-facing operation vocabulary.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EntityType identifies what kind of thing an EntityTopicId addresses.
type EntityType string

const (
	MainDevice  EntityType = "device"
	ChildDevice EntityType = "child-device"
	Service     EntityType = "service"
)

// EntityTopicId is the four-segment hierarchical address of an entity:
// device/<id>/service/<id>. Equality is lexical.
type EntityTopicId struct {
	segments [4]string
}

// NewEntityTopicId parses "a/b/c/d" into an EntityTopicId.
func NewEntityTopicId(topic string) (EntityTopicId, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return EntityTopicId{}, fmt.Errorf("entity topic id %q must have exactly 4 segments", topic)
	}
	var tid EntityTopicId
	copy(tid.segments[:], parts)
	return tid, nil
}

// DefaultMainDevice returns the reserved "device/main//" address.
func DefaultMainDevice() EntityTopicId {
	return EntityTopicId{segments: [4]string{"device", "main", "", ""}}
}

// DefaultChildDevice returns "device/<id>//".
func DefaultChildDevice(id string) (EntityTopicId, error) {
	if id == "" {
		return EntityTopicId{}, fmt.Errorf("child device id must not be empty")
	}
	return EntityTopicId{segments: [4]string{"device", id, "", ""}}, nil
}

// DefaultService returns "device/<deviceID>/service/<svcID>".
func DefaultService(deviceID, svcID string) (EntityTopicId, error) {
	if deviceID == "" || svcID == "" {
		return EntityTopicId{}, fmt.Errorf("device id and service id must not be empty")
	}
	return EntityTopicId{segments: [4]string{"device", deviceID, "service", svcID}}, nil
}

func (t EntityTopicId) String() string {
	return strings.Join(t.segments[:], "/")
}

// Equal compares two topic ids lexically.
func (t EntityTopicId) Equal(other EntityTopicId) bool {
	return t.segments == other.segments
}

// IsDefaultMainDevice reports whether this is the "device/main//" address.
func (t EntityTopicId) IsDefaultMainDevice() bool {
	return t.Equal(DefaultMainDevice())
}

// IsDefaultChildDevice reports whether this matches "device/<id>//".
func (t EntityTopicId) IsDefaultChildDevice() bool {
	return t.segments[0] == "device" && t.segments[1] != "" && t.segments[2] == "" && t.segments[3] == ""
}

// IsDefaultService reports whether this matches "device/<id>/service/<id>".
func (t EntityTopicId) IsDefaultService() bool {
	return t.segments[0] == "device" && t.segments[1] != "" && t.segments[2] == "service" && t.segments[3] != ""
}

// DefaultParent derives the structural parent per the default topic scheme:
// a service's default parent is the device sharing its first two segments.
// Devices outside the default scheme have no structurally-derivable parent.
func (t EntityTopicId) DefaultParent() (EntityTopicId, bool) {
	if t.IsDefaultService() {
		return EntityTopicId{segments: [4]string{t.segments[0], t.segments[1], "", ""}}, true
	}
	return EntityTopicId{}, false
}

// DeviceID returns the second topic segment, used to derive default names.
func (t EntityTopicId) DeviceID() string { return t.segments[1] }

// ServiceID returns the fourth topic segment (empty unless IsDefaultService).
func (t EntityTopicId) ServiceID() string { return t.segments[3] }

// Segments exposes the raw four segments, mostly for external-id derivation.
func (t EntityTopicId) Segments() [4]string { return t.segments }

// EntityExternalId is the cloud-visible identifier for an entity. The
// mapping external_id <-> topic_id is bijective once registered.
type EntityExternalId string

func (e EntityExternalId) String() string { return string(e) }

// EntityMetadata describes a registered entity and its mutable twin data.
type EntityMetadata struct {
	TopicID    EntityTopicId
	ExternalID EntityExternalId
	Type       EntityType
	Parent     *EntityTopicId
	Health     string // optional @health pointer to a service topic id, as a string
	Twin       map[string]any
}

// MainDeviceMetadata builds the single MainDevice entity's metadata.
func MainDeviceMetadata(xid EntityExternalId) EntityMetadata {
	return EntityMetadata{
		TopicID:    DefaultMainDevice(),
		ExternalID: xid,
		Type:       MainDevice,
		Parent:     nil,
		Twin:       map[string]any{},
	}
}

// Registration is the payload of an entity registration message
// (retained JSON on "te/<a>/<b>/<c>/<d>"): {@type, @id?, @parent?, @health?}.
type Registration struct {
	TopicID    EntityTopicId
	Type       EntityType
	ExternalID string // optional explicit @id
	Parent     *EntityTopicId
	Health     string
}

// ParseRegistration decodes a registration message's retained JSON
// payload for tid. An empty payload is not a valid registration (it is
// the clearing message for a deleted entity); callers should check for
// that case before calling this.
func ParseRegistration(tid EntityTopicId, payload []byte) (Registration, error) {
	var raw struct {
		Type   string `json:"@type"`
		ID     string `json:"@id"`
		Parent string `json:"@parent"`
		Health string `json:"@health"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Registration{}, fmt.Errorf("registration payload on %s is not a JSON object: %w", tid, err)
	}
	if raw.Type == "" {
		return Registration{}, fmt.Errorf("registration payload on %s is missing \"@type\"", tid)
	}

	reg := Registration{
		TopicID:    tid,
		Type:       EntityType(raw.Type),
		ExternalID: raw.ID,
		Health:     raw.Health,
	}
	if raw.Parent != "" {
		parent, err := NewEntityTopicId(raw.Parent)
		if err != nil {
			return Registration{}, fmt.Errorf("registration payload on %s has an invalid \"@parent\": %w", tid, err)
		}
		reg.Parent = &parent
	}
	return reg, nil
}

// SynthesizeDefaultRegistration builds the registration an auto-register
// policy derives for an entity that was never explicitly registered, but
// whose topic id matches the default child-device or service scheme.
// Reports ok=false for a topic id outside both default schemes.
func SynthesizeDefaultRegistration(tid EntityTopicId) (Registration, bool) {
	switch {
	case tid.IsDefaultChildDevice():
		return Registration{TopicID: tid, Type: ChildDevice}, true
	case tid.IsDefaultService():
		parent, _ := tid.DefaultParent()
		return Registration{TopicID: tid, Type: Service, Parent: &parent}, true
	default:
		return Registration{}, false
	}
}
