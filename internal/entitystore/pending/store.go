// Package pending implements the staging area described in spec.md
// §4.B: early data messages and out-of-order child registrations that
// arrive before the entity they belong to, grounded directly on
// crates/core/tedge_api/src/store/pending_entity_store.rs.
package pending

import (
	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/metrics"
	"github.com/tedge-bridge/cloud-mapper/internal/ringbuffer"
	"github.com/tedge-bridge/cloud-mapper/internal/topicscheme"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// entityCache buffers everything known about one not-yet-registered entity:
// an optional pending registration (for children awaiting a parent) and
// an unbounded vector of non-telemetry metadata messages.
type entityCache struct {
	reg      *models.Registration
	metadata []models.MqttMessage
}

// RegisteredEntityData is what's returned once an entity's registration
// completes: the registration itself plus any buffered messages.
type RegisteredEntityData struct {
	Registration models.Registration
	DataMessages []models.MqttMessage
}

// Store is the pending-entity staging area.
type Store struct {
	schema   topicscheme.Schema
	orphans  map[string][]models.EntityTopicId // parent tid string -> children
	entities map[string]*entityCache           // tid string -> cache
	telemetry *ringbuffer.RingBuffer[models.MqttMessage]
}

// New creates a pending store with the given telemetry ring buffer capacity.
func New(schema topicscheme.Schema, telemetryCacheSize int) *Store {
	return &Store{
		schema:    schema,
		orphans:   make(map[string][]models.EntityTopicId),
		entities:  make(map[string]*entityCache),
		telemetry: ringbuffer.New[models.MqttMessage](telemetryCacheSize),
	}
}

// CacheEarlyData classifies an inbound message's channel and buffers it:
// telemetry (measurement/event/alarm) goes into the bounded ring, all
// other cacheable channel kinds into the owning entity's metadata vector.
func (s *Store) CacheEarlyData(msg models.MqttMessage) {
	tid, channel, err := s.schema.EntityChannelOf(msg.Topic)
	if err != nil {
		log.Error().Err(err).Str("topic", msg.Topic).Msg("ignoring message that does not conform to the expected MQTT schema")
		return
	}
	if !channel.IsCacheable() {
		return
	}
	if channel.IsTelemetry() {
		if evicted := s.telemetry.Push(msg); evicted {
			metrics.PendingTelemetryDropped.Inc()
		}
		return
	}
	entity := s.entityFor(tid)
	entity.metadata = append(entity.metadata, msg)
}

// CacheEarlyRegistration indexes a child registration under its declared
// parent, so it can be replayed once that parent registers.
func (s *Store) CacheEarlyRegistration(reg models.Registration) {
	if reg.Parent == nil {
		log.Error().Str("topic_id", reg.TopicID.String()).Msg("cannot cache a registration with no declared parent")
		return
	}
	parentKey := reg.Parent.String()
	s.orphans[parentKey] = append(s.orphans[parentKey], reg.TopicID)

	entity := s.entityFor(reg.TopicID)
	entity.reg = &reg
}

// TakeCachedEntityData removes and returns all buffered messages for the
// freshly-registered entity reg, with metadata preceding telemetry.
func (s *Store) TakeCachedEntityData(reg models.Registration) RegisteredEntityData {
	key := reg.TopicID.String()
	var pending []models.MqttMessage
	if cached, ok := s.entities[key]; ok {
		pending = append(pending, cached.metadata...)
		delete(s.entities, key)
	}
	pending = append(pending, s.takeCachedTelemetryData(reg.TopicID)...)
	return RegisteredEntityData{Registration: reg, DataMessages: pending}
}

// TakeCachedChildEntitiesData depth-first removes the transitive closure
// of pending descendants of entityTid, in parent-before-child order.
func (s *Store) TakeCachedChildEntitiesData(entityTid models.EntityTopicId) []RegisteredEntityData {
	var result []RegisteredEntityData
	directChildren, ok := s.orphans[entityTid.String()]
	if !ok {
		return nil
	}
	delete(s.orphans, entityTid.String())

	for _, child := range directChildren {
		cached, ok := s.entities[child.String()]
		if !ok || cached.reg == nil {
			continue
		}
		delete(s.entities, child.String())
		data := RegisteredEntityData{
			Registration: *cached.reg,
			DataMessages: append(append([]models.MqttMessage{}, cached.metadata...), s.takeCachedTelemetryData(child)...),
		}
		result = append(result, data)
		result = append(result, s.TakeCachedChildEntitiesData(child)...)
	}
	return result
}

func (s *Store) takeCachedTelemetryData(entityTid models.EntityTopicId) []models.MqttMessage {
	var matched []models.MqttMessage
	for _, msg := range s.telemetry.Take() {
		tid, _, err := s.schema.EntityChannelOf(msg.Topic)
		if err == nil && tid.Equal(entityTid) {
			matched = append(matched, msg)
		} else {
			s.telemetry.PushBack(msg)
		}
	}
	return matched
}

func (s *Store) entityFor(tid models.EntityTopicId) *entityCache {
	key := tid.String()
	e, ok := s.entities[key]
	if !ok {
		e = &entityCache{}
		s.entities[key] = e
	}
	return e
}
