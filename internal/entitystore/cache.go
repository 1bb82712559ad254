// Package entitystore implements the Entity Cache (spec.md §4.C): an
// in-memory, topic-id-addressed mirror of every entity registered on the
// local thin-edge bus, each entry paired with its cloud-facing external
// id. It composes the pending-entity store so out-of-order child
// registrations are replayed automatically once their parent appears.
// Grounded on crates/extensions/c8y_mapper_ext/src/entity_cache.rs.
package entitystore

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/entitystore/pending"
	"github.com/tedge-bridge/cloud-mapper/internal/topicscheme"
	"github.com/tedge-bridge/cloud-mapper/pkg/contracts"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// InsertOutcome reports how a registration affected the cache.
type InsertOutcome int

const (
	Unchanged InsertOutcome = iota
	Inserted
	Updated
)

// UnknownEntityError is returned by the Try* lookups.
type UnknownEntityError struct{ Ref string }

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("entity %q is not registered", e.Ref)
}

// NonDefaultTopicSchemeError is returned when a service registers with
// no parent and a topic id outside the default "device/x/service/y"
// scheme, so no parent can be inferred.
type NonDefaultTopicSchemeError struct{ TopicID models.EntityTopicId }

func (e *NonDefaultTopicSchemeError) Error() string {
	return fmt.Sprintf("entity %s does not match the default topic scheme and has no explicit parent", e.TopicID)
}

type cloudEntity struct {
	externalID models.EntityExternalId
	metadata   models.EntityMetadata
}

// Cache is the in-memory entity + external-id registry.
type Cache struct {
	mainDeviceTid models.EntityTopicId
	mainDeviceXid models.EntityExternalId

	mapExternalID ExternalIDMapperFunc
	validate      contracts.ExternalIDValidator

	entities      map[string]*cloudEntity
	externalIDMap map[models.EntityExternalId]models.EntityTopicId

	Pending *pending.Store
}

// ExternalIDMapperFunc matches contracts.ExternalIDMapper's shape but is
// declared locally so callers need not import contracts just to pass
// MapToExternalID.
type ExternalIDMapperFunc = contracts.ExternalIDMapper

// New builds a cache seeded with just the main device.
func New(schema topicscheme.Schema, mainDeviceTid models.EntityTopicId, mainDeviceXid models.EntityExternalId, mapper ExternalIDMapperFunc, validator contracts.ExternalIDValidator, telemetryCacheSize int) *Cache {
	c := &Cache{
		mainDeviceTid: mainDeviceTid,
		mainDeviceXid: mainDeviceXid,
		mapExternalID: mapper,
		validate:      validator,
		entities:      make(map[string]*cloudEntity),
		externalIDMap: make(map[models.EntityExternalId]models.EntityTopicId),
		Pending:       pending.New(schema, telemetryCacheSize),
	}
	c.entities[mainDeviceTid.String()] = &cloudEntity{
		externalID: mainDeviceXid,
		metadata:   models.MainDeviceMetadata(mainDeviceXid),
	}
	c.externalIDMap[mainDeviceXid] = mainDeviceTid
	return c
}

// RegisterEntity processes a registration message. If the entity's parent
// isn't registered yet, the registration is parked in the pending store
// and an empty slice is returned. Otherwise it's applied immediately and
// any descendants staged in the pending store are replayed, parent
// before child.
func (c *Cache) RegisterEntity(reg models.Registration) ([]pending.RegisteredEntityData, error) {
	parent := c.mainDeviceTid
	if reg.Parent != nil {
		parent = *reg.Parent
	}

	if _, ok := c.entities[parent.String()]; !ok {
		c.Pending.CacheEarlyRegistration(reg)
		return nil, nil
	}

	outcome, err := c.RegisterSingleEntity(reg)
	if err != nil {
		return nil, err
	}
	if outcome == Unchanged {
		return nil, nil
	}

	result := []pending.RegisteredEntityData{c.Pending.TakeCachedEntityData(reg)}
	for _, child := range c.Pending.TakeCachedChildEntitiesData(reg.TopicID) {
		if _, err := c.RegisterSingleEntity(child.Registration); err != nil {
			log.Error().Err(err).Str("topic_id", child.Registration.TopicID.String()).Msg("failed to replay pending child registration")
			continue
		}
		result = append(result, child)
	}
	return result, nil
}

// RegisterSingleEntity inserts or updates one entity, assuming its parent
// (if any) is already known. It does not touch the pending store.
func (c *Cache) RegisterSingleEntity(reg models.Registration) (InsertOutcome, error) {
	externalID, err := c.resolveExternalID(reg)
	if err != nil {
		return Unchanged, err
	}

	parent, err := c.resolveParent(reg)
	if err != nil {
		return Unchanged, err
	}

	metadata := models.EntityMetadata{
		TopicID:    reg.TopicID,
		ExternalID: externalID,
		Type:       reg.Type,
		Parent:     parent,
		Health:     reg.Health,
		Twin:       map[string]any{},
	}
	return c.insert(reg.TopicID, externalID, metadata), nil
}

func (c *Cache) resolveExternalID(reg models.Registration) (models.EntityExternalId, error) {
	if reg.ExternalID != "" {
		return c.validate(reg.ExternalID)
	}
	return c.mapExternalID(reg.TopicID, c.mainDeviceXid), nil
}

func (c *Cache) resolveParent(reg models.Registration) (*models.EntityTopicId, error) {
	switch reg.Type {
	case models.MainDevice:
		return nil, nil
	case models.Service:
		if reg.Parent != nil {
			return reg.Parent, nil
		}
		if p, ok := reg.TopicID.DefaultParent(); ok {
			return &p, nil
		}
		main := c.mainDeviceTid
		return &main, nil
	default: // ChildDevice
		if reg.Parent != nil {
			return reg.Parent, nil
		}
		main := c.mainDeviceTid
		return &main, nil
	}
}

// insert merges twin-data-preserving metadata into the cache, returning
// whether anything actually changed.
func (c *Cache) insert(tid models.EntityTopicId, externalID models.EntityExternalId, metadata models.EntityMetadata) InsertOutcome {
	key := tid.String()
	existing, ok := c.entities[key]
	outcome := Inserted
	if ok {
		merged := mergeTwin(existing.metadata.Twin, metadata.Twin)
		metadata.Twin = merged
		if entityMetadataEqual(existing.metadata, metadata) {
			c.externalIDMap[externalID] = tid
			return Unchanged
		}
		outcome = Updated
	}
	c.entities[key] = &cloudEntity{externalID: externalID, metadata: metadata}
	c.externalIDMap[externalID] = tid
	return outcome
}

func mergeTwin(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func entityMetadataEqual(a, b models.EntityMetadata) bool {
	if a.TopicID != b.TopicID || a.ExternalID != b.ExternalID || a.Type != b.Type || a.Health != b.Health {
		return false
	}
	if (a.Parent == nil) != (b.Parent == nil) {
		return false
	}
	if a.Parent != nil && !a.Parent.Equal(*b.Parent) {
		return false
	}
	if len(a.Twin) != len(b.Twin) {
		return false
	}
	for k, v := range a.Twin {
		if ov, ok := b.Twin[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Delete removes an entity, returning what was known about it if present.
func (c *Cache) Delete(tid models.EntityTopicId) (models.EntityMetadata, bool) {
	key := tid.String()
	entity, ok := c.entities[key]
	if !ok {
		return models.EntityMetadata{}, false
	}
	delete(c.entities, key)
	delete(c.externalIDMap, entity.externalID)
	return entity.metadata, true
}

// UpdateTwinData applies a single twin fragment update (null value
// deletes the fragment). Reports whether the cache actually changed.
func (c *Cache) UpdateTwinData(tid models.EntityTopicId, key string, value any) (bool, error) {
	entity, ok := c.entities[tid.String()]
	if !ok {
		return false, &UnknownEntityError{Ref: tid.String()}
	}
	if value == nil {
		if _, existed := entity.metadata.Twin[key]; !existed {
			return false, nil
		}
		delete(entity.metadata.Twin, key)
		return true, nil
	}
	existing, existed := entity.metadata.Twin[key]
	entity.metadata.Twin[key] = value
	return !existed || existing != value, nil
}

// Get returns an entity's metadata by topic id.
func (c *Cache) Get(tid models.EntityTopicId) (models.EntityMetadata, bool) {
	e, ok := c.entities[tid.String()]
	if !ok {
		return models.EntityMetadata{}, false
	}
	return e.metadata, true
}

// TryGet is Get with a typed not-found error.
func (c *Cache) TryGet(tid models.EntityTopicId) (models.EntityMetadata, error) {
	m, ok := c.Get(tid)
	if !ok {
		return models.EntityMetadata{}, &UnknownEntityError{Ref: tid.String()}
	}
	return m, nil
}

// TryGetExternalID resolves an entity's cloud-facing external id.
func (c *Cache) TryGetExternalID(tid models.EntityTopicId) (models.EntityExternalId, error) {
	m, err := c.TryGet(tid)
	if err != nil {
		return "", err
	}
	return m.ExternalID, nil
}

// TryGetByExternalID resolves an entity by its cloud-facing id.
func (c *Cache) TryGetByExternalID(xid models.EntityExternalId) (models.EntityMetadata, error) {
	tid, ok := c.externalIDMap[xid]
	if !ok {
		return models.EntityMetadata{}, &UnknownEntityError{Ref: string(xid)}
	}
	return c.TryGet(tid)
}

// MainDeviceExternalID returns the main device's external id.
func (c *Cache) MainDeviceExternalID() models.EntityExternalId { return c.mainDeviceXid }

// ParentExternalID resolves the external id of an entity's parent, or
// "" for the main device which has none.
func (c *Cache) ParentExternalID(tid models.EntityTopicId) (models.EntityExternalId, error) {
	m, err := c.TryGet(tid)
	if err != nil {
		return "", err
	}
	if m.Parent == nil {
		return "", nil
	}
	return c.TryGetExternalID(*m.Parent)
}

// CacheEarlyDataMessage delegates to the pending store for messages
// addressed to an entity that isn't registered yet.
func (c *Cache) CacheEarlyDataMessage(msg models.MqttMessage) {
	c.Pending.CacheEarlyData(msg)
}
