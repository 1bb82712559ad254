// Package mapper implements the Cloud Mapper Actor (spec.md §4.G): the
// top-level router that subscribes to the local thin-edge MQTT
// hierarchy and the cloud's downlink topics, demultiplexes every
// inbound message by channel, and drives the Entity Cache (C) and
// Operation Handler (F) to translate between the two sides. Grounded
// on crates/extensions/c8y_mapper_ext/src/actor.rs's converter loop and
// restructured around a single subscribing goroutine dispatching to the
// already-built subsystems, styled after the registry/lifecycle
// pattern in control-plane/internal/process/manager.go.
package mapper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/availability"
	"github.com/tedge-bridge/cloud-mapper/internal/c8yjson"
	"github.com/tedge-bridge/cloud-mapper/internal/entitystore"
	"github.com/tedge-bridge/cloud-mapper/internal/entitystore/snapshot"
	"github.com/tedge-bridge/cloud-mapper/internal/mqttclient"
	"github.com/tedge-bridge/cloud-mapper/internal/operations"
	"github.com/tedge-bridge/cloud-mapper/internal/topicscheme"
	"github.com/tedge-bridge/cloud-mapper/pkg/contracts"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// Subscriber is the narrow surface the actor needs from the MQTT client
// to register its handlers; satisfied by *mqttclient.Client.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, qos byte, handler mqttclient.Handler) error
}

// Config carries the actor's per-deployment settings that aren't
// already captured by its collaborators.
type Config struct {
	C8yTopicPrefix       string
	AutoRegister         bool
	AvailabilityInterval time.Duration
	MeasurementBatchSize int
	MeasurementBatchAge  time.Duration
}

// Actor is the Cloud Mapper Actor: it owns no state of its own beyond
// the per-type measurement-units cache, delegating entity bookkeeping
// to Cache, command lifecycle to Handler, and heartbeats to
// Availability.
type Actor struct {
	schema       topicscheme.Schema
	cfg          Config
	cache        *entitystore.Cache
	publisher    contracts.Publisher
	subscriber   Subscriber
	handler      *operations.Handler
	availability *availability.Monitor
	snapshotStore snapshot.Store
	measurements *measurementBatching

	mu         sync.Mutex
	unitsCache map[string]c8yjson.Units
}

// New builds an Actor. snapshotStore may be nil to disable persistence
// (tests; clean_start deployments that never restart).
func New(schema topicscheme.Schema, cfg Config, cache *entitystore.Cache, publisher contracts.Publisher, subscriber Subscriber, handler *operations.Handler, avail *availability.Monitor, snapshotStore snapshot.Store) *Actor {
	batchSize := cfg.MeasurementBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	a := &Actor{
		schema:        schema,
		cfg:           cfg,
		cache:         cache,
		publisher:     publisher,
		subscriber:    subscriber,
		handler:       handler,
		availability:  avail,
		snapshotStore: snapshotStore,
		unitsCache:    make(map[string]c8yjson.Units),
	}
	a.measurements = newMeasurementBatching(batchSize, cfg.MeasurementBatchAge, a.publishMeasurementBatch)
	return a
}

// Stop flushes any measurements still sitting in an open batch. Callers
// should invoke this during graceful shutdown so a partially filled
// batch isn't silently lost.
func (a *Actor) Stop() {
	a.measurements.stop()
	a.measurements.flush(context.Background())
}

// Start subscribes to the local hierarchy and the cloud downlink. The
// wildcard "#" suffix already matches the bare registration topic
// (MQTT's "#" matches zero trailing levels), so one subscription covers
// registration, telemetry, twin, health and command channels alike.
func (a *Actor) Start(ctx context.Context) error {
	if err := a.subscriber.Subscribe(ctx, a.schema.SubscriptionFilter(), 1, a.onLocalMessage); err != nil {
		return fmt.Errorf("subscribe local hierarchy: %w", err)
	}
	prefix := a.cfg.C8yTopicPrefix
	if err := a.subscriber.Subscribe(ctx, prefix+"/devicecontrol/notifications", 1, a.onCloudDeviceControl); err != nil {
		return fmt.Errorf("subscribe devicecontrol notifications: %w", err)
	}
	if err := a.subscriber.Subscribe(ctx, prefix+"/s/ds", 1, a.onCloudSmartREST); err != nil {
		return fmt.Errorf("subscribe smartrest downlink: %w", err)
	}
	return nil
}

func (a *Actor) onLocalMessage(ctx context.Context, received models.ReceivedMessage) {
	a.dispatchLocal(ctx, received.Message)
}

// dispatchLocal routes one local message by its parsed entity + channel.
// It is also used internally to replay buffered pending-store messages,
// which is why it takes a bare MqttMessage rather than a ReceivedMessage.
func (a *Actor) dispatchLocal(ctx context.Context, msg models.MqttMessage) {
	tid, channel, err := a.schema.EntityChannelOf(msg.Topic)
	if err != nil {
		log.Error().Err(err).Str("topic", msg.Topic).Msg("dropping message that does not conform to the local topic schema")
		return
	}

	if channel.Kind == models.ChannelEntityMetadata {
		a.handleRegistration(ctx, tid, msg)
		return
	}

	meta, ok := a.resolveEntity(ctx, tid)
	if !ok {
		a.cache.CacheEarlyDataMessage(msg)
		return
	}

	switch channel.Kind {
	case models.ChannelHealth:
		a.handleHealth(ctx, meta, msg)
	case models.ChannelMeasurementMetadata:
		a.cacheUnits(tid, channel.Type, msg.Payload)
	case models.ChannelMeasurement:
		a.publishMeasurement(ctx, meta, channel.Type, msg)
	case models.ChannelEvent:
		a.publishEvent(ctx, meta, channel.Type, msg)
	case models.ChannelAlarm:
		a.publishAlarm(ctx, meta, channel.Type, msg)
	case models.ChannelEntityTwinData:
		a.publishTwin(ctx, meta, channel.Key, msg)
	case models.ChannelCommand:
		a.handler.Handle(ctx, a.entityTarget(meta), msg)
	case models.ChannelCommandMetadata:
		// Capability advertisement: published by the local participant
		// offering the operation, nothing for the mapper to translate.
	}
}

// resolveEntity looks up tid, auto-registering it from the default topic
// scheme if configured and the entity is still unknown.
func (a *Actor) resolveEntity(ctx context.Context, tid models.EntityTopicId) (models.EntityMetadata, bool) {
	if meta, ok := a.cache.Get(tid); ok {
		return meta, true
	}
	if !a.cfg.AutoRegister {
		return models.EntityMetadata{}, false
	}
	reg, ok := models.SynthesizeDefaultRegistration(tid)
	if !ok {
		return models.EntityMetadata{}, false
	}
	results, err := a.cache.RegisterEntity(reg)
	if err != nil {
		log.Error().Err(err).Str("topic_id", tid.String()).Msg("failed to auto-register entity")
		return models.EntityMetadata{}, false
	}
	for _, data := range results {
		a.onEntityRegistered(ctx, data)
	}
	return a.cache.Get(tid)
}

func (a *Actor) entityTarget(meta models.EntityMetadata) operations.EntityTarget {
	return operations.EntityTarget{
		TopicID:               meta.TopicID,
		ExternalID:            meta.ExternalID,
		SmartRestPublishTopic: a.smartRestTopic(meta),
		IsMainDevice:          meta.Type == models.MainDevice,
	}
}

func (a *Actor) smartRestTopic(meta models.EntityMetadata) string {
	if meta.Type == models.MainDevice {
		return a.cfg.C8yTopicPrefix + "/s/us"
	}
	return a.cfg.C8yTopicPrefix + "/s/us/" + meta.ExternalID.String()
}

func (a *Actor) publish(ctx context.Context, topic string, payload []byte) {
	if err := a.publisher.Publish(ctx, models.NewMqttMessage(topic, payload)); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish to cloud")
	}
}

func (a *Actor) publishSmartREST(ctx context.Context, topic string, line string, err error) {
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to encode smartrest record")
		return
	}
	a.publish(ctx, topic, []byte(line))
}

// unitsFor returns the last measurement-metadata units seen for
// (tid, type), or nil if none arrived yet.
func (a *Actor) unitsFor(tid models.EntityTopicId, measurementType string) c8yjson.Units {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unitsCache[tid.String()+"|"+measurementType]
}

func (a *Actor) cacheUnits(tid models.EntityTopicId, measurementType string, payload []byte) {
	units, err := c8yjson.ParseUnitsMetadata(payload)
	if err != nil {
		log.Error().Err(err).Str("topic_id", tid.String()).Str("type", measurementType).Msg("ignoring malformed measurement-metadata")
		return
	}
	a.mu.Lock()
	a.unitsCache[tid.String()+"|"+measurementType] = units
	a.mu.Unlock()
}
