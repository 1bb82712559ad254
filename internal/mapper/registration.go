package mapper

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/c8yjson"
	"github.com/tedge-bridge/cloud-mapper/internal/entitystore/pending"
	"github.com/tedge-bridge/cloud-mapper/internal/smartrest"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// handleRegistration applies an explicit registration message, or
// deletes the entity on a retained-empty clearing message. The entity
// state machine is Unknown -> (Pending | Registered) -> Registered ->
// Deleted; RegisterEntity itself decides Pending-vs-Registered.
func (a *Actor) handleRegistration(ctx context.Context, tid models.EntityTopicId, msg models.MqttMessage) {
	if msg.IsClearingMessage() {
		if meta, ok := a.cache.Delete(tid); ok {
			a.availability.Stop(tid)
			log.Info().Str("topic_id", tid.String()).Str("external_id", meta.ExternalID.String()).Msg("entity deleted")
		}
		return
	}

	reg, err := models.ParseRegistration(tid, msg.Payload)
	if err != nil {
		log.Error().Err(err).Str("topic_id", tid.String()).Msg("dropping unparseable registration")
		return
	}

	results, err := a.cache.RegisterEntity(reg)
	if err != nil {
		log.Error().Err(err).Str("topic_id", tid.String()).Msg("failed to register entity")
		return
	}
	// A nil result means the registration was either parked pending its
	// parent, or was a no-op repeat of an already-applied registration.
	for _, data := range results {
		a.onEntityRegistered(ctx, data)
	}
}

// onEntityRegistered announces a freshly-registered entity to the cloud
// and replays every message buffered for it (and, transitively, for any
// descendant replayed alongside it): buffered metadata first, then
// telemetry, each in the order it was cached, per the Pending ->
// Registered transition's replay contract.
func (a *Actor) onEntityRegistered(ctx context.Context, data pending.RegisteredEntityData) {
	tid := data.Registration.TopicID
	meta, ok := a.cache.Get(tid)
	if !ok {
		log.Error().Str("topic_id", tid.String()).Msg("entity vanished immediately after registration")
		return
	}

	if a.snapshotStore != nil {
		if err := a.snapshotStore.Append(ctx, data.Registration); err != nil {
			log.Error().Err(err).Str("topic_id", tid.String()).Msg("failed to persist entity registration snapshot")
		}
	}

	if meta.Type == models.ChildDevice {
		line, err := smartrest.ChildDeviceCreation(meta.ExternalID.String(), tid.DeviceID(), string(meta.Type))
		a.publishSmartREST(ctx, a.cfg.C8yTopicPrefix+"/s/us", line, err)
	}

	line, err := smartrest.SupportedOperations(c8yjson.SupportedOperationNames())
	a.publishSmartREST(ctx, a.smartRestTopic(meta), line, err)

	healthTopic := a.healthTopicFor(meta)
	if err := a.availability.Start(ctx, tid, a.cfg.AvailabilityInterval, a.smartRestTopic(meta), a.inventoryTopic(meta), healthTopic); err != nil {
		log.Error().Err(err).Str("topic_id", tid.String()).Msg("failed to start availability monitor")
	}

	for _, buffered := range data.DataMessages {
		a.dispatchLocal(ctx, buffered)
	}
}

// healthTopicFor resolves the local "status/health" topic this entity's
// availability heartbeat should watch: its own, if it is a service;
// its declared @health pointer's, if any; none otherwise.
func (a *Actor) healthTopicFor(meta models.EntityMetadata) string {
	switch {
	case meta.Type == models.Service:
		return a.schema.Topic(meta.TopicID, "status", "health")
	case meta.Health != "":
		tid, err := models.NewEntityTopicId(meta.Health)
		if err != nil {
			return ""
		}
		return a.schema.Topic(tid, "status", "health")
	default:
		return ""
	}
}

func (a *Actor) inventoryTopic(meta models.EntityMetadata) string {
	return a.cfg.C8yTopicPrefix + "/inventory/managedObjects/update/" + meta.ExternalID.String()
}
