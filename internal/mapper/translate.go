package mapper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/c8yjson"
	"github.com/tedge-bridge/cloud-mapper/internal/smartrest"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

func (a *Actor) handleHealth(ctx context.Context, meta models.EntityMetadata, msg models.MqttMessage) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Msg("ignoring malformed health status")
		return
	}
	a.availability.ObserveHealth(msg.Topic, body.Status)
	line, err := smartrest.ServiceStatus(body.Status)
	a.publishSmartREST(ctx, a.smartRestTopic(meta), line, err)
}

func (a *Actor) publishMeasurement(ctx context.Context, meta models.EntityMetadata, measurementType string, msg models.MqttMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Str("type", measurementType).Msg("dropping malformed measurement")
		return
	}
	units := a.unitsFor(meta.TopicID, measurementType)
	now := time.Now()
	body, err := c8yjson.MeasurementToC8y(payload, measurementType, meta.ExternalID, meta.Type == models.MainDevice, units, now)
	if err != nil {
		log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Str("type", measurementType).Msg("failed to translate measurement")
		return
	}
	a.measurements.add(ctx, body, now)
}

func (a *Actor) publishEvent(ctx context.Context, meta models.EntityMetadata, eventType string, msg models.MqttMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Str("type", eventType).Msg("dropping malformed event")
		return
	}
	body, err := c8yjson.EventToC8y(payload, eventType, meta.ExternalID, time.Now())
	if err != nil {
		log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Str("type", eventType).Msg("failed to translate event")
		return
	}
	a.publish(ctx, a.cfg.C8yTopicPrefix+"/event/events/"+meta.ExternalID.String(), body)
}

func (a *Actor) publishAlarm(ctx context.Context, meta models.EntityMetadata, alarmType string, msg models.MqttMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Str("type", alarmType).Msg("dropping malformed alarm")
		return
	}
	severity, _ := payload["severity"].(string)
	text, _ := payload["text"].(string)
	code, err := smartrest.AlarmSeverityCode(severity)
	if err != nil {
		log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Str("type", alarmType).Msg("dropping alarm with unrecognized severity")
		return
	}
	line, err := smartrest.Encode(smartrest.Record{TemplateID: code, Fields: []string{alarmType, text}})
	a.publishSmartREST(ctx, a.smartRestTopic(meta), line, err)
}

func (a *Actor) publishTwin(ctx context.Context, meta models.EntityMetadata, key string, msg models.MqttMessage) {
	var value any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &value); err != nil {
			log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Str("key", key).Msg("dropping malformed twin fragment")
			return
		}
	}
	if _, err := a.cache.UpdateTwinData(meta.TopicID, key, value); err != nil {
		log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Str("key", key).Msg("failed to update cached twin data")
		return
	}
	body, err := c8yjson.TwinFragmentToC8y(key, value)
	if err != nil {
		log.Error().Err(err).Str("topic_id", meta.TopicID.String()).Str("key", key).Msg("failed to translate twin fragment")
		return
	}
	a.publish(ctx, a.inventoryTopic(meta), body)
}
