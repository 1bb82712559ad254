package mapper

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/c8yjson"
	"github.com/tedge-bridge/cloud-mapper/internal/smartrest"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// onCloudDeviceControl handles a cloud-initiated operation delivered as
// JSON over "<prefix>/devicecontrol/notifications": it resolves the
// addressed entity, synthesizes a cmd_id, and publishes the local
// command-init message the Operation Handler and Workflow Supervisor
// then drive to completion.
func (a *Actor) onCloudDeviceControl(ctx context.Context, received models.ReceivedMessage) {
	req, ok, err := c8yjson.ParseDeviceControlRequest(received.Message.Payload)
	if err != nil {
		log.Error().Err(err).Msg("dropping malformed devicecontrol notification")
		return
	}
	if !ok {
		// Either unparseable or names an operation this mapper doesn't
		// support; the reference mapper silently ignores both.
		return
	}

	meta, found := a.resolveTargetEntity(req.ExternalID)
	if !found {
		log.Error().Str("external_id", req.ExternalID.String()).Msg("devicecontrol notification addressed an unknown entity")
		return
	}

	cmdID := a.cfg.C8yTopicPrefix + "-mapper-" + uuid.NewString()
	payload := map[string]any{"status": string(models.StatusInit)}
	if len(req.Fragment) > 0 {
		var fragment map[string]any
		if err := json.Unmarshal(req.Fragment, &fragment); err != nil {
			log.Error().Err(err).Msg("dropping devicecontrol notification with an unparseable operation fragment")
			return
		}
		for key, value := range fragment {
			payload[key] = value
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal synthesized command-init payload")
		return
	}

	topic := a.schema.CommandTopic(meta.TopicID, string(req.Operation), cmdID)
	a.publish(ctx, topic, body)
}

// onCloudSmartREST handles the SmartREST operation-request downlink on
// "<prefix>/s/ds". The pack retrieved for this module documents no
// fixed mapping from Cumulocity's numeric set-operation template ids
// (510-525) to operation types — real deployments negotiate those per
// tenant via the 114/117/118 adverts rather than a fixed table the
// mapper can decode standalone — so unrecognized records are logged and
// dropped instead of guessed at. [Open Question, see DESIGN.md]
func (a *Actor) onCloudSmartREST(ctx context.Context, received models.ReceivedMessage) {
	rec, err := smartrest.Parse(string(received.Message.Payload))
	if err != nil {
		log.Error().Err(err).Msg("dropping malformed smartrest downlink record")
		return
	}
	log.Debug().Str("template_id", rec.TemplateID).Msg("ignoring smartrest set-operation record with no known local mapping")
}

// resolveTargetEntity maps a devicecontrol request's external id to the
// local entity it addresses; an empty external id means the main device.
func (a *Actor) resolveTargetEntity(xid models.EntityExternalId) (models.EntityMetadata, bool) {
	if xid == "" {
		return a.cache.Get(models.DefaultMainDevice())
	}
	meta, err := a.cache.TryGetByExternalID(xid)
	return meta, err == nil
}
