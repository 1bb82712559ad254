package operations

import (
	"fmt"

	"context"

	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// builtinFirmwareUpdate refuses to run against the main device (Open
// Question decision recorded in DESIGN.md: the reference mapper treats
// firmware updates as a child-device-only capability, since updating
// the gateway's own firmware out from under itself is unsupported),
// and otherwise records an attempt in the persisted firmware store
// before moving the command to successful.
func (h *Handler) builtinFirmwareUpdate(_ context.Context, msg operationMessage, cmd models.GenericCommandState) (models.GenericCommandState, error) {
	if msg.target.IsMainDevice {
		return models.GenericCommandState{}, fmt.Errorf("firmware_update is not supported on the main device")
	}
	if h.ctx.Firmware != nil {
		attempt, err := h.ctx.Firmware.NextAttempt(cmd.Topic)
		if err != nil {
			log.Error().Err(err).Str("topic", cmd.Topic).Msg("failed to persist firmware attempt")
		} else {
			cmd = cmd.UpdateFromJSON(map[string]any{"attempt": attempt})
		}
	}
	return cmd.MoveTo(string(models.StatusSuccessful)), nil
}
