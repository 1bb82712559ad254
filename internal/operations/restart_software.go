package operations

import (
	"context"

	"github.com/tedge-bridge/cloud-mapper/internal/smartrest"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// builtinSoftwareList re-publishes the 118 SmartREST record listing the
// software modules named in the command payload's "currentSoftwareList"
// field, then moves the command to successful.
func (h *Handler) builtinSoftwareList(ctx context.Context, msg operationMessage, cmd models.GenericCommandState) (models.GenericCommandState, error) {
	entries := parseSoftwareModules(cmd.Payload["currentSoftwareList"])
	line, err := smartrest.SoftwareList(entries)
	if err != nil {
		return models.GenericCommandState{}, err
	}
	if err := h.ctx.publishSmartREST(ctx, msg.target.SmartRestPublishTopic, line); err != nil {
		return models.GenericCommandState{}, err
	}
	return cmd.MoveTo(string(models.StatusSuccessful)), nil
}

// builtinSoftwareUpdate has nothing platform-specific to do while
// executing (tedge-agent performs the actual package operations); the
// mapper's only responsibility here is to move the command forward so
// the Successful-state hook can trigger the software_list refresh.
func (h *Handler) builtinSoftwareUpdate(_ context.Context, _ operationMessage, cmd models.GenericCommandState) (models.GenericCommandState, error) {
	return cmd.MoveTo(string(models.StatusSuccessful)), nil
}

func parseSoftwareModules(raw any) []smartrest.SoftwareModule {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	modules := make([]smartrest.SoftwareModule, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		version, _ := entry["version"].(string)
		url, _ := entry["url"].(string)
		modules = append(modules, smartrest.SoftwareModule{Name: name, Version: version, URL: url})
	}
	return modules
}
