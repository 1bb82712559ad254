package operations

import (
	"context"
	"fmt"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// builtinConfigUpdate downloads the cloud-hosted config file named by the
// command's "url" field to a local destination. The cloud fragment
// (c8y_DownloadConfigFile) only ever names the config "type", not a
// local filesystem path; a real deployment resolves that through a
// file-type registry this mapper doesn't implement, so the path is
// derived by convention from Context.ConfigUpdateDir instead, unless the
// payload already names one explicitly.
func (h *Handler) builtinConfigUpdate(ctx context.Context, _ operationMessage, cmd models.GenericCommandState) (models.GenericCommandState, error) {
	url, _ := cmd.Payload["url"].(string)
	if url == "" {
		return models.GenericCommandState{}, fmt.Errorf("config_update command is missing url")
	}
	localPath, _ := cmd.Payload["path"].(string)
	if localPath == "" {
		configType, _ := cmd.Payload["type"].(string)
		if configType == "" {
			return models.GenericCommandState{}, fmt.Errorf("config_update command is missing path and type")
		}
		localPath = h.ctx.configUpdatePath(configType)
	}
	if err := h.ctx.Downloader.Download(ctx, url, localPath); err != nil {
		return models.GenericCommandState{}, fmt.Errorf("download config update: %w", err)
	}
	return cmd.UpdateFromJSON(map[string]any{"status": string(models.StatusSuccessful), "path": localPath}), nil
}
