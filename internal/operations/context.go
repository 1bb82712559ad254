// Package operations implements the Operation Handler (spec.md §4.F): a
// per-command-id task pool that drives local command status transitions
// to their cloud-facing SmartREST reports and artifact transfers.
// Grounded on operations/mod.rs's OperationHandler/RunningOperation
// pattern (one spawned task per command topic, fed by a bounded
// channel until it terminates by publishing the MQTT clearing message)
// and styled after the registry/lifecycle pattern in
// control-plane/internal/process/manager.go.
package operations

import (
	"context"
	"path"

	"github.com/tedge-bridge/cloud-mapper/internal/operations/firmware"
	"github.com/tedge-bridge/cloud-mapper/internal/smartrest"
	"github.com/tedge-bridge/cloud-mapper/internal/topicscheme"
	"github.com/tedge-bridge/cloud-mapper/internal/workflow"
	"github.com/tedge-bridge/cloud-mapper/pkg/contracts"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// EntityTarget is the subset of entity-store information an operation
// task needs, captured at spawn time so a long-running operation never
// has to query the entity cache again (the cache can change underneath
// it while it runs).
type EntityTarget struct {
	TopicID              models.EntityTopicId
	ExternalID           models.EntityExternalId
	SmartRestPublishTopic string
	IsMainDevice         bool
}

// Context bundles the collaborators every operation task needs. It is
// built once by cmd/mapper/main.go and shared (read-only) by every
// spawned task, mirroring the Rust OperationContext wrapped in an Arc.
type Context struct {
	Schema     topicscheme.Schema
	Workflows  *workflow.Supervisor
	Publisher  contracts.Publisher
	Uploader   contracts.Uploader
	Downloader contracts.Downloader
	Firmware   *firmware.Store

	AutoLogUpload models.LogUploadPolicy

	// TedgeHTTPHost is the base URL of the local HTTP endpoint. No
	// operation task in this package reads it; artifacts go straight
	// through Uploader and Downloader.
	TedgeHTTPHost string

	// ConfigUpdateDir is the directory config_update downloads land in
	// when the cloud's operation fragment names a config "type" but no
	// explicit local path.
	ConfigUpdateDir string
}

// configUpdatePath derives config_update's local destination for a
// config type name, falling back to "/etc/tedge/config-update" when
// ConfigUpdateDir isn't set.
func (c *Context) configUpdatePath(configType string) string {
	dir := c.ConfigUpdateDir
	if dir == "" {
		dir = "/etc/tedge/config-update"
	}
	return path.Join(dir, configType)
}

func (c *Context) publishSmartREST(ctx context.Context, topic, line string) error {
	return c.Publisher.Publish(ctx, models.NewMqttMessage(topic, []byte(line)))
}

func (c *Context) publishCommand(ctx context.Context, cmd models.GenericCommandState) error {
	data, err := cmd.ToJSON()
	if err != nil {
		return err
	}
	return c.Publisher.Publish(ctx, models.NewMqttMessage(cmd.Topic, data).WithQoS(1).WithRetain())
}

func (c *Context) clearCommand(ctx context.Context, topic string) error {
	return c.Publisher.Publish(ctx, models.MqttMessage{Topic: topic, Retain: true, QoS: 1})
}

// reportExecuting publishes the 501 SmartREST record for op's cloud name.
func (c *Context) reportExecuting(ctx context.Context, target EntityTarget, opName string) error {
	line, err := smartrest.OperationExecuting(opName)
	if err != nil {
		return err
	}
	return c.publishSmartREST(ctx, target.SmartRestPublishTopic, line)
}

// reportSuccessful publishes the 503 SmartREST record, optionally
// carrying an artifact result URL.
func (c *Context) reportSuccessful(ctx context.Context, target EntityTarget, opName, resultURL string) error {
	line, err := smartrest.OperationSuccessful(opName, resultURL)
	if err != nil {
		return err
	}
	return c.publishSmartREST(ctx, target.SmartRestPublishTopic, line)
}

// reportFailed publishes the 502 SmartREST record with reason.
func (c *Context) reportFailed(ctx context.Context, target EntityTarget, opName, reason string) error {
	line, err := smartrest.OperationFailed(opName, reason)
	if err != nil {
		return err
	}
	return c.publishSmartREST(ctx, target.SmartRestPublishTopic, line)
}
