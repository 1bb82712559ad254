package operations

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/c8yjson"
	"github.com/tedge-bridge/cloud-mapper/internal/metrics"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// operationMessage is one MQTT message addressed to a running operation
// task, mirroring operations/mod.rs's OperationMessage.
type operationMessage struct {
	operation models.OperationType
	target    EntityTarget
	message   models.MqttMessage
}

// runningOperation is a spawned task plus the channel feeding it,
// mirroring operations/mod.rs's RunningOperation. status/seen track the
// last status this task accepted, so process can tell an echo (same
// status redelivered) and an illegal transition apart from a genuine
// advance.
type runningOperation struct {
	tx     chan operationMessage
	status models.CommandStatus
	seen   bool
}

// Handler is the per-command-id task pool described in spec.md §4.F.
// Not safe to copy; share via pointer.
type Handler struct {
	ctx *Context

	mu      sync.Mutex
	running map[string]*runningOperation
}

// NewHandler builds a Handler bound to ctx.
func NewHandler(ctx *Context) *Handler {
	return &Handler{ctx: ctx, running: make(map[string]*runningOperation)}
}

// Handle processes one MQTT message addressed to a command topic. Only
// messages on a "cmd/<op>/<cmd_id>" channel are command messages; all
// others are ignored. target must describe the same entity the message
// was published on.
func (h *Handler) Handle(ctx context.Context, target EntityTarget, msg models.MqttMessage) {
	_, channel, err := h.ctx.Schema.EntityChannelOf(msg.Topic)
	if err != nil || channel.Kind != models.ChannelCommand {
		return
	}
	operation := models.OperationType(channel.Type)

	om := operationMessage{operation: operation, target: target, message: msg}

	h.mu.Lock()
	defer h.mu.Unlock()

	if op, ok := h.running[msg.Topic]; ok {
		op.tx <- om
		return
	}

	op := &runningOperation{tx: make(chan operationMessage, 16)}
	h.running[msg.Topic] = op
	op.tx <- om
	go h.run(msg.Topic, op)
}

// run drains op's channel, processing messages for one command topic
// until a clearing message is published (by this task or echoed back by
// the broker), at which point it removes itself from the registry.
func (h *Handler) run(topic string, op *runningOperation) {
	for msg := range op.tx {
		ctx := context.Background()
		terminal := h.process(ctx, msg, op)
		if terminal {
			h.mu.Lock()
			if h.running[topic] == op {
				delete(h.running, topic)
			}
			h.mu.Unlock()
			close(op.tx)
		}
	}
}

// process handles a single message for one operation, returning true
// once the operation has reached a terminal conclusion and its task
// should shut down.
func (h *Handler) process(ctx context.Context, msg operationMessage, op *runningOperation) bool {
	logger := log.With().
		Str("entity", msg.target.TopicID.String()).
		Str("operation", string(msg.operation)).
		Str("topic", msg.message.Topic).
		Logger()

	if msg.message.IsClearingMessage() {
		return true
	}

	cmd, err := models.ParseGenericCommandState(msg.message.Topic, msg.message.Payload)
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring unparseable command payload")
		return false
	}

	status := models.CommandStatus(cmd.Status)
	if op.seen {
		if status == op.status {
			logger.Debug().Msg("ignoring echoed command status")
			return false
		}
		if !models.ValidTransition(op.status, status) {
			logger.Warn().Str("from", string(op.status)).Str("to", string(status)).Msg("dropping illegal command status transition")
			return false
		}
	}
	op.status = status
	op.seen = true

	opName := c8yjson.ToC8yName(msg.operation)
	_, isBuiltinOp := c8yOperationKinds[msg.operation]

	switch status {
	case models.StatusInit:
		if err := h.ctx.reportExecuting(ctx, msg.target, opName); err != nil {
			logger.Error().Err(err).Msg("failed to report operation executing")
		}
		next := string(models.StatusExecuting)
		if !isBuiltinOp {
			// A generic workflow-defined operation: let the supervisor
			// decide the next state instead of assuming "executing".
			if action, err := h.ctx.Workflows.CurrentAction(cmd, msg.operation); err == nil && action.Kind == models.ActionMoveTo {
				next = action.State
			}
		}
		if err := h.ctx.publishCommand(ctx, cmd.MoveTo(next)); err != nil {
			logger.Error().Err(err).Msg("failed to publish executing command state")
		}
		return false

	case models.StatusExecuting:
		// The operations this mapper implements itself complete
		// synchronously from its point of view once it has done its own
		// part (list republication, artifact staging, attempt
		// bookkeeping); anything else (including log_upload and
		// config_snapshot) is driven by another local participant, so the
		// handler just keeps watching for its next status update.
		if isBuiltinOp {
			return h.runBuiltin(ctx, msg, cmd, opName)
		}
		return false

	case models.StatusSuccessful:
		return h.finishSuccessful(ctx, msg, cmd, opName)

	case models.StatusFailed:
		return h.finishFailed(ctx, msg, cmd, opName)

	default:
		// A user-defined workflow status; nothing for the operation
		// handler to do but keep watching.
		return false
	}
}

// c8yOperationKinds is the set of operation types the mapper drives to
// completion itself while executing. log_upload and config_snapshot are
// deliberately absent: both require a local participant that reads an
// actual log/config file off disk and stages it for upload, which this
// deployment has no such participant for (see DESIGN.md); leaving them
// out of this set means the mapper reports them executing and then
// genuinely waits for a local status update, rather than fabricating a
// success or a guaranteed failure for work nobody performed.
var c8yOperationKinds = map[models.OperationType]struct{}{
	models.OpSoftwareUpdate: {},
	models.OpSoftwareList:   {},
	models.OpConfigUpdate:   {},
	models.OpFirmwareUpdate: {},
	models.OpRestart:        {},
}

// runBuiltin performs the operation-specific work (software list
// republication, firmware attempt bookkeeping, artifact staging) a
// built-in operation needs while executing, then moves the command to
// its terminal state.
func (h *Handler) runBuiltin(ctx context.Context, msg operationMessage, cmd models.GenericCommandState, opName string) bool {
	var result models.GenericCommandState
	var err error

	switch msg.operation {
	case models.OpRestart:
		result = cmd.MoveTo(string(models.StatusSuccessful))
	case models.OpSoftwareList:
		result, err = h.builtinSoftwareList(ctx, msg, cmd)
	case models.OpSoftwareUpdate:
		result, err = h.builtinSoftwareUpdate(ctx, msg, cmd)
	case models.OpFirmwareUpdate:
		result, err = h.builtinFirmwareUpdate(ctx, msg, cmd)
	case models.OpConfigUpdate:
		result, err = h.builtinConfigUpdate(ctx, msg, cmd)
	default:
		result = cmd.MoveTo(string(models.StatusSuccessful))
	}

	if err != nil {
		result = cmd.FailWith(err.Error())
	}

	if pubErr := h.ctx.publishCommand(ctx, result); pubErr != nil {
		log.Error().Err(pubErr).Str("topic", cmd.Topic).Msg("failed to publish builtin operation result")
	}
	return false
}

func (h *Handler) finishSuccessful(ctx context.Context, msg operationMessage, cmd models.GenericCommandState, opName string) bool {
	resultURL, _ := cmd.Payload["resultUrl"].(string)
	if err := h.ctx.reportSuccessful(ctx, msg.target, opName, resultURL); err != nil {
		log.Error().Err(err).Str("topic", cmd.Topic).Msg("failed to report operation successful")
	}
	metrics.OperationsTotal.WithLabelValues(string(msg.operation), "successful").Inc()
	h.uploadOperationLog(ctx, msg, cmd, models.StatusSuccessful)

	if msg.operation == models.OpSoftwareUpdate {
		h.requestSoftwareListRefresh(ctx, msg.target)
	}
	if msg.operation == models.OpFirmwareUpdate && h.ctx.Firmware != nil {
		_ = h.ctx.Firmware.Complete(cmd.Topic)
	}

	if err := h.ctx.clearCommand(ctx, cmd.Topic); err != nil {
		log.Error().Err(err).Str("topic", cmd.Topic).Msg("failed to clear successful command")
	}
	return true
}

func (h *Handler) finishFailed(ctx context.Context, msg operationMessage, cmd models.GenericCommandState, opName string) bool {
	reason := cmd.Reason()
	if reason == "" {
		reason = fmt.Sprintf("%s failed", opName)
	}
	if err := h.ctx.reportFailed(ctx, msg.target, opName, reason); err != nil {
		log.Error().Err(err).Str("topic", cmd.Topic).Msg("failed to report operation failed")
	}
	metrics.OperationsTotal.WithLabelValues(string(msg.operation), "failed").Inc()
	h.uploadOperationLog(ctx, msg, cmd, models.StatusFailed)

	if msg.operation == models.OpFirmwareUpdate && h.ctx.Firmware != nil {
		_ = h.ctx.Firmware.Complete(cmd.Topic)
	}

	if err := h.ctx.clearCommand(ctx, cmd.Topic); err != nil {
		log.Error().Err(err).Str("topic", cmd.Topic).Msg("failed to clear failed command")
	}
	return true
}

// uploadOperationLog implements the "auto_log_upload: on_failure|always"
// policy: when the terminal status warrants it and the command named a
// local log file (the "logPath" field a local participant populates for
// every operation it runs), push it to the cloud. A missing logPath is
// not an error, not every operation produces one.
func (h *Handler) uploadOperationLog(ctx context.Context, msg operationMessage, cmd models.GenericCommandState, status models.CommandStatus) {
	if !h.ctx.AutoLogUpload.ShouldUpload(status) {
		return
	}
	localPath, _ := cmd.Payload["logPath"].(string)
	if localPath == "" {
		return
	}
	destination := fmt.Sprintf("/event/events/%s/binaries", msg.target.ExternalID.String())
	if _, err := h.ctx.Uploader.Upload(ctx, localPath, destination); err != nil {
		log.Error().Err(err).Str("topic", cmd.Topic).Msg("failed to upload operation log per auto_log_upload policy")
	}
}

// requestSoftwareListRefresh re-publishes a software_list init command
// so the cloud's view of installed software reflects the just-applied
// update.
func (h *Handler) requestSoftwareListRefresh(ctx context.Context, target EntityTarget) {
	topic := h.ctx.Schema.CommandTopic(target.TopicID, string(models.OpSoftwareList), "mapper-triggered-"+target.ExternalID.String())
	msg := models.NewMqttMessage(topic, []byte(`{"status":"init"}`)).WithQoS(1).WithRetain()
	if err := h.ctx.Publisher.Publish(ctx, msg); err != nil {
		log.Error().Err(err).Str("entity", target.TopicID.String()).Msg("failed to request software_list refresh")
	}
}
