package operations_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedge-bridge/cloud-mapper/internal/operations"
	"github.com/tedge-bridge/cloud-mapper/internal/topicscheme"
	"github.com/tedge-bridge/cloud-mapper/internal/workflow"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.MqttMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg models.MqttMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) snapshot() []models.MqttMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.MqttMessage, len(p.msgs))
	copy(out, p.msgs)
	return out
}

func (p *recordingPublisher) byTopic(topic string) []models.MqttMessage {
	var out []models.MqttMessage
	for _, m := range p.snapshot() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestHandler(t *testing.T) (*operations.Handler, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	ctx := &operations.Context{
		Schema:    topicscheme.New("te"),
		Workflows: workflow.NewSupervisor(),
		Publisher: pub,
	}
	return operations.NewHandler(ctx), pub
}

func mainDeviceTarget(t *testing.T) operations.EntityTarget {
	t.Helper()
	tid, err := models.NewEntityTopicId("device/main//")
	require.NoError(t, err)
	return operations.EntityTarget{
		TopicID:               tid,
		ExternalID:            "main-device",
		SmartRestPublishTopic: "c8y/s/us",
		IsMainDevice:          true,
	}
}

func TestRestartOperationReportsExecutingThenSuccessful(t *testing.T) {
	h, pub := newTestHandler(t)
	target := mainDeviceTarget(t)
	topic := "te/device/main///cmd/restart/123"

	h.Handle(context.Background(), target, models.NewMqttMessage(topic, []byte(`{"status":"init"}`)))

	waitFor(t, func() bool { return len(pub.byTopic("c8y/s/us")) >= 1 })
	assert.Contains(t, string(pub.byTopic("c8y/s/us")[0].Payload), "501,c8y_Restart")

	var cmdMsgs []models.MqttMessage
	waitFor(t, func() bool {
		cmdMsgs = pub.byTopic(topic)
		return len(cmdMsgs) >= 1
	})
	var state map[string]any
	require.NoError(t, json.Unmarshal(cmdMsgs[0].Payload, &state))
	assert.Equal(t, "executing", state["status"])

	h.Handle(context.Background(), target, cmdMsgs[0])

	waitFor(t, func() bool { return len(pub.byTopic(topic)) >= 2 })
	var executing map[string]any
	require.NoError(t, json.Unmarshal(pub.byTopic(topic)[1].Payload, &executing))
	assert.Equal(t, "successful", executing["status"])
}

func TestFirmwareUpdateRefusedOnMainDevice(t *testing.T) {
	h, pub := newTestHandler(t)
	target := mainDeviceTarget(t)
	topic := "te/device/main///cmd/firmware_update/1"

	executingPayload := []byte(`{"status":"executing"}`)
	h.Handle(context.Background(), target, models.NewMqttMessage(topic, executingPayload))

	var cmdMsgs []models.MqttMessage
	waitFor(t, func() bool {
		cmdMsgs = pub.byTopic(topic)
		return len(cmdMsgs) >= 1
	})
	var state map[string]any
	require.NoError(t, json.Unmarshal(cmdMsgs[0].Payload, &state))
	assert.Equal(t, "failed", state["status"])
	assert.Contains(t, state["reason"], "main device")
}

type fakeArtifactTransfer struct {
	mu            sync.Mutex
	uploadedTo    []string
	uploadedVia   []string
	downloadedTo  []string
	downloadedVia []string
}

func (f *fakeArtifactTransfer) Upload(_ context.Context, localPath, destination string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadedVia = append(f.uploadedVia, localPath)
	f.uploadedTo = append(f.uploadedTo, destination)
	return "https://example.cumulocity.com" + destination, nil
}

func (f *fakeArtifactTransfer) Download(_ context.Context, url, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadedVia = append(f.downloadedVia, url)
	f.downloadedTo = append(f.downloadedTo, localPath)
	return nil
}

func (f *fakeArtifactTransfer) destinations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.uploadedTo))
	copy(out, f.uploadedTo)
	return out
}

func (f *fakeArtifactTransfer) downloadDestinations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.downloadedTo))
	copy(out, f.downloadedTo)
	return out
}

func TestAutoLogUploadAlwaysUploadsLogOnSuccess(t *testing.T) {
	pub := &recordingPublisher{}
	uploader := &fakeArtifactTransfer{}
	ctx := &operations.Context{
		Schema:        topicscheme.New("te"),
		Workflows:     workflow.NewSupervisor(),
		Publisher:     pub,
		Uploader:      uploader,
		AutoLogUpload: models.LogUploadAlways,
	}
	h := operations.NewHandler(ctx)
	target := mainDeviceTarget(t)
	topic := "te/device/main///cmd/restart/log-test"

	h.Handle(context.Background(), target, models.NewMqttMessage(topic, []byte(`{"status":"init","logPath":"/tmp/restart.log"}`)))

	var executingMsg models.MqttMessage
	waitFor(t, func() bool {
		msgs := pub.byTopic(topic)
		if len(msgs) < 1 {
			return false
		}
		executingMsg = msgs[0]
		return true
	})
	h.Handle(context.Background(), target, executingMsg)

	// The real mapper is itself subscribed to the command topic, so its
	// own "successful" publish echoes back into Handle; the unit test
	// reproduces that echo explicitly since there is no broker here.
	var successfulMsg models.MqttMessage
	waitFor(t, func() bool {
		msgs := pub.byTopic(topic)
		if len(msgs) < 2 {
			return false
		}
		successfulMsg = msgs[1]
		return true
	})
	h.Handle(context.Background(), target, successfulMsg)

	waitFor(t, func() bool { return len(uploader.destinations()) >= 1 })
	assert.Contains(t, uploader.destinations()[0], "/event/events/main-device/binaries")
}

func TestAutoLogUploadNeverSkipsUpload(t *testing.T) {
	pub := &recordingPublisher{}
	uploader := &fakeArtifactTransfer{}
	ctx := &operations.Context{
		Schema:        topicscheme.New("te"),
		Workflows:     workflow.NewSupervisor(),
		Publisher:     pub,
		Uploader:      uploader,
		AutoLogUpload: models.LogUploadNever,
	}
	h := operations.NewHandler(ctx)
	target := mainDeviceTarget(t)
	topic := "te/device/main///cmd/restart/log-skip-test"

	h.Handle(context.Background(), target, models.NewMqttMessage(topic, []byte(`{"status":"init","logPath":"/tmp/restart.log"}`)))

	var executingMsg models.MqttMessage
	waitFor(t, func() bool {
		msgs := pub.byTopic(topic)
		if len(msgs) < 1 {
			return false
		}
		executingMsg = msgs[0]
		return true
	})
	h.Handle(context.Background(), target, executingMsg)

	var successfulMsg models.MqttMessage
	waitFor(t, func() bool {
		msgs := pub.byTopic(topic)
		if len(msgs) < 2 {
			return false
		}
		successfulMsg = msgs[1]
		return true
	})
	h.Handle(context.Background(), target, successfulMsg)

	waitFor(t, func() bool { return len(pub.byTopic(topic)) >= 3 })
	assert.Empty(t, uploader.destinations())
}

func TestDuplicateExecutingMessageDoesNotRedriveBuiltinOperation(t *testing.T) {
	h, pub := newTestHandler(t)
	target := mainDeviceTarget(t)
	topic := "te/device/main///cmd/restart/dup-test"

	h.Handle(context.Background(), target, models.NewMqttMessage(topic, []byte(`{"status":"init"}`)))

	var executingMsg models.MqttMessage
	waitFor(t, func() bool {
		msgs := pub.byTopic(topic)
		if len(msgs) < 1 {
			return false
		}
		executingMsg = msgs[0]
		return true
	})

	// A duplicate redelivery of the exact same "executing" echo (e.g. a
	// QoS 1 retry) must not drive the builtin operation to completion a
	// second time.
	h.Handle(context.Background(), target, executingMsg)
	h.Handle(context.Background(), target, executingMsg)

	waitFor(t, func() bool { return len(pub.byTopic(topic)) >= 2 })
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.byTopic(topic), 2, "a duplicate executing echo must be ignored, not redrive the operation")
}

func TestIllegalStatusTransitionIsDroppedWithoutActing(t *testing.T) {
	h, pub := newTestHandler(t)
	target := mainDeviceTarget(t)
	topic := "te/device/main///cmd/restart/illegal-test"

	h.Handle(context.Background(), target, models.NewMqttMessage(topic, []byte(`{"status":"init"}`)))
	waitFor(t, func() bool { return len(pub.byTopic(topic)) >= 1 })

	// Skipping straight to "successful" without ever passing through
	// "executing" is not a transition init allows; it must be dropped.
	h.Handle(context.Background(), target, models.NewMqttMessage(topic, []byte(`{"status":"successful"}`)))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.byTopic(topic), 1, "illegal transition must not publish a clearing/terminal command state")
	for _, m := range pub.byTopic("c8y/s/us") {
		assert.NotContains(t, string(m.Payload), "503,", "no successful report should follow a dropped transition")
	}
}

func TestConfigUpdateDerivesLocalPathFromTypeWhenPathMissing(t *testing.T) {
	pub := &recordingPublisher{}
	downloader := &fakeArtifactTransfer{}
	ctx := &operations.Context{
		Schema:          topicscheme.New("te"),
		Workflows:       workflow.NewSupervisor(),
		Publisher:       pub,
		Downloader:      downloader,
		ConfigUpdateDir: "/etc/tedge/config-update",
	}
	h := operations.NewHandler(ctx)
	target := mainDeviceTarget(t)
	topic := "te/device/main///cmd/config_update/cfg-test"

	h.Handle(context.Background(), target, models.NewMqttMessage(topic, []byte(
		`{"status":"init","url":"https://example.cumulocity.com/inventory/binaries/42","type":"collectd"}`)))

	var executingMsg models.MqttMessage
	waitFor(t, func() bool {
		msgs := pub.byTopic(topic)
		if len(msgs) < 1 {
			return false
		}
		executingMsg = msgs[0]
		return true
	})
	h.Handle(context.Background(), target, executingMsg)

	waitFor(t, func() bool { return len(downloader.downloadDestinations()) >= 1 })
	assert.Equal(t, []string{"/etc/tedge/config-update/collectd"}, downloader.downloadDestinations())
}

func TestClearingMessageTerminatesOperation(t *testing.T) {
	h, pub := newTestHandler(t)
	target := mainDeviceTarget(t)
	topic := "te/device/main///cmd/restart/clear-test"

	h.Handle(context.Background(), target, models.NewMqttMessage(topic, []byte(`{"status":"successful"}`)))
	waitFor(t, func() bool { return len(pub.byTopic("c8y/s/us")) >= 1 })

	clearing := models.MqttMessage{Topic: topic, Retain: true}
	h.Handle(context.Background(), target, clearing)
}
