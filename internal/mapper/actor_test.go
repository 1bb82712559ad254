package mapper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedge-bridge/cloud-mapper/internal/availability"
	"github.com/tedge-bridge/cloud-mapper/internal/entitystore"
	"github.com/tedge-bridge/cloud-mapper/internal/mqttclient"
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

func (p *recordingPublisher) byTopic(topic string) []models.MqttMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.MqttMessage
	for _, m := range p.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// noopSubscriber satisfies the Subscriber interface without a real
// broker; these tests drive the actor by calling dispatchLocal/
// onCloudDeviceControl directly instead of through Start.
type noopSubscriber struct{}

func (noopSubscriber) Subscribe(context.Context, string, byte, mqttclient.Handler) error { return nil }

func newTestActor(t *testing.T, autoRegister bool) (*Actor, *entitystore.Cache, *recordingPublisher) {
	t.Helper()
	schema := topicscheme.New("te")
	mainTid := models.DefaultMainDevice()
	cache := entitystore.New(schema, mainTid, "main-device", entitystore.MapToExternalID, entitystore.ValidateExternalID, 10)
	pub := &recordingPublisher{}

	opCtx := &operations.Context{
		Schema:    schema,
		Workflows: workflow.NewSupervisor(),
		Publisher: pub,
	}
	handler := operations.NewHandler(opCtx)
	avail := availability.New(pub)

	cfg := Config{C8yTopicPrefix: "c8y", AutoRegister: autoRegister, AvailabilityInterval: 0}
	act := New(schema, cfg, cache, pub, noopSubscriber{}, handler, avail, nil)
	return act, cache, pub
}

func TestChildDeviceRegistrationAnnouncesToCloud(t *testing.T) {
	act, _, pub := newTestActor(t, true)
	ctx := context.Background()

	payload := []byte(`{"@type":"child-device"}`)
	act.dispatchLocal(ctx, models.NewMqttMessage("te/device/child1//", payload).WithRetain())

	records := pub.byTopic("c8y/s/us")
	require.NotEmpty(t, records)
	var sawChildCreation, sawSupportedOps bool
	for _, m := range records {
		if line := string(m.Payload); len(line) >= 3 && line[:3] == "101" {
			sawChildCreation = true
		}
	}
	// A child's own SmartREST records go to its external-id topic.
	for _, m := range pub.byTopic("c8y/s/us/main-device:device:child1") {
		if line := string(m.Payload); len(line) >= 3 && line[:3] == "114" {
			sawSupportedOps = true
		}
	}
	assert.True(t, sawChildCreation, "expected a 101 child device creation record")
	assert.True(t, sawSupportedOps, "expected a 114 supported operations record on the child's topic")
}

func TestMeasurementIsTranslatedForRegisteredEntity(t *testing.T) {
	act, _, pub := newTestActor(t, true)
	ctx := context.Background()

	act.dispatchLocal(ctx, models.NewMqttMessage("te/device/main///m/temperature", []byte(`{"temperature":25}`)))

	msgs := pub.byTopic("c8y/measurement/measurements/create")
	require.Len(t, msgs, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &body))
	assert.Equal(t, "temperature", body["type"])
}

func TestUnregisteredEntityIsBufferedWhenAutoRegisterDisabled(t *testing.T) {
	act, cache, pub := newTestActor(t, false)
	ctx := context.Background()

	act.dispatchLocal(ctx, models.NewMqttMessage("te/device/child9///m/temperature", []byte(`{"temperature":1}`)))

	assert.Empty(t, pub.byTopic("c8y/measurement/measurements/create"))
	tid, err := models.NewEntityTopicId("device/child9//")
	require.NoError(t, err)
	_, ok := cache.Get(tid)
	assert.False(t, ok)

	// Once the entity registers, the buffered measurement replays.
	act.dispatchLocal(ctx, models.NewMqttMessage("te/device/child9//", []byte(`{"@type":"child-device"}`)).WithRetain())
	msgs := pub.byTopic("c8y/measurement/measurements/create")
	require.Len(t, msgs, 1)
}

func TestHealthStatusProducesServiceStatusRecord(t *testing.T) {
	act, _, pub := newTestActor(t, true)
	ctx := context.Background()

	act.dispatchLocal(ctx, models.NewMqttMessage("te/device/main/service/myservice", []byte(`{"@type":"service"}`)).WithRetain())
	act.dispatchLocal(ctx, models.NewMqttMessage("te/device/main/service/myservice/status/health", []byte(`{"status":"up"}`)).WithRetain())

	var sawServiceStatus bool
	for _, m := range pub.msgs {
		if line := string(m.Payload); len(line) >= 3 && line[:3] == "102" {
			sawServiceStatus = true
		}
	}
	assert.True(t, sawServiceStatus, "expected a 102 service status record")
}

func newBatchingTestActor(t *testing.T, batchSize int, batchAge time.Duration) (*Actor, *recordingPublisher) {
	t.Helper()
	schema := topicscheme.New("te")
	mainTid := models.DefaultMainDevice()
	cache := entitystore.New(schema, mainTid, "main-device", entitystore.MapToExternalID, entitystore.ValidateExternalID, 10)
	pub := &recordingPublisher{}

	opCtx := &operations.Context{Schema: schema, Workflows: workflow.NewSupervisor(), Publisher: pub}
	handler := operations.NewHandler(opCtx)
	avail := availability.New(pub)

	cfg := Config{C8yTopicPrefix: "c8y", AutoRegister: true, MeasurementBatchSize: batchSize, MeasurementBatchAge: batchAge}
	act := New(schema, cfg, cache, pub, noopSubscriber{}, handler, avail, nil)
	return act, pub
}

func TestMeasurementsAreBatchedUntilSizeReached(t *testing.T) {
	act, pub := newBatchingTestActor(t, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		act.dispatchLocal(ctx, models.NewMqttMessage("te/device/main///m/temperature", []byte(`{"temperature":25}`)))
	}
	assert.Empty(t, pub.byTopic("c8y/measurement/measurements/create"), "batch should still be open below the size threshold")

	act.dispatchLocal(ctx, models.NewMqttMessage("te/device/main///m/temperature", []byte(`{"temperature":25}`)))

	msgs := pub.byTopic("c8y/measurement/measurements/create")
	require.Len(t, msgs, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &body))
	measurements, ok := body["measurements"].([]any)
	require.True(t, ok, "expected a bulk measurements envelope")
	assert.Len(t, measurements, 3)
}

func TestMeasurementBatchFlushesOnAge(t *testing.T) {
	act, pub := newBatchingTestActor(t, 100, 20*time.Millisecond)
	ctx := context.Background()

	act.dispatchLocal(ctx, models.NewMqttMessage("te/device/main///m/temperature", []byte(`{"temperature":25}`)))
	assert.Empty(t, pub.byTopic("c8y/measurement/measurements/create"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pub.byTopic("c8y/measurement/measurements/create")) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	msgs := pub.byTopic("c8y/measurement/measurements/create")
	require.Len(t, msgs, 1)
	act.Stop()
}

func TestCloudDeviceControlPublishesLocalCommandInit(t *testing.T) {
	act, _, pub := newTestActor(t, true)
	ctx := context.Background()

	raw, err := json.Marshal(map[string]any{
		"id":             "1",
		"externalSource": map[string]any{"externalId": "main-device"},
		"c8y_Firmware":   map[string]any{"name": "fw", "version": "1.0", "url": "https://example.invalid/fw.bin"},
	})
	require.NoError(t, err)

	received := models.ReceivedMessage{Message: models.NewMqttMessage("c8y/devicecontrol/notifications", raw)}
	act.onCloudDeviceControl(ctx, received)

	var sawInit bool
	for _, m := range pub.msgs {
		var decoded map[string]any
		if json.Unmarshal(m.Payload, &decoded) == nil {
			if status, _ := decoded["status"].(string); status == string(models.StatusInit) {
				sawInit = true
			}
		}
	}
	assert.True(t, sawInit, "expected a synthesized command-init publish")
}

func TestCloudDeviceControlFlattensOperationFragmentIntoCommandPayload(t *testing.T) {
	act, _, pub := newTestActor(t, true)
	ctx := context.Background()

	raw, err := json.Marshal(map[string]any{
		"id":             "2",
		"externalSource": map[string]any{"externalId": "main-device"},
		"c8y_Firmware":   map[string]any{"name": "fw", "version": "1.0", "url": "https://example.invalid/fw.bin"},
	})
	require.NoError(t, err)

	received := models.ReceivedMessage{Message: models.NewMqttMessage("c8y/devicecontrol/notifications", raw)}
	act.onCloudDeviceControl(ctx, received)

	var found map[string]any
	for _, m := range pub.msgs {
		var decoded map[string]any
		if json.Unmarshal(m.Payload, &decoded) == nil {
			if status, _ := decoded["status"].(string); status == string(models.StatusInit) {
				found = decoded
			}
		}
	}
	require.NotNil(t, found, "expected a synthesized command-init publish")
	assert.Equal(t, "fw", found["name"], "fragment fields must be flattened to the top level, not nested")
	assert.Equal(t, "1.0", found["version"])
	assert.Equal(t, "https://example.invalid/fw.bin", found["url"])
	assert.NotContains(t, found, "c8yFragment")
}
