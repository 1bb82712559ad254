package mqttclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tedge-bridge/cloud-mapper/internal/config"
	"github.com/tedge-bridge/cloud-mapper/internal/mqttclient"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

func TestNewBuildsDisconnectedClientWithoutDialing(t *testing.T) {
	c := mqttclient.New(config.MqttConfig{
		Host:      "127.0.0.1",
		Port:      1883,
		ClientID:  "tedge-mapper-c8y-test",
		TopicRoot: "te",
	})
	assert.NotNil(t, c)
}

func TestPublishBeforeConnectFailsFast(t *testing.T) {
	c := mqttclient.New(config.MqttConfig{
		Host:      "127.0.0.1",
		Port:      1,
		ClientID:  "tedge-mapper-c8y-test-2",
		TopicRoot: "te",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Publish(ctx, models.NewMqttMessage("te/device/main///a/test", []byte("{}")))
	assert.Error(t, err)
}
