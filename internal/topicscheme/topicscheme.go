// Package topicscheme parses the local thin-edge MQTT topic schema
// (spec.md §6): "<root>/<a>/<b>/<c>/<d>[/<channel...>]", with root
// configurable and defaulting to "te".
package topicscheme

import (
	"fmt"
	"strings"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// Schema holds the configured topic root and derives entity/channel
// addresses from raw MQTT topics.
type Schema struct {
	Root string
}

func New(root string) Schema {
	if root == "" {
		root = "te"
	}
	return Schema{Root: root}
}

// EntityChannelOf splits a full topic into its entity topic id and channel.
func (s Schema) EntityChannelOf(topic string) (models.EntityTopicId, models.Channel, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[0] != s.Root {
		return models.EntityTopicId{}, models.Channel{}, fmt.Errorf("topic %q does not conform to the %q schema", topic, s.Root)
	}
	tid, err := models.NewEntityTopicId(strings.Join(parts[1:5], "/"))
	if err != nil {
		return models.EntityTopicId{}, models.Channel{}, err
	}
	channel, ok := models.ParseChannel(parts[5:])
	if !ok {
		return models.EntityTopicId{}, models.Channel{}, fmt.Errorf("topic %q has an unrecognized channel suffix", topic)
	}
	return tid, channel, nil
}

// Topic builds the full topic string for an entity + channel suffix parts.
func (s Schema) Topic(tid models.EntityTopicId, channelParts ...string) string {
	segs := []string{s.Root, tid.String()}
	full := strings.Join(segs, "/")
	if len(channelParts) > 0 {
		full += "/" + strings.Join(channelParts, "/")
	}
	return full
}

// RegistrationTopic is "<root>/<a>/<b>/<c>/<d>" (no channel suffix).
func (s Schema) RegistrationTopic(tid models.EntityTopicId) string {
	return s.Topic(tid)
}

// CommandTopic is "<root>/<tid>/cmd/<op>/<cmdID>".
func (s Schema) CommandTopic(tid models.EntityTopicId, op string, cmdID string) string {
	return s.Topic(tid, "cmd", op, cmdID)
}

// CapabilityTopic is "<root>/<tid>/cmd/<op>" (retained capability advert).
func (s Schema) CapabilityTopic(tid models.EntityTopicId, op string) string {
	return s.Topic(tid, "cmd", op)
}

// SubscriptionFilter returns the wildcard subscription the mapper actor
// uses to receive the entire local hierarchy: "<root>/+/+/+/+/#".
func (s Schema) SubscriptionFilter() string {
	return s.Root + "/+/+/+/+/#"
}

// EntitySubscriptionFilter additionally matches bare registration topics
// with no channel suffix: "<root>/+/+/+/+".
func (s Schema) EntitySubscriptionFilter() string {
	return s.Root + "/+/+/+/+"
}
