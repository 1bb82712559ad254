package models

import "time"

// MqttMessage is the IO-agnostic representation of a message published or
// received over the local thin-edge MQTT bus. It carries just enough to
// let the functional-core components (batcher, pending store, entity
// cache) stay decoupled from any particular MQTT client library.
type MqttMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ReceivedMessage pairs a message with the time it was received, as
// required by the batcher's Input.Message variant.
type ReceivedMessage struct {
	Message    MqttMessage
	ReceivedAt time.Time
}

func NewMqttMessage(topic string, payload []byte) MqttMessage {
	return MqttMessage{Topic: topic, Payload: payload}
}

func (m MqttMessage) WithRetain() MqttMessage {
	m.Retain = true
	return m
}

func (m MqttMessage) WithQoS(qos byte) MqttMessage {
	m.QoS = qos
	return m
}

// IsClearingMessage reports whether this is the retained empty payload
// that clears a command or registration topic.
func (m MqttMessage) IsClearingMessage() bool {
	return m.Retain && len(m.Payload) == 0
}
