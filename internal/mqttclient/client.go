// Package mqttclient wraps github.com/eclipse/paho.mqtt.golang into the
// narrow contracts.Publisher surface the rest of the mapper depends on,
// adding the local thin-edge health last-will/announcement dance
// described in spec.md §5 and the single-writer publish discipline the
// paho client itself doesn't enforce. Grounded on the connect/publish/
// subscribe wiring in
// other_examples/k-butz-c8y-device-client-mqtt's main.go and the
// reconnect-aware client in
// other_examples/reubenmiller-tedge-container-monitor's pkg/tedge
// package, styled after the registry/lifecycle pattern in
// control-plane/internal/process/manager.go.
package mqttclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/config"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// Handler processes one inbound message; the client invokes it on its
// own goroutine per paho's default semantics, so handlers that touch
// shared state must synchronize themselves.
type Handler func(ctx context.Context, msg models.ReceivedMessage)

// Client is a single-writer MQTT connection: every Publish call is
// funneled through one goroutine draining a channel, so publish order
// observed by the broker matches call order even when multiple
// mapper subsystems publish concurrently.
type Client struct {
	topicRoot string
	health    string

	raw mqtt.Client

	mu        sync.Mutex
	publishCh chan publishRequest
	done      chan struct{}
}

type publishRequest struct {
	msg    models.MqttMessage
	result chan error
}

// Option customizes the client's paho.ClientOptions before Connect.
type Option func(*mqtt.ClientOptions)

// New builds a disconnected Client for cfg. The health topic
// "<topicRoot>/device/main/service/<clientID>/status/health" is armed as
// the connection's last will, publishing "down" if the client
// disconnects uncleanly, per spec.md §5's availability contract.
func New(cfg config.MqttConfig, opts ...Option) *Client {
	healthTopic := fmt.Sprintf("%s/device/main/service/%s/status/health", cfg.TopicRoot, cfg.ClientID)

	options := mqtt.NewClientOptions()
	options.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	options.SetClientID(cfg.ClientID)
	options.SetCleanSession(true)
	options.SetAutoReconnect(true)
	options.SetConnectRetry(true)
	options.SetOrderMatters(true)
	options.SetWill(healthTopic, `{"status":"down"}`, 1, true)
	options.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
	}

	for _, opt := range opts {
		opt(options)
	}

	c := &Client{
		topicRoot: cfg.TopicRoot,
		health:    healthTopic,
		publishCh: make(chan publishRequest, 256),
		done:      make(chan struct{}),
	}
	options.OnConnect = func(raw mqtt.Client) {
		log.Info().Str("client_id", cfg.ClientID).Msg("mqtt connected")
		if token := raw.Publish(healthTopic, 1, true, `{"status":"up"}`); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Msg("failed to announce health up")
		}
	}
	c.raw = mqtt.NewClient(options)
	return c
}

// Connect opens the broker connection and starts the single-writer
// publish loop. It blocks until the connection succeeds or ctx expires.
func (c *Client) Connect(ctx context.Context) error {
	token := c.raw.Connect()
	if !token.WaitTimeout(deadline(ctx)) {
		return fmt.Errorf("connect mqtt: timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}
	go c.writeLoop()
	return nil
}

func deadline(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 30 * time.Second
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.publishCh:
			token := c.raw.Publish(req.msg.Topic, req.msg.QoS, req.msg.Retain, req.msg.Payload)
			token.Wait()
			req.result <- token.Error()
		}
	}
}

// Publish implements contracts.Publisher by enqueueing msg onto the
// single-writer loop and waiting for the broker ack (or ctx
// cancellation, whichever comes first).
func (c *Client) Publish(ctx context.Context, msg models.MqttMessage) error {
	req := publishRequest{msg: msg, result: make(chan error, 1)}
	select {
	case c.publishCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("mqtt client is closed")
	}
	select {
	case err := <-req.result:
		if err != nil {
			return fmt.Errorf("publish %s: %w", msg.Topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for every message matching filter. handler
// runs on paho's delivery goroutine; callers needing ordered processing
// must serialize inside handler themselves.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte, handler Handler) error {
	token := c.raw.Subscribe(filter, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(ctx, models.ReceivedMessage{
			Message: models.MqttMessage{
				Topic:   m.Topic(),
				Payload: m.Payload(),
				QoS:     m.Qos(),
				Retain:  m.Retained(),
			},
			ReceivedAt: time.Now(),
		})
	})
	if !token.WaitTimeout(deadline(ctx)) {
		return fmt.Errorf("subscribe %s: timed out", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Disconnect publishes a clean "down" health status, stops the
// write loop and closes the underlying connection, waiting up to
// quiesce for in-flight publishes to drain.
func (c *Client) Disconnect(quiesce time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	if token := c.raw.Publish(c.health, 1, true, `{"status":"down"}`); token.WaitTimeout(time.Second) {
		_ = token.Error()
	}
	c.raw.Disconnect(uint(quiesce.Milliseconds()))
}
