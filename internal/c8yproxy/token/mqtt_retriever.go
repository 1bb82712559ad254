package token

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tedge-bridge/cloud-mapper/internal/mqttclient"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// subscriber is the narrow surface MqttRetriever needs; satisfied by
// *mqttclient.Client.
type subscriber interface {
	Publish(ctx context.Context, msg models.MqttMessage) error
	Subscribe(ctx context.Context, filter string, qos byte, handler mqttclient.Handler) error
}

// MqttRetriever obtains a fresh bearer token the same way the thin-edge
// MQTT bridge does: publish an empty request on "<prefix>/s/uat" and
// wait for the bridge to relay the cloud's "71,<token>" response back on
// "<prefix>/s/dat". It never performs the bridge's own TLS/basic-auth
// bootstrap (spec.md's Non-goals explicitly exclude credential
// acquisition) — it just rides the already-established bridge
// connection.
type MqttRetriever struct {
	client      subscriber
	topicPrefix string
	timeout     time.Duration

	mu        sync.Mutex
	waiters   map[string]chan string
	listening bool
}

// NewMqttRetriever builds a retriever that requests tokens over the
// given MQTT client on topicPrefix (e.g. "c8y").
func NewMqttRetriever(client subscriber, topicPrefix string, timeout time.Duration) *MqttRetriever {
	return &MqttRetriever{
		client:      client,
		topicPrefix: topicPrefix,
		timeout:     timeout,
		waiters:     make(map[string]chan string),
	}
}

// Retrieve satisfies contracts.JWTRetriever.
func (r *MqttRetriever) Retrieve(ctx context.Context) (string, error) {
	if err := r.ensureListening(ctx); err != nil {
		return "", err
	}

	waiter := make(chan string, 1)
	r.mu.Lock()
	id := fmt.Sprintf("%d", len(r.waiters)+1)
	r.waiters[id] = waiter
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
	}()

	if err := r.client.Publish(ctx, models.NewMqttMessage(r.topicPrefix+"/s/uat", nil)); err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case token := <-waiter:
		return token, nil
	case <-timer.C:
		return "", fmt.Errorf("timed out waiting for token on %s/s/dat", r.topicPrefix)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *MqttRetriever) ensureListening(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listening {
		return nil
	}
	if err := r.client.Subscribe(ctx, r.topicPrefix+"/s/dat", 1, r.onTokenResponse); err != nil {
		return fmt.Errorf("subscribe token response topic: %w", err)
	}
	r.listening = true
	return nil
}

// onTokenResponse unpacks SmartREST's "71,<token>" record and fans the
// token out to every caller currently waiting on a refresh; multiple
// concurrent Retrieve calls share whichever response arrives first,
// mirroring the Token Manager's single-flight collapse one layer up.
func (r *MqttRetriever) onTokenResponse(_ context.Context, msg models.ReceivedMessage) {
	fields := strings.SplitN(string(msg.Message.Payload), ",", 2)
	if len(fields) != 2 || fields[0] != "71" {
		return
	}
	token := fields[1]

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, waiter := range r.waiters {
		select {
		case waiter <- token:
		default:
		}
	}
}
