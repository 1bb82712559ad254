// Package availability implements the per-entity availability-monitoring
// heartbeat (spec.md §4.G.3): one timer per registered entity, advertised
// to the cloud via a SmartREST 117 record, that emits an empty inventory
// update ("heartbeat") whenever it fires and the entity's tracked
// "@health" service currently reports "up". Grounded on
// crates/extensions/c8y_mapper_ext/src/availability/tests.rs (a timer
// actor driven by TimerStart/TimerPayload events) and restructured
// around Go's time.AfterFunc, styled after the registry-of-goroutines
// pattern in control-plane/internal/process/manager.go.
package availability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/smartrest"
	"github.com/tedge-bridge/cloud-mapper/pkg/contracts"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// entry tracks one entity's monitoring state.
type entry struct {
	interval     time.Duration
	smartRestURL string
	inventoryURL string
	healthTopic  string // empty until the tracked service's health topic is known
	status       string // latest health status seen ("up"/"down"/"")
	timer        *time.Timer
}

// Monitor runs the availability heartbeat for every registered entity.
type Monitor struct {
	publisher contracts.Publisher

	mu      sync.Mutex
	entries map[models.EntityTopicId]*entry
}

// New builds a Monitor that publishes through publisher.
func New(publisher contracts.Publisher) *Monitor {
	return &Monitor{publisher: publisher, entries: make(map[models.EntityTopicId]*entry)}
}

// Start begins monitoring tid: publishes the 117 SmartREST advert on
// smartRestTopic and, if interval > 0, arms the repeating heartbeat
// timer. healthTopic is the local "status/health" topic of the entity's
// tracked service (its own, if it is a service; @health's, if declared;
// empty if the entity has no health indicator, in which case no
// heartbeat is ever sent even though the timer keeps firing).
func (m *Monitor) Start(ctx context.Context, tid models.EntityTopicId, interval time.Duration, smartRestTopic, inventoryTopic, healthTopic string) error {
	minutes := int(interval / time.Minute)
	line, err := smartrest.SetInterval(minutes)
	if err != nil {
		return err
	}
	if err := m.publisher.Publish(ctx, models.NewMqttMessage(smartRestTopic, []byte(line))); err != nil {
		return fmt.Errorf("advertise availability interval for %s: %w", tid, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[tid]; ok && existing.timer != nil {
		existing.timer.Stop()
	}
	e := &entry{interval: interval, smartRestURL: smartRestTopic, inventoryURL: inventoryTopic, healthTopic: healthTopic}
	m.entries[tid] = e
	if interval > 0 {
		e.timer = time.AfterFunc(interval, func() { m.fire(ctx, tid) })
	}
	return nil
}

// Stop cancels tid's heartbeat timer and forgets its state, called when
// the entity is deleted.
func (m *Monitor) Stop(tid models.EntityTopicId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tid]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.entries, tid)
}

// ObserveHealth records the latest status reported on a "status/health"
// topic, so a subsequent heartbeat tick can check it.
func (m *Monitor) ObserveHealth(topic, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.healthTopic == topic {
			e.status = status
		}
	}
}

func (m *Monitor) fire(ctx context.Context, tid models.EntityTopicId) {
	m.mu.Lock()
	e, ok := m.entries[tid]
	if !ok {
		m.mu.Unlock()
		return
	}
	up := e.status == "up"
	inventoryURL := e.inventoryURL
	interval := e.interval
	m.mu.Unlock()

	if up {
		msg := models.NewMqttMessage(inventoryURL, []byte("{}"))
		if err := m.publisher.Publish(ctx, msg); err != nil {
			log.Error().Err(err).Str("entity", tid.String()).Msg("failed to publish availability heartbeat")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[tid]; ok {
		e.timer = time.AfterFunc(interval, func() { m.fire(ctx, tid) })
	}
}
