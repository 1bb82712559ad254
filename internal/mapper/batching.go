package mapper

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/batcher"
	"github.com/tedge-bridge/cloud-mapper/internal/metrics"
)

// measurementBatching is the imperative shell around the Message Batcher
// (spec.md §4.A): it owns the one piece of mutable, timer-driven state
// the pure batcher core needs to be useful — the wall clock and the
// wake-up timer the batcher's own NotifyAt outputs ask the shell to
// arm. Every translated measurement envelope is fed through here before
// it reaches the wire, so a burst of readings from one entity rides a
// single MQTT publish instead of one per measurement.
type measurementBatching struct {
	mu      sync.Mutex
	b       *batcher.Batcher[json.RawMessage]
	timer   *time.Timer
	publish func(ctx context.Context, bodies []json.RawMessage)
}

func newMeasurementBatching(maxSize int, maxAge time.Duration, publish func(ctx context.Context, bodies []json.RawMessage)) *measurementBatching {
	return &measurementBatching{
		b:       batcher.New[json.RawMessage](maxSize, maxAge),
		publish: publish,
	}
}

func (mb *measurementBatching) add(ctx context.Context, body json.RawMessage, receivedAt time.Time) {
	mb.mu.Lock()
	outputs := mb.b.HandleMessage(body, receivedAt)
	mb.mu.Unlock()
	mb.apply(ctx, outputs)
}

// flush forces out any open batch, e.g. on actor shutdown.
func (mb *measurementBatching) flush(ctx context.Context) {
	mb.mu.Lock()
	outputs := mb.b.HandleFlush()
	mb.mu.Unlock()
	mb.apply(ctx, outputs)
}

func (mb *measurementBatching) notify(ctx context.Context, now time.Time) {
	mb.mu.Lock()
	outputs := mb.b.HandleNotify(now)
	mb.mu.Unlock()
	mb.apply(ctx, outputs)
}

// apply executes the batcher core's outputs: publishing any emitted
// batch, and rearming the wake-up timer to the single most recent
// NotifyAt deadline (the core never emits more than one per call).
func (mb *measurementBatching) apply(ctx context.Context, outputs []batcher.Output[json.RawMessage]) {
	for _, out := range outputs {
		switch out.Kind {
		case batcher.OutputBatch:
			metrics.BatchesEmitted.WithLabelValues("measurement").Inc()
			bodies := make([]json.RawMessage, len(out.Batch.Messages))
			copy(bodies, out.Batch.Messages)
			mb.publish(ctx, bodies)
		case batcher.OutputNotifyAt:
			mb.arm(ctx, out.NotifyAt)
		}
	}
}

func (mb *measurementBatching) arm(ctx context.Context, deadline time.Time) {
	mb.mu.Lock()
	if mb.timer != nil {
		mb.timer.Stop()
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	mb.timer = time.AfterFunc(d, func() {
		mb.notify(ctx, time.Now())
	})
	mb.mu.Unlock()
}

func (mb *measurementBatching) stop() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.timer != nil {
		mb.timer.Stop()
	}
}

// publishMeasurementBatch wraps the batch's already-translated envelopes
// into a single JSON-over-MQTT publish. Cumulocity's JSON measurement
// ingestion has no dedicated bulk-create MQTT topic the way its HTTP API
// does (a distinct "/measurement/measurements" bulk endpoint); this
// folds the batch into the same "measurements" envelope shape the HTTP
// bulk endpoint accepts and rides the one MQTT JSON topic. See DESIGN.md.
func (a *Actor) publishMeasurementBatch(ctx context.Context, bodies []json.RawMessage) {
	if len(bodies) == 0 {
		return
	}
	if len(bodies) == 1 {
		a.publish(ctx, a.cfg.C8yTopicPrefix+"/measurement/measurements/create", bodies[0])
		return
	}
	data, err := json.Marshal(map[string]any{"measurements": bodies})
	if err != nil {
		log.Error().Err(err).Int("count", len(bodies)).Msg("failed to marshal measurement batch")
		return
	}
	a.publish(ctx, a.cfg.C8yTopicPrefix+"/measurement/measurements/create", data)
}
