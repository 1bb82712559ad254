// Package batcher implements the message batching algorithm as a pure
// state machine unaware of IO — the "functional core" in an imperative
// shell/functional core split, following common/message_batcher in the
// teacher corpus's domain (adapted here from the message-batcher crate
// this module is grounded on; see DESIGN.md).
package batcher

import "time"

// Batch groups one or more messages opened at a point in time.
// Guaranteed to contain at least one message.
type Batch[T any] struct {
	OpenedAt time.Time
	Messages []T
}

func newBatch[T any](openedAt time.Time, first T) *Batch[T] {
	return &Batch[T]{OpenedAt: openedAt, Messages: []T{first}}
}

// Criterion decides whether a candidate message belongs to the
// currently-open batch. Criteria must be pure: no wall-clock reads, no
// side effects. All registered criteria are AND-combined.
type Criterion[T any] interface {
	BelongsToBatch(candidate T, open *Batch[T]) bool
}

// CriterionFunc adapts a plain function to the Criterion interface.
type CriterionFunc[T any] func(candidate T, open *Batch[T]) bool

func (f CriterionFunc[T]) BelongsToBatch(candidate T, open *Batch[T]) bool {
	return f(candidate, open)
}

// OutputKind tags the variant of an Output.
type OutputKind int

const (
	OutputNotifyAt OutputKind = iota
	OutputBatch
)

// Output is a single instruction for the imperative shell: either arm a
// wake-up timer, or publish a completed batch.
type Output[T any] struct {
	Kind     OutputKind
	NotifyAt time.Time
	Batch    Batch[T]
}

// Batcher is the batching state machine's configuration and current state.
type Batcher[T any] struct {
	maxBatchSize int
	maxBatchAge  time.Duration
	criteria     []Criterion[T]
	current      *Batch[T]
}

// New creates a batcher bounded by maxBatchSize (must be > 0) and maxBatchAge.
func New[T any](maxBatchSize int, maxBatchAge time.Duration) *Batcher[T] {
	if maxBatchSize <= 0 {
		panic("batcher: maxBatchSize must be > 0")
	}
	return &Batcher[T]{maxBatchSize: maxBatchSize, maxBatchAge: maxBatchAge}
}

// WithCriterion registers an additional batching criterion and returns
// the batcher for chaining.
func (b *Batcher[T]) WithCriterion(c Criterion[T]) *Batcher[T] {
	b.criteria = append(b.criteria, c)
	return b
}

// HandleMessage extends the open batch with message, or flushes the open
// batch first and starts a new one, per spec.md §4.A's contract. If the
// resulting batch reaches maxBatchSize it is emitted immediately.
func (b *Batcher[T]) HandleMessage(message T, receivedAt time.Time) []Output[T] {
	var outputs []Output[T]

	if b.timestampExceedsMaxAge(receivedAt) || !b.belongsToCurrentBatch(message) {
		outputs = append(outputs, b.handleFlush()...)
	}

	if b.current != nil {
		b.current.Messages = append(b.current.Messages, message)
	} else {
		b.current = newBatch(receivedAt, message)
	}

	if len(b.current.Messages) >= b.maxBatchSize {
		outputs = append(outputs, b.handleFlush()...)
	}

	outputs = append(outputs, b.armNotify()...)
	return outputs
}

// HandleNotify closes the open batch if its age has now expired.
func (b *Batcher[T]) HandleNotify(now time.Time) []Output[T] {
	var outputs []Output[T]
	if b.timestampExceedsMaxAge(now) {
		outputs = append(outputs, b.handleFlush()...)
	}
	outputs = append(outputs, b.armNotify()...)
	return outputs
}

// HandleFlush unconditionally emits any open batch.
func (b *Batcher[T]) HandleFlush() []Output[T] {
	outputs := b.handleFlush()
	outputs = append(outputs, b.armNotify()...)
	return outputs
}

func (b *Batcher[T]) handleFlush() []Output[T] {
	if b.current == nil {
		return nil
	}
	out := Output[T]{Kind: OutputBatch, Batch: *b.current}
	b.current = nil
	return []Output[T]{out}
}

func (b *Batcher[T]) armNotify() []Output[T] {
	if b.current == nil {
		return nil
	}
	return []Output[T]{{Kind: OutputNotifyAt, NotifyAt: b.current.OpenedAt.Add(b.maxBatchAge)}}
}

func (b *Batcher[T]) belongsToCurrentBatch(message T) bool {
	if b.current == nil {
		return true
	}
	for _, c := range b.criteria {
		if !c.BelongsToBatch(message, b.current) {
			return false
		}
	}
	return true
}

func (b *Batcher[T]) timestampExceedsMaxAge(ts time.Time) bool {
	if b.current == nil {
		return false
	}
	return ts.Sub(b.current.OpenedAt) >= b.maxBatchAge
}
