package batcher_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedge-bridge/cloud-mapper/internal/batcher"
)

func collect[T any](outs ...[]batcher.Output[T]) []batcher.Output[T] {
	var all []batcher.Output[T]
	for _, o := range outs {
		all = append(all, o...)
	}
	return all
}

func TestBatchingBySize(t *testing.T) {
	t0 := time.Date(2014, 7, 8, 9, 10, 11, 0, time.FixedZone("x", 7*3600))
	b := batcher.New[int](3, time.Hour)

	outs := collect(
		b.HandleMessage(0, t0),
		b.HandleMessage(1, t0),
		b.HandleMessage(2, t0),
		b.HandleFlush(),
	)

	require.Len(t, outs, 3)
	assert.Equal(t, batcher.OutputBatch, outs[2].Kind)
	assert.Equal(t, []int{0, 1, 2}, outs[2].Batch.Messages)
	assert.Equal(t, t0, outs[2].Batch.OpenedAt)
}

func TestBatchingByAge(t *testing.T) {
	t0 := time.Date(2014, 7, 8, 9, 10, 11, 0, time.FixedZone("x", 7*3600))
	tenSeconds := 10 * time.Second
	b := batcher.New[int](1000, tenSeconds)

	var all []batcher.Output[int]
	all = append(all, b.HandleMessage(0, t0)...)
	all = append(all, b.HandleMessage(1, t0)...)
	all = append(all, b.HandleMessage(2, t0.Add(9*time.Second))...)
	all = append(all, b.HandleMessage(3, t0.Add(11*time.Second))...)
	all = append(all, b.HandleMessage(4, t0.Add(20999*time.Millisecond))...)
	all = append(all, b.HandleMessage(5, t0.Add(21*time.Second))...)
	all = append(all, b.HandleFlush()...)

	var batches []batcher.Batch[int]
	for _, o := range all {
		if o.Kind == batcher.OutputBatch {
			batches = append(batches, o.Batch)
		}
	}

	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1, 2}, batches[0].Messages)
	assert.Equal(t, t0, batches[0].OpenedAt)
	assert.Equal(t, []int{3, 4}, batches[1].Messages)
	assert.Equal(t, t0.Add(11*time.Second), batches[1].OpenedAt)
	assert.Equal(t, []int{5}, batches[2].Messages)
	assert.Equal(t, t0.Add(21*time.Second), batches[2].OpenedAt)
}

func TestZeroMessagesProduceNoOutput(t *testing.T) {
	b := batcher.New[int](10, time.Hour)
	outs := b.HandleFlush()
	assert.Empty(t, outs)
}

func TestNotifyOnlyEmitsWhenAgeExpired(t *testing.T) {
	t0 := time.Now()
	b := batcher.New[int](10, time.Minute)
	b.HandleMessage(1, t0)

	outs := b.HandleNotify(t0.Add(time.Second))
	for _, o := range outs {
		assert.NotEqual(t, batcher.OutputBatch, o.Kind)
	}

	outs = b.HandleNotify(t0.Add(2 * time.Minute))
	var sawBatch bool
	for _, o := range outs {
		if o.Kind == batcher.OutputBatch {
			sawBatch = true
		}
	}
	assert.True(t, sawBatch)
}

func TestPredicatesAreAndCombined(t *testing.T) {
	always := batcher.CriterionFunc[int](func(candidate int, open *batcher.Batch[int]) bool { return true })
	never := batcher.CriterionFunc[int](func(candidate int, open *batcher.Batch[int]) bool { return false })

	b := batcher.New[int](10, time.Hour).WithCriterion(always).WithCriterion(never)
	t0 := time.Now()
	b.HandleMessage(1, t0)
	outs := b.HandleMessage(2, t0)

	var batches int
	for _, o := range outs {
		if o.Kind == batcher.OutputBatch {
			batches++
		}
	}
	// "never" rejects every continuation, so message 2 must close batch 1
	// and open a fresh one rather than extend it.
	assert.Equal(t, 1, batches)
}

func TestExprCriterionMatchesWithinDelta(t *testing.T) {
	type msg struct{ Timestamp float64 }
	crit, err := batcher.NewExprCriterion[msg]("abs(new.Timestamp - open.Timestamp) <= 1.5")
	require.NoError(t, err)

	b := batcher.New[msg](1000, time.Hour).WithCriterion(crit)
	t0 := time.Now()

	var all []batcher.Output[msg]
	all = append(all, b.HandleMessage(msg{0}, t0)...)
	all = append(all, b.HandleMessage(msg{1}, t0)...)
	all = append(all, b.HandleMessage(msg{2}, t0)...)
	all = append(all, b.HandleMessage(msg{3}, t0)...)
	all = append(all, b.HandleMessage(msg{4}, t0)...)
	all = append(all, b.HandleFlush()...)

	var batches []batcher.Batch[msg]
	for _, o := range all {
		if o.Kind == batcher.OutputBatch {
			batches = append(batches, o.Batch)
		}
	}
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Messages, 2)
	assert.Len(t, batches[1].Messages, 2)
	assert.Len(t, batches[2].Messages, 1)
}
