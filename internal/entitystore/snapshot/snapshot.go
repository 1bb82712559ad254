// Package snapshot persists entity registrations so they survive a
// mapper restart without a full re-registration storm (spec.md §4.C /
// §9 persisted state: ".tedge-mapper-c8y/ entity-store snapshot (JSON
// lines, one registration per line, replayed on clean_start=false)").
// Two backends are provided: a JSONL file store (the default, atomic
// via temp-file-then-rename) and a Postgres-backed one for deployments
// that already run a database for other persistence needs.
package snapshot

import (
	"context"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// Store persists and replays entity registrations in parent-before-child
// order (the order they were originally appended in).
type Store interface {
	Append(ctx context.Context, reg models.Registration) error
	LoadAll(ctx context.Context) ([]models.Registration, error)
	Close() error
}
