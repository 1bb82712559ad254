package snapshot

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// PostgresStore is an alternative to FileStore for deployments that
// already operate a Postgres instance for other persistence needs. It
// keeps the append-only semantics of the file backend: every
// registration is a row, ordered by insertion, so replay preserves
// parent-before-child order.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the snapshot table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to entity snapshot postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entity_registrations (
			seq         BIGSERIAL PRIMARY KEY,
			topic_id    TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			parent      TEXT NOT NULL DEFAULT '',
			health      TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("create entity_registrations table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, reg models.Registration) error {
	parent := ""
	if reg.Parent != nil {
		parent = reg.Parent.String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_registrations (topic_id, entity_type, external_id, parent, health)
		 VALUES ($1, $2, $3, $4, $5)`,
		reg.TopicID.String(), string(reg.Type), reg.ExternalID, parent, reg.Health,
	)
	if err != nil {
		return fmt.Errorf("insert entity registration: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]models.Registration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT topic_id, entity_type, external_id, parent, health
		 FROM entity_registrations ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query entity registrations: %w", err)
	}
	defer rows.Close()

	var regs []models.Registration
	for rows.Next() {
		var line registrationLine
		if err := rows.Scan(&line.TopicID, &line.Type, &line.ExternalID, &line.Parent, &line.Health); err != nil {
			return nil, fmt.Errorf("scan entity registration row: %w", err)
		}
		reg, err := lineToRegistration(line)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity registration rows: %w", err)
	}
	return regs, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
