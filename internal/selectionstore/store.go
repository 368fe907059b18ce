// Package selectionstore persists a feed's selection set to Postgres so it
// survives process restarts, grounded on the same sql.DB connection-pool
// setup used elsewhere for durable state.
package selectionstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Range is the persisted shape of a feed's selection range: `[Start,
// End)` block indices, with End == -1 meaning open-ended.
type Range struct {
	Start  uint64
	End    int64
	Linear bool
	Hash   bool
}

// Store durably records which ranges a feed wants, keyed by feed
// discovery key so one Postgres instance can back many feeds.
type Store struct {
	db *sql.DB
}

// Open connects to postgresURL and ensures the backing table exists.
func Open(ctx context.Context, postgresURL string) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("selectionstore: failed to connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("selectionstore: failed to ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS feed_selections (
			discovery_key TEXT NOT NULL,
			range_start   BIGINT NOT NULL,
			range_end     BIGINT NOT NULL,
			linear        BOOLEAN NOT NULL DEFAULT false,
			hash_only     BOOLEAN NOT NULL DEFAULT false,
			requested_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (discovery_key, range_start, range_end, linear, hash_only)
		)
	`)
	if err != nil {
		return fmt.Errorf("selectionstore: failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add records that discoveryKey wants the range [start, end), end == -1
// meaning open-ended.
func (s *Store) Add(ctx context.Context, discoveryKey string, start uint64, end int64, linear, hashOnly bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_selections (discovery_key, range_start, range_end, linear, hash_only)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, discoveryKey, int64(start), end, linear, hashOnly)
	if err != nil {
		return fmt.Errorf("selectionstore: failed to add selection: %w", err)
	}
	return nil
}

// Remove un-records a selection range, matched by its full identity.
func (s *Store) Remove(ctx context.Context, discoveryKey string, start uint64, end int64, linear, hashOnly bool) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM feed_selections
		WHERE discovery_key = $1 AND range_start = $2 AND range_end = $3 AND linear = $4 AND hash_only = $5
	`, discoveryKey, int64(start), end, linear, hashOnly)
	if err != nil {
		return fmt.Errorf("selectionstore: failed to remove selection: %w", err)
	}
	return nil
}

// Load returns every range selected for discoveryKey, ordered by when it
// was requested, so a reopened feed can reconstruct its pending
// selection set.
func (s *Store) Load(ctx context.Context, discoveryKey string) ([]Range, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT range_start, range_end, linear, hash_only FROM feed_selections
		WHERE discovery_key = $1
		ORDER BY requested_at ASC
	`, discoveryKey)
	if err != nil {
		return nil, fmt.Errorf("selectionstore: failed to load selections: %w", err)
	}
	defer rows.Close()

	var ranges []Range
	for rows.Next() {
		var start int64
		var r Range
		if err := rows.Scan(&start, &r.End, &r.Linear, &r.Hash); err != nil {
			return nil, fmt.Errorf("selectionstore: failed to scan selection: %w", err)
		}
		r.Start = uint64(start)
		ranges = append(ranges, r)
	}
	return ranges, rows.Err()
}
