// Package audit persists a best-effort record of completed syncs to
// Postgres via pgx, for operational visibility only. It never stores
// plaintext, keys, or ciphertext, and the rest of the service must keep
// working if no store is configured or a write fails.
package audit

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a connection pool used to persist sync-completion audit
// records.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against connStr and pings it once to fail fast.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	log.Println("[audit] connected to Postgres")
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema reads internal/audit/schema.sql relative to the working
// directory and executes it. The schema is not embedded in the binary.
func (s *Store) InitSchema(ctx context.Context) error {
	schemaBytes, err := os.ReadFile("internal/audit/schema.sql")
	if err != nil {
		return fmt.Errorf("audit: read schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("audit: apply schema: %w", err)
	}
	log.Println("[audit] schema initialized")
	return nil
}

// Record is one row of completed-sync audit history.
type Record struct {
	SessionID        string    `json:"sessionId"`
	K                int       `json:"k"`
	N                int       `json:"n"`
	L                int       `json:"l"`
	Rounds           int       `json:"rounds"`
	AttackerProgress *float64  `json:"attackerProgress,omitempty"`
	SyncedAt         time.Time `json:"syncedAt"`
}

// RecordSyncComplete persists one completed sync. Errors
// are returned for the caller to log; callers MUST NOT fail the
// protocol on an audit-write error.
func (s *Store) RecordSyncComplete(ctx context.Context, sessionID string, k, n, l, rounds int, attackerProgress *float64) error {
	const sql = `
		INSERT INTO sync_audit (session_id, k, n, l, rounds, attacker_progress, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (session_id) DO UPDATE
		SET rounds = EXCLUDED.rounds, attacker_progress = EXCLUDED.attacker_progress, synced_at = EXCLUDED.synced_at;
	`
	_, err := s.pool.Exec(ctx, sql, sessionID, k, n, l, rounds, attackerProgress)
	return err
}

// RecentSyncs returns the most recent completed syncs, most recent
// first.
func (s *Store) RecentSyncs(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, k, n, l, rounds, attacker_progress, synced_at
		FROM sync_audit
		ORDER BY synced_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.SessionID, &r.K, &r.N, &r.L, &r.Rounds, &r.AttackerProgress, &r.SyncedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}
