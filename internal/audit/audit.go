// Package audit provides an observational, Postgres-backed metrics.Sink
// that records what happened to dispatched work. It is explicitly not a
// replay queue: durability of queued work across restarts is out of
// scope, but recording outcomes for later inspection is cheap ambient
// persistence worth having.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/nrayfield/dispatchd/internal/metrics"
)

// Sink persists every emitted event as a row. It tolerates concurrent
// Emit calls because *sql.DB pools and synchronizes its own connections.
type Sink struct {
	db *sql.DB
}

// NewSink wraps an already-open database handle. Callers own the
// handle's lifecycle (Open/Close); Sink never closes it.
func NewSink(db *sql.DB) *Sink {
	return &Sink{db: db}
}

// InitTables creates the dispatch_events table if it does not exist.
func (s *Sink) InitTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS dispatch_events (
		id SERIAL PRIMARY KEY,
		item_id VARCHAR(64),
		kind VARCHAR(64) NOT NULL,
		reason TEXT,
		duration_ms BIGINT,
		pool_from INT,
		pool_to INT,
		recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_dispatch_events_kind ON dispatch_events(kind);
	CREATE INDEX IF NOT EXISTS idx_dispatch_events_item_id ON dispatch_events(item_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// Emit inserts a row for the event. Errors are swallowed after logging:
// the dispatch engine itself must never block or fail on a
// metrics-sink error.
func (s *Sink) Emit(e metrics.Event) {
	_, err := s.db.Exec(
		`INSERT INTO dispatch_events (item_id, kind, reason, duration_ms, pool_from, pool_to)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ItemID, e.Kind.String(), e.Reason, e.Duration.Milliseconds(), e.PoolFrom, e.PoolTo,
	)
	if err != nil {
		logInsertError(err)
	}
}

// Recent returns the most recently recorded rows, newest first, for an
// operator who wants to reconstruct what happened to abandoned work
// after an ungraceful restart — the one hook this package gives to
// external replay, without dispatchd itself promising any.
func (s *Sink) Recent(limit int) ([]Row, error) {
	rows, err := s.db.Query(
		`SELECT item_id, kind, reason, duration_ms, pool_from, pool_to, recorded_at
		 FROM dispatch_events ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var itemID, reason sql.NullString
		if err := rows.Scan(&itemID, &r.Kind, &reason, &r.DurationMS, &r.PoolFrom, &r.PoolTo, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.ItemID = itemID.String
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Row is one recorded dispatch event.
type Row struct {
	ItemID     string    `json:"item_id"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	PoolFrom   int       `json:"pool_from"`
	PoolTo     int       `json:"pool_to"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MarshalSummary renders a slice of rows as an indented JSON document,
// for the admin HTTP surface's /audit endpoint.
func MarshalSummary(rows []Row) ([]byte, error) {
	return json.MarshalIndent(rows, "", "  ")
}

// logInsertError reports a failed insert without importing "log"
// directly into the hot Emit path twice; kept tiny and swappable.
func logInsertError(err error) {
	if pqErr, ok := err.(*pq.Error); ok {
		log.Printf("[AUDIT] insert failed: %s (%s)", pqErr.Message, pqErr.Code)
		return
	}
	log.Printf("[AUDIT] insert failed: %v", err)
}
