package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/AnatolyTseytsey/forward-webhook/internal/event"
)

// Dedup is the idempotency store. An event row doubles as the dedup record
// and keeps the raw payload so the reconciliation sweep can re-derive jobs.
type Dedup struct {
	store *Store
	ttl   time.Duration
}

// NewDedup creates a Dedup with the given record TTL.
func NewDedup(store *Store, ttl time.Duration) *Dedup {
	return &Dedup{store: store, ttl: ttl}
}

// CheckAndMark atomically records ev as seen within tx. Returns false when
// the event_id was already present (duplicate), in which case nothing was
// written.
func (d *Dedup) CheckAndMark(ctx context.Context, tx *sql.Tx, ev *event.Event) (bool, error) {
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, event_type, source, payload, received_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, ev.ID, ev.Type, nullString(ev.Source), []byte(ev.Payload), now, now.Add(d.ttl))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Seen reports whether event_id has an unexpired dedup record.
func (d *Dedup) Seen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := d.store.QueryRowContext(ctx,
		"SELECT 1 FROM events WHERE event_id = ? AND expires_at > ?",
		eventID, time.Now().UTC(),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpired deletes dedup records whose TTL has elapsed. Expiry only
// bounds storage; it never retracts already-processed events.
func (d *Dedup) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := d.store.ExecContext(ctx,
		"DELETE FROM events WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EventsWithoutJobs returns stored, unexpired events that have no job rows.
// These are candidates for re-enqueue by the reconciliation sweep.
func (d *Dedup) EventsWithoutJobs(ctx context.Context, limit int) ([]event.Event, error) {
	rows, err := d.store.QueryContext(ctx, `
		SELECT e.event_id, e.event_type, COALESCE(e.source, ''), e.payload, e.received_at
		FROM events e
		WHERE e.expires_at > ?
		  AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.event_id = e.event_id)
		ORDER BY e.received_at ASC
		LIMIT ?
	`, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var ev event.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Source, &payload, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}
