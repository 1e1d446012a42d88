package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Queue is the durable delivery queue. Dequeue is lease-based: a dequeued
// job moves to in_flight and is invisible to other workers until it is
// acked, nacked, or its lease expires.
type Queue struct {
	store *Store
}

// NewQueue creates a Queue on top of store.
func NewQueue(store *Store) *Queue {
	return &Queue{store: store}
}

// EnqueueTx inserts job as pending within tx.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, job *Job) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, event_id, destination_id, payload, state,
		                  attempt_count, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.EventID, job.DestinationID, job.Payload, StatePending,
		job.AttemptCount, now, now, now)
	return err
}

// DequeueReady atomically leases the oldest ready job for destID.
// Returns sql.ErrNoRows when no job is ready.
func (q *Queue) DequeueReady(ctx context.Context, destID string, lease time.Duration) (*Job, error) {
	tx, err := q.store.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var job Job
	err = tx.QueryRowContext(ctx, `
		SELECT job_id, event_id, destination_id, payload, attempt_count, created_at
		FROM jobs
		WHERE destination_id = ? AND state = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT 1
	`, destID, StatePending, now).Scan(
		&job.ID, &job.EventID, &job.DestinationID, &job.Payload, &job.AttemptCount, &job.CreatedAt)
	if err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, lease_expires_at = ?, updated_at = ?
		WHERE job_id = ?
	`, StateInFlight, leaseUntil, now, job.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.State = StateInFlight
	job.LeaseExpiresAt = &leaseUntil
	return &job, nil
}

// Ack marks the job delivered and releases its lease.
func (q *Queue) Ack(ctx context.Context, jobID string, attempts int) error {
	_, err := q.store.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempt_count = ?, lease_expires_at = NULL, last_error = NULL, updated_at = ?
		WHERE job_id = ?
	`, StateDelivered, attempts, time.Now().UTC(), jobID)
	return err
}

// Retry returns the job to pending with an updated attempt count and a
// backoff-scheduled next attempt time.
func (q *Queue) Retry(ctx context.Context, jobID string, attempts int, nextAt time.Time, reason string) error {
	_, err := q.store.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempt_count = ?, next_attempt_at = ?, lease_expires_at = NULL,
		    last_error = ?, updated_at = ?
		WHERE job_id = ?
	`, StatePending, attempts, nextAt.UTC(), nullString(reason), time.Now().UTC(), jobID)
	return err
}

// DeadLetter moves the job to the terminal dead_lettered state. The row is
// retained for inspection and manual replay, never dropped.
func (q *Queue) DeadLetter(ctx context.Context, jobID string, attempts int, reason string) error {
	_, err := q.store.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempt_count = ?, lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE job_id = ?
	`, StateDeadLettered, attempts, nullString(reason), time.Now().UTC(), jobID)
	return err
}

// ReclaimExpired returns in_flight jobs with an expired lease to pending,
// recovering work from crashed workers. Returns the number reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context) (int64, error) {
	res, err := q.store.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, lease_expires_at = NULL, updated_at = ?
		WHERE state = ? AND lease_expires_at < ?
	`, StatePending, time.Now().UTC(), StateInFlight, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get returns one job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.store.QueryRowContext(ctx, `
		SELECT job_id, event_id, destination_id, payload, state, attempt_count,
		       next_attempt_at, lease_expires_at, COALESCE(last_error, ''), created_at, updated_at
		FROM jobs WHERE job_id = ?
	`, jobID)
	return scanJob(row)
}

// DeadLettered lists dead-lettered jobs, most recent first.
func (q *Queue) DeadLettered(ctx context.Context, limit int) ([]Job, error) {
	rows, err := q.store.QueryContext(ctx, `
		SELECT job_id, event_id, destination_id, payload, state, attempt_count,
		       next_attempt_at, lease_expires_at, COALESCE(last_error, ''), created_at, updated_at
		FROM jobs WHERE state = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, StateDeadLettered, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ReplayDeadLetter re-enqueues a dead-lettered job with a fresh attempt
// budget. Operator-triggered only; dead letters are never replayed
// automatically.
func (q *Queue) ReplayDeadLetter(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := q.store.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempt_count = 0, next_attempt_at = ?, last_error = NULL, updated_at = ?
		WHERE job_id = ? AND state = ?
	`, StatePending, now, now, jobID, StateDeadLettered)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not dead-lettered", jobID)
	}
	return nil
}

// CountByState returns the number of jobs per state.
func (q *Queue) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := q.store.QueryContext(ctx,
		"SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var leaseExpires sql.NullTime
	err := row.Scan(&job.ID, &job.EventID, &job.DestinationID, &job.Payload,
		&job.State, &job.AttemptCount, &job.NextAttemptAt, &leaseExpires,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		job.LeaseExpiresAt = &t
	}
	return &job, nil
}
