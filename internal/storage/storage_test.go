package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AnatolyTseytsey/forward-webhook/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mark(t *testing.T, s *Store, d *Dedup, ev *event.Event) bool {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	first, err := d.CheckAndMark(ctx, tx, ev)
	if err != nil {
		t.Fatalf("check and mark: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return first
}

func enqueue(t *testing.T, s *Store, q *Queue, job *Job) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := q.EnqueueTx(ctx, tx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestDedupCheckAndMark(t *testing.T) {
	s := newTestStore(t)
	d := NewDedup(s, time.Hour)
	ev := &event.Event{ID: "e1", Type: "message", Payload: json.RawMessage(`{}`)}

	if !mark(t, s, d, ev) {
		t.Fatal("first CheckAndMark should report first-seen")
	}
	if mark(t, s, d, ev) {
		t.Fatal("second CheckAndMark should report duplicate")
	}

	seen, err := d.Seen(context.Background(), "e1")
	if err != nil || !seen {
		t.Fatalf("Seen(e1) = %v, %v; want true", seen, err)
	}
	seen, err = d.Seen(context.Background(), "other")
	if err != nil || seen {
		t.Fatalf("Seen(other) = %v, %v; want false", seen, err)
	}
}

func TestDedupPurgeExpired(t *testing.T) {
	s := newTestStore(t)
	d := NewDedup(s, -time.Minute) // records are born expired
	mark(t, s, d, &event.Event{ID: "e1", Type: "message", Payload: json.RawMessage(`{}`)})

	n, err := d.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d records, want 1", n)
	}
}

func TestQueueLeaseSingleOwnership(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s)
	enqueue(t, s, q, &Job{ID: "j1", EventID: "e1", DestinationID: "d1", Payload: []byte(`{}`)})

	ctx := context.Background()
	job, err := q.DequeueReady(ctx, "d1", 30*time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job.State != StateInFlight {
		t.Errorf("state = %s, want %s", job.State, StateInFlight)
	}

	// The leased job must be invisible to other dequeues.
	if _, err := q.DequeueReady(ctx, "d1", 30*time.Second); err != sql.ErrNoRows {
		t.Fatalf("second dequeue err = %v, want sql.ErrNoRows", err)
	}
}

func TestQueueConcurrentDequeue(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s)
	enqueue(t, s, q, &Job{ID: "j1", EventID: "e1", DestinationID: "d1", Payload: []byte(`{}`)})

	var wg sync.WaitGroup
	var mu sync.Mutex
	got := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.DequeueReady(context.Background(), "d1", 30*time.Second)
			if err == nil && job != nil {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got != 1 {
		t.Errorf("%d workers obtained the job, want exactly 1", got)
	}
}

func TestQueueAckRetryDeadLetter(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s)
	ctx := context.Background()
	enqueue(t, s, q, &Job{ID: "j1", EventID: "e1", DestinationID: "d1", Payload: []byte(`{}`)})

	job, err := q.DequeueReady(ctx, "d1", 30*time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Nack with a future next attempt: job is pending but not ready.
	if err := q.Retry(ctx, job.ID, 1, time.Now().Add(time.Hour), "boom"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := q.DequeueReady(ctx, "d1", 30*time.Second); err != sql.ErrNoRows {
		t.Fatalf("backoffed job should not be ready, got err = %v", err)
	}

	// Pull the attempt time back and nack again, then ack.
	if err := q.Retry(ctx, job.ID, 2, time.Now().Add(-time.Second), "boom again"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	job, err = q.DequeueReady(ctx, "d1", 30*time.Second)
	if err != nil {
		t.Fatalf("dequeue after retry: %v", err)
	}
	if job.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", job.AttemptCount)
	}
	if err := q.Ack(ctx, job.ID, 3); err != nil {
		t.Fatalf("ack: %v", err)
	}
	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateDelivered || got.AttemptCount != 3 {
		t.Errorf("after ack: state=%s attempts=%d, want delivered/3", got.State, got.AttemptCount)
	}

	// Dead-letter a second job and replay it.
	enqueue(t, s, q, &Job{ID: "j2", EventID: "e2", DestinationID: "d1", Payload: []byte(`{}`)})
	job2, err := q.DequeueReady(ctx, "d1", 30*time.Second)
	if err != nil {
		t.Fatalf("dequeue j2: %v", err)
	}
	if err := q.DeadLetter(ctx, job2.ID, 8, "exhausted retries"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dls, err := q.DeadLettered(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dls) != 1 || dls[0].ID != "j2" {
		t.Fatalf("dead letters = %+v, want [j2]", dls)
	}
	if err := q.ReplayDeadLetter(ctx, "j2"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed, err := q.Get(ctx, "j2")
	if err != nil {
		t.Fatalf("get replayed: %v", err)
	}
	if replayed.State != StatePending || replayed.AttemptCount != 0 {
		t.Errorf("replayed job: state=%s attempts=%d, want pending/0", replayed.State, replayed.AttemptCount)
	}
	if err := q.ReplayDeadLetter(ctx, "j2"); err == nil {
		t.Error("replaying a non-dead-lettered job should fail")
	}
}

func TestQueueReclaimExpired(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s)
	ctx := context.Background()
	enqueue(t, s, q, &Job{ID: "j1", EventID: "e1", DestinationID: "d1", Payload: []byte(`{}`)})

	// Lease in the past simulates a worker that died mid-flight.
	if _, err := q.DequeueReady(ctx, "d1", -time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	n, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d jobs, want 1", n)
	}

	if _, err := q.DequeueReady(ctx, "d1", 30*time.Second); err != nil {
		t.Fatalf("reclaimed job should be dequeueable again: %v", err)
	}
}

func TestQueueFIFOPerDestination(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{"j1", "j2", "j3"} {
		if err := q.EnqueueTx(ctx, tx, &Job{ID: id, EventID: "e-" + id, DestinationID: "d1", Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		// Distinct created_at so arrival order is observable.
		if _, err := tx.ExecContext(ctx, "UPDATE jobs SET created_at = ? WHERE job_id = ?",
			base.Add(time.Duration(i)*time.Second), id); err != nil {
			t.Fatalf("stamp %s: %v", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	first, err := q.DequeueReady(ctx, "d1", 30*time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first.ID != "j1" {
		t.Errorf("dequeued %s first, want j1", first.ID)
	}
}

func TestEventsWithoutJobs(t *testing.T) {
	s := newTestStore(t)
	d := NewDedup(s, time.Hour)
	q := NewQueue(s)
	ctx := context.Background()

	mark(t, s, d, &event.Event{ID: "orphan", Type: "message", Payload: json.RawMessage(`{"a":1}`)})
	mark(t, s, d, &event.Event{ID: "covered", Type: "message", Payload: json.RawMessage(`{}`)})
	enqueue(t, s, q, &Job{ID: "j1", EventID: "covered", DestinationID: "d1", Payload: []byte(`{}`)})

	orphans, err := d.EventsWithoutJobs(ctx, 100)
	if err != nil {
		t.Fatalf("events without jobs: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "orphan" {
		t.Fatalf("orphans = %+v, want [orphan]", orphans)
	}
	if string(orphans[0].Payload) != `{"a":1}` {
		t.Errorf("orphan payload = %s, want original", orphans[0].Payload)
	}
}
