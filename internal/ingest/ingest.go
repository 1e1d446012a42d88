package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AnatolyTseytsey/forward-webhook/internal/event"
	"github.com/AnatolyTseytsey/forward-webhook/internal/metrics"
	"github.com/AnatolyTseytsey/forward-webhook/internal/registry"
	"github.com/AnatolyTseytsey/forward-webhook/internal/storage"
)

// Outcome classifies one ingestion call.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Rejection reasons.
const (
	ReasonInvalidSignature = "invalid signature"
	ReasonMalformedPayload = "malformed payload"
)

// Result is the outcome of ingesting one webhook callback.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	EventID string  `json:"event_id,omitempty"`
	Jobs    int     `json:"jobs,omitempty"`
}

// Ingestor validates inbound events, deduplicates them, and fans each
// first-seen event out to every matching destination as one forward job.
// Dedup marking and job enqueue happen in a single transaction, so an
// accepted event always has its full job set.
type Ingestor struct {
	store  *storage.Store
	dedup  *storage.Dedup
	queue  *storage.Queue
	reg    *registry.Registry
	secret string
}

// New creates an Ingestor. An empty secret disables the header check.
func New(store *storage.Store, dedup *storage.Dedup, queue *storage.Queue, reg *registry.Registry, secret string) *Ingestor {
	return &Ingestor{store: store, dedup: dedup, queue: queue, reg: reg, secret: secret}
}

// Ingest processes one raw webhook body. A non-nil error means storage
// failed and the caller must answer with a retryable status; rejection and
// duplicate outcomes are not errors.
func (in *Ingestor) Ingest(ctx context.Context, body []byte, secretHeader string) (*Result, error) {
	if in.secret != "" && subtle.ConstantTimeCompare([]byte(secretHeader), []byte(in.secret)) != 1 {
		metrics.EventsReceived.WithLabelValues(string(OutcomeRejected)).Inc()
		return &Result{Outcome: OutcomeRejected, Reason: ReasonInvalidSignature}, nil
	}

	var ev event.Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.Type == "" {
		metrics.EventsReceived.WithLabelValues(string(OutcomeRejected)).Inc()
		return &Result{Outcome: OutcomeRejected, Reason: ReasonMalformedPayload}, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = body
	}
	ev.ReceivedAt = time.Now().UTC()

	matches := in.reg.Match(&ev)

	tx, err := in.store.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", ev.ID, err)
	}
	defer tx.Rollback()

	first, err := in.dedup.CheckAndMark(ctx, tx, &ev)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: dedup: %w", ev.ID, err)
	}
	if !first {
		metrics.EventsReceived.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return &Result{Outcome: OutcomeDuplicate, EventID: ev.ID}, nil
	}

	for _, d := range matches {
		job := &storage.Job{
			ID:            uuid.New().String(),
			EventID:       ev.ID,
			DestinationID: d.ID,
			Payload:       ev.Payload,
		}
		if err := in.queue.EnqueueTx(ctx, tx, job); err != nil {
			return nil, fmt.Errorf("ingest %s: enqueue for %s: %w", ev.ID, d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ingest %s: commit: %w", ev.ID, err)
	}

	metrics.EventsReceived.WithLabelValues(string(OutcomeAccepted)).Inc()
	metrics.JobsEnqueued.Add(float64(len(matches)))
	slog.Info("event accepted", "event", ev.ID, "type", ev.Type, "jobs", len(matches))
	return &Result{Outcome: OutcomeAccepted, EventID: ev.ID, Jobs: len(matches)}, nil
}

// Reconcile re-enqueues jobs for stored events that match an enabled
// destination but have no job rows. The ingest transaction normally makes
// this impossible; the sweep repairs externally restored or surgically
// edited state.
func (in *Ingestor) Reconcile(ctx context.Context) (int, error) {
	orphans, err := in.dedup.EventsWithoutJobs(ctx, 100)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}

	total := 0
	for i := range orphans {
		ev := &orphans[i]
		matches := in.reg.Match(ev)
		if len(matches) == 0 {
			continue
		}
		tx, err := in.store.BeginTx(ctx, nil)
		if err != nil {
			return total, fmt.Errorf("reconcile %s: %w", ev.ID, err)
		}
		for _, d := range matches {
			job := &storage.Job{
				ID:            uuid.New().String(),
				EventID:       ev.ID,
				DestinationID: d.ID,
				Payload:       ev.Payload,
			}
			if err := in.queue.EnqueueTx(ctx, tx, job); err != nil {
				tx.Rollback()
				return total, fmt.Errorf("reconcile %s: enqueue for %s: %w", ev.ID, d.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return total, fmt.Errorf("reconcile %s: commit: %w", ev.ID, err)
		}
		total += len(matches)
	}
	if total > 0 {
		metrics.JobsReconciled.Add(float64(total))
		slog.Warn("reconciliation sweep re-enqueued jobs", "jobs", total)
	}
	return total, nil
}

// Run drives the periodic reconciliation sweep and dedup TTL purge until
// ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := in.Reconcile(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reconciliation sweep failed", "err", err)
			}
			if _, err := in.dedup.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
				slog.Error("dedup purge failed", "err", err)
			}
		}
	}
}
