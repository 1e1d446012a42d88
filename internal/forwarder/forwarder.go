package forwarder

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AnatolyTseytsey/forward-webhook/internal/config"
	"github.com/AnatolyTseytsey/forward-webhook/internal/metrics"
	"github.com/AnatolyTseytsey/forward-webhook/internal/ratelimit"
	"github.com/AnatolyTseytsey/forward-webhook/internal/registry"
	"github.com/AnatolyTseytsey/forward-webhook/internal/storage"
)

// Forwarder runs per-destination worker runners that pull ready jobs from
// the delivery queue and POST them to their destination. Each destination
// gets its own pollers, concurrency cap, and rate limiter, so a failing
// destination never starves delivery to a healthy one.
type Forwarder struct {
	queue  *storage.Queue
	conf   config.DeliveryConf
	policy Policy
	client *http.Client

	ctx     context.Context
	mu      sync.Mutex
	runners map[string]*runner
	wg      sync.WaitGroup
}

type runner struct {
	dest    registry.Destination
	limiter *ratelimit.Limiter
	cancel  context.CancelFunc
}

// New creates a Forwarder. Call Start before Apply.
func New(queue *storage.Queue, conf config.DeliveryConf) *Forwarder {
	return &Forwarder{
		queue:   queue,
		conf:    conf,
		policy:  PolicyFrom(conf.Backoff),
		client:  &http.Client{Timeout: time.Duration(conf.RequestTimeoutMs) * time.Millisecond},
		runners: make(map[string]*runner),
	}
}

// Start begins the lease-reclaim sweep and binds the root context used by
// all runners. Runners themselves are created by Apply.
func (f *Forwarder) Start(ctx context.Context) {
	f.ctx = ctx
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.reclaimLoop(ctx)
	}()
}

// Apply reconciles the running runner set against the enabled destinations.
// New destinations get runners; removed, disabled, or changed destinations
// have their runners stopped (in-flight attempts drain to completion).
func (f *Forwarder) Apply(dests []registry.Destination) {
	f.mu.Lock()
	defer f.mu.Unlock()

	want := make(map[string]registry.Destination, len(dests))
	for _, d := range dests {
		want[d.ID] = d
	}

	for id, r := range f.runners {
		d, keep := want[id]
		if keep && sameDelivery(r.dest, d) {
			delete(want, id)
			continue
		}
		r.cancel()
		delete(f.runners, id)
		slog.Info("destination runner stopped", "destination", id)
	}

	for id, d := range want {
		f.startRunner(d)
		slog.Info("destination runner started", "destination", id, "workers", d.MaxConcurrency)
	}
}

func sameDelivery(a, b registry.Destination) bool {
	return a.URL == b.URL && a.MaxConcurrency == b.MaxConcurrency && a.RateLimit == b.RateLimit
}

func (f *Forwarder) startRunner(dest registry.Destination) {
	ctx, cancel := context.WithCancel(f.ctx)
	r := &runner{dest: dest, limiter: ratelimit.New(dest.RateLimit), cancel: cancel}
	f.runners[dest.ID] = r

	for i := 0; i < dest.MaxConcurrency; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.pollLoop(ctx, r)
		}()
	}
}

// pollLoop is one worker: tick, lease a ready job, attempt delivery.
func (f *Forwarder) pollLoop(ctx context.Context, r *runner) {
	ticker := time.NewTicker(time.Duration(f.conf.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.deliverNext(ctx, r)
		}
	}
}

func (f *Forwarder) deliverNext(ctx context.Context, r *runner) {
	if !r.limiter.Allow() {
		return
	}

	lease := time.Duration(f.conf.LeaseMs) * time.Millisecond
	job, err := f.queue.DequeueReady(ctx, r.dest.ID, lease)
	if err == sql.ErrNoRows {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("dequeue failed", "destination", r.dest.ID, "err", err)
		}
		return
	}

	attempts := job.AttemptCount + 1
	start := time.Now()
	// The request runs on the root context, not the runner's: disabling a
	// destination drains its in-flight attempt to completion, while process
	// shutdown aborts it (the nack below still lands, so the job survives).
	status, err := f.deliver(f.ctx, r.dest, job)
	metrics.DeliveryDuration.WithLabelValues(r.dest.ID).Observe(float64(time.Since(start).Milliseconds()))

	// State updates use a detached context so an aborted in-flight attempt
	// is still nacked back to pending during shutdown.
	upCtx, upCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer upCancel()

	if err != nil && f.ctx.Err() != nil {
		// Shutdown aborted the attempt before an outcome was known: put the
		// job back without consuming an attempt so it retries after restart.
		if err := f.queue.Retry(upCtx, job.ID, job.AttemptCount, time.Now(), "aborted by shutdown"); err != nil {
			slog.Error("nack after abort failed", "job", job.ID, "err", err)
		}
		return
	}

	if err == nil && status >= 200 && status < 300 {
		if err := f.queue.Ack(upCtx, job.ID, attempts); err != nil {
			slog.Error("ack failed", "job", job.ID, "err", err)
			return
		}
		metrics.Deliveries.WithLabelValues(r.dest.ID, "delivered").Inc()
		slog.Info("delivered", "job", job.ID, "destination", r.dest.ID, "attempts", attempts)
		return
	}

	reason := deliveryFailure(status, err)

	if !f.retryable(status, err) || f.policy.Exhausted(attempts) {
		if err := f.queue.DeadLetter(upCtx, job.ID, attempts, reason); err != nil {
			slog.Error("dead letter failed", "job", job.ID, "err", err)
			return
		}
		metrics.Deliveries.WithLabelValues(r.dest.ID, "dead_letter").Inc()
		slog.Warn("job dead-lettered", "job", job.ID, "destination", r.dest.ID,
			"attempts", attempts, "reason", reason)
		return
	}

	delay := f.policy.Delay(attempts)
	if err := f.queue.Retry(upCtx, job.ID, attempts, time.Now().Add(delay), reason); err != nil {
		slog.Error("nack failed", "job", job.ID, "err", err)
		return
	}
	metrics.Deliveries.WithLabelValues(r.dest.ID, "retry").Inc()
	slog.Info("delivery failed, will retry", "job", job.ID, "destination", r.dest.ID,
		"attempts", attempts, "delay", delay, "reason", reason)
}

func (f *Forwarder) deliver(ctx context.Context, dest registry.Destination, job *storage.Job) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(f.conf.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, dest.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forward-Event-ID", job.EventID)
	req.Header.Set("X-Forward-Job-ID", job.ID)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// retryable classifies a failed attempt. Network errors and 5xx always
// retry; 408 and 429 retry; other 4xx are terminal unless configured
// otherwise, since retrying a client error rarely helps.
func (f *Forwarder) retryable(status int, err error) bool {
	if err != nil || status >= 500 {
		return true
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return f.conf.RetryClientErrors
}

func deliveryFailure(status int, err error) string {
	if err != nil {
		return fmt.Sprintf("destination unreachable: %v", err)
	}
	return fmt.Sprintf("destination returned %d", status)
}

// reclaimLoop periodically returns expired leases to pending and refreshes
// the queue depth gauges.
func (f *Forwarder) reclaimLoop(ctx context.Context) {
	interval := time.Duration(f.conf.LeaseMs) * time.Millisecond / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := f.queue.ReclaimExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("lease reclaim failed", "err", err)
				}
				continue
			}
			if n > 0 {
				metrics.LeasesReclaimed.Add(float64(n))
				slog.Warn("reclaimed expired leases", "count", n)
			}
			if counts, err := f.queue.CountByState(ctx); err == nil {
				metrics.JobsPending.Set(float64(counts[storage.StatePending]))
				metrics.JobsDeadLettered.Set(float64(counts[storage.StateDeadLettered]))
			}
		}
	}
}

// Shutdown stops all runners and waits until workers finish or ctx expires.
// Attempts aborted by the root context cancel are nacked and retried after
// restart, so no job is lost.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	for id, r := range f.runners {
		r.cancel()
		delete(f.runners, id)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
