package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AnatolyTseytsey/forward-webhook/internal/config"
	"github.com/AnatolyTseytsey/forward-webhook/internal/ingest"
	"github.com/AnatolyTseytsey/forward-webhook/internal/registry"
	"github.com/AnatolyTseytsey/forward-webhook/internal/storage"
)

const testConfig = `
version: "1"
server:
  webhook_path: /webhook
  secret_token: s3cret
destinations:
  - id: d1
    url: http://d1.example/hook
    enabled: true
    match:
      kind: all
`

type fixture struct {
	handler http.Handler
	store   *storage.Store
	queue   *storage.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "forwarder.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	store, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := loader.Config()
	dedup := storage.NewDedup(store, time.Hour)
	queue := storage.NewQueue(store)
	reg := registry.New(cfg.Destinations)
	ing := ingest.New(store, dedup, queue, reg, cfg.Server.SecretToken)

	return &fixture{
		handler: New(ing, loader, reg, store, queue),
		store:   store,
		queue:   queue,
	}
}

func do(t *testing.T, h http.Handler, method, path, body, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookStatusCodes(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		body   string
		secret string
		want   int
	}{
		{"accepted", `{"id":"e1","type":"message","payload":{}}`, "s3cret", http.StatusAccepted},
		{"duplicate", `{"id":"e1","type":"message","payload":{}}`, "s3cret", http.StatusOK},
		{"bad secret", `{"id":"e2","type":"message","payload":{}}`, "nope", http.StatusUnauthorized},
		{"malformed", `{{{`, "s3cret", http.StatusBadRequest},
		{"missing type", `{"id":"e3","payload":{}}`, "s3cret", http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := do(t, f.handler, http.MethodPost, "/webhook", c.body, c.secret)
			if rec.Code != c.want {
				t.Errorf("status = %d, want %d (body: %s)", rec.Code, c.want, rec.Body)
			}
		})
	}
}

func TestWebhookStorageDownReturnsRetryable(t *testing.T) {
	f := newFixture(t)
	f.store.Close()

	rec := do(t, f.handler, http.MethodPost, "/webhook", `{"id":"e1","type":"message","payload":{}}`, "s3cret")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when storage is down", rec.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	if rec := do(t, f.handler, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
	if rec := do(t, f.handler, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", rec.Code)
	}

	f.store.Close()
	if rec := do(t, f.handler, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with closed store = %d, want 503", rec.Code)
	}
}

func TestListDestinations(t *testing.T) {
	f := newFixture(t)
	rec := do(t, f.handler, http.MethodGet, "/v1/destinations", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"d1"`) {
		t.Errorf("body missing destination d1: %s", rec.Body)
	}
}

func TestDeadLetterInspectionAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed a dead-lettered job directly.
	tx, err := f.store.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.queue.EnqueueTx(ctx, tx, &storage.Job{ID: "j1", EventID: "e1", DestinationID: "d1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := f.queue.DequeueReady(ctx, "d1", time.Minute); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := f.queue.DeadLetter(ctx, "j1", 8, "exhausted retries"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	rec := do(t, f.handler, http.MethodGet, "/v1/deadletters", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"j1"`) {
		t.Fatalf("deadletters = %d %s, want 200 with j1", rec.Code, rec.Body)
	}

	rec = do(t, f.handler, http.MethodPost, "/v1/deadletters/j1/replay", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("replay = %d %s, want 200", rec.Code, rec.Body)
	}
	job, err := f.queue.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != storage.StatePending {
		t.Errorf("replayed job state = %s, want pending", job.State)
	}

	rec = do(t, f.handler, http.MethodPost, "/v1/deadletters/missing/replay", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("replay missing = %d, want 404", rec.Code)
	}
}

func TestConfigReload(t *testing.T) {
	f := newFixture(t)
	rec := do(t, f.handler, http.MethodPost, "/v1/config/reload", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("reload = %d %s, want 200", rec.Code, rec.Body)
	}
}
