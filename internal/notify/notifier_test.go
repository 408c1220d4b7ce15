package notify

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testNotifier(t *testing.T, cfg Config, sleeps *[]time.Duration) *Notifier {
	t.Helper()
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.Sleep = func(d time.Duration) {
		if sleeps != nil {
			*sleeps = append(*sleeps, d)
		}
	}
	cfg.Workers = 1
	n := New(cfg)
	t.Cleanup(n.Close)
	return n
}

func TestDeliverSignsRequests(t *testing.T) {
	var mu sync.Mutex
	var gotSig, gotTS, gotUA string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Pairline-Signature")
		gotTS = r.Header.Get("X-Pairline-Timestamp")
		gotUA = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := testNotifier(t, Config{Now: func() time.Time { return fixed }}, nil)
	n.Deliver(context.Background(), Task{
		Endpoint: srv.URL,
		Payload: Payload{
			Event:        "message",
			ConnectionID: "c1",
			MessageID:    "m1",
			Content:      "hello",
			Type:         "text",
		},
	})

	mu.Lock()
	defer mu.Unlock()
	if gotUA != "Pairline-Webhook/1.0" {
		t.Fatalf("user agent: %s", gotUA)
	}
	wantTS := "1767323045000"
	if gotTS != wantTS {
		t.Fatalf("timestamp: got %s want %s", gotTS, wantTS)
	}
	if want := "sha256=" + Sign(gotTS, gotBody); gotSig != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSig, want)
	}
}

func TestDeliverRetriesOn5xx(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	n := testNotifier(t, Config{MaxAttempts: 3, Backoff: time.Second}, &sleeps)
	n.Deliver(context.Background(), Task{Endpoint: srv.URL, Payload: Payload{Event: "message"}})

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	// exponential: 1s then 2s, no sleep after the last attempt
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("unexpected backoff schedule: %v", sleeps)
	}
}

func TestDeliverTreatsClientErrorsAsSettled(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	n := testNotifier(t, Config{MaxAttempts: 3}, &sleeps)
	n.Deliver(context.Background(), Task{Endpoint: srv.URL, Payload: Payload{Event: "message"}})

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("4xx should settle on first attempt, got %d", attempts)
	}
	if len(sleeps) != 0 {
		t.Fatalf("no backoff expected: %v", sleeps)
	}
}

func TestEnqueueDropsWithoutEndpoint(t *testing.T) {
	n := testNotifier(t, Config{QueueSize: 1}, nil)
	// must not panic or block
	n.Enqueue(Task{Payload: Payload{Event: "message"}})
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(t, Config{QueueSize: 1, MaxAttempts: 1}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// first task occupies the worker, the rest overflow the queue
		for i := 0; i < 10; i++ {
			n.Enqueue(Task{Endpoint: srv.URL, Payload: Payload{Event: "message"}})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	close(release)
}
