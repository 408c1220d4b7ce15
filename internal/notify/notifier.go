package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	defaultQueueSize   = 256
	defaultWorkers     = 4
)

// ClaimRef is the originating-claim summary included in message payloads.
type ClaimRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Payload is the body posted to an agent's registered endpoint.
type Payload struct {
	Event        string    `json:"event" enum:"message,whisper"`
	ConnectionID string    `json:"connection_id"`
	MessageID    string    `json:"message_id"`
	From         *ClaimRef `json:"from,omitempty"`
	Content      string    `json:"content"`
	Type         string    `json:"type,omitempty"`
	Timestamp    string    `json:"timestamp"`
}

// Task is one outbound delivery. It exists only until delivery settles.
type Task struct {
	Endpoint string
	Payload  Payload
}

// Config tunes the dispatcher; zero values fall back to defaults.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	QueueSize   int
	Workers     int
	Logger      *log.Logger
	// Sleep is replaced in tests to avoid real backoff waits.
	Sleep func(time.Duration)
	Now   func() time.Time
}

// Notifier pushes signed events to agent endpoints. Deliveries are
// best-effort: the enqueueing caller never observes the outcome.
type Notifier struct {
	cfg    Config
	client *http.Client
	queue  chan Task
	wg     sync.WaitGroup
	once   sync.Once
}

func New(cfg Config) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan Task, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Enqueue hands a task to the dispatcher without blocking the caller. Tasks
// with no endpoint are dropped; a full queue drops the task with a log line
// rather than stalling the triggering request.
func (n *Notifier) Enqueue(task Task) {
	if task.Endpoint == "" {
		return
	}
	select {
	case n.queue <- task:
	default:
		n.cfg.Logger.Printf("notify: queue full, dropping %s event for %s", task.Payload.Event, task.Endpoint)
	}
}

// Close stops accepting tasks and waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.queue) })
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for task := range n.queue {
		n.Deliver(context.Background(), task)
	}
}

// Deliver runs the full attempt/backoff cycle for one task. A response with
// status below 500 settles the task; 5xx and transport errors retry up to
// MaxAttempts with Backoff<<attempt between tries. Exhaustion is logged and
// swallowed.
func (n *Notifier) Deliver(ctx context.Context, task Task) {
	body, err := json.Marshal(task.Payload)
	if err != nil {
		n.cfg.Logger.Printf("notify: marshal payload for %s: %v", task.Endpoint, err)
		return
	}
	ts := strconv.FormatInt(n.cfg.Now().UnixMilli(), 10)
	signature := Sign(ts, body)

	for attempt := 0; attempt < n.cfg.MaxAttempts; attempt++ {
		status, err := n.post(ctx, task.Endpoint, body, ts, signature)
		if err == nil && status < http.StatusInternalServerError {
			return
		}
		if err != nil {
			n.cfg.Logger.Printf("notify: attempt %d error for %s: %v", attempt+1, task.Endpoint, err)
		} else {
			n.cfg.Logger.Printf("notify: attempt %d failed for %s: status %d", attempt+1, task.Endpoint, status)
		}
		if attempt < n.cfg.MaxAttempts-1 {
			n.cfg.Sleep(n.cfg.Backoff << attempt)
		}
	}
	n.cfg.Logger.Printf("notify: delivery failed after %d attempts for %s", n.cfg.MaxAttempts, task.Endpoint)
}

func (n *Notifier) post(ctx context.Context, endpoint string, body []byte, ts, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pairline-Signature", "sha256="+signature)
	req.Header.Set("X-Pairline-Timestamp", ts)
	req.Header.Set("User-Agent", "Pairline-Webhook/1.0")
	res, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	res.Body.Close()
	return res.StatusCode, nil
}

// Sign computes the hex digest of timestamp||body. Receivers recompute it to
// verify recency and authenticity.
func Sign(ts string, body []byte) string {
	h := sha256.New()
	fmt.Fprint(h, ts)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
