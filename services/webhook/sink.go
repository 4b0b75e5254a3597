// Package webhook delivers escrow notifications to an external HTTP consumer.
// The sink implements events.Emitter; enqueueing never blocks and delivery
// failures never propagate back into the state machine.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowd/core/events"
	"escrowd/observability"
)

const maxAttempts = 5

// Delivery is one notification queued for the consumer.
type Delivery struct {
	ID        string
	Event     events.Event
	Attempt   int
	NotBefore time.Time
	CreatedAt time.Time
	Sequence  int64
}

// Sink queues escrow events and delivers them to a single subscriber URL with
// HMAC-SHA256 signatures and bounded retry.
type Sink struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
	nowFn  func() time.Time

	mu      sync.Mutex
	seq     int64
	pending []Delivery
	history []Delivery
}

func NewSink(url, secret string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		nowFn:  time.Now,
	}
}

// Emit implements events.Emitter. It records the event and returns
// immediately.
func (s *Sink) Emit(evt events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	d := Delivery{
		ID:        uuid.NewString(),
		Event:     evt,
		CreatedAt: s.nowFn(),
		Sequence:  s.seq,
	}
	s.history = append(s.history, d)
	if s.url == "" {
		return
	}
	s.pending = append(s.pending, d)
}

// History returns a snapshot of every emitted event. Primarily used in tests.
func (s *Sink) History() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]Delivery, len(s.history))
	copy(snapshot, s.history)
	return snapshot
}

// dequeue pops the next deliverable task, honouring NotBefore. Returns false
// once the context is cancelled.
func (s *Sink) dequeue(ctx context.Context) (Delivery, bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			task := s.pending[0]
			copy(s.pending, s.pending[1:])
			s.pending = s.pending[:len(s.pending)-1]
			s.mu.Unlock()
			if delay := time.Until(task.NotBefore); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return Delivery{}, false
				case <-timer.C:
				}
			}
			return task, true
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Run delivers queued events until the context is cancelled.
func (s *Sink) Run(ctx context.Context) {
	for {
		task, ok := s.dequeue(ctx)
		if !ok {
			return
		}
		s.deliver(ctx, task)
	}
}

func (s *Sink) deliver(ctx context.Context, task Delivery) {
	body := map[string]interface{}{
		"id":         task.ID,
		"type":       task.Event.Type,
		"sequence":   task.Sequence,
		"attributes": task.Event.Attributes,
		"timestamp":  task.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("encode webhook payload", "error", err, "delivery", task.ID)
		observability.Escrow().ObserveDelivery("error")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		s.logger.Error("build webhook request", "error", err, "delivery", task.ID)
		observability.Escrow().ObserveDelivery("error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Signature", signPayload(s.secret, payload))

	resp, err := s.client.Do(req)
	if err != nil {
		s.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.retryLater(task, resp.Status)
		return
	}
	observability.Escrow().ObserveDelivery("success")
}

func (s *Sink) retryLater(task Delivery, errMsg string) {
	attempt := task.Attempt + 1
	observability.Escrow().ObserveDelivery("failed")
	if attempt >= maxAttempts {
		s.logger.Error("webhook delivery dropped", "delivery", task.ID, "attempts", attempt, "error", errMsg)
		return
	}
	s.logger.Warn("webhook delivery retry", "delivery", task.ID, "attempt", attempt, "error", errMsg)
	task.Attempt = attempt
	task.NotBefore = s.nowFn().Add(backoffDuration(attempt))
	s.mu.Lock()
	s.pending = append(s.pending, task)
	s.mu.Unlock()
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
