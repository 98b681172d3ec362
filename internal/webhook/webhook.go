// Package webhook implements in-memory webhook registration and delivery:
// each registration gets its own bounded queue and worker goroutine that
// POSTs matching events with exponential backoff retry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalgw/gateway/internal/apierr"
	"github.com/signalgw/gateway/internal/metrics"
)

// Registration describes one webhook target. Events, when non-empty,
// filters which notification kinds are delivered; an empty filter means
// "all kinds".
type Registration struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

var validEventKinds = map[string]bool{
	"message":  true,
	"receipt":  true,
	"typing":   true,
	"reaction": true,
	"sync":     true,
}

// ValidateEventKinds returns apierr.WebhookInvalidEvent for the first
// unrecognized kind in events, or nil if all are known.
func ValidateEventKinds(events []string) error {
	for _, e := range events {
		if !validEventKinds[e] {
			return apierr.WebhookInvalidEvent(e)
		}
	}
	return nil
}

type worker struct {
	reg   Registration
	queue chan []byte
	done  chan struct{}
}

// Deliverer owns the registration registry and one delivery worker per
// registration.
type Deliverer struct {
	log       *zap.Logger
	metric    *metrics.Registry
	client    *http.Client
	queueSize int

	mu      sync.RWMutex
	workers map[string]*worker
}

// New constructs a Deliverer. queueSize bounds each registration's
// pending-delivery queue before the oldest-drop policy engages.
func New(queueSize int, log *zap.Logger, m *metrics.Registry) *Deliverer {
	return &Deliverer{
		log:       log,
		metric:    m,
		client:    &http.Client{Timeout: 10 * time.Second},
		queueSize: queueSize,
		workers:   make(map[string]*worker),
	}
}

// Register adds a new webhook registration and starts its delivery
// worker. The registration is assigned a fresh ID.
func (d *Deliverer) Register(url string, events []string) (Registration, error) {
	if url == "" {
		return Registration{}, apierr.WebhookInvalidURL("url is required")
	}
	if err := ValidateEventKinds(events); err != nil {
		return Registration{}, err
	}

	reg := Registration{ID: uuid.NewString(), URL: url, Events: events}
	w := &worker{reg: reg, queue: make(chan []byte, d.queueSize), done: make(chan struct{})}

	d.mu.Lock()
	d.workers[reg.ID] = w
	d.mu.Unlock()

	go d.runWorker(w)

	return reg, nil
}

// List returns every current registration.
func (d *Deliverer) List() []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Registration, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w.reg)
	}
	return out
}

// Unregister stops and removes the registration with id.
func (d *Deliverer) Unregister(id string) error {
	d.mu.Lock()
	w, ok := d.workers[id]
	if ok {
		delete(d.workers, id)
	}
	d.mu.Unlock()

	if !ok {
		return apierr.WebhookNotFound(id)
	}
	close(w.done)
	return nil
}

// eventKind mirrors the envelope inspection signal-cli-rest-api performs:
// the notification's shape determines its event kind. A dataMessage
// carrying a reaction is classified as "reaction" rather than "message",
// since reactions and regular text are distinct filterable kinds.
func eventKind(raw []byte) string {
	var env struct {
		Envelope struct {
			DataMessage struct {
				Reaction json.RawMessage `json:"reaction"`
			} `json:"dataMessage"`
		} `json:"envelope"`
	}
	var rawEnv struct {
		Envelope struct {
			DataMessage    json.RawMessage `json:"dataMessage"`
			ReceiptMessage json.RawMessage `json:"receiptMessage"`
			TypingMessage  json.RawMessage `json:"typingMessage"`
			SyncMessage    json.RawMessage `json:"syncMessage"`
		} `json:"envelope"`
	}
	if err := json.Unmarshal(raw, &rawEnv); err != nil {
		return ""
	}
	switch {
	case rawEnv.Envelope.DataMessage != nil:
		if err := json.Unmarshal(raw, &env); err == nil && env.Envelope.DataMessage.Reaction != nil {
			return "reaction"
		}
		return "message"
	case rawEnv.Envelope.ReceiptMessage != nil:
		return "receipt"
	case rawEnv.Envelope.TypingMessage != nil:
		return "typing"
	case rawEnv.Envelope.SyncMessage != nil:
		return "sync"
	default:
		return ""
	}
}

// Dispatch enqueues raw for delivery to every registration whose event
// filter matches its kind. Called from the RPC client's notification
// handler, next to the hub's Dispatch.
func (d *Deliverer) Dispatch(raw json.RawMessage) {
	kind := eventKind(raw)

	d.mu.RLock()
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.RUnlock()

	for _, w := range workers {
		if len(w.reg.Events) > 0 {
			matched := false
			for _, e := range w.reg.Events {
				if e == kind {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		select {
		case w.queue <- raw:
		default:
			// Queue full: drop the oldest pending payload to make room.
			select {
			case <-w.queue:
			default:
			}
			select {
			case w.queue <- raw:
			default:
			}
		}
	}
}

// runWorker delivers queued payloads to its registration's URL, retrying
// with exponential backoff on failure.
func (d *Deliverer) runWorker(w *worker) {
	for {
		select {
		case <-w.done:
			return
		case payload := <-w.queue:
			d.deliverWithRetry(w, payload)
		}
	}
}

func (d *Deliverer) deliverWithRetry(w *worker, payload []byte) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2

	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-w.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := d.post(ctx, w.reg.URL, payload)
		cancel()
		if err == nil {
			d.metric.IncWebhookDelivery()
			return
		}

		d.log.Warn("webhook delivery failed",
			zap.String("webhook_id", w.reg.ID), zap.String("url", w.reg.URL),
			zap.Int("attempt", attempt), zap.Error(err))

		if attempt == maxAttempts {
			d.metric.IncWebhookFailure()
			return
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-w.done:
			return
		}
	}
}

func (d *Deliverer) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apierr.Internal("webhook target returned non-2xx status", nil)
	}
	return nil
}
