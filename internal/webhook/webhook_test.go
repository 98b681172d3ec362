package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/signalgw/gateway/internal/apierr"
	"github.com/signalgw/gateway/internal/metrics"
)

func newTestDeliverer() *Deliverer {
	return New(8, zap.NewNop(), metrics.New())
}

func TestRegister_RejectsEmptyURL(t *testing.T) {
	d := newTestDeliverer()
	_, err := d.Register("", nil)
	if !apierr.IsCode(err, apierr.CodeWebhookInvalidURL) {
		t.Fatalf("Register() error = %v, want WebhookInvalidURL", err)
	}
}

func TestRegister_RejectsUnknownEventKind(t *testing.T) {
	d := newTestDeliverer()
	_, err := d.Register("http://example.com", []string{"bogus"})
	if !apierr.IsCode(err, apierr.CodeWebhookInvalidEvent) {
		t.Fatalf("Register() error = %v, want WebhookInvalidEvent", err)
	}
}

func TestRegisterAndList(t *testing.T) {
	d := newTestDeliverer()
	reg, err := d.Register("http://example.com/hook", []string{"message"})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if reg.ID == "" {
		t.Error("Register() returned empty ID")
	}

	list := d.List()
	if len(list) != 1 || list[0].ID != reg.ID {
		t.Errorf("List() = %+v, want one entry matching %+v", list, reg)
	}
}

func TestUnregister_RemovesAndStops(t *testing.T) {
	d := newTestDeliverer()
	reg, _ := d.Register("http://example.com/hook", nil)

	if err := d.Unregister(reg.ID); err != nil {
		t.Fatalf("Unregister() error: %v", err)
	}
	if len(d.List()) != 0 {
		t.Error("List() should be empty after Unregister()")
	}
}

func TestUnregister_NotFound(t *testing.T) {
	d := newTestDeliverer()
	err := d.Unregister("nonexistent")
	if !apierr.IsCode(err, apierr.CodeWebhookNotFound) {
		t.Fatalf("Unregister() error = %v, want WebhookNotFound", err)
	}
}

func TestDispatch_DeliversMatchingEvent(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer()
	_, err := d.Register(srv.URL, []string{"message"})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	envelope := json.RawMessage(`{"envelope":{"dataMessage":{"message":"hi"}}}`)
	d.Dispatch(envelope)

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if received.Load() == 0 {
		t.Fatal("webhook target never received a delivery")
	}
}

func TestDispatch_SkipsNonMatchingFilter(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer()
	_, err := d.Register(srv.URL, []string{"receipt"})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	envelope := json.RawMessage(`{"envelope":{"dataMessage":{"message":"hi"}}}`)
	d.Dispatch(envelope)

	time.Sleep(200 * time.Millisecond)
	if received.Load() != 0 {
		t.Error("webhook target received a delivery despite a non-matching filter")
	}
}

func TestEventKind(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"envelope":{"dataMessage":{}}}`, "message"},
		{`{"envelope":{"dataMessage":{"reaction":{"emoji":"👍","targetSentTimestamp":1}}}}`, "reaction"},
		{`{"envelope":{"receiptMessage":{}}}`, "receipt"},
		{`{"envelope":{"typingMessage":{}}}`, "typing"},
		{`{"envelope":{"syncMessage":{}}}`, "sync"},
		{`{"envelope":{}}`, ""},
	}
	for _, tt := range tests {
		if got := eventKind([]byte(tt.raw)); got != tt.want {
			t.Errorf("eventKind(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
