package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew_MultipleInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.IncMessagesSent()
	b.IncRPCCall("send")
	_ = a
	_ = b
}

func TestHandler_ServesOwnCollectorsOnly(t *testing.T) {
	r := New()
	r.IncMessagesSent()
	r.IncRPCCall("send")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "signal_messages_sent_total 1") {
		t.Errorf("body missing signal_messages_sent_total, got: %s", body)
	}
	if !strings.Contains(body, `signal_rpc_calls_total{method="send"} 1`) {
		t.Errorf("body missing signal_rpc_calls_total, got: %s", body)
	}
}
