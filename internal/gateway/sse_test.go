package gateway

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestReceiveSSE_StreamsNotification(t *testing.T) {
	rpc := newFakeRPC()
	s, mux := newTestServer(rpc)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	const account = "+15550001111"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events/"+account, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read connected event: %v", err)
	}
	if strings.TrimSpace(line) != "event: connected" {
		t.Fatalf("first line = %q, want event: connected", line)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ConsumerCount(account) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("consumer never registered with hub")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.hub.Dispatch(account, []byte(`{"envelope":{}}`))

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.TrimSpace(line) == "event: message" {
			break
		}
	}
}
