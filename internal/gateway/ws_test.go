package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestReceiveWS_StreamsNotification(t *testing.T) {
	rpc := newFakeRPC()
	s, mux := newTestServer(rpc)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	const account = "+15550002222"
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/receive/" + account

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ConsumerCount(account) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("consumer never registered with hub")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.hub.Dispatch(account, []byte(`{"envelope":{"dataMessage":{}}}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(msg), "dataMessage") {
		t.Errorf("message = %s, want it to contain dataMessage", msg)
	}
}

func TestReceiveWS_MissingAccountRejected(t *testing.T) {
	rpc := newFakeRPC()
	_, mux := newTestServer(rpc)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/receive/"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for empty account path")
	}
	if resp != nil && resp.StatusCode == 101 {
		t.Fatalf("upgrade should not have succeeded")
	}
}
