package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/signalgw/gateway/internal/apierr"
	"github.com/signalgw/gateway/internal/metrics"
)

// fakeDaemon accepts one connection and lets the test script request and
// response frames over it by hand. The connection is accepted lazily on
// first use, since the client under test dials in after startFakeDaemon
// returns.
type fakeDaemon struct {
	ln     net.Listener
	connCh chan net.Conn
	conn   net.Conn
	r      *bufio.Scanner
}

func startFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			connCh <- conn
		}
	}()

	return &fakeDaemon{ln: ln, connCh: connCh}
}

func (f *fakeDaemon) addr() string { return f.ln.Addr().String() }

func (f *fakeDaemon) ensureConn(t *testing.T) {
	t.Helper()
	if f.conn != nil {
		return
	}
	select {
	case conn := <-f.connCh:
		f.conn = conn
		f.r = bufio.NewScanner(conn)
	case <-time.After(2 * time.Second):
		t.Fatal("fake daemon never accepted a connection")
	}
}

func (f *fakeDaemon) readLine(t *testing.T) map[string]any {
	t.Helper()
	f.ensureConn(t)
	if !f.r.Scan() {
		t.Fatalf("fake daemon: no line available: %v", f.r.Err())
	}
	var m map[string]any
	if err := json.Unmarshal(f.r.Bytes(), &m); err != nil {
		t.Fatalf("fake daemon: malformed line: %v", err)
	}
	return m
}

func (f *fakeDaemon) write(t *testing.T, v any) {
	t.Helper()
	f.ensureConn(t)
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b = append(b, '\n')
	if _, err := f.conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (f *fakeDaemon) close() {
	if f.conn != nil {
		f.conn.Close()
	}
	f.ln.Close()
}

func dialTestClient(t *testing.T, addr string, pendingCap int) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, pendingCap, zap.NewNop(), metrics.New())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func TestCall_SuccessRoundTrip(t *testing.T) {
	d := startFakeDaemon(t)
	defer d.close()

	c := dialTestClient(t, d.addr(), 16)
	defer c.Close()

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := c.Call(context.Background(), "send", map[string]any{"number": "+1"})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	req := d.readLine(t)
	if req["method"] != "send" {
		t.Fatalf("method = %v, want send", req["method"])
	}
	d.write(t, map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{"timestamp": 123}})

	select {
	case res := <-resultCh:
		var out map[string]any
		if err := json.Unmarshal(res, &out); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if out["timestamp"] != float64(123) {
			t.Errorf("timestamp = %v, want 123", out["timestamp"])
		}
	case err := <-errCh:
		t.Fatalf("Call() error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Call result")
	}
}

func TestCall_DaemonErrorMapsToRpcError(t *testing.T) {
	d := startFakeDaemon(t)
	defer d.close()

	c := dialTestClient(t, d.addr(), 16)
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "send", nil)
		errCh <- err
	}()

	req := d.readLine(t)
	d.write(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      req["id"],
		"error":   map[string]any{"code": -32602, "message": "invalid params"},
	})

	select {
	case err := <-errCh:
		if !apierr.IsCode(err, apierr.CodeRpcError) {
			t.Fatalf("Call() error = %v, want RpcError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Call error")
	}
}

func TestCall_OverloadedWhenPendingCapExceeded(t *testing.T) {
	d := startFakeDaemon(t)
	defer d.close()

	c := dialTestClient(t, d.addr(), 0)
	defer c.Close()

	_, err := c.Call(context.Background(), "send", nil)
	if !apierr.IsCode(err, apierr.CodeOverloaded) {
		t.Fatalf("Call() error = %v, want Overloaded", err)
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	d := startFakeDaemon(t)
	defer d.close()

	c := dialTestClient(t, d.addr(), 16)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "send", nil)
		errCh <- err
	}()

	d.readLine(t)
	cancel()

	select {
	case err := <-errCh:
		if !apierr.IsCode(err, apierr.CodeCancelled) {
			t.Fatalf("Call() error = %v, want Cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}

func TestCall_TransportLostOnConnectionDrop(t *testing.T) {
	d := startFakeDaemon(t)

	c := dialTestClient(t, d.addr(), 16)
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "send", nil)
		errCh <- err
	}()

	d.readLine(t)
	d.close()

	select {
	case err := <-errCh:
		if !apierr.IsCode(err, apierr.CodeTransportLost) {
			t.Fatalf("Call() error = %v, want TransportLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport loss")
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() never closed after transport loss")
	}
}

func TestNotificationHandler_ReceivesAccount(t *testing.T) {
	d := startFakeDaemon(t)
	defer d.close()

	c := dialTestClient(t, d.addr(), 16)
	defer c.Close()

	type notification struct {
		account string
		raw     json.RawMessage
	}
	notifyCh := make(chan notification, 1)
	c.SetNotificationHandler(func(account string, raw json.RawMessage) {
		notifyCh <- notification{account: account, raw: raw}
	})

	d.write(t, map[string]any{
		"jsonrpc": "2.0",
		"method":  "receive",
		"params":  map[string]any{"account": "+1555", "envelope": map[string]any{"dataMessage": map[string]any{}}},
	})

	select {
	case n := <-notifyCh:
		if n.account != "+1555" {
			t.Errorf("account = %q, want +1555", n.account)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler never invoked")
	}
}
