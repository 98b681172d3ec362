// Package rpc implements the persistent JSON-RPC 2.0 client that talks to
// the signal-cli daemon over a newline-delimited TCP stream.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalgw/gateway/internal/apierr"
	"github.com/signalgw/gateway/internal/metrics"
)

// request is the wire shape of a JSON-RPC 2.0 request.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

// response is the wire shape of a JSON-RPC 2.0 response or notification.
// Notifications never carry an ID.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorObject `json:"error,omitempty"`
}

type rpcErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// pendingCall is the entry kept in the pending table while a call is in
// flight. Call inserts entries; Call (on cancellation or transport loss),
// the reader goroutine, and teardown remove them. Every access holds
// pendingMu.
type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// NotificationHandler receives the raw params of a signal-cli
// notification, along with the account read from their "account" field
// (empty if absent).
type NotificationHandler func(account string, raw json.RawMessage)

// Client is a persistent connection to one signal-cli daemon endpoint.
// It serializes writes through a single writer goroutine and demultiplexes
// reads through a single reader goroutine, matching responses to callers
// by request id.
type Client struct {
	addr   string
	log    *zap.Logger
	metric *metrics.Registry

	mu      sync.Mutex
	conn    net.Conn
	writeCh chan []byte
	closed  bool
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall
	pendingCap int

	notifyMu sync.RWMutex
	notify   NotificationHandler

	doneCh chan struct{}
	group  *errgroup.Group
}

// Dial connects to addr and starts the writer/reader goroutines.
func Dial(ctx context.Context, addr string, pendingCap int, log *zap.Logger, m *metrics.Registry) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial signal-cli daemon at %s: %w", addr, err)
	}

	c := &Client{
		addr:       addr,
		log:        log,
		metric:     m,
		conn:       conn,
		writeCh:    make(chan []byte, 256),
		pending:    make(map[uint64]*pendingCall),
		pendingCap: pendingCap,
		doneCh:     make(chan struct{}),
	}

	g := new(errgroup.Group)
	g.Go(c.writerLoop)
	g.Go(c.readerLoop)
	c.group = g

	return c, nil
}

// SetNotificationHandler registers the sink for unsolicited signal-cli
// notifications (incoming messages, receipts, typing, sync envelopes).
// Only one handler may be registered; later calls replace earlier ones.
func (c *Client) SetNotificationHandler(fn NotificationHandler) {
	c.notifyMu.Lock()
	c.notify = fn
	c.notifyMu.Unlock()
}

// Closed reports whether the underlying connection has already failed or
// been closed, so callers can decide whether to redial.
func (c *Client) Closed() bool {
	select {
	case <-c.doneCh:
		return true
	default:
		return false
	}
}

// Done returns a channel that closes when the connection is torn down,
// whether by read error or explicit Close.
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// Call sends one JSON-RPC request and blocks until the matching response
// arrives, ctx is done, or the connection is lost. The zero value of ctx's
// deadline means no timeout is enforced by Call itself; callers are
// expected to attach one.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	c.metric.IncRPCCall(method)

	c.pendingMu.Lock()
	if len(c.pending) >= c.pendingCap {
		c.pendingMu.Unlock()
		return nil, apierr.Overloaded("pending rpc table")
	}
	id := c.nextID.Add(1)
	entry := &pendingCall{resultCh: make(chan callResult, 1)}
	c.pending[id] = entry
	c.pendingMu.Unlock()

	req := request{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	line, err := json.Marshal(req)
	if err != nil {
		c.removePending(id)
		return nil, apierr.Internal("failed to encode rpc request", err)
	}
	line = append(line, '\n')

	select {
	case c.writeCh <- line:
	case <-c.doneCh:
		c.removePending(id)
		return nil, apierr.TransportLost(nil)
	case <-ctx.Done():
		c.removePending(id)
		return nil, apierr.Cancelled()
	}

	select {
	case res := <-entry.resultCh:
		c.metric.ObserveRPCLatency(method, time.Since(start))
		if res.err != nil {
			c.metric.IncRPCError(method)
			return nil, res.err
		}
		return res.result, nil
	case <-c.doneCh:
		c.removePending(id)
		return nil, apierr.TransportLost(nil)
	case <-ctx.Done():
		c.removePending(id)
		return nil, apierr.Cancelled()
	}
}

func (c *Client) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// writerLoop serializes all outbound writes onto the connection. It is the
// sole writer so concurrent Call invocations never interleave bytes. It is
// run under an errgroup so Close can wait for it to actually exit instead
// of tearing down the socket out from under a write in progress.
func (c *Client) writerLoop() error {
	for {
		select {
		case line, ok := <-c.writeCh:
			if !ok {
				return nil
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return nil
			}
			if _, err := conn.Write(line); err != nil {
				c.log.Error("signal-cli write failed", zap.Error(err), zap.String("addr", c.addr))
				c.teardown(err)
				return err
			}
		case <-c.doneCh:
			return nil
		}
	}
}

// readerLoop demultiplexes newline-delimited JSON from signal-cli: frames
// carrying an id complete a pending call, frames without one are
// notifications forwarded to the registered handler. Like writerLoop, it
// runs under the client's errgroup.
func (c *Client) readerLoop() error {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Warn("malformed frame from signal-cli", zap.Error(err))
			continue
		}

		if resp.ID != nil {
			c.completeCall(*resp.ID, resp)
			continue
		}

		c.metric.IncMessagesReceived()
		c.notifyMu.RLock()
		handler := c.notify
		c.notifyMu.RUnlock()
		if handler != nil {
			handler(notificationAccount(resp.Params), resp.Params)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("signal-cli closed the connection")
	}
	c.log.Warn("signal-cli connection lost", zap.Error(err))
	c.teardown(err)
	return err
}

// notificationAccount extracts the account field signal-cli tags every
// "receive" notification with, so the hub can fan out to the right set
// of consumers.
func notificationAccount(params json.RawMessage) string {
	var envelope struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &envelope); err != nil {
		return ""
	}
	return envelope.Account
}

func (c *Client) completeCall(id uint64, resp response) {
	c.pendingMu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		// Late response for a call the caller already gave up on.
		return
	}

	if resp.Error != nil {
		entry.resultCh <- callResult{err: apierr.DaemonError(resp.Error.Code, resp.Error.Message)}
		return
	}
	entry.resultCh <- callResult{result: resp.Result}
}

// teardown fails every pending call with TransportLost and closes doneCh
// exactly once, then closes the socket.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, entry := range c.pending {
		entry.resultCh <- callResult{err: apierr.TransportLost(cause)}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	close(c.doneCh)
	if conn != nil {
		conn.Close()
	}
}

// Close tears down the connection, fails any outstanding calls, and waits
// for the writer and reader goroutines to exit before returning.
func (c *Client) Close() error {
	c.teardown(nil)
	c.group.Wait()
	return nil
}
