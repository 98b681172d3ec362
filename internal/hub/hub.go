// Package hub implements the per-account Receive Hub: a single upstream
// subscription to signal-cli's notification stream fanned out to any
// number of WebSocket/SSE consumers, with bounded per-consumer queues and
// crash-recovery reconnect.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalgw/gateway/internal/metrics"
)

// State is the lifecycle of one account's upstream subscription.
type State int

const (
	Absent State = iota
	Starting
	Active
	Draining
	Stopping
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// RPCCaller is the subset of *rpc.Client the hub needs. Defined as an
// interface here so tests can supply a fake without standing up a real
// signal-cli daemon. Done reports transport loss so an Active subscription
// knows when to resubscribe without polling.
type RPCCaller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Done() <-chan struct{}
}

// Consumer is one WebSocket or SSE subscriber registered against an
// account's subscription. The hub is the sole writer into queue; Pop is
// called by the HTTP handler serving the consumer's connection.
type Consumer struct {
	ID      string
	account string

	mu               sync.Mutex
	queue            []json.RawMessage
	cap              int
	consecutiveDrops int
	closed           bool

	wake chan struct{}
	done chan struct{}
}

const maxConsecutiveDrops = 32

// push appends an envelope, dropping the oldest buffered entry if the
// queue is already at capacity. Returns false if the consumer has been
// evicted after too many consecutive drops.
func (c *Consumer) push(msg json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	if len(c.queue) >= c.cap {
		c.queue = c.queue[1:]
		c.consecutiveDrops++
		if c.consecutiveDrops >= maxConsecutiveDrops {
			c.closed = true
			close(c.done)
			return false
		}
	} else {
		c.consecutiveDrops = 0
	}

	c.queue = append(c.queue, msg)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an envelope is available, ctx is done, or the consumer
// has been closed/evicted.
func (c *Consumer) Pop(ctx context.Context) (json.RawMessage, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return msg, true
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-c.wake:
		case <-c.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close unregisters the consumer; safe to call more than once.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done reports when the consumer was closed, whether by the caller or by
// eviction after repeated drops.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// accountHub tracks one account's upstream subscription state and its
// registered consumers.
type accountHub struct {
	account string

	mu        sync.Mutex
	state     State
	consumers map[string]*Consumer
	cancel    context.CancelFunc
}

// Hub fans out signal-cli notifications to per-account consumer sets.
type Hub struct {
	rpc       RPCCaller
	log       *zap.Logger
	metric    *metrics.Registry
	queueSize int

	mu       sync.Mutex
	accounts map[string]*accountHub
}

// New constructs a Hub. queueSize bounds each consumer's buffered envelope
// depth before the oldest-drop policy engages.
func New(rpc RPCCaller, queueSize int, log *zap.Logger, m *metrics.Registry) *Hub {
	return &Hub{
		rpc:       rpc,
		log:       log,
		metric:    m,
		queueSize: queueSize,
		accounts:  make(map[string]*accountHub),
	}
}

// Subscribe registers a new Consumer for account, starting the upstream
// subscription if this is the first consumer for that account.
func (h *Hub) Subscribe(ctx context.Context, account string) *Consumer {
	h.mu.Lock()
	ah, ok := h.accounts[account]
	if !ok {
		ah = &accountHub{account: account, consumers: make(map[string]*Consumer)}
		h.accounts[account] = ah
	}
	h.mu.Unlock()

	consumer := &Consumer{
		ID:      uuid.NewString(),
		account: account,
		cap:     h.queueSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	ah.mu.Lock()
	ah.consumers[consumer.ID] = consumer
	needStart := ah.state == Absent || ah.state == Stopping
	if needStart {
		ah.state = Starting
	}
	ah.mu.Unlock()

	h.metric.IncWSClientsActive()

	if needStart {
		subCtx, cancel := context.WithCancel(context.Background())
		ah.mu.Lock()
		ah.cancel = cancel
		ah.mu.Unlock()
		go h.runAccount(subCtx, ah)
	}

	return consumer
}

// Unsubscribe removes a consumer; if it was the last one for its account,
// the upstream subscription transitions to Draining and is torn down
// after a short grace period, since signal-cli's subscribeReceive itself
// has no unsubscribe call.
func (h *Hub) Unsubscribe(account string, consumer *Consumer) {
	consumer.Close()
	h.metric.DecWSClientsActive()

	h.mu.Lock()
	ah, ok := h.accounts[account]
	h.mu.Unlock()
	if !ok {
		return
	}

	ah.mu.Lock()
	delete(ah.consumers, consumer.ID)
	empty := len(ah.consumers) == 0
	if empty && ah.state == Active {
		ah.state = Draining
	}
	ah.mu.Unlock()

	if empty {
		go h.drainAfterGrace(ah)
	}
}

func (h *Hub) drainAfterGrace(ah *accountHub) {
	time.Sleep(30 * time.Second)
	ah.mu.Lock()
	defer ah.mu.Unlock()
	if len(ah.consumers) > 0 {
		return
	}
	if ah.state != Draining {
		return
	}
	ah.state = Stopping
	if ah.cancel != nil {
		ah.cancel()
	}
}

// runAccount drives one account's upstream subscription: issues
// subscribeReceive, dispatches notifications to consumers, and reconnects
// with capped backoff if the call fails or the connection carrying it is
// lost. A subscription that stays Active is never re-issued on a timer.
func (h *Hub) runAccount(ctx context.Context, ah *accountHub) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ah.mu.Lock()
		ah.state = Active
		ah.mu.Unlock()

		_, err := h.rpc.Call(ctx, "subscribeReceive", map[string]any{"account": ah.account})
		if err != nil {
			h.log.Warn("subscribeReceive failed", zap.String("account", ah.account), zap.Error(err))

			select {
			case <-ctx.Done():
				ah.mu.Lock()
				ah.state = Absent
				ah.mu.Unlock()
				return
			case <-time.After(bo.NextBackOff()):
			}
		} else {
			bo.Reset()

			select {
			case <-ctx.Done():
				ah.mu.Lock()
				ah.state = Absent
				ah.mu.Unlock()
				return
			case <-h.rpc.Done():
				h.log.Warn("signal-cli connection lost while subscribed", zap.String("account", ah.account))
			}
		}

		ah.mu.Lock()
		stillWanted := len(ah.consumers) > 0
		ah.mu.Unlock()
		if !stillWanted {
			ah.mu.Lock()
			ah.state = Absent
			ah.mu.Unlock()
			return
		}
	}
}

// Dispatch fans out a raw notification envelope to every consumer
// registered for account. Called from the RPC client's notification
// handler.
func (h *Hub) Dispatch(account string, raw json.RawMessage) {
	h.mu.Lock()
	ah, ok := h.accounts[account]
	h.mu.Unlock()
	if !ok {
		return
	}

	ah.mu.Lock()
	consumers := make([]*Consumer, 0, len(ah.consumers))
	for _, c := range ah.consumers {
		consumers = append(consumers, c)
	}
	ah.mu.Unlock()

	for _, c := range consumers {
		if !c.push(raw) {
			h.metric.IncWSDropped()
			continue
		}
		// push resets consecutiveDrops unless it had to drop the oldest entry.
		c.mu.Lock()
		droppedOldest := c.consecutiveDrops > 0
		c.mu.Unlock()
		if droppedOldest {
			h.metric.IncWSDropped()
		}
	}
}

// StateOf reports the current state of account's subscription, for
// diagnostics and tests.
func (h *Hub) StateOf(account string) State {
	h.mu.Lock()
	ah, ok := h.accounts[account]
	h.mu.Unlock()
	if !ok {
		return Absent
	}
	ah.mu.Lock()
	defer ah.mu.Unlock()
	return ah.state
}

// ConsumerCount reports the number of active consumers for account.
func (h *Hub) ConsumerCount(account string) int {
	h.mu.Lock()
	ah, ok := h.accounts[account]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	ah.mu.Lock()
	defer ah.mu.Unlock()
	return len(ah.consumers)
}
