package main

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/signalgw/gateway/internal/apierr"
	"github.com/signalgw/gateway/internal/rpc"
)

// rpcProxy lets the gateway, hub, and webhook deliverer hold a single
// long-lived RPCCaller across signal-cli daemon restarts. superviseDaemon
// swaps the underlying *rpc.Client each time it reconnects; Call and Done
// always observe whichever client is current.
type rpcProxy struct {
	client atomic.Pointer[rpc.Client]
}

func (p *rpcProxy) set(c *rpc.Client) {
	p.client.Store(c)
}

func (p *rpcProxy) current() *rpc.Client {
	return p.client.Load()
}

func (p *rpcProxy) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c := p.client.Load()
	if c == nil {
		return nil, apierr.TransportLost(nil)
	}
	return c.Call(ctx, method, params)
}

func (p *rpcProxy) Done() <-chan struct{} {
	c := p.client.Load()
	if c == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.Done()
}
