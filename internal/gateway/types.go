// Package gateway implements the HTTP, WebSocket, and SSE surface: request
// routing, the REST-to-RPC dispatch table, and the request pipeline (id
// allocation, structured logging, error-to-status mapping).
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalgw/gateway/internal/hub"
	"github.com/signalgw/gateway/internal/metrics"
	"github.com/signalgw/gateway/internal/webhook"
)

// RPCCaller is the subset of *rpc.Client the gateway's handlers need.
type RPCCaller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Server wires the HTTP surface to the hub, webhook deliverer, and RPC
// client. A single Server is constructed at startup.
type Server struct {
	addr string

	rpc     RPCCaller
	hub     *hub.Hub
	webhook *webhook.Deliverer
	metric  *metrics.Registry
	log     *zap.Logger

	upgrader websocket.Upgrader

	requestSeq  atomic.Uint64
	startedAt   time.Time
	version     string
	aboutCached atomic.Pointer[aboutInfo]

	rpcTimeout time.Duration

	httpServer *http.Server
}

// Config carries everything needed to construct a Server.
type Config struct {
	Addr       string
	Version    string
	RPCTimeout time.Duration
}

// New constructs a Server. The HTTP listener is not started until Start or
// StartAsync is called.
func New(cfg Config, rpc RPCCaller, h *hub.Hub, wh *webhook.Deliverer, m *metrics.Registry, log *zap.Logger) *Server {
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		addr:    cfg.Addr,
		rpc:     rpc,
		hub:     h,
		webhook: wh,
		metric:  m,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt:  time.Now(),
		version:    cfg.Version,
		rpcTimeout: timeout,
	}
}

type aboutInfo struct {
	Versions       []string `json:"versions"`
	BuildNumber    int      `json:"build"`
	GatewayVersion string   `json:"gatewayVersion"`
	SignalCLIMode  string   `json:"mode"`
}

// nextRequestID allocates the next monotonic per-process request id.
func (s *Server) nextRequestID() string {
	n := s.requestSeq.Add(1)
	return "req-" + strconv.FormatUint(n, 16)
}
