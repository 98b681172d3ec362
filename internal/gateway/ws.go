package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/signalgw/gateway/internal/hub"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 512 * 1024
)

// handleReceiveWS upgrades GET /v1/receive/{number} to a WebSocket and
// streams that account's notifications to it until the client
// disconnects. Each connection registers one hub.Consumer.
func (s *Server) handleReceiveWS(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("number")
	if account == "" {
		s.writeError(w, invalidBody(nil))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("account", account), zap.Error(err))
		return
	}

	consumer := s.hub.Subscribe(r.Context(), account)
	defer s.hub.Unsubscribe(account, consumer)

	done := make(chan struct{})
	go s.wsReadPump(conn, account, done)
	s.wsWritePump(conn, consumer, done)
}

// wsWritePump drains the consumer's queue to the socket and sends
// periodic pings so intermediaries don't reap an idle connection.
func (s *Server) wsWritePump(conn *websocket.Conn, consumer *hub.Consumer, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgCh := make(chan json.RawMessage)
	go func() {
		for {
			msg, ok := consumer.Pop(ctx)
			if !ok {
				close(msgCh)
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg, ok := <-msgCh:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReadPump only exists to detect client disconnects and absorb control
// frames; the protocol has no client-to-gateway message on this route.
// An inbound rate limiter guards against a misbehaving client flooding
// control frames.
func (s *Server) wsReadPump(conn *websocket.Conn, account string, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(50), 10)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("websocket read error", zap.String("account", account), zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			return
		}
	}
}
