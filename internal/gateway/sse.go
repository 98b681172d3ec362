package gateway

import (
	"fmt"
	"net/http"
	"time"
)

const sseHeartbeatPeriod = 15 * time.Second

// handleReceiveSSE serves GET /v1/events/{number} as a Server-Sent Events
// stream: one hub.Consumer per connection, same fan-out path as the
// WebSocket route, framed as "event: message\ndata: <envelope>\n\n" instead
// of WebSocket text frames.
func (s *Server) handleReceiveSSE(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("number")
	if account == "" {
		s.writeError(w, invalidBody(nil))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, invalidBody(nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	consumer := s.hub.Subscribe(r.Context(), account)
	defer s.hub.Unsubscribe(account, consumer)

	ctx := r.Context()
	ticker := time.NewTicker(sseHeartbeatPeriod)
	defer ticker.Stop()

	msgCh := make(chan []byte)
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
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}
