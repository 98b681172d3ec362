package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/signalgw/gateway/internal/apierr"
)

// statusRecorder wraps http.ResponseWriter to capture the status code
// written so the request-completion log line can report it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush and Hijack pass through to the wrapped writer so the SSE and
// WebSocket handlers still work behind the request pipeline.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// withRequestPipeline allocates a request id, stamps it on the response as
// x-request-id, and logs one structured line per request with method,
// path, status, and latency.
func (s *Server) withRequestPipeline(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := s.nextRequestID()
		w.Header().Set("x-request-id", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
	}
}

// errorBody is the JSON shape of every non-2xx response body. Code is the
// daemon's numeric JSON-RPC error code when the failure originated there,
// and null for gateway-local failures (bad request body, overload,
// transport loss, and so on).
type errorBody struct {
	Message string `json:"error"`
	Code    *int   `json:"code"`
}

// writeError maps err to an HTTP status via its apierr code and writes the
// JSON error body. Cancelled is written as a bare 499 status with no body,
// since the client has already gone away.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	classCode, message := apierr.ToCodeAndMessage(err)
	status := statusForCode(classCode)

	var rpcCode *int
	var coded *apierr.CodedError
	if errors.As(err, &coded) {
		if coded.HTTPStatus != 0 {
			status = coded.HTTPStatus
		}
		rpcCode = coded.RPCCode
	}

	if status == statusClientClosedRequest {
		w.WriteHeader(status)
		return
	}

	if status == http.StatusServiceUnavailable && classCode == apierr.CodeOverloaded {
		w.Header().Set("Retry-After", "1")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Message: message, Code: rpcCode})
}

// statusClientClosedRequest is nginx's de facto 499, used here per spec for
// caller-side cancellation; it has no constant in net/http.
const statusClientClosedRequest = 499

func invalidBody(cause error) error {
	return apierr.Wrap(apierr.CodeInvalidArgument, "request body is not valid JSON", cause)
}

func statusForCode(code string) int {
	switch code {
	case apierr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apierr.CodeRpcError:
		return http.StatusBadGateway
	case apierr.CodeTransportLost:
		return http.StatusServiceUnavailable
	case apierr.CodeCancelled:
		return statusClientClosedRequest
	case apierr.CodeOverloaded:
		return http.StatusServiceUnavailable
	case apierr.CodeWebhookNotFound:
		return http.StatusNotFound
	case apierr.CodeWebhookInvalidURL, apierr.CodeWebhookInvalidEvent:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
