package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// TLSConfig holds the certificate and key paths for HTTPS/WSS.
type TLSConfig struct {
	CertPath string
	KeyPath  string
}

func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	mux.Handle("GET /metrics", s.metric.Handler())
	return mux
}

// Addr returns the address the server is actually bound to. Before the
// server starts this is the configured address; once it's listening it
// reflects the real bound address, which may differ if listenWithFallback
// had to fall back to an ephemeral port.
func (s *Server) Addr() string {
	return s.addr
}

// listenWithFallback binds addr, falling back to an ephemeral port on the
// same host if addr is already in use. The caller's configured address
// always wins when it's free; the fallback only engages on EADDRINUSE, not
// on other listen failures like a malformed address or permission error.
func listenWithFallback(addr string, log *zap.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}

	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, err
	}

	ln, fbErr := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if fbErr != nil {
		return nil, err
	}
	log.Warn("configured listen address is busy, falling back to an ephemeral port",
		zap.String("configured_addr", addr), zap.String("actual_addr", ln.Addr().String()))
	return ln, nil
}

// Start begins listening for HTTP requests. It blocks until the server
// is stopped or fails; call it in a goroutine, or use StartAsync for
// startup-error reporting without blocking the caller.
func (s *Server) Start() error {
	mux := s.createMux()
	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}
	s.warmAbout()
	s.log.Info("gateway listening", zap.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// StartAsync starts the server in a goroutine and returns a channel that
// receives nil on successful startup or an error if the listener could
// not be created, e.g. the port is already in use.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()
	ln, err := listenWithFallback(s.addr, s.log)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}
	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{Handler: mux}
	s.warmAbout()

	go func() {
		s.log.Info("gateway listening", zap.String("addr", s.addr))
		errCh <- nil
		close(errCh)

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("gateway server error", zap.Error(err))
		}
	}()

	return errCh
}

// StartAsyncTLS is the HTTPS/WSS variant of StartAsync.
func (s *Server) StartAsyncTLS(cfg TLSConfig) <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()
	ln, err := listenWithFallback(s.addr, s.log)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}
	s.addr = ln.Addr().String()

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		ln.Close()
		errCh <- fmt.Errorf("failed to load TLS certificate: %w", err)
		close(errCh)
		return errCh
	}

	tlsLn := tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})

	s.httpServer = &http.Server{Handler: mux}
	s.warmAbout()

	go func() {
		s.log.Info("gateway listening (TLS)", zap.String("addr", s.addr))
		errCh <- nil
		close(errCh)

		if err := s.httpServer.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			s.log.Error("gateway server error", zap.Error(err))
		}
	}()

	return errCh
}

// warmAbout populates the /v1/about cache once at startup so the first
// caller doesn't pay for a daemon round trip.
func (s *Server) warmAbout() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.rpcTimeout)
		defer cancel()
		s.refreshAbout(ctx)
	}()
}

// Stop gracefully shuts down the HTTP server, waiting up to 10 seconds for
// in-flight requests. http.Server.Shutdown neither closes nor waits for
// hijacked WebSocket connections, and SSE streams still open when the 10
// seconds run out are left open.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
