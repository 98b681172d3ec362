// Package daemon supervises the external signal-cli process: locating the
// binary, spawning it with a TCP listener, waiting for it to become
// reachable, and starting it again through Restart after a crash. The
// restart backoff lives in the caller.
package daemon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/signalgw/gateway/internal/apierr"
)

// execCommand is overridden in tests so the supervisor never actually
// shells out to a real signal-cli binary.
var execCommand = exec.Command

// lookPath is overridden in tests the same way.
var lookPath = exec.LookPath

// Handle represents one supervised signal-cli daemon process. Start
// launches it; Addr reports where it is listening; Exited returns a channel
// that closes when the child exits (whether cleanly or due to Stop).
type Handle struct {
	binary string
	log    *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	addr    string
	stderr  *bytes.Buffer
	exited  chan struct{}
	stopped bool
}

// Config controls how the supervisor locates and starts signal-cli.
type Config struct {
	// Binary is the path or PATH-relative name of the signal-cli
	// executable. Empty means "signal-cli" (search PATH).
	Binary string

	// StartupTimeout bounds how long Start polls the daemon's TCP port
	// before giving up with a StartupTimeout error.
	StartupTimeout time.Duration
}

// Locate resolves the configured binary against PATH, returning
// apierr.NotInstalled if it cannot be found.
func Locate(cfg Config) (string, error) {
	name := cfg.Binary
	if name == "" {
		name = "signal-cli"
	}
	path, err := lookPath(name)
	if err != nil {
		return "", apierr.NotInstalled()
	}
	return path, nil
}

// freePort binds to an ephemeral port on loopback, reads back the chosen
// port, and releases the listener immediately so signal-cli can bind it.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Start locates signal-cli, spawns "signal-cli daemon --tcp <addr>" on a
// freshly chosen loopback port, and polls the port with backoff until it
// accepts connections or the startup budget elapses.
func Start(ctx context.Context, cfg Config, log *zap.Logger) (*Handle, error) {
	binary, err := Locate(cfg)
	if err != nil {
		return nil, err
	}

	port, err := freePort()
	if err != nil {
		return nil, apierr.Internal("choose a free port for signal-cli", err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	log.Info("spawning signal-cli daemon", zap.String("binary", binary), zap.String("addr", addr))

	cmd := execCommand(binary, "daemon", "--tcp", addr)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf
	cmd.Stdout = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, apierr.Internal("start signal-cli daemon", err)
	}

	h := &Handle{
		binary: binary,
		log:    log,
		cmd:    cmd,
		addr:   addr,
		stderr: &stderrBuf,
		exited: make(chan struct{}),
	}

	go func() {
		cmd.Wait()
		close(h.exited)
	}()

	budget := cfg.StartupTimeout
	if budget <= 0 {
		budget = 10 * time.Second
	}

	if err := h.waitReady(ctx, budget); err != nil {
		h.Stop()
		return nil, err
	}

	log.Info("signal-cli daemon ready", zap.String("addr", addr))
	return h, nil
}

// waitReady polls the daemon's TCP port with capped exponential backoff
// until it accepts a connection, the child exits early, or budget elapses.
func (h *Handle) waitReady(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.Multiplier = 1.5

	for {
		select {
		case <-h.exited:
			return apierr.Internal(fmt.Sprintf("signal-cli exited early: %s", h.exitDiagnostics()), nil)
		default:
		}

		conn, err := net.DialTimeout("tcp", h.addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}

		if time.Now().After(deadline) {
			return apierr.StartupTimeout(budget.String())
		}

		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-h.exited:
			return apierr.Internal(fmt.Sprintf("signal-cli exited early: %s", h.exitDiagnostics()), nil)
		case <-ctx.Done():
			return apierr.Cancelled()
		}
	}
}

func (h *Handle) exitDiagnostics() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := "no diagnostics available"
	if h.cmd != nil && h.cmd.ProcessState != nil {
		msg = h.cmd.ProcessState.String()
	}
	if h.stderr != nil && h.stderr.Len() > 0 {
		msg = fmt.Sprintf("%s: %s", msg, h.stderr.String())
	}
	return msg
}

// Addr returns the loopback address the daemon is (or was) listening on.
func (h *Handle) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Exited returns a channel that closes when the supervised process exits,
// whether by crash or by Stop.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// Stop sends SIGTERM and, if the process has not exited within the grace
// period, SIGKILL.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.exited:
		return
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
	}
}

// Restart runs Start again, reusing cfg, intended to be called by a
// caller's supervision loop after observing Exited() on a crashed handle.
// Kept as a thin wrapper so the caller's retry/backoff policy lives in one
// place (cmd's superviseDaemon) rather than duplicated here.
func Restart(ctx context.Context, cfg Config, log *zap.Logger) (*Handle, error) {
	return Start(ctx, cfg, log)
}
