package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/signalgw/gateway/internal/config"
	"github.com/signalgw/gateway/internal/daemon"
	"github.com/signalgw/gateway/internal/gateway"
	"github.com/signalgw/gateway/internal/hub"
	"github.com/signalgw/gateway/internal/metrics"
	"github.com/signalgw/gateway/internal/rpc"
	"github.com/signalgw/gateway/internal/webhook"
)

const daemonEnvVar = "SIGNAL_GATEWAY_DAEMON_CHILD"

// runGateway parses flags, merges them over any config file, and runs the
// gateway until it's told to shut down or fails to start.
func runGateway(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("signal-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var cfg config.Config
	var configPath string

	fs.StringVar(&configPath, "config", "", "Path to config file")
	fs.StringVar(&cfg.SignalCLI, "signal-cli", "", "signal-cli binary path, or host:port for external-daemon mode")
	fs.StringVar(&cfg.Listen, "listen", "", "Address the HTTP server binds")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "TLS certificate path")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "TLS private key path")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "debug, info, warn, error")
	fs.BoolVar(&cfg.Daemon, "daemon", false, "Run in the background")
	fs.StringVar(&cfg.PIDFile, "pid-file", "", "PID file path")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Log file path")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: signal-gateway [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fileCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	mergeConfig(&cfg, fileCfg, explicit)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if cfg.Daemon && os.Getenv(daemonEnvVar) == "" {
		return reexecAsDaemon(args, cfg, stdout, stderr)
	}

	var logFile *os.File
	if cfg.Daemon {
		path := cfg.LogFile
		if path == "" {
			path, err = defaultLogFilePath()
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			fmt.Fprintf(stderr, "Error: failed to create log directory: %v\n", err)
			return 1
		}
		logFile, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open log file: %v\n", err)
			return 1
		}
		defer logFile.Close()
		stderr = logFile
	}

	log, err := newLogger(cfg.LogLevel, logFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to construct logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	return startAndServe(cfg, log, stdout, stderr)
}

// mergeConfig layers file values under any flag not explicitly set on the
// command line. CLI flags always win.
func mergeConfig(cfg, file *config.Config, explicit map[string]bool) {
	if cfg.SignalCLI == "" {
		cfg.SignalCLI = file.SignalCLI
	}
	if cfg.Listen == "" {
		cfg.Listen = file.Listen
	}
	if cfg.TLSCert == "" {
		cfg.TLSCert = file.TLSCert
	}
	if cfg.TLSKey == "" {
		cfg.TLSKey = file.TLSKey
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = file.LogLevel
	}
	if !explicit["daemon"] {
		cfg.Daemon = file.Daemon
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = file.PIDFile
	}
	if cfg.LogFile == "" {
		cfg.LogFile = file.LogFile
	}
	cfg.StartupTimeoutSeconds = file.StartupTimeoutSeconds
	cfg.RPCTimeoutSeconds = file.RPCTimeoutSeconds
	cfg.PendingCallCap = file.PendingCallCap
	cfg.ConsumerQueueSize = file.ConsumerQueueSize
	cfg.WebhookQueueSize = file.WebhookQueueSize
}

// reexecAsDaemon launches a detached child with the daemon marker env var
// set and waits briefly to confirm it survived startup, since Go has no
// fork() to background the current process in place.
func reexecAsDaemon(args []string, cfg config.Config, stdout, stderr io.Writer) int {
	logPath := cfg.LogFile
	if logPath == "" {
		var err error
		logPath, err = defaultLogFilePath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		fmt.Fprintf(stderr, "Error: failed to create log directory: %v\n", err)
		return 1
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to get executable path: %v\n", err)
		return 1
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), daemonEnvVar+"=1")

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(stderr, "Error: failed to start daemon: %v\n", err)
		return 1
	}

	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()

	select {
	case err := <-childDone:
		fmt.Fprintf(stderr, "Error: daemon exited during startup (%v); check log: %s\n", err, logPath)
		return 1
	case <-time.After(2 * time.Second):
		fmt.Fprintf(stdout, "Daemon started (pid %d). Logging to: %s\n", cmd.Process.Pid, logPath)
		return 0
	}
}

func defaultLogFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".signal-gateway", "gateway.log"), nil
}

func newLogger(level string, file *os.File) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	sink := zapcore.AddSync(os.Stdout)
	if file != nil {
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, lvl)
	return zap.New(core), nil
}

// startAndServe brings up the signal-cli connection (spawning a daemon
// unless external-daemon mode is configured), wires every domain
// package together, starts the HTTP server, and blocks until a shutdown
// signal or a fatal error.
func startAndServe(cfg config.Config, log *zap.Logger, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var daemonHandle *daemon.Handle
	rpcAddr := cfg.SignalCLI

	if !isAddr(cfg.SignalCLI) {
		startupBudget := time.Duration(cfg.StartupTimeoutSeconds) * time.Second
		h, err := daemon.Start(ctx, daemon.Config{Binary: cfg.SignalCLI, StartupTimeout: startupBudget}, log)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to start signal-cli: %v\n", err)
			return 1
		}
		daemonHandle = h
		rpcAddr = h.Addr()
	}

	metric := metrics.New()

	rpcClient, err := rpc.Dial(ctx, rpcAddr, cfg.PendingCallCap, log, metric)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to connect to signal-cli at %s: %v\n", rpcAddr, err)
		if daemonHandle != nil {
			daemonHandle.Stop()
		}
		return 1
	}

	proxy := &rpcProxy{}
	proxy.set(rpcClient)

	h := hub.New(proxy, cfg.ConsumerQueueSize, log, metric)
	wh := webhook.New(cfg.WebhookQueueSize, log, metric)
	rpcClient.SetNotificationHandler(func(account string, raw json.RawMessage) {
		h.Dispatch(account, raw)
		wh.Dispatch(raw)
	})

	gw := gateway.New(gateway.Config{
		Addr:       cfg.Listen,
		Version:    Version,
		RPCTimeout: time.Duration(cfg.RPCTimeoutSeconds) * time.Second,
	}, proxy, h, wh, metric, log)

	var errCh <-chan error
	if cfg.TLSCert != "" {
		errCh = gw.StartAsyncTLS(gateway.TLSConfig{CertPath: cfg.TLSCert, KeyPath: cfg.TLSKey})
	} else {
		errCh = gw.StartAsync()
	}

	if err := <-errCh; err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		proxy.current().Close()
		if daemonHandle != nil {
			daemonHandle.Stop()
		}
		return 1
	}

	pidPath := cfg.PIDFile
	if pidPath != "" {
		if err := writePIDFile(pidPath); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to write PID file: %v\n", err)
		} else {
			defer removePIDFile(pidPath, stderr)
		}
	}

	fmt.Fprintf(stdout, "signal-gateway listening on %s\n", gw.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var supervisorDone chan struct{}
	if daemonHandle != nil {
		supervisorDone = make(chan struct{})
		go func() {
			superviseDaemon(ctx, cfg, log, metric, proxy, daemonHandle, h, wh)
			close(supervisorDone)
		}()
	}

	sig := <-sigCh
	fmt.Fprintf(stdout, "received signal %v, shutting down\n", sig)

	cancel()
	gw.Stop()
	proxy.current().Close()
	if supervisorDone != nil {
		<-supervisorDone
	}
	return 0
}

// superviseDaemon watches the managed signal-cli process and, on
// unexpected exit, restarts it with backoff and redials the RPC client
// against the new address, rewiring the notification handler each time so
// the hub and webhook deliverer never see the gap. It owns the managed
// process end to end: on ctx cancellation it stops whichever handle is
// current and returns.
func superviseDaemon(ctx context.Context, cfg config.Config, log *zap.Logger, metric *metrics.Registry, proxy *rpcProxy, initial *daemon.Handle, h *hub.Hub, wh *webhook.Deliverer) {
	handle := initial
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for {
		select {
		case <-handle.Exited():
		case <-ctx.Done():
			handle.Stop()
			return
		}

		if ctx.Err() != nil {
			handle.Stop()
			return
		}

		log.Warn("signal-cli daemon exited unexpectedly, restarting", zap.String("prior_addr", handle.Addr()))
		proxy.current().Close()

		startupBudget := time.Duration(cfg.StartupTimeoutSeconds) * time.Second
		newHandle, err := daemon.Restart(ctx, daemon.Config{Binary: cfg.SignalCLI, StartupTimeout: startupBudget}, log)
		if err != nil {
			log.Error("failed to restart signal-cli", zap.Error(err))
			if !waitBackoff(ctx, bo) {
				return
			}
			continue
		}

		newClient, err := rpc.Dial(ctx, newHandle.Addr(), cfg.PendingCallCap, log, metric)
		if err != nil {
			log.Error("failed to reconnect to restarted signal-cli", zap.Error(err))
			newHandle.Stop()
			if !waitBackoff(ctx, bo) {
				return
			}
			continue
		}

		newClient.SetNotificationHandler(func(account string, raw json.RawMessage) {
			h.Dispatch(account, raw)
			wh.Dispatch(raw)
		})
		proxy.set(newClient)
		handle = newHandle
		bo.Reset()
		log.Info("signal-cli daemon restarted", zap.String("addr", newHandle.Addr()))
	}
}

// waitBackoff sleeps for the next backoff interval, returning false without
// waiting out the full interval if ctx is cancelled first.
func waitBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	select {
	case <-time.After(bo.NextBackOff()):
		return true
	case <-ctx.Done():
		return false
	}
}

// isAddr reports whether value looks like a host:port pair rather than a
// binary path or name.
func isAddr(value string) bool {
	if value == "" {
		return false
	}
	_, _, err := splitHostPort(value)
	return err == nil
}

func splitHostPort(value string) (string, string, error) {
	idx := strings.LastIndexByte(value, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("no colon in %q", value)
	}
	return value[:idx], value[idx+1:], nil
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func removePIDFile(path string, stderr io.Writer) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "Warning: failed to remove PID file: %v\n", err)
	}
}
