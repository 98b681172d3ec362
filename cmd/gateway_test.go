package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalgw/gateway/internal/config"
)

func TestIsAddr(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"signal-cli", false},
		{"/usr/local/bin/signal-cli", false},
		{"127.0.0.1:7583", true},
		{"localhost:7583", true},
		{"[::1]:7583", true},
	}
	for _, c := range cases {
		if got := isAddr(c.value); got != c.want {
			t.Errorf("isAddr(%q) = %v, want %v", c.value, got, c.want)
		}
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("127.0.0.1:7583")
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}
	if host != "127.0.0.1" || port != "7583" {
		t.Errorf("got (%q, %q), want (127.0.0.1, 7583)", host, port)
	}

	if _, _, err := splitHostPort("signal-cli"); err == nil {
		t.Error("expected error for value with no colon")
	}
}

func TestMergeConfig_FlagsWinOverFile(t *testing.T) {
	cli := config.Config{Listen: "127.0.0.1:9090"}
	file := &config.Config{Listen: "0.0.0.0:8080", LogLevel: "debug", SignalCLI: "signal-cli"}

	mergeConfig(&cli, file, map[string]bool{})

	if cli.Listen != "127.0.0.1:9090" {
		t.Errorf("Listen = %q, want the CLI value to win", cli.Listen)
	}
	if cli.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want file value to fill unset flag", cli.LogLevel)
	}
	if cli.SignalCLI != "signal-cli" {
		t.Errorf("SignalCLI = %q, want file value to fill unset flag", cli.SignalCLI)
	}
}

func TestMergeConfig_DaemonFlagRespectsExplicitFalse(t *testing.T) {
	cli := config.Config{Daemon: false}
	file := &config.Config{Daemon: true}

	mergeConfig(&cli, file, map[string]bool{"daemon": true})
	if cli.Daemon {
		t.Error("explicit --daemon=false on the CLI should not be overridden by the file")
	}

	cli = config.Config{Daemon: false}
	mergeConfig(&cli, file, map[string]bool{})
	if !cli.Daemon {
		t.Error("unset --daemon flag should take the file value")
	}
}

func TestMergeConfig_TuningFieldsAlwaysFromFile(t *testing.T) {
	cli := config.Config{}
	file := &config.Config{StartupTimeoutSeconds: 5, RPCTimeoutSeconds: 15, PendingCallCap: 10, ConsumerQueueSize: 20, WebhookQueueSize: 30}

	mergeConfig(&cli, file, map[string]bool{})

	if cli.StartupTimeoutSeconds != 5 || cli.RPCTimeoutSeconds != 15 || cli.PendingCallCap != 10 ||
		cli.ConsumerQueueSize != 20 || cli.WebhookQueueSize != 30 {
		t.Errorf("tuning fields not copied from file: %+v", cli)
	}
}

func TestRun_HelpAndVersion(t *testing.T) {
	var stdout bytes.Buffer
	code := run([]string{"signal-gateway", "--help"}, &stdout, &stdout)
	if code != 0 {
		t.Fatalf("--help exit code = %d, want 0", code)
	}
	if !bytes.Contains(stdout.Bytes(), []byte("Usage")) {
		t.Errorf("--help output missing usage text")
	}

	stdout.Reset()
	code = run([]string{"signal-gateway", "--version"}, &stdout, &stdout)
	if code != 0 {
		t.Fatalf("--version exit code = %d, want 0", code)
	}
	if !bytes.Contains(stdout.Bytes(), []byte("signal-gateway")) {
		t.Errorf("--version output missing program name")
	}
}

func TestWritePIDFileAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "gateway.pid")

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Error("PID file is empty")
	}

	var stderr bytes.Buffer
	removePIDFile(path, &stderr)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("PID file still exists after removePIDFile")
	}
	if stderr.Len() != 0 {
		t.Errorf("unexpected warning output: %s", stderr.String())
	}
}

func TestRunGateway_InvalidConfigReturnsExitCode2(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runGateway([]string{"--config", "/nonexistent/path/config.toml"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}
