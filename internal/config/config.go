// Package config provides TOML configuration file loading for the gateway.
// The configuration file is optional and lives at ~/.signal-gateway/config.toml
// by default, but can be overridden with --config. CLI flags always take
// precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the gateway configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	// SignalCLI selects how the gateway reaches the daemon. A value
	// containing a colon (e.g. "127.0.0.1:7583") is treated as the
	// address of an already-running daemon: external-daemon mode, no
	// process supervision. Anything else is treated as a path to (or
	// name of) the signal-cli executable to locate and spawn. Empty
	// means "search PATH for signal-cli and spawn it".
	SignalCLI string `toml:"signal_cli"`

	// Listen is the host:port the gateway's HTTP server binds.
	// Default: 127.0.0.1:8080
	Listen string `toml:"listen"`

	// TLSCert is the path to the TLS certificate file. Both TLSCert and
	// TLSKey must be set together to enable HTTPS; neither is generated
	// automatically.
	TLSCert string `toml:"tls_cert"`

	// TLSKey is the path to the TLS private key file.
	TLSKey string `toml:"tls_key"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// StartupTimeoutSeconds bounds how long the supervisor waits for the
	// signal-cli daemon's TCP port to become reachable.
	// Default: 10
	StartupTimeoutSeconds int `toml:"startup_timeout_seconds"`

	// RPCTimeoutSeconds is the default per-call RPC deadline used when a
	// request does not specify one.
	// Default: 30
	RPCTimeoutSeconds int `toml:"rpc_timeout_seconds"`

	// PendingCallCap bounds the number of in-flight RPC calls before new
	// calls are rejected with Overloaded.
	// Default: 1024
	PendingCallCap int `toml:"pending_call_cap"`

	// ConsumerQueueSize bounds the buffered-envelope depth of each
	// WebSocket/SSE consumer registered with the receive hub.
	// Default: 256
	ConsumerQueueSize int `toml:"consumer_queue_size"`

	// WebhookQueueSize bounds the buffered-event depth of each webhook
	// registration's delivery queue.
	// Default: 128
	WebhookQueueSize int `toml:"webhook_queue_size"`

	// Daemon runs the gateway as a background process.
	// Default: false
	Daemon bool `toml:"daemon"`

	// PIDFile is the path to write the daemon PID file when Daemon is set.
	PIDFile string `toml:"pid_file"`

	// LogFile is the path for daemon log output when Daemon is set.
	LogFile string `toml:"log_file"`
}

// DefaultConfigPath returns the default config file location:
// ~/.signal-gateway/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".signal-gateway", "config.toml"), nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.signal-gateway/config.toml). Returns an empty Config without
//     error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks field-level invariants that TOML decoding cannot enforce
// on its own. Zero values mean "use default" and are always valid.
func (c *Config) Validate() error {
	if c.StartupTimeoutSeconds < 0 {
		return fmt.Errorf("startup_timeout_seconds must be >= 0, got %d", c.StartupTimeoutSeconds)
	}
	if c.RPCTimeoutSeconds < 0 {
		return fmt.Errorf("rpc_timeout_seconds must be >= 0, got %d", c.RPCTimeoutSeconds)
	}
	if c.PendingCallCap < 0 {
		return fmt.Errorf("pending_call_cap must be >= 0, got %d", c.PendingCallCap)
	}
	if c.ConsumerQueueSize < 0 {
		return fmt.Errorf("consumer_queue_size must be >= 0, got %d", c.ConsumerQueueSize)
	}
	if c.WebhookQueueSize < 0 {
		return fmt.Errorf("webhook_queue_size must be >= 0, got %d", c.WebhookQueueSize)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must both be set or both be empty")
	}
	return nil
}

// ApplyDefaults fills any zero-valued fields with the package defaults.
// CLI flags are applied before this so an explicit flag always wins.
func (c *Config) ApplyDefaults() {
	if c.SignalCLI == "" {
		c.SignalCLI = DefaultSignalCLI
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StartupTimeoutSeconds == 0 {
		c.StartupTimeoutSeconds = DefaultStartupBudgetSeconds
	}
	if c.RPCTimeoutSeconds == 0 {
		c.RPCTimeoutSeconds = DefaultRPCTimeoutSeconds
	}
	if c.PendingCallCap == 0 {
		c.PendingCallCap = DefaultPendingCap
	}
	if c.ConsumerQueueSize == 0 {
		c.ConsumerQueueSize = DefaultConsumerQueueSize
	}
	if c.WebhookQueueSize == 0 {
		c.WebhookQueueSize = DefaultWebhookQueueSize
	}
}
