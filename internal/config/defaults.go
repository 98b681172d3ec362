package config

// DefaultListen is the default HTTP listen address for the gateway.
const DefaultListen = "127.0.0.1:8080"

// DefaultSignalCLI is the executable name the daemon supervisor looks for
// on PATH when --signal-cli is not given.
const DefaultSignalCLI = "signal-cli"

// DefaultStartupBudgetSeconds bounds how long the supervisor polls the
// daemon's TCP port before giving up with a StartupTimeout error.
const DefaultStartupBudgetSeconds = 10

// DefaultRPCTimeoutSeconds is the default deadline for a single RPC call
// when the caller does not override it.
const DefaultRPCTimeoutSeconds = 30

// DefaultPendingCap bounds the number of in-flight RPC calls before the
// client starts rejecting new calls with Overloaded.
const DefaultPendingCap = 1024

// DefaultConsumerQueueSize bounds the number of buffered envelopes per
// hub consumer (WebSocket or SSE) before the oldest-drop policy kicks in.
const DefaultConsumerQueueSize = 256

// DefaultWebhookQueueSize bounds the number of buffered events per webhook
// registration before the oldest-drop policy kicks in.
const DefaultWebhookQueueSize = 128
