package channel

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrUnknownType     = errors.New("unknown frame type")
)

// State is the lifecycle state of the managed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateAuthenticating
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// RetryStatus tells apart the reasons a disconnected manager is idle.
type RetryStatus int

const (
	// RetryActive means closes are followed by scheduled reconnects.
	RetryActive RetryStatus = iota
	// RetryExhausted means MaxAttempts reconnects failed in a row.
	RetryExhausted
	// RetryClosed means Disconnect was called.
	RetryClosed
)

func (r RetryStatus) String() string {
	switch r {
	case RetryActive:
		return "active"
	case RetryExhausted:
		return "exhausted"
	case RetryClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kind classifies an inbound message.
type Kind int

const (
	KindMonitoringData Kind = iota + 1
	KindNewAlert
	KindAuthResult
)

func (k Kind) String() string {
	switch k {
	case KindMonitoringData:
		return "monitoring_data"
	case KindNewAlert:
		return "new_alert"
	case KindAuthResult:
		return "auth"
	default:
		return "unknown"
	}
}

// Wire values of the type discriminator.
const (
	TypeAuth           = "auth"
	TypeMonitoringData = "monitoring_data"
	TypeNewAlert       = "new_alert"

	AuthStatusSuccess = "success"
	AuthStatusFailure = "failure"
)

// InboundMessage is one parsed frame received from the server.
type InboundMessage struct {
	Kind       Kind
	Payload    json.RawMessage // "data" or "alert" object, forwarded verbatim
	Status     string          // auth only
	Message    string          // auth only
	ReceivedAt time.Time
}

// AuthSucceeded reports whether the message is a successful auth result.
func (m InboundMessage) AuthSucceeded() bool {
	return m.Kind == KindAuthResult && m.Status == AuthStatusSuccess
}

// wireFrame is the JSON shape shared by all inbound frames.
type wireFrame struct {
	Type    string          `json:"type"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Alert   json.RawMessage `json:"alert,omitempty"`
}

// AuthFrame is the first frame written after the connection opens.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// CredentialSource supplies the bearer token. It is read on every connect.
type CredentialSource interface {
	Token() string
}

// CredentialFunc is a function adapter for CredentialSource.
type CredentialFunc func() string

func (f CredentialFunc) Token() string {
	return f()
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., wss://agro.example.com/ws)
	Origin       string        // Origin header sent with the handshake
	PingInterval time.Duration // Interval between keepalive pings
	PingTimeout  time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 30 * time.Second,
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   256,
	}
}

// Config configures the Manager.
type Config struct {
	Origin         string        // Page origin the endpoint is derived from (e.g., https://agro.example.com)
	Path           string        // Endpoint path appended to the origin host
	MaxAttempts    int           // Consecutive reconnects before giving up
	BaseDelay      time.Duration // Backoff base; attempt N waits BaseDelay * 2^N
	MaxDelay       time.Duration // Backoff cap
	DialTimeout    time.Duration // Handshake timeout for one dial
	PingInterval   time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int // Per-connection inbound buffer
	ListenerBuffer int // Per-listener buffer, messages are dropped when full
}

// DefaultConfig returns the defaults used by the dashboard backend.
func DefaultConfig() Config {
	return Config{
		Path:           "/ws",
		MaxAttempts:    5,
		BaseDelay:      1 * time.Second,
		MaxDelay:       30 * time.Second,
		DialTimeout:    10 * time.Second,
		PingInterval:   30 * time.Second,
		PingTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     256,
		ListenerBuffer: 64,
	}
}

// Snapshot is a consistent view of the manager's observable state.
type Snapshot struct {
	State       State
	Attempt     int
	RetryStatus RetryStatus
	ConnID      string
	LastKind    Kind // zero until the first valid frame
}
