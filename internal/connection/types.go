package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/hsm-feed/internal/model"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no ping)")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrCommandRejected    = errors.New("command rejected: session not authenticated")
	ErrHeartbeatTimeout   = errors.New("heartbeat timeout")
	ErrAuthTimeout        = errors.New("connect acknowledgement timeout")
	ErrAuthRejected       = errors.New("connect rejected by server")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// TransportError is a connection-level failure. It drives the machine to
// Reconnecting, or to Failed once the retry policy is exhausted.
type TransportError struct {
	Op     string // "dial", "read", "write", "heartbeat", "handshake"
	ConnID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s (conn %s): %v", e.Op, e.ConnID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an inbound message that makes no sense in the current
// state, e.g. a tick before the connect acknowledgement. Logged and ignored.
type ProtocolError struct {
	State State
	Type  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected %q message in state %s", e.Type, e.State)
}

// State is the lifecycle state of the session's connection.
type State int

const (
	Idle State = iota
	Connecting
	AwaitingAuthAck
	Authenticated
	Reconnecting
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case AwaitingAuthAck:
		return "awaiting_auth_ack"
	case Authenticated:
		return "authenticated"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://mlhsm.kotaksecurities.com)
	HandshakeTimeout time.Duration // Dial + upgrade timeout
	PingInterval     time.Duration // How often we send a keepalive ping
	PingTimeout      time.Duration // Max time without any inbound traffic before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// MachineConfig configures the Connection State Machine.
type MachineConfig struct {
	URL               string                      // Default feed URL
	Endpoints         map[model.DataCenter]string // Per data center overrides
	AckTimeout        time.Duration               // Max wait for the connect acknowledgement
	HeartbeatTimeout  time.Duration               // Max silence before reconnecting (<= 0 = disabled)
	ReconnectBaseWait time.Duration               // Base wait time for reconnection
	ReconnectMaxWait  time.Duration               // Max wait time for reconnection
	MaxRetries        int                         // Consecutive failed attempts before Failed (0 = unbounded)
	Client            ClientConfig
}

// DefaultMachineConfig returns sensible defaults.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		URL:               "wss://mlhsm.kotaksecurities.com",
		AckTimeout:        10 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
		Client:            DefaultClientConfig(),
	}
}

// endpoint returns the URL for a data center.
func (c MachineConfig) endpoint(dc model.DataCenter) string {
	if url, ok := c.Endpoints[dc]; ok && url != "" {
		return url
	}
	return c.URL
}

// eventKind discriminates Machine events.
type eventKind int

const (
	evOpened eventKind = iota + 1
	evDialFailed
	evMessage
	evTransportError
	evTimer
)

// timerKind identifies one of the Machine's timers.
type timerKind int

const (
	timerAck timerKind = iota
	timerHeartbeat
	timerReconnect
	timerCount
)

func (k timerKind) String() string {
	switch k {
	case timerAck:
		return "ack"
	case timerHeartbeat:
		return "heartbeat"
	case timerReconnect:
		return "reconnect"
	default:
		return "timer"
	}
}

// Event is posted by goroutines the Machine spawned and must be handed back
// to Machine.Handle on the owner goroutine.
type Event struct {
	gen   uint64
	kind  eventKind
	msg   TimestampedMessage
	err   error
	timer timerKind
	seq   uint64
}
