package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickgao/hsm-feed/internal/model"
)

// Errors
var (
	ErrEmptyFrame       = errors.New("empty frame")
	ErrNoIdentifiers    = errors.New("no identifiers")
	ErrMissingToken     = errors.New("missing token")
	ErrMissingSessionID = errors.New("missing session id")
)

// ParseError reports a single malformed inbound frame. It is never fatal to
// the connection.
type ParseError struct {
	Type   string // Wire type, if it could be read
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "parse"
	if e.Type != "" {
		msg += " " + e.Type
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(msgType, reason string, err error) *ParseError {
	return &ParseError{Type: msgType, Reason: reason, Err: err}
}

// Kind classifies an inbound event.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectAck
	KindTick
	KindHeartbeat
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindConnectAck:
		return "connect_ack"
	case KindTick:
		return "tick"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a parsed inbound message. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	Type string // Raw wire type

	// KindTick
	Tick model.PriceTick

	// KindError
	Message      string
	AuthRejected bool // Connect was refused; retrying with the same credentials is pointless

	// KindUnknown
	Raw json.RawMessage
}

// Action is a channel pause/resume command.
type Action string

const (
	Pause  Action = "cp"
	Resume Action = "cr"
)

func (a Action) valid() error {
	if a != Pause && a != Resume {
		return fmt.Errorf("unknown channel action %q", string(a))
	}
	return nil
}

// Wire types for JSON parsing

// messageEnvelope is used for fast type extraction.
type messageEnvelope struct {
	Type string `json:"type"`
}

// connectAckWire covers both "cn" responses and "cn_ack".
type connectAckWire struct {
	Type   string      `json:"type"`
	Stat   string      `json:"stat"`
	StCode json.Number `json:"stCode"`
	Msg    string      `json:"msg"`
}

// tickWire is the wire format for mwt/sf/if ticks. Numeric fields arrive as
// either JSON strings or numbers.
type tickWire struct {
	Type          string          `json:"type"`
	Identifier    string          `json:"identifier"`
	Token         string          `json:"tk"`
	Exchange      string          `json:"e"`
	LTP           json.RawMessage `json:"LTP"`
	NetChange     json.RawMessage `json:"NetChange"`
	PercentChange json.RawMessage `json:"PercentChange"`
}

// errorWire is the wire format for server-reported errors.
type errorWire struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
	Err  string `json:"errMsg"`
}

// Outbound frames. Field order is fixed by the struct definitions.

type connectFrame struct {
	Authorization string `json:"Authorization"`
	Sid           string `json:"Sid"`
	Type          string `json:"type"`
}

type subscribeFrame struct {
	Type       string `json:"type"`
	Scrips     string `json:"scrips"`
	ChannelNum int    `json:"channelnum"`
}

type channelFrame struct {
	Type    string `json:"type"`
	Channel int    `json:"channel"`
}
