package session

import (
	"errors"
	"time"

	"github.com/rickgao/hsm-feed/internal/connection"
	"github.com/rickgao/hsm-feed/internal/model"
)

// Errors
var (
	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
	ErrServerError    = errors.New("server reported error")
)

// Config configures a Session.
type Config struct {
	Connection     connection.MachineConfig
	DefaultChannel int // Channel used by SelectInstrument
	EventBuffer    int // Transport event queue size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Connection:     connection.DefaultMachineConfig(),
		DefaultChannel: 1,
		EventBuffer:    256,
	}
}

// Quote is the latest price of one streamed instrument.
type Quote struct {
	Instrument model.Instrument `json:"instrument"`
	State      model.PriceState `json:"state"`
}

// Stats provides statistics about the session.
type Stats struct {
	State            connection.State `json:"state"`
	Subscriptions    int              `json:"subscriptions"`
	TicksAccepted    uint64           `json:"ticks_accepted"`
	TicksDropped     uint64           `json:"ticks_dropped"` // Instrument not streamed
	ParseErrors      uint64           `json:"parse_errors"`
	ProtocolErrors   uint64           `json:"protocol_errors"`
	UnknownMessages  uint64           `json:"unknown_messages"`
	ServerErrors     uint64           `json:"server_errors"`
	CommandsSent     uint64           `json:"commands_sent"`
	CommandsRejected uint64           `json:"commands_rejected"`
	Reconnects       uint64           `json:"reconnects"`
	LastTickAt       time.Time        `json:"last_tick_at"`
	LastError        string           `json:"last_error,omitempty"` // Cause of the last reconnect or failure
}
