package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidIdentifier is returned for identifiers not shaped "<segment>|<code>".
var ErrInvalidIdentifier = errors.New("invalid instrument identifier")

// -----------------------------------------------------------------------------
// Instruments
// -----------------------------------------------------------------------------

// Instrument is a tradeable scrip or index. Uniqueness is by Identifier.
type Instrument struct {
	Name       string `yaml:"name" json:"name"`             // Display name (e.g., "TCS")
	Identifier string `yaml:"identifier" json:"identifier"` // Exchange key (e.g., "nse_cm|3456")
}

// NewInstrument validates the identifier and returns an Instrument.
func NewInstrument(name, identifier string) (Instrument, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return Instrument{}, err
	}
	return Instrument{Name: name, Identifier: identifier}, nil
}

// Segment returns the exchange segment part of the identifier ("nse_cm").
func (i Instrument) Segment() string {
	seg, _, _ := strings.Cut(i.Identifier, "|")
	return seg
}

// Code returns the scrip code part of the identifier ("3456").
func (i Instrument) Code() string {
	_, code, _ := strings.Cut(i.Identifier, "|")
	return code
}

// ValidateIdentifier checks that id has exactly one '|' with non-empty sides.
func ValidateIdentifier(id string) error {
	seg, code, ok := strings.Cut(id, "|")
	if !ok || seg == "" || code == "" || strings.Contains(code, "|") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// SubscriptionKind selects the stream family a request belongs to.
type SubscriptionKind int

const (
	MarketWatch SubscriptionKind = iota // Scrip market watch ("mws"/"mwu")
	Index                               // Index feed ("ifs"/"ifu")
	Depth                               // Market depth ("dps"/"dpu")
)

// String returns the kind name used in logs.
func (k SubscriptionKind) String() string {
	switch k {
	case MarketWatch:
		return "market_watch"
	case Index:
		return "index"
	case Depth:
		return "depth"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseSubscriptionKind maps a kind name to its SubscriptionKind. Both the
// names returned by String and the subscribe wire types are accepted.
func ParseSubscriptionKind(s string) (SubscriptionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "market_watch", "mws":
		return MarketWatch, nil
	case "index", "ifs":
		return Index, nil
	case "depth", "dps":
		return Depth, nil
	}
	return 0, fmt.Errorf("unknown subscription kind %q", s)
}

// UnmarshalText parses a kind name from YAML or JSON.
func (k *SubscriptionKind) UnmarshalText(text []byte) error {
	kind, err := ParseSubscriptionKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// MarshalText renders the kind name.
func (k SubscriptionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// SubscribeType returns the wire discriminator for subscribing.
func (k SubscriptionKind) SubscribeType() string {
	switch k {
	case Index:
		return "ifs"
	case Depth:
		return "dps"
	default:
		return "mws"
	}
}

// UnsubscribeType returns the wire discriminator for unsubscribing.
func (k SubscriptionKind) UnsubscribeType() string {
	switch k {
	case Index:
		return "ifu"
	case Depth:
		return "dpu"
	default:
		return "mwu"
	}
}

// SubscriptionRequest is one logical stream grouping on a channel.
type SubscriptionRequest struct {
	Kind        SubscriptionKind
	Channel     int
	Instruments []Instrument
}

// Identifiers returns the sorted, de-duplicated identifiers of the request.
func (r SubscriptionRequest) Identifiers() []string {
	seen := make(map[string]struct{}, len(r.Instruments))
	ids := make([]string, 0, len(r.Instruments))
	for _, inst := range r.Instruments {
		if _, ok := seen[inst.Identifier]; ok {
			continue
		}
		seen[inst.Identifier] = struct{}{}
		ids = append(ids, inst.Identifier)
	}
	sort.Strings(ids)
	return ids
}

// -----------------------------------------------------------------------------
// Credentials
// -----------------------------------------------------------------------------

// DataCenter identifies the HSM deployment a session is bound to.
type DataCenter string

const (
	DataCenterGDC  DataCenter = "gdc"
	DataCenterGDCD DataCenter = "gdcd"
	DataCenterADC  DataCenter = "adc"
	DataCenterE21  DataCenter = "e21"
	DataCenterE22  DataCenter = "e22"
	DataCenterE41  DataCenter = "e41"
	DataCenterE43  DataCenter = "e43"
)

// Valid reports whether d is a known data center.
func (d DataCenter) Valid() bool {
	switch d {
	case DataCenterGDC, DataCenterGDCD, DataCenterADC,
		DataCenterE21, DataCenterE22, DataCenterE41, DataCenterE43:
		return true
	}
	return false
}

// Credentials are supplied by the consumer and never persisted.
type Credentials struct {
	Token      string
	SessionID  string
	DataCenter DataCenter
}

// String redacts the token.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{sid=%s dc=%s token=%s}", c.SessionID, c.DataCenter, redact(c.Token))
}

// Validate checks that token and session id are present.
func (c Credentials) Validate() error {
	if c.Token == "" {
		return errors.New("credentials: token is required")
	}
	if c.SessionID == "" {
		return errors.New("credentials: session id is required")
	}
	if c.DataCenter != "" && !c.DataCenter.Valid() {
		return fmt.Errorf("credentials: unknown data center %q", c.DataCenter)
	}
	return nil
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// -----------------------------------------------------------------------------
// Prices
// -----------------------------------------------------------------------------

// PriceTick is a single accepted price update.
type PriceTick struct {
	Instrument      string    `json:"instrument"`     // Identifier
	LastTradedPrice float64   `json:"ltp"`            // Always > 0 for accepted ticks
	NetChange       float64   `json:"net_change"`     // Absolute change vs previous close
	PercentChange   float64   `json:"percent_change"` // Percent change vs previous close
	ReceivedAt      time.Time `json:"received_at"`    // Local receive time
}

// Direction of the last price move.
type Direction int

const (
	Flat Direction = iota
	Up
	Down
)

// String returns "up", "down" or "flat".
func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "flat"
	}
}

// MarshalText lets Direction render as a string in JSON.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// PriceState is the latest known price for one instrument.
type PriceState struct {
	LastTick      *PriceTick `json:"last_tick,omitempty"`
	PreviousPrice float64    `json:"previous_price"`
	Direction     Direction  `json:"direction"`
}

// Apply returns the state after accepting tick. Direction compares the new
// LTP with the previously stored LTP; the first tick is Flat.
func (s PriceState) Apply(tick PriceTick) PriceState {
	next := PriceState{LastTick: &tick, Direction: Flat}
	if s.LastTick == nil {
		return next
	}

	prev := s.LastTick.LastTradedPrice
	next.PreviousPrice = prev
	switch {
	case tick.LastTradedPrice > prev:
		next.Direction = Up
	case tick.LastTradedPrice < prev:
		next.Direction = Down
	}
	return next
}
