package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Wire type discriminators.
const (
	TypeConnect    = "cn"
	TypeConnectAck = "cn_ack"
	TypeTick       = "mwt"
	TypeScripFeed  = "sf"
	TypeIndexFeed  = "if"
	TypeHeartbeat  = "ti"
	TypeError      = "error"
)

// ParseFrame parses a raw WebSocket frame that holds either one JSON object
// or an array of them. Each element is parsed independently; a malformed
// element yields an error without affecting its siblings.
func ParseFrame(raw []byte, receivedAt time.Time) ([]Event, []error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		ev, err := Parse(trimmed, receivedAt)
		if err != nil {
			return nil, []error{err}
		}
		return []Event{ev}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, []error{parseErr("", "invalid json array", err)}
	}

	events := make([]Event, 0, len(items))
	var errs []error
	for _, item := range items {
		ev, err := Parse(item, receivedAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

// Parse parses a single JSON object.
func Parse(raw []byte, receivedAt time.Time) (Event, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Event{}, parseErr("", "empty payload", ErrEmptyFrame)
	}

	var envelope messageEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Event{}, parseErr("", "invalid json", err)
	}

	switch envelope.Type {
	case TypeConnect, TypeConnectAck:
		return parseConnect(raw)

	case TypeTick, TypeScripFeed, TypeIndexFeed:
		return parseTick(raw, receivedAt)

	case TypeHeartbeat:
		return Event{Kind: KindHeartbeat, Type: envelope.Type}, nil

	case TypeError:
		var wire errorWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return Event{}, parseErr(envelope.Type, "invalid error payload", err)
		}
		msg := wire.Msg
		if msg == "" {
			msg = wire.Err
		}
		return Event{Kind: KindError, Type: envelope.Type, Message: msg}, nil

	case "":
		return Event{}, parseErr("", "missing type", nil)

	default:
		return Event{
			Kind: KindUnknown,
			Type: envelope.Type,
			Raw:  append(json.RawMessage(nil), raw...),
		}, nil
	}
}

// parseConnect classifies a connect response as ack or rejection.
func parseConnect(raw []byte) (Event, error) {
	var wire connectAckWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, parseErr(wire.Type, "invalid connect response", err)
	}

	if wire.Type == TypeConnectAck ||
		strings.EqualFold(wire.Stat, "ok") ||
		wire.StCode.String() == "200" {
		return Event{Kind: KindConnectAck, Type: wire.Type, Message: wire.Msg}, nil
	}

	msg := wire.Msg
	if msg == "" {
		msg = "connect rejected"
		if wire.Stat != "" {
			msg += ": " + wire.Stat
		}
	}
	return Event{Kind: KindError, Type: wire.Type, Message: msg, AuthRejected: true}, nil
}

// parseTick parses a price tick. Only strictly positive prices are accepted.
func parseTick(raw []byte, receivedAt time.Time) (Event, error) {
	var wire tickWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, parseErr(wire.Type, "invalid tick payload", err)
	}

	id := wire.Identifier
	if id == "" && wire.Exchange != "" && wire.Token != "" {
		id = wire.Exchange + "|" + wire.Token
	}
	if id == "" {
		return Event{}, parseErr(wire.Type, "missing identifier", nil)
	}

	ltp, ok, err := parseNumber(wire.LTP)
	if err != nil {
		return Event{}, parseErr(wire.Type, "unparsable LTP", err)
	}
	if !ok {
		return Event{}, parseErr(wire.Type, "missing LTP", nil)
	}
	if !ltp.IsPositive() {
		return Event{}, parseErr(wire.Type, "non-positive LTP "+ltp.String(), nil)
	}

	netChange, _, err := parseNumber(wire.NetChange)
	if err != nil {
		return Event{}, parseErr(wire.Type, "unparsable NetChange", err)
	}
	pctChange, _, err := parseNumber(wire.PercentChange)
	if err != nil {
		return Event{}, parseErr(wire.Type, "unparsable PercentChange", err)
	}

	ev := Event{Kind: KindTick, Type: wire.Type}
	ev.Tick.Instrument = id
	ev.Tick.ReceivedAt = receivedAt
	if ev.Tick.LastTradedPrice, err = toFloat("LTP", ltp); err != nil {
		return Event{}, parseErr(wire.Type, "out of range LTP", err)
	}
	if ev.Tick.NetChange, err = toFloat("NetChange", netChange); err != nil {
		return Event{}, parseErr(wire.Type, "out of range NetChange", err)
	}
	if ev.Tick.PercentChange, err = toFloat("PercentChange", pctChange); err != nil {
		return Event{}, parseErr(wire.Type, "out of range PercentChange", err)
	}
	return ev, nil
}

// toFloat converts d, rejecting values that overflow float64.
func toFloat(field string, d decimal.Decimal) (float64, error) {
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%s %s is not a finite float64", field, d.String())
	}
	return f, nil
}

// parseNumber reads a JSON number or numeric string. Absent, null and empty
// string values report ok=false.
func parseNumber(raw json.RawMessage) (d decimal.Decimal, ok bool, err error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return decimal.Zero, false, nil
	}
	if strings.HasPrefix(s, `"`) {
		var unquoted string
		if err := json.Unmarshal(raw, &unquoted); err != nil {
			return decimal.Zero, false, err
		}
		s = strings.TrimSpace(unquoted)
		if s == "" {
			return decimal.Zero, false, nil
		}
	}
	d, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, errors.New("not a number: " + s)
	}
	return d, true, nil
}
