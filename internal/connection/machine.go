package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rickgao/hsm-feed/internal/codec"
	"github.com/rickgao/hsm-feed/internal/model"
)

// MachineOption configures optional Machine behavior.
type MachineOption func(*Machine)

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(f ClientFactory) MachineOption {
	return func(m *Machine) {
		m.newClient = f
	}
}

// WithStateListener registers a callback invoked on every state transition.
// It runs on the owner goroutine.
func WithStateListener(f func(State)) MachineOption {
	return func(m *Machine) {
		m.onState = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Machine is the Connection State Machine.
type Machine struct {
	cfg       MachineConfig
	ctx       context.Context
	post      func(Event)
	newClient ClientFactory
	onState   func(State)
	logger    *slog.Logger

	state   State
	creds   model.Credentials
	lastErr error

	// Current physical connection. Events tagged with an older gen are stale.
	gen        uint64
	client     Client
	connID     string
	stopPump   chan struct{}
	cancelDial context.CancelFunc

	backoff   backoff.BackOff
	timers    [timerCount]*time.Timer
	timerSeqs [timerCount]uint64
	timerSeq  uint64
}

// NewMachine creates a Machine in the Idle state. post must deliver the
// Event to the owner goroutine, which then calls Handle.
func NewMachine(ctx context.Context, cfg MachineConfig, post func(Event), opts ...MachineOption) *Machine {
	m := &Machine{
		cfg:       cfg,
		ctx:       ctx,
		post:      post,
		newClient: NewClient,
		logger:    slog.Default(),
		state:     Idle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.backoff = newBackOff(cfg)
	return m
}

// newBackOff builds the reconnect policy: exponential, capped at
// ReconnectMaxWait, unbounded unless MaxRetries is set.
func newBackOff(cfg MachineConfig) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if cfg.ReconnectBaseWait > 0 {
		exp.InitialInterval = cfg.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait > 0 {
		exp.MaxInterval = cfg.ReconnectMaxWait
	}
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()

	if cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries))
	}
	return exp
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// LastError returns the error that caused the latest Reconnecting or Failed
// transition.
func (m *Machine) LastError() error {
	return m.lastErr
}

// ConnID returns the id of the current physical connection, if any.
func (m *Machine) ConnID() string {
	return m.connID
}

// Connect opens a new physical connection with creds. Any existing
// connection is closed and detached first. Works from every state,
// including Failed.
func (m *Machine) Connect(creds model.Credentials) error {
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	m.creds = creds
	m.lastErr = nil
	m.backoff.Reset()
	m.open()
	return nil
}

// Disconnect closes the connection. It is a no-op in Idle and Closed and
// reports whether a transition happened.
func (m *Machine) Disconnect() bool {
	if m.state == Idle || m.state == Closed {
		return false
	}

	m.teardown()
	m.setState(Closed)
	return true
}

// Send writes a command frame. It is rejected unless the session is
// Authenticated; a write failure is a transport error.
func (m *Machine) Send(frame []byte) error {
	if m.state != Authenticated {
		return fmt.Errorf("%w (state %s)", ErrCommandRejected, m.state)
	}

	if err := m.client.Send(frame); err != nil {
		te := &TransportError{Op: "write", ConnID: m.connID, Err: err}
		m.transportFailure(te)
		return te
	}
	return nil
}

// Handle applies an Event posted by one of the Machine's goroutines and
// returns the inbound events the session should act on (ticks, server
// errors, unknown types) plus any parse or protocol errors for accounting.
func (m *Machine) Handle(ev Event) ([]codec.Event, []error) {
	if ev.gen != m.gen {
		m.logger.Debug("dropping event from detached connection",
			"event_gen", ev.gen,
			"gen", m.gen,
		)
		return nil, nil
	}

	switch ev.kind {
	case evOpened:
		m.handleOpened()

	case evDialFailed:
		m.transportFailure(&TransportError{Op: "dial", ConnID: m.connID, Err: ev.err})

	case evTransportError:
		m.transportFailure(&TransportError{Op: "read", ConnID: m.connID, Err: ev.err})

	case evTimer:
		m.handleTimer(ev.timer, ev.seq)

	case evMessage:
		return m.handleMessage(ev.msg)
	}

	return nil, nil
}

// open starts a new physical connection attempt.
func (m *Machine) open() {
	m.teardown()

	cfg := m.cfg.Client
	cfg.URL = m.cfg.endpoint(m.creds.DataCenter)

	m.connID = uuid.NewString()
	logger := m.logger.With("conn_id", m.connID)
	client := m.newClient(cfg, logger)
	m.client = client

	dialCtx, cancel := context.WithCancel(m.ctx)
	m.cancelDial = cancel

	m.setState(Connecting)
	logger.Info("connecting", "url", cfg.URL, "data_center", m.creds.DataCenter)

	gen := m.gen
	go func() {
		defer cancel()
		if err := client.Connect(dialCtx); err != nil {
			m.post(Event{gen: gen, kind: evDialFailed, err: err})
			return
		}
		m.post(Event{gen: gen, kind: evOpened})
	}()
}

// handleOpened sends the authorization frame on a freshly opened socket.
func (m *Machine) handleOpened() {
	if m.state != Connecting {
		return
	}

	m.stopPump = make(chan struct{})
	go m.pump(m.gen, m.client, m.stopPump)

	m.setState(AwaitingAuthAck)

	frame, err := codec.Connect(m.creds)
	if err != nil {
		m.fail(err)
		return
	}
	if err := m.client.Send(frame); err != nil {
		m.transportFailure(&TransportError{Op: "write", ConnID: m.connID, Err: err})
		return
	}

	m.arm(timerAck, m.cfg.AckTimeout)
	m.arm(timerHeartbeat, m.cfg.HeartbeatTimeout)
}

// handleMessage classifies one inbound frame.
func (m *Machine) handleMessage(msg TimestampedMessage) ([]codec.Event, []error) {
	if m.state == AwaitingAuthAck || m.state == Authenticated {
		m.arm(timerHeartbeat, m.cfg.HeartbeatTimeout)
	}

	events, errs := codec.ParseFrame(msg.Data, msg.ReceivedAt)
	for _, err := range errs {
		m.logger.Warn("dropping malformed frame",
			"conn_id", m.connID,
			"error", err,
		)
	}

	var out []codec.Event
	for _, ev := range events {
		switch ev.Kind {
		case codec.KindHeartbeat:
			// Passive: the timer reset above is all a heartbeat does.

		case codec.KindConnectAck:
			if m.state != AwaitingAuthAck {
				errs = append(errs, m.protocolError(ev))
				continue
			}
			m.stopTimer(timerAck)
			m.backoff.Reset()
			m.setState(Authenticated)

		case codec.KindError:
			if ev.AuthRejected && m.state == AwaitingAuthAck {
				m.fail(fmt.Errorf("%w: %s", ErrAuthRejected, ev.Message))
				return out, errs
			}
			out = append(out, ev)

		case codec.KindTick:
			if m.state != Authenticated {
				errs = append(errs, m.protocolError(ev))
				continue
			}
			out = append(out, ev)

		default:
			out = append(out, ev)
		}
	}
	return out, errs
}

func (m *Machine) protocolError(ev codec.Event) error {
	err := &ProtocolError{State: m.state, Type: ev.Type}
	m.logger.Warn("ignoring unexpected message",
		"conn_id", m.connID,
		"error", err,
	)
	return err
}

func (m *Machine) handleTimer(kind timerKind, seq uint64) {
	if m.timerSeqs[kind] != seq {
		return
	}
	m.timers[kind] = nil

	switch kind {
	case timerAck:
		if m.state == AwaitingAuthAck {
			m.transportFailure(&TransportError{Op: "handshake", ConnID: m.connID, Err: ErrAuthTimeout})
		}
	case timerHeartbeat:
		if m.state == AwaitingAuthAck || m.state == Authenticated {
			m.transportFailure(&TransportError{Op: "heartbeat", ConnID: m.connID, Err: ErrHeartbeatTimeout})
		}
	case timerReconnect:
		if m.state == Reconnecting {
			m.open()
		}
	}
}

// transportFailure moves to Reconnecting, or to Failed once the retry policy
// gives up.
func (m *Machine) transportFailure(err error) {
	switch m.state {
	case Idle, Closed, Failed, Reconnecting:
		return
	}

	m.lastErr = err
	m.teardown()

	wait := m.backoff.NextBackOff()
	if wait == backoff.Stop {
		m.logger.Error("giving up reconnecting", "error", err)
		m.setState(Failed)
		return
	}

	m.logger.Warn("connection lost, reconnecting",
		"error", err,
		"wait", wait,
	)
	m.setState(Reconnecting)
	m.arm(timerReconnect, wait)
}

// fail moves to the terminal Failed state.
func (m *Machine) fail(err error) {
	m.lastErr = err
	m.logger.Error("connection failed", "conn_id", m.connID, "error", err)
	m.teardown()
	m.setState(Failed)
}

// teardown detaches and closes the current connection and cancels every
// pending timer. Events already in flight for it become stale.
func (m *Machine) teardown() {
	for k := timerKind(0); k < timerCount; k++ {
		m.stopTimer(k)
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.stopPump != nil {
		close(m.stopPump)
		m.stopPump = nil
	}
	if m.client != nil {
		if err := m.client.Close(); err != nil && !errors.Is(err, ErrAlreadyClosed) {
			m.logger.Debug("error closing connection", "conn_id", m.connID, "error", err)
		}
		m.client = nil
	}
	m.gen++
}

func (m *Machine) setState(s State) {
	if s == m.state {
		return
	}
	old := m.state
	m.state = s

	m.logger.Info("connection state changed",
		"from", old,
		"to", s,
		"conn_id", m.connID,
	)

	if m.onState != nil {
		m.onState(s)
	}
}

// arm (re)starts a timer. A zero duration disables it.
func (m *Machine) arm(kind timerKind, d time.Duration) {
	m.stopTimer(kind)
	if d <= 0 {
		return
	}

	m.timerSeq++
	seq, gen := m.timerSeq, m.gen
	m.timerSeqs[kind] = seq
	m.timers[kind] = time.AfterFunc(d, func() {
		m.post(Event{gen: gen, kind: evTimer, timer: kind, seq: seq})
	})
}

func (m *Machine) stopTimer(kind timerKind) {
	if t := m.timers[kind]; t != nil {
		t.Stop()
		m.timers[kind] = nil
	}
	// Invalidate any fire already in flight.
	m.timerSeqs[kind] = 0
}

// pump forwards client traffic to the owner goroutine until stop is closed.
func (m *Machine) pump(gen uint64, client Client, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-client.Messages():
			m.post(Event{gen: gen, kind: evMessage, msg: msg})
		case err := <-client.Errors():
			m.post(Event{gen: gen, kind: evTransportError, err: err})
			return
		}
	}
}
