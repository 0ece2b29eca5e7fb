package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/hsm-feed/internal/codec"
	"github.com/rickgao/hsm-feed/internal/connection"
	"github.com/rickgao/hsm-feed/internal/model"
	"github.com/rickgao/hsm-feed/internal/subscription"
)

// Session is a single streaming session against the HSM feed.
type Session interface {
	// Start launches the run loop. ctx bounds the whole session.
	Start(ctx context.Context) error

	// Stop disconnects and stops the run loop.
	Stop(ctx context.Context) error

	// Connect authenticates with creds. When already authenticated it
	// re-issues the desired subscriptions instead.
	Connect(creds model.Credentials) error

	// SelectInstrument makes inst the only market-watch subscription on the
	// default channel.
	SelectInstrument(inst model.Instrument) error

	// SetSubscriptions replaces the whole desired subscription set.
	SetSubscriptions(reqs []model.SubscriptionRequest) error

	// Pause and Resume stop and restart streaming on a channel.
	Pause(channel int) error
	Resume(channel int) error

	// Disconnect tears down the connection and clears all prices.
	Disconnect() error

	State() connection.State
	Prices() []Quote
	Stats() Stats
}

// Option configures optional Session behavior.
type Option func(*session)

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(f connection.ClientFactory) Option {
	return func(s *session) {
		s.clientFactory = f
	}
}

// session implements the Session interface.
type session struct {
	cfg           Config
	listener      Listener
	logger        *slog.Logger
	clientFactory connection.ClientFactory

	cmds     chan func()
	events   chan connection.Event
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	// Owned by the run loop
	machine  *connection.Machine
	registry *subscription.Registry
	names    map[string]model.Instrument

	// Snapshots, written by the run loop only
	mu     sync.RWMutex
	state  connection.State
	prices map[string]Quote
	stats  Stats
}

// New creates a Session. A nil listener discards notifications.
func New(cfg Config, listener Listener, logger *slog.Logger, opts ...Option) Session {
	if logger == nil {
		logger = slog.Default()
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	if cfg.DefaultChannel < 1 {
		cfg.DefaultChannel = DefaultConfig().DefaultChannel
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	s := &session{
		cfg:      cfg,
		listener: listener,
		logger:   logger.With("session_id", uuid.NewString()),
		cmds:     make(chan func()),
		events:   make(chan connection.Event, cfg.EventBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		registry: subscription.NewRegistry(),
		names:    make(map[string]model.Instrument),
		prices:   make(map[string]Quote),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the run loop.
func (s *session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	opts := []connection.MachineOption{
		connection.WithLogger(s.logger),
		connection.WithStateListener(s.onState),
	}
	if s.clientFactory != nil {
		opts = append(opts, connection.WithClientFactory(s.clientFactory))
	}
	s.machine = connection.NewMachine(ctx, s.cfg.Connection, s.post, opts...)

	go s.run(ctx)

	s.logger.Info("session started", "default_channel", s.cfg.DefaultChannel)
	return nil
}

// Stop disconnects and waits for the run loop to exit.
func (s *session) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	s.stopOnce.Do(func() { close(s.quit) })

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout")
		return ctx.Err()
	}

	s.logger.Info("session stopped")
	return nil
}

func (s *session) Connect(creds model.Credentials) error {
	return s.do(func() error {
		if s.machine.State() == connection.Authenticated {
			s.logger.Info("already authenticated, refreshing subscriptions")
			diff := s.registry.Pending()
			diff.ToAdd = s.registry.Desired()
			s.reconcile(diff)
			return nil
		}

		s.logger.Info("connecting", "credentials", creds)
		return s.machine.Connect(creds)
	})
}

func (s *session) SelectInstrument(inst model.Instrument) error {
	return s.SetSubscriptions([]model.SubscriptionRequest{{
		Kind:        model.MarketWatch,
		Channel:     s.cfg.DefaultChannel,
		Instruments: []model.Instrument{inst},
	}})
}

func (s *session) SetSubscriptions(reqs []model.SubscriptionRequest) error {
	return s.do(func() error {
		diff, err := s.registry.SetDesired(reqs)
		if err != nil {
			return fmt.Errorf("set subscriptions: %w", err)
		}

		names := make(map[string]model.Instrument)
		for _, req := range reqs {
			for _, inst := range req.Instruments {
				names[inst.Identifier] = inst
			}
		}
		s.names = names

		switch state := s.machine.State(); state {
		case connection.Authenticated:
			s.reconcile(diff)
		case connection.Idle, connection.Connecting, connection.AwaitingAuthAck, connection.Reconnecting:
			s.prunePrices()
			s.logger.Debug("subscriptions deferred until authenticated",
				"state", state,
				"to_add", len(diff.ToAdd),
			)
		default:
			if !diff.Empty() {
				s.rejected(fmt.Errorf("%w (state %s)", connection.ErrCommandRejected, state))
			}
		}
		return nil
	})
}

func (s *session) Pause(channel int) error {
	return s.channelAction(codec.Pause, channel)
}

func (s *session) Resume(channel int) error {
	return s.channelAction(codec.Resume, channel)
}

func (s *session) channelAction(action codec.Action, channel int) error {
	if channel < 1 {
		return fmt.Errorf("%w: got %d", subscription.ErrInvalidChannel, channel)
	}

	return s.do(func() error {
		frame, err := codec.PauseResume(action, channel)
		if err != nil {
			return err
		}
		if err := s.machine.Send(frame); err != nil {
			s.rejected(err)
			return nil
		}
		s.count(func(st *Stats) { st.CommandsSent++ })
		s.logger.Info("channel command sent", "action", string(action), "channel", channel)
		return nil
	})
}

func (s *session) Disconnect() error {
	return s.do(func() error {
		if s.machine.Disconnect() {
			s.logger.Info("disconnected")
		}
		return nil
	})
}

// State returns the current connection state.
func (s *session) State() connection.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Prices returns the latest quote of every streamed instrument, sorted by
// identifier.
func (s *session) Prices() []Quote {
	s.mu.RLock()
	quotes := make([]Quote, 0, len(s.prices))
	for _, q := range s.prices {
		quotes = append(quotes, q)
	}
	s.mu.RUnlock()

	sort.Slice(quotes, func(i, j int) bool {
		return quotes[i].Instrument.Identifier < quotes[j].Instrument.Identifier
	})
	return quotes
}

// Stats returns current statistics.
func (s *session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.State = s.state
	return st
}

// do runs fn on the run loop and waits for its result.
func (s *session) do(fn func() error) error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	reply := make(chan error, 1)
	select {
	case s.cmds <- func() { reply <- fn() }:
	case <-s.done:
		return ErrStopped
	}
	return <-reply
}

// post hands a transport event to the run loop.
func (s *session) post(ev connection.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.quit:
			s.shutdown()
			return
		case fn := <-s.cmds:
			fn()
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *session) shutdown() {
	s.machine.Disconnect()
}

// onState runs inside Machine calls on the run loop.
func (s *session) onState(state connection.State) {
	switch state {
	case connection.Connecting, connection.Reconnecting:
		// The previous connection's subscriptions died with it.
		s.registry.Reset()
	case connection.Closed, connection.Failed:
		s.registry.Reset()
		s.clearPrices()
	}

	s.mu.Lock()
	s.state = state
	if state == connection.Reconnecting {
		s.stats.Reconnects++
	}
	s.stats.Subscriptions = len(s.registry.Active())
	s.stats.LastError = ""
	if err := s.machine.LastError(); err != nil {
		s.stats.LastError = err.Error()
	}
	s.mu.Unlock()

	s.listener.OnStatusChange(state)

	if state == connection.Authenticated {
		s.prunePrices()
		s.reconcile(s.registry.Pending())
	}
}

// reconcile sends the commands for diff and commits each accepted one.
func (s *session) reconcile(diff subscription.Diff) {
	defer s.syncSubscriptions()

	for _, cmd := range diff.Commands() {
		if err := s.send(cmd); err != nil {
			s.rejected(err)
			if s.machine.State() != connection.Authenticated {
				return
			}
			continue
		}

		if cmd.Unsubscribe {
			s.registry.MarkInactive(cmd.Keys)
			s.dropPrices(cmd.Identifiers)
		} else {
			s.registry.MarkActive(cmd.Keys)
			s.addPrices(cmd.Identifiers)
		}
	}
}

func (s *session) send(cmd subscription.Command) error {
	var frame []byte
	var err error
	if cmd.Unsubscribe {
		frame, err = codec.Unsubscribe(cmd.Kind, cmd.Channel, cmd.Identifiers)
	} else {
		frame, err = codec.Subscribe(cmd.Kind, cmd.Channel, cmd.Identifiers)
	}
	if err != nil {
		return err
	}

	if err := s.machine.Send(frame); err != nil {
		return err
	}

	s.count(func(st *Stats) { st.CommandsSent++ })
	s.logger.Info("subscription command sent",
		"kind", cmd.Kind,
		"channel", cmd.Channel,
		"unsubscribe", cmd.Unsubscribe,
		"scrips", len(cmd.Identifiers),
	)
	return nil
}

func (s *session) rejected(err error) {
	s.count(func(st *Stats) { st.CommandsRejected++ })
	s.logger.Warn("command not sent", "error", err)
	s.listener.OnSubscribeError(err)
}

func (s *session) handleEvent(ev connection.Event) {
	events, errs := s.machine.Handle(ev)

	for _, err := range errs {
		var pe *codec.ParseError
		var proto *connection.ProtocolError
		switch {
		case errors.As(err, &pe):
			s.count(func(st *Stats) { st.ParseErrors++ })
		case errors.As(err, &proto):
			s.count(func(st *Stats) { st.ProtocolErrors++ })
		}
	}

	for _, e := range events {
		switch e.Kind {
		case codec.KindTick:
			s.applyTick(e.Tick)

		case codec.KindError:
			s.count(func(st *Stats) { st.ServerErrors++ })
			err := fmt.Errorf("%w: %s", ErrServerError, e.Message)
			s.logger.Warn("server error", "type", e.Type, "message", e.Message)
			s.listener.OnSubscribeError(err)

		default:
			s.count(func(st *Stats) { st.UnknownMessages++ })
			s.logger.Debug("unknown message type", "type", e.Type, "raw", string(e.Raw))
		}
	}
}

func (s *session) applyTick(tick model.PriceTick) {
	s.mu.Lock()
	q, ok := s.prices[tick.Instrument]
	if !ok {
		s.stats.TicksDropped++
		s.mu.Unlock()
		s.logger.Debug("dropping tick for instrument not streamed", "identifier", tick.Instrument)
		return
	}
	q.State = q.State.Apply(tick)
	s.prices[tick.Instrument] = q
	s.stats.TicksAccepted++
	s.stats.LastTickAt = tick.ReceivedAt
	s.mu.Unlock()

	s.listener.OnPriceUpdate(q.Instrument, q.State)
}

func (s *session) instrument(id string) model.Instrument {
	if inst, ok := s.names[id]; ok {
		return inst
	}
	return model.Instrument{Identifier: id}
}

// addPrices creates empty price state for newly streamed identifiers.
func (s *session) addPrices(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.prices[id]; !ok {
			s.prices[id] = Quote{Instrument: s.instrument(id)}
		}
	}
}

// dropPrices discards price state for identifiers no longer streamed on any
// channel.
func (s *session) dropPrices(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if !s.registry.Streaming(id) {
			delete(s.prices, id)
		}
	}
}

// prunePrices discards price state for identifiers no longer desired. Used
// while no connection holds active subscriptions.
func (s *session) prunePrices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.prices {
		if !s.registry.Wants(id) {
			delete(s.prices, id)
		}
	}
}

func (s *session) clearPrices() {
	s.mu.Lock()
	s.prices = make(map[string]Quote)
	s.mu.Unlock()
}

func (s *session) syncSubscriptions() {
	n := len(s.registry.Active())
	s.mu.Lock()
	s.stats.Subscriptions = n
	s.mu.Unlock()
}

func (s *session) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
