package feedtest

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Frame is one client-to-server frame as received by the Feed.
type Frame struct {
	Conn          int    `json:"-"` // 1-based connection number
	Type          string `json:"type"`
	Authorization string `json:"Authorization"`
	Sid           string `json:"Sid"`
	Scrips        string `json:"scrips"`
	ChannelNum    int    `json:"channelnum"`
	Channel       int    `json:"channel"`
	Raw           string `json:"-"`
}

// Option configures a Feed.
type Option func(*Feed)

// WithCredentials makes the Feed reject any "cn" frame not carrying token
// and sid.
func WithCredentials(token, sid string) Option {
	return func(f *Feed) {
		f.token, f.sid = token, sid
	}
}

// WithoutAck makes the Feed never acknowledge "cn" frames.
func WithoutAck() Option {
	return func(f *Feed) {
		f.noAck = true
	}
}

// WithHeartbeat sends a "ti" frame to every authenticated peer each interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(f *Feed) {
		f.heartbeat = interval
	}
}

// WithPrice seeds the opening price of an identifier.
func WithPrice(identifier, price string) Option {
	return func(f *Feed) {
		f.open[identifier] = decimal.RequireFromString(price)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Feed is a mock HSM market-watch endpoint. It implements http.Handler.
type Feed struct {
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	token     string
	sid       string
	noAck     bool
	heartbeat time.Duration

	mu     sync.Mutex
	peers  map[*peer]struct{}
	frames []Frame
	nconn  int
	open   map[string]decimal.Decimal
	last   map[string]decimal.Decimal
}

// peer is one client connection.
type peer struct {
	id      int
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Guarded by Feed.mu
	authed bool
	subs   map[int]map[string]struct{} // channel -> identifiers
	paused map[int]bool
}

// New creates a Feed.
func New(opts ...Option) *Feed {
	f := &Feed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.Default(),
		peers:  make(map[*peer]struct{}),
		open:   make(map[string]decimal.Decimal),
		last:   make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.nconn++
	p := &peer{
		id:     f.nconn,
		conn:   conn,
		subs:   make(map[int]map[string]struct{}),
		paused: make(map[int]bool),
	}
	f.peers[p] = struct{}{}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.peers, p)
		f.mu.Unlock()
	}()

	f.logger.Info("client connected", "conn", p.id, "remote", r.RemoteAddr)

	stop := make(chan struct{})
	defer close(stop)
	if f.heartbeat > 0 {
		go f.heartbeatLoop(p, stop)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.logger.Info("client disconnected", "conn", p.id, "error", err)
			return
		}
		f.handle(p, data)
	}
}

func (f *Feed) handle(p *peer, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Warn("bad client frame", "conn", p.id, "error", err)
		return
	}
	frame.Conn = p.id
	frame.Raw = string(data)

	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()

	switch frame.Type {
	case "cn":
		f.handleConnect(p, frame)

	case "mws", "ifs", "dps":
		if !f.authed(p) {
			f.send(p, `{"type":"error","msg":"session not authenticated"}`)
			return
		}
		ids := splitScrips(frame.Scrips)
		f.mu.Lock()
		set := p.subs[frame.ChannelNum]
		if set == nil {
			set = make(map[string]struct{})
			p.subs[frame.ChannelNum] = set
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
		f.mu.Unlock()

		// Snapshot the current price, as the real feed does on subscribe.
		for _, id := range ids {
			f.sendTick(p, id, f.price(id))
		}

	case "mwu", "ifu", "dpu":
		f.mu.Lock()
		for _, id := range splitScrips(frame.Scrips) {
			delete(p.subs[frame.ChannelNum], id)
		}
		f.mu.Unlock()

	case "cp", "cr":
		f.mu.Lock()
		p.paused[frame.Channel] = frame.Type == "cp"
		f.mu.Unlock()

	default:
		f.logger.Debug("ignoring client frame", "conn", p.id, "type", frame.Type)
	}
}

func (f *Feed) handleConnect(p *peer, frame Frame) {
	if frame.Authorization == "" || frame.Sid == "" ||
		(f.token != "" && frame.Authorization != f.token) ||
		(f.sid != "" && frame.Sid != f.sid) {
		f.send(p, `[{"type":"cn","stat":"NotOk","stCode":401,"msg":"Invalid token"}]`)
		return
	}
	if f.noAck {
		return
	}

	f.send(p, `[{"ak":"ok","type":"cn","stat":"Ok","stCode":200,"msg":"successful"}]`)
	f.mu.Lock()
	p.authed = true
	f.mu.Unlock()
}

func (f *Feed) heartbeatLoop(p *peer, stop <-chan struct{}) {
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if f.authed(p) {
				f.send(p, `{"type":"ti"}`)
			}
		}
	}
}

// Frames returns every frame received so far, in arrival order.
func (f *Feed) Frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

// FramesOfType returns the received frames with the given type.
func (f *Feed) FramesOfType(msgType string) []Frame {
	var out []Frame
	for _, fr := range f.Frames() {
		if fr.Type == msgType {
			out = append(out, fr)
		}
	}
	return out
}

// Connections returns the number of open client connections.
func (f *Feed) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// Subscribed returns the identifiers any peer streams, sorted.
func (f *Feed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribedLocked()
}

func (f *Feed) subscribedLocked() []string {
	seen := make(map[string]struct{})
	for p := range f.peers {
		for _, set := range p.subs {
			for id := range set {
				seen[id] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast writes raw to every connected peer.
func (f *Feed) Broadcast(raw string) {
	for _, p := range f.snapshotPeers() {
		f.send(p, raw)
	}
}

// Publish sends a tick for identifier at price to every peer streaming it on
// an unpaused channel.
func (f *Feed) Publish(identifier, price string) {
	d := decimal.RequireFromString(price)
	f.mu.Lock()
	if _, ok := f.open[identifier]; !ok {
		f.open[identifier] = d
	}
	f.last[identifier] = d
	f.mu.Unlock()

	for _, p := range f.snapshotPeers() {
		if f.streams(p, identifier) {
			f.sendTick(p, identifier, d)
		}
	}
}

// DropConnections closes every client connection without a close frame.
func (f *Feed) DropConnections() {
	for _, p := range f.snapshotPeers() {
		p.conn.Close()
	}
}

// Run publishes a random walk for every subscribed identifier each interval
// until ctx is done.
func (f *Feed) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, id := range f.Subscribed() {
				f.Publish(id, f.step(id).StringFixed(2))
			}
		}
	}
}

// step moves the last price of id by up to ±0.2%.
func (f *Feed) step(id string) decimal.Decimal {
	move := decimal.NewFromFloat((rand.Float64() - 0.5) * 0.004)
	next := f.price(id).Mul(decimal.NewFromInt(1).Add(move)).Round(2)
	if !next.IsPositive() {
		next = decimal.NewFromFloat(0.05)
	}
	return next
}

// price returns the last published price of id, defaulting to its opening
// price or 1000.
func (f *Feed) price(id string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.last[id]; ok {
		return d
	}
	if d, ok := f.open[id]; ok {
		return d
	}
	d := decimal.NewFromInt(1000)
	f.open[id] = d
	return d
}

func (f *Feed) sendTick(p *peer, id string, ltp decimal.Decimal) {
	f.mu.Lock()
	open, ok := f.open[id]
	f.mu.Unlock()
	if !ok {
		open = ltp
	}

	change := ltp.Sub(open)
	pct := decimal.Zero
	if open.IsPositive() {
		pct = change.Div(open).Mul(decimal.NewFromInt(100))
	}

	msg, _ := json.Marshal(map[string]string{
		"type":          "mwt",
		"identifier":    id,
		"LTP":           ltp.StringFixed(2),
		"NetChange":     change.StringFixed(2),
		"PercentChange": pct.StringFixed(2),
	})
	f.send(p, string(msg))
}

func (f *Feed) send(p *peer, raw string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := p.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		f.logger.Debug("write failed", "conn", p.id, "error", err)
	}
}

func (f *Feed) authed(p *peer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return p.authed
}

func (f *Feed) streams(p *peer, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, set := range p.subs {
		if p.paused[ch] {
			continue
		}
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func (f *Feed) snapshotPeers() []*peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*peer, 0, len(f.peers))
	for p := range f.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func splitScrips(scrips string) []string {
	if scrips == "" {
		return nil
	}
	return strings.Split(scrips, "&")
}

// Server is a Feed served by an httptest.Server.
type Server struct {
	*Feed
	srv *httptest.Server
}

// NewServer starts a Feed on a local test listener.
func NewServer(opts ...Option) *Server {
	f := New(opts...)
	return &Server{Feed: f, srv: httptest.NewServer(f)}
}

// URL returns the ws:// URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops all clients and shuts the server down.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}
