package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/hsm-feed/internal/codec"
	"github.com/rickgao/hsm-feed/internal/model"
)

// newTestServer starts a WebSocket server running handler for each client.
func newTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(server *httptest.Server) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)
	cfg.BufferSize = 16
	return cfg
}

// readFrame waits for the next inbound frame and parses it.
func readFrame(t *testing.T, client Client) []codec.Event {
	t.Helper()
	select {
	case msg := <-client.Messages():
		if msg.ReceivedAt.IsZero() {
			t.Error("ReceivedAt should not be zero")
		}
		events, errs := codec.ParseFrame(msg.Data, msg.ReceivedAt)
		if len(errs) > 0 {
			t.Fatalf("parse %s: %v", msg.Data, errs)
		}
		return events
	case err := <-client.Errors():
		t.Fatalf("connection error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return nil
}

const ackFrame = `[{"ak":"ok","type":"cn","stat":"Ok","stCode":200,"msg":"successful"}]`

func TestClient_Handshake(t *testing.T) {
	got := make(chan string, 1)
	server := newTestServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- string(data)
		conn.WriteMessage(websocket.TextMessage, []byte(ackFrame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("expected IsConnected to return true")
	}

	frame, err := codec.Connect(model.Credentials{Token: "tok", SessionID: "sid"})
	if err != nil {
		t.Fatalf("encode connect: %v", err)
	}
	if err := client.Send(frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case raw := <-got:
		if raw != string(frame) {
			t.Errorf("server got %s, want %s", raw, frame)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the connect frame")
	}

	events := readFrame(t, client)
	if len(events) != 1 || events[0].Kind != codec.KindConnectAck {
		t.Errorf("events = %+v, want one connect ack", events)
	}
}

func TestClient_SubscribeReceivesTicks(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !strings.Contains(string(data), `"type":"mws"`) {
				continue
			}
			// Snapshot tick and heartbeat batched, then a single tick.
			conn.WriteMessage(websocket.TextMessage, []byte(
				`[{"type":"mwt","identifier":"nse_cm|3456","LTP":"3412.55"},{"type":"ti"}]`))
			conn.WriteMessage(websocket.TextMessage, []byte(
				`{"type":"mwt","identifier":"nse_cm|3456","LTP":3413.10,"PercentChange":"0.02"}`))
		}
	})

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	frame, err := codec.Subscribe(model.MarketWatch, 1, []string{"nse_cm|3456"})
	if err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	if err := client.Send(frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	first := readFrame(t, client)
	if len(first) != 2 || first[0].Kind != codec.KindTick || first[1].Kind != codec.KindHeartbeat {
		t.Fatalf("first frame = %+v, want tick then heartbeat", first)
	}
	if first[0].Tick.LastTradedPrice != 3412.55 {
		t.Errorf("LTP = %v, want 3412.55", first[0].Tick.LastTradedPrice)
	}

	second := readFrame(t, client)
	if len(second) != 1 || second[0].Tick.LastTradedPrice != 3413.10 {
		t.Errorf("second frame = %+v, want tick at 3413.10", second)
	}
}

func TestClient_HeartbeatFramesKeepAlive(t *testing.T) {
	// The server never reads, so pings go unanswered; only its "ti" frames
	// show the connection is alive.
	server := newTestServer(t, func(conn *websocket.Conn) {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(time.Second)
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ti"}`)); err != nil {
					return
				}
			case <-deadline:
				return
			}
		}
	})

	cfg := testClientConfig(server)
	cfg.BufferSize = 1000
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 60 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		t.Fatalf("unexpected error while heartbeats flow: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	if !client.IsConnected() {
		t.Error("expected client to stay connected")
	}
	events := readFrame(t, client)
	if len(events) != 1 || events[0].Kind != codec.KindHeartbeat {
		t.Errorf("events = %+v, want heartbeat", events)
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	frame, err := codec.PauseResume(codec.Pause, 1)
	if err != nil {
		t.Fatalf("encode pause: %v", err)
	}

	client := NewClient(DefaultClientConfig(), nil)
	if err := client.Send(frame); !errors.Is(err, ErrNotConnected) {
		t.Errorf("before Connect: got %v, want ErrNotConnected", err)
	}

	server := newTestServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	client = NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	client.Close()

	if err := client.Send(frame); !errors.Is(err, ErrNotConnected) {
		t.Errorf("after Close: got %v, want ErrNotConnected", err)
	}
}

func TestClient_CloseIsQuiet(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}

	// A local close is not a transport failure.
	select {
	case err := <-client.Errors():
		t.Errorf("unexpected error after Close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_AnswersServerPing(t *testing.T) {
	pong := make(chan string, 1)
	server := newTestServer(t, func(conn *websocket.Conn) {
		conn.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		if err := conn.WriteControl(websocket.PingMessage, []byte("hsm"), time.Now().Add(time.Second)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case data := <-pong:
		if data != "hsm" {
			t.Errorf("pong payload = %q, want hsm", data)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received a pong")
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected after ping")
	}
}

func TestClient_StaleConnection(t *testing.T) {
	// Server never reads, so our pings are never answered.
	server := newTestServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})

	cfg := ClientConfig{
		URL:          wsURL(server),
		PingInterval: 20 * time.Millisecond,
		PingTimeout:  60 * time.Millisecond,
		WriteTimeout: time.Second,
		BufferSize:   10,
	}

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("got %v, want ErrStaleConnection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stale connection error")
	}
}

func TestClient_ServerCloseReportsError(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn) {})

	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if err == nil {
			t.Error("expected non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for read error")
	}
}

func TestClient_ConnectAfterClose(t *testing.T) {
	client := NewClient(DefaultClientConfig(), nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := client.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("got %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_DialFailure(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.URL = "ws://127.0.0.1:1"
	cfg.HandshakeTimeout = 200 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err == nil {
		client.Close()
		t.Fatal("expected dial error")
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false")
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.PingTimeout != 90*time.Second {
		t.Errorf("PingTimeout = %v, want 90s", clientCfg.PingTimeout)
	}
	if clientCfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", clientCfg.BufferSize)
	}

	machineCfg := DefaultMachineConfig()
	if machineCfg.URL != "wss://mlhsm.kotaksecurities.com" {
		t.Errorf("URL = %s, want wss://mlhsm.kotaksecurities.com", machineCfg.URL)
	}
	if machineCfg.AckTimeout != 10*time.Second {
		t.Errorf("AckTimeout = %v, want 10s", machineCfg.AckTimeout)
	}
	if machineCfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0 (unbounded)", machineCfg.MaxRetries)
	}
}

func TestMachineConfig_Endpoint(t *testing.T) {
	cfg := DefaultMachineConfig()
	cfg.Endpoints = map[model.DataCenter]string{
		model.DataCenterE21: "wss://e21.example.test",
	}

	tests := []struct {
		dc   model.DataCenter
		want string
	}{
		{model.DataCenterE21, "wss://e21.example.test"},
		{model.DataCenterGDC, cfg.URL},
		{"", cfg.URL},
	}
	for _, tt := range tests {
		if got := cfg.endpoint(tt.dc); got != tt.want {
			t.Errorf("endpoint(%q) = %s, want %s", tt.dc, got, tt.want)
		}
	}
}
