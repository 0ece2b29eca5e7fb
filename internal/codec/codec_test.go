package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rickgao/hsm-feed/internal/model"
)

func TestParse_Tick(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		raw     string
		wantID  string
		wantLTP float64
		wantPct float64
	}{
		{
			name:    "string fields",
			raw:     `{"type":"mwt","identifier":"nse_cm|3456","LTP":"3512.40","NetChange":"-12.10","PercentChange":"-0.34"}`,
			wantID:  "nse_cm|3456",
			wantLTP: 3512.40,
			wantPct: -0.34,
		},
		{
			name:    "numeric fields",
			raw:     `{"type":"mwt","identifier":"nse_cm|1594","LTP":1450.5,"PercentChange":1.25}`,
			wantID:  "nse_cm|1594",
			wantLTP: 1450.5,
			wantPct: 1.25,
		},
		{
			name:    "missing change defaults to zero",
			raw:     `{"type":"mwt","identifier":"nse_cm|11536","LTP":"1600"}`,
			wantID:  "nse_cm|11536",
			wantLTP: 1600,
		},
		{
			name:    "scrip feed with exchange and token",
			raw:     `{"type":"sf","e":"nse_cm","tk":"2885","ltp":"2950.05"}`,
			wantID:  "nse_cm|2885",
			wantLTP: 2950.05,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.raw), now)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if ev.Kind != KindTick {
				t.Fatalf("Kind = %v, want tick", ev.Kind)
			}
			if ev.Tick.Instrument != tt.wantID {
				t.Errorf("Instrument = %q, want %q", ev.Tick.Instrument, tt.wantID)
			}
			if ev.Tick.LastTradedPrice != tt.wantLTP {
				t.Errorf("LastTradedPrice = %v, want %v", ev.Tick.LastTradedPrice, tt.wantLTP)
			}
			if ev.Tick.PercentChange != tt.wantPct {
				t.Errorf("PercentChange = %v, want %v", ev.Tick.PercentChange, tt.wantPct)
			}
			if !ev.Tick.ReceivedAt.Equal(now) {
				t.Errorf("ReceivedAt = %v, want %v", ev.Tick.ReceivedAt, now)
			}
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", `garbage`},
		{"empty", ``},
		{"missing type", `{"identifier":"nse_cm|3456"}`},
		{"negative ltp", `{"type":"mwt","LTP":"-5"}`},
		{"negative ltp with identifier", `{"type":"mwt","identifier":"nse_cm|3456","LTP":"-5"}`},
		{"zero ltp", `{"type":"mwt","identifier":"nse_cm|3456","LTP":0}`},
		{"missing ltp", `{"type":"mwt","identifier":"nse_cm|3456"}`},
		{"unparsable ltp", `{"type":"mwt","identifier":"nse_cm|3456","LTP":"abc"}`},
		{"unparsable change", `{"type":"mwt","identifier":"nse_cm|3456","LTP":"10","PercentChange":"n/a"}`},
		{"wrong json type", `{"type":"mwt","identifier":42,"LTP":"10"}`},
		{"overflowing ltp", `{"type":"mwt","identifier":"nse_cm|3456","LTP":"1e400"}`},
		{"overflowing numeric ltp", `{"type":"mwt","identifier":"nse_cm|3456","LTP":1e400}`},
		{"overflowing net change", `{"type":"mwt","identifier":"nse_cm|3456","LTP":"10","NetChange":"-1e400"}`},
		{"overflowing percent change", `{"type":"mwt","identifier":"nse_cm|3456","LTP":"10","PercentChange":"1e999"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.raw), time.Now())
			if err == nil {
				t.Fatalf("expected ParseError, got event %+v", ev)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Errorf("error %T is not *ParseError", err)
			}
		})
	}
}

func TestParse_Control(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantKind     Kind
		authRejected bool
	}{
		{"cn_ack", `{"type":"cn_ack"}`, KindConnectAck, false},
		{"cn ok", `{"type":"cn","stat":"Ok","stCode":200,"msg":"connected"}`, KindConnectAck, false},
		{"cn string code", `{"type":"cn","stCode":"200"}`, KindConnectAck, false},
		{"cn rejected", `{"type":"cn","stat":"NotOk","stCode":401,"msg":"invalid token"}`, KindError, true},
		{"heartbeat", `{"type":"ti"}`, KindHeartbeat, false},
		{"server error", `{"type":"error","msg":"bad scrip"}`, KindError, false},
		{"unknown", `{"type":"dp","foo":1}`, KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.raw), time.Now())
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", ev.Kind, tt.wantKind)
			}
			if ev.AuthRejected != tt.authRejected {
				t.Errorf("AuthRejected = %v, want %v", ev.AuthRejected, tt.authRejected)
			}
		})
	}
}

func TestParse_UnknownPreservesPayload(t *testing.T) {
	raw := `{"type":"dp","bp1":"12.5"}`
	ev, err := Parse([]byte(raw), time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if ev.Type != "dp" {
		t.Errorf("Type = %q, want %q", ev.Type, "dp")
	}
	if string(ev.Raw) != raw {
		t.Errorf("Raw = %s, want %s", ev.Raw, raw)
	}
}

func TestParseFrame_Array(t *testing.T) {
	raw := `[{"type":"cn","stat":"Ok","stCode":200},{"type":"mwt","LTP":"-1"},{"type":"ti"}]`
	events, errs := ParseFrame([]byte(raw), time.Now())

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != KindConnectAck || events[1].Kind != KindHeartbeat {
		t.Errorf("kinds = %v, %v, want connect_ack, heartbeat", events[0].Kind, events[1].Kind)
	}
	if len(errs) != 1 {
		t.Errorf("got %d errors, want 1", len(errs))
	}
}

func TestParseFrame_Single(t *testing.T) {
	events, errs := ParseFrame([]byte(`  {"type":"ti"}  `), time.Now())
	if len(errs) != 0 || len(events) != 1 {
		t.Fatalf("events=%d errs=%v, want 1 event", len(events), errs)
	}

	events, errs = ParseFrame([]byte(`[{"type":`), time.Now())
	if len(events) != 0 || len(errs) != 1 {
		t.Errorf("broken array: events=%d errs=%d, want 0, 1", len(events), len(errs))
	}
}

func TestConnect(t *testing.T) {
	creds := model.Credentials{Token: "tok", SessionID: "sid", DataCenter: model.DataCenterGDC}

	got, err := Connect(creds)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	want := `{"Authorization":"tok","Sid":"sid","type":"cn"}`
	if string(got) != want {
		t.Errorf("Connect() = %s, want %s", got, want)
	}

	if _, err := Connect(model.Credentials{SessionID: "sid"}); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
	if _, err := Connect(model.Credentials{Token: "tok"}); !errors.Is(err, ErrMissingSessionID) {
		t.Errorf("expected ErrMissingSessionID, got %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	tests := []struct {
		name    string
		kind    model.SubscriptionKind
		unsub   bool
		channel int
		ids     []string
		want    string
	}{
		{
			name:    "single scrip",
			kind:    model.MarketWatch,
			channel: 1,
			ids:     []string{"nse_cm|3456"},
			want:    `{"type":"mws","scrips":"nse_cm|3456","channelnum":1}`,
		},
		{
			name:    "sorted and de-duplicated",
			kind:    model.MarketWatch,
			channel: 2,
			ids:     []string{"nse_cm|3456", "nse_cm|11536", "nse_cm|3456"},
			want:    `{"type":"mws","scrips":"nse_cm|11536&nse_cm|3456","channelnum":2}`,
		},
		{
			name:    "index",
			kind:    model.Index,
			channel: 1,
			ids:     []string{"nse_cm|Nifty 50"},
			want:    `{"type":"ifs","scrips":"nse_cm|Nifty 50","channelnum":1}`,
		},
		{
			name:    "depth unsubscribe",
			kind:    model.Depth,
			unsub:   true,
			channel: 3,
			ids:     []string{"nse_cm|11000"},
			want:    `{"type":"dpu","scrips":"nse_cm|11000","channelnum":3}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serialize := Subscribe
			if tt.unsub {
				serialize = Unsubscribe
			}
			got, err := serialize(tt.kind, tt.channel, tt.ids)
			if err != nil {
				t.Fatalf("serialize failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSubscribe_Deterministic(t *testing.T) {
	ids := []string{"nse_cm|1594", "nse_cm|2885", "nse_cm|3456"}
	reversed := []string{"nse_cm|3456", "nse_cm|2885", "nse_cm|1594"}

	a, err := Subscribe(model.MarketWatch, 1, ids)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		b, err := Subscribe(model.MarketWatch, 1, reversed)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("output differs: %s vs %s", a, b)
		}
	}
}

func TestSubscribe_Invalid(t *testing.T) {
	if _, err := Subscribe(model.MarketWatch, 1, nil); !errors.Is(err, ErrNoIdentifiers) {
		t.Errorf("expected ErrNoIdentifiers, got %v", err)
	}
	if _, err := Subscribe(model.MarketWatch, 1, []string{"3456"}); !errors.Is(err, model.ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier, got %v", err)
	}
	if _, err := Subscribe(model.MarketWatch, 1, []string{"nse_cm|1&nse_cm|2"}); !errors.Is(err, model.ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier for embedded '&', got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	got, err := PauseResume(Pause, 1)
	if err != nil {
		t.Fatalf("PauseResume failed: %v", err)
	}
	if want := `{"type":"cp","channel":1}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}

	got, err = PauseResume(Resume, 4)
	if err != nil {
		t.Fatalf("PauseResume failed: %v", err)
	}
	if want := `{"type":"cr","channel":4}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}

	if _, err := PauseResume(Action("xx"), 1); err == nil {
		t.Error("expected error for unknown action")
	}
}
