package gateway

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/veloz/veloz-engine/internal/model"
)

// fakeEngine records the calls the protocol dispatches into it.
type fakeEngine struct {
	placed     []PlaceOrderRequest
	canceled   []string
	params     map[string]string
	killSwitch *bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{params: make(map[string]string)}
}

func (f *fakeEngine) Status() string { return "running adapter=fake circuit=NORMAL" }

func (f *fakeEngine) PlaceOrder(req PlaceOrderRequest) (string, error) {
	if req.Symbol == "BADSYM" {
		return "", fmt.Errorf("unknown symbol %s", req.Symbol)
	}
	f.placed = append(f.placed, req)
	return "manual-1", nil
}

func (f *fakeEngine) CancelOrder(coid string) error {
	f.canceled = append(f.canceled, coid)
	return nil
}

func (f *fakeEngine) QueryOrder(coid string) (*model.Order, error) {
	if coid == "missing" {
		return nil, nil
	}
	return &model.Order{ClientOrderID: coid, State: model.Accepted}, nil
}

func (f *fakeEngine) StartStrategy(id string) error { return nil }
func (f *fakeEngine) StopStrategy(id string) error  { return nil }

func (f *fakeEngine) SetStrategyParams(id string, paramsJSON string) (int, error) {
	f.params[id] = paramsJSON
	return 2, nil
}

func (f *fakeEngine) StrategyMetrics(id string) (string, error) {
	return `{"strategy_id":"` + id + `"}`, nil
}

func (f *fakeEngine) BacktestRun(configJSON string) (string, error) { return "run-1", nil }

func (f *fakeEngine) KillSwitch(on bool) { f.killSwitch = &on }

func serve(t *testing.T, eng Engine, input string) []string {
	t.Helper()
	var out bytes.Buffer
	s := NewServer(eng)
	if err := s.Serve(strings.NewReader(input), &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func TestPingAndStatus(t *testing.T) {
	lines := serve(t, newFakeEngine(), "PING\nSTATUS\n")
	if len(lines) != 2 {
		t.Fatalf("got %d response lines, want 2: %v", len(lines), lines)
	}
	if lines[0] != "OK PONG" {
		t.Fatalf("PING response = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "OK running") {
		t.Fatalf("STATUS response = %q", lines[1])
	}
}

func TestOrderPlaceParsesArguments(t *testing.T) {
	eng := newFakeEngine()
	lines := serve(t, eng, "ORDER PLACE BTCUSDT BUY LIMIT 0.5 30000 GTC my-id\n")
	if len(lines) != 1 || lines[0] != "OK manual-1" {
		t.Fatalf("response = %v", lines)
	}
	if len(eng.placed) != 1 {
		t.Fatalf("engine saw %d placements, want 1", len(eng.placed))
	}
	req := eng.placed[0]
	want := PlaceOrderRequest{Symbol: "BTCUSDT", Side: "BUY", Kind: "LIMIT", Qty: "0.5", Price: "30000", TIF: "GTC", ClientOrderID: "my-id"}
	if req != want {
		t.Fatalf("parsed request = %+v, want %+v", req, want)
	}
}

func TestOrderPlaceErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"too few args", "ORDER PLACE BTCUSDT BUY\n"},
		{"engine reject", "ORDER PLACE BADSYM BUY LIMIT 1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lines := serve(t, newFakeEngine(), tc.input)
			if len(lines) != 1 || !strings.HasPrefix(lines[0], "ERR ") {
				t.Fatalf("response = %v, want ERR", lines)
			}
		})
	}
}

func TestOrderQuery(t *testing.T) {
	lines := serve(t, newFakeEngine(), "ORDER QUERY abc\nORDER QUERY missing\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "OK {") || !strings.Contains(lines[0], `"ClientOrderID":"abc"`) {
		t.Fatalf("query response = %q", lines[0])
	}
	if lines[1] != "ERR not_found" {
		t.Fatalf("missing-order response = %q", lines[1])
	}
}

// The JSON tail of STRATEGY PARAMS must survive whole, embedded spaces
// included, which strings.Fields alone would have destroyed.
func TestStrategyParamsPreservesJSONTail(t *testing.T) {
	eng := newFakeEngine()
	lines := serve(t, eng, `STRATEGY PARAMS momentum-btc {"entry_qty": "0.25", "period": "14"}`+"\n")
	if len(lines) != 1 || lines[0] != "OK 2" {
		t.Fatalf("response = %v", lines)
	}
	got := eng.params["momentum-btc"]
	if got != `{"entry_qty": "0.25", "period": "14"}` {
		t.Fatalf("params json = %q", got)
	}
}

func TestKillSwitch(t *testing.T) {
	eng := newFakeEngine()
	lines := serve(t, eng, "KILL SWITCH on\nKILL SWITCH off\nKILL SWITCH maybe\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %v", len(lines), lines)
	}
	if lines[0] != "OK" || lines[1] != "OK" {
		t.Fatalf("on/off responses = %q, %q", lines[0], lines[1])
	}
	if !strings.HasPrefix(lines[2], "ERR ") {
		t.Fatalf("invalid arg response = %q", lines[2])
	}
	if eng.killSwitch == nil || *eng.killSwitch {
		t.Fatal("final kill switch state should be off")
	}
}

func TestUnknownCommand(t *testing.T) {
	lines := serve(t, newFakeEngine(), "FROBNICATE\n")
	if len(lines) != 1 || lines[0] != "ERR unknown_command" {
		t.Fatalf("response = %v", lines)
	}
}

func TestPublishEventEmitsEventLine(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(newFakeEngine())
	if err := s.Serve(strings.NewReader(""), &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	s.PublishEvent(model.SystemEvent{Kind: model.EventSnapshotGap, Message: "gap"})

	line := strings.TrimRight(out.String(), "\n")
	if !strings.HasPrefix(line, "EVENT {") || !strings.Contains(line, "SNAPSHOT_GAP") {
		t.Fatalf("event line = %q", line)
	}
}
