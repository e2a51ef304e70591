// Package gateway implements the engine-side half of the line-oriented
// control protocol between the engine and its HTTP/SSE gateway process:
// PING/STATUS/ORDER/STRATEGY/BACKTEST/KILL SWITCH commands in, OK/ERR
// responses and EVENT lines out. The HTTP/SSE transport and browser UI
// live in that external process; this package owns only the byte-stream
// protocol the core exposes to it, talking to the engine through the
// narrow Engine interface rather than importing any core component.
package gateway

import (
	"bufio"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veloz/veloz-engine/internal/model"
)

// Engine is everything the gateway protocol needs from the core. cmd
// wiring implements this over the concrete OMS/Runtime/risk/replay
// components, keeping gateway free of a dependency on any one of them —
// the same capability-set seam used for venue and strategy polymorphism.
type Engine interface {
	Status() string
	PlaceOrder(req PlaceOrderRequest) (clientOrderID string, err error)
	CancelOrder(clientOrderID string) error
	QueryOrder(clientOrderID string) (*model.Order, error)
	StartStrategy(strategyID string) error
	StopStrategy(strategyID string) error
	SetStrategyParams(strategyID string, paramsJSON string) (version int, err error)
	StrategyMetrics(strategyID string) (metricsJSON string, err error)
	BacktestRun(configJSON string) (runID string, err error)
	KillSwitch(on bool)
}

// PlaceOrderRequest is the parsed form of "ORDER PLACE <symbol> <side>
// <kind> <qty> [price] [tif] [client_order_id]".
type PlaceOrderRequest struct {
	Symbol        string
	Side          string
	Kind          string
	Qty           string
	Price         string
	TIF           string
	ClientOrderID string
}

// Server serves the control protocol over one connection at a time. Event
// lines (EVENT ...) and command responses (OK/ERR ...) are multiplexed
// onto the same byte stream, so they share one underlying writer,
// serialized by mu.
type Server struct {
	engine Engine

	mu sync.Mutex
	w  *bufio.Writer
}

// NewServer creates a Server bound to engine; call Serve once per
// connection and PublishEvent from the engine's event-bus subscribers to
// forward EVENT lines to whichever connection is currently being served.
func NewServer(engine Engine) *Server {
	return &Server{engine: engine}
}

// Serve reads commands from r and writes responses to w until r returns
// EOF or an unrecoverable read error. Each line is one command; blank
// lines are ignored. Safe to call from its own goroutine per connection.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.w = bufio.NewWriter(w)
	s.mu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleLine(line)
	}
	return scanner.Err()
}

// PublishEvent serializes ev (a model.SystemEvent or model.TradingEvent)
// as a single "EVENT {json}" line onto the currently served connection.
func (s *Server) PublishEvent(ev any) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("gateway: marshal event")
		return
	}
	s.writeLine("EVENT " + string(body))
}

func (s *Server) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return
	}
	if _, err := s.w.WriteString(line + "\n"); err != nil {
		log.Error().Err(err).Msg("gateway: write")
		return
	}
	_ = s.w.Flush()
}

func (s *Server) ok(rest string) {
	if rest == "" {
		s.writeLine("OK")
		return
	}
	s.writeLine("OK " + rest)
}

func (s *Server) err(reason string) {
	s.writeLine("ERR " + reason)
}

func (s *Server) handleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToUpper(fields[0])

	// Two-word commands (ORDER PLACE, STRATEGY START, BACKTEST RUN, ...)
	// are dispatched on their first two tokens; PING/STATUS/KILL stand
	// alone.
	if len(fields) >= 2 {
		switch cmd + " " + strings.ToUpper(fields[1]) {
		case "ORDER PLACE":
			s.handleOrderPlace(fields[2:])
			return
		case "ORDER CANCEL":
			s.handleOrderCancel(fields[2:])
			return
		case "ORDER QUERY":
			s.handleOrderQuery(fields[2:])
			return
		case "STRATEGY START":
			s.handleStrategyStart(fields[2:])
			return
		case "STRATEGY STOP":
			s.handleStrategyStop(fields[2:])
			return
		case "STRATEGY PARAMS":
			s.handleStrategyParams(fields[2:], line)
			return
		case "STRATEGY METRICS":
			s.handleStrategyMetrics(fields[2:])
			return
		case "BACKTEST RUN":
			s.handleBacktestRun(fields[2:], line)
			return
		}
	}

	switch cmd {
	case "PING":
		s.ok("PONG")
	case "STATUS":
		s.ok(s.engine.Status())
	case "KILL":
		if len(fields) >= 2 && strings.ToUpper(fields[1]) == "SWITCH" {
			s.handleKillSwitch(fields[2:])
			return
		}
		s.err("unknown_command")
	default:
		s.err("unknown_command")
	}
}

func (s *Server) handleOrderPlace(args []string) {
	if len(args) < 4 {
		s.err("usage: ORDER PLACE <symbol> <side> <kind> <qty> [price] [tif] [client_order_id]")
		return
	}
	req := PlaceOrderRequest{Symbol: args[0], Side: args[1], Kind: args[2], Qty: args[3]}
	if len(args) > 4 {
		req.Price = args[4]
	}
	if len(args) > 5 {
		req.TIF = args[5]
	}
	if len(args) > 6 {
		req.ClientOrderID = args[6]
	}
	coid, err := s.engine.PlaceOrder(req)
	if err != nil {
		s.err(err.Error())
		return
	}
	s.ok(coid)
}

func (s *Server) handleOrderCancel(args []string) {
	if len(args) < 1 {
		s.err("usage: ORDER CANCEL <client_order_id>")
		return
	}
	if err := s.engine.CancelOrder(args[0]); err != nil {
		s.err(err.Error())
		return
	}
	s.ok("")
}

func (s *Server) handleOrderQuery(args []string) {
	if len(args) < 1 {
		s.err("usage: ORDER QUERY <client_order_id>")
		return
	}
	ord, err := s.engine.QueryOrder(args[0])
	if err != nil {
		s.err(err.Error())
		return
	}
	if ord == nil {
		s.err("not_found")
		return
	}
	body, err := json.Marshal(ord)
	if err != nil {
		s.err("encode_failed")
		return
	}
	s.ok(string(body))
}

func (s *Server) handleStrategyStart(args []string) {
	if len(args) < 1 {
		s.err("usage: STRATEGY START <strategy_id>")
		return
	}
	if err := s.engine.StartStrategy(args[0]); err != nil {
		s.err(err.Error())
		return
	}
	s.ok("")
}

func (s *Server) handleStrategyStop(args []string) {
	if len(args) < 1 {
		s.err("usage: STRATEGY STOP <strategy_id>")
		return
	}
	if err := s.engine.StopStrategy(args[0]); err != nil {
		s.err(err.Error())
		return
	}
	s.ok("")
}

func (s *Server) handleStrategyParams(args []string, rawLine string) {
	if len(args) < 1 {
		s.err("usage: STRATEGY PARAMS <strategy_id> <json-params>")
		return
	}
	strategyID := args[0]
	paramsJSON := jsonTail(rawLine, 3)
	if paramsJSON == "" {
		s.err("usage: STRATEGY PARAMS <strategy_id> <json-params>")
		return
	}
	version, err := s.engine.SetStrategyParams(strategyID, paramsJSON)
	if err != nil {
		s.err(err.Error())
		return
	}
	s.ok(strconv.Itoa(version))
}

func (s *Server) handleStrategyMetrics(args []string) {
	if len(args) < 1 {
		s.err("usage: STRATEGY METRICS <strategy_id>")
		return
	}
	metrics, err := s.engine.StrategyMetrics(args[0])
	if err != nil {
		s.err(err.Error())
		return
	}
	s.ok(metrics)
}

func (s *Server) handleBacktestRun(args []string, rawLine string) {
	configJSON := jsonTail(rawLine, 2)
	if configJSON == "" {
		s.err("usage: BACKTEST RUN <json-config>")
		return
	}
	runID, err := s.engine.BacktestRun(configJSON)
	if err != nil {
		s.err(err.Error())
		return
	}
	s.ok(runID)
}

func (s *Server) handleKillSwitch(args []string) {
	if len(args) < 1 {
		s.err("usage: KILL SWITCH on|off")
		return
	}
	switch strings.ToLower(args[0]) {
	case "on":
		s.engine.KillSwitch(true)
	case "off":
		s.engine.KillSwitch(false)
	default:
		s.err("usage: KILL SWITCH on|off")
		return
	}
	s.ok("")
}

// jsonTail returns rawLine's remainder starting at the nth whitespace-
// separated token (1-indexed count of tokens to skip), preserving
// embedded spaces in the JSON payload that strings.Fields would have
// split apart.
func jsonTail(rawLine string, skipTokens int) string {
	rest := strings.TrimSpace(rawLine)
	for i := 0; i < skipTokens; i++ {
		idx := strings.IndexFunc(rest, isSpace)
		if idx == -1 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[idx:], isSpace)
	}
	return rest
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' }
