// Command veloz-engine wires the core event fabric, OMS, risk engine,
// order book manager, venue adapter, reconciler, strategy runtime and
// control-protocol gateway into one process around a single event loop.
// The HTTP/SSE transport and browser UI the gateway eventually serves
// live elsewhere; this binary only speaks the line protocol over a TCP
// listener.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/veloz/veloz-engine/internal/config"
	"github.com/veloz/veloz-engine/internal/eventbus"
	"github.com/veloz/veloz-engine/internal/eventloop"
	"github.com/veloz/veloz-engine/internal/gateway"
	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/oms"
	"github.com/veloz/veloz-engine/internal/orderbook"
	"github.com/veloz/veloz-engine/internal/reconciler"
	"github.com/veloz/veloz-engine/internal/risk"
	"github.com/veloz/veloz-engine/internal/storage"
	"github.com/veloz/veloz-engine/internal/strategy"
	"github.com/veloz/veloz-engine/internal/venue"
	"github.com/veloz/veloz-engine/internal/wal"
)

// CLI surface: one root binary, a default "serve" behavior, and a
// "replay" subcommand for running a single backtest without standing up
// the control listener. Every VELOZ_* environment variable config.FromEnv
// reads still applies; flags here only select which command runs and, for
// replay, the one-shot inputs a control-protocol BACKTEST RUN command
// would otherwise carry.
var (
	replayEventsFile string
	replaySeed       int64

	rootCmd = &cobra.Command{
		Use:   "veloz-engine",
		Short: "In-process cryptocurrency trading engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Run a single backtest over a historical MarketEvent file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(replayEventsFile, replaySeed)
		},
	}
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	replayCmd.Flags().StringVar(&replayEventsFile, "events-file", "", "path to a JSON []model.MarketEvent file")
	replayCmd.Flags().Int64Var(&replaySeed, "seed", 1, "deterministic seed for the replay matching model")
	replayCmd.MarkFlagRequired("events-file")
	rootCmd.AddCommand(replayCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("veloz-engine")
	}
}

func runServe() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go eng.loop.Run()
	go eng.serveControl(cfg.ControlListenAddr)

	// One full reconcile sweep before any strategy may submit; tasks from
	// one submitter run in order, so hosting is queued behind the sweep.
	if err := eng.loop.SubmitTask(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return eng.recon.Sweep(ctx)
	}); err != nil {
		log.Error().Err(err).Msg("initial reconcile sweep")
	}
	if err := eng.loop.SubmitTask(func() error {
		return eng.StartStrategy("momentum-btc")
	}); err != nil {
		log.Error().Err(err).Msg("host momentum strategy")
	}

	<-ctx.Done()
	log.Info().Msg("shutdown requested")
	eng.loop.Stop()
	return nil
}

func runReplay(eventsFile string, seed int64) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	defer eng.Close()

	runID := fmt.Sprintf("cli-%d", time.Now().UnixNano())
	if err := eng.runBacktest(runID, backtestRequest{EventsFile: eventsFile, Seed: seed}); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	log.Info().Str("run_id", runID).Str("data_dir", cfg.DataDir).Msg("replay complete")
	return nil
}

// engine bundles every wired component so gateway.Engine can be
// implemented over it without any one component depending on the others
// beyond the seams they already expose.
type engine struct {
	cfg *config.Config

	bus     *eventbus.Bus
	loop    *eventloop.Loop
	w       *wal.WAL
	store   *storage.Store
	books   *orderbook.Manager
	risk    *risk.Engine
	oms     *oms.OMS
	adapter venue.Adapter
	runtime *strategy.Runtime
	recon   *reconciler.Reconciler
	gw      *gateway.Server

	defaultSymbol     model.SymbolID
	killed            bool
	strategyFactories map[string]func() strategy.Strategy
}

func newEngine(cfg *config.Config) (*engine, error) {
	walDir := filepath.Join(cfg.DataDir, "wal")
	walCfg := wal.DefaultConfig(walDir)
	walCfg.BatchRecords = cfg.WALFsyncBatchRecords
	walCfg.BatchInterval = cfg.WALFsyncBatchMS

	// Reconstruct OMS state from the WAL before anything touches it: the
	// state at process start is whatever replay reconstructs, never an
	// empty slate, and the reconciler must complete a sweep before
	// strategies submit.
	var truncatedAt *uint64
	o, err := oms.Replay(walDir, func(lastSeq uint64) {
		log.Warn().Uint64("last_seq", lastSeq).Msg("wal: torn write detected at tail, truncated on replay")
		truncatedAt = &lastSeq
	})
	if err != nil {
		return nil, fmt.Errorf("oms replay: %w", err)
	}

	bus := eventbus.New()
	loop := eventloop.New(4096, 10*time.Millisecond)

	store, err := storage.Open(filepath.Join(cfg.DataDir, "veloz.db"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	// Catch up on segments whose rotation hook was lost to a crash, then
	// hook rotation: each closed segment gets a position snapshot (a
	// positions/NNNNN.snap file plus reporting rows) and is compressed in
	// place.
	archiver := storage.NewWALArchiver(walDir)
	if err := archiver.SweepDir(); err != nil {
		log.Warn().Err(err).Msg("wal archive sweep failed")
	}
	walCfg.OnRotate = func(closedPath string, closedIdx int) {
		if err := loop.SubmitTask(func() error {
			positions := o.AllPositions()
			go savePositionRows(store, positions)
			return writePositionSnapshot(cfg.DataDir, closedIdx, positions)
		}); err != nil {
			log.Error().Err(err).Msg("schedule position snapshot")
		}
		if err := archiver.Archive(closedPath); err != nil {
			log.Error().Err(err).Str("segment", closedPath).Msg("archive wal segment")
		}
	}

	w, err := wal.Open(walCfg)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	o.Attach(w, bus, cfg.OrphanGraceWindow)

	// Closed orders go to the reporting store the moment they reach a
	// terminal state. The hook fires on the loop thread, so the row write
	// is handed off.
	o.OnTerminal(func(ord model.Order) {
		go func() {
			if err := store.UpsertOrderRecord(storage.OrderRecord{
				ClientOrderID: ord.ClientOrderID,
				VenueOrderID:  ord.VenueOrderID,
				Symbol:        ord.Symbol.Text,
				Side:          string(ord.Side),
				Kind:          string(ord.Kind),
				State:         string(ord.State),
				RequestedQty:  ord.RequestedQty,
				FilledQty:     ord.FilledQty,
				AvgFillPrice:  ord.AvgFillPrice,
				FeesTotal:     ord.FeesTotal,
				StrategyID:    ord.StrategyID,
				TSCreated:     ord.TSCreated,
				TSClosed:      ord.TSLastUpdate,
			}); err != nil {
				log.Error().Err(err).Str("client_order_id", ord.ClientOrderID).Msg("persist closed order")
			}
		}()
	})

	defaultSymbol := model.SymbolID{
		Venue:          "binance",
		MarketKind:     model.MarketSpot,
		Text:           "BTCUSDT",
		PricePrecision: 2,
		QtyPrecision:   6,
		TickSize:       decimal.NewFromFloat(0.01),
		LotSize:        decimal.NewFromFloat(0.000001),
		MinNotional:    decimal.NewFromInt(10),
	}

	adapter, err := newAdapter(cfg, bus)
	if err != nil {
		return nil, fmt.Errorf("new adapter: %w", err)
	}

	books := orderbook.NewManager(bus, snapshotFetcher(adapter), 256, 20)

	riskEngine := risk.New(risk.Config{
		MaxPositionNotional:          decimal.NewFromFloat(cfg.RiskMaxPositionNotional),
		MaxLeverage:                  decimal.NewFromFloat(cfg.RiskMaxLeverage),
		PriceDeviationPct:            decimal.NewFromFloat(cfg.RiskPriceDeviationPct / 100),
		SubmitRatePerSec:             float64(cfg.RiskSubmitRatePerSec),
		CircuitMaxConsecutiveRejects: cfg.CircuitFailureThreshold,
		CircuitCooldown:              cfg.CircuitCooldown,
	})

	referenceMid := func(symbol model.SymbolID) (decimal.Decimal, bool) {
		book := books.Book(symbol)
		if book == nil {
			return decimal.Zero, false
		}
		mid := book.WeightedMid(10)
		return mid, !mid.IsZero()
	}

	runtime := strategy.New(riskEngine, o, adapter, w, referenceMid)

	freeze := &strategyFreeze{runtime: runtime}
	recon := reconciler.New(reconciler.Config{
		Venue:               string(cfg.ExecutionMode),
		GracePeriod:         cfg.OrphanGraceWindow,
		BalanceTolerancePct: cfg.BalanceTolerancePct,
		ForeignOrderCancel:  false,
	}, o, adapter, store, bus, freeze)

	e := &engine{
		cfg:           cfg,
		bus:           bus,
		loop:          loop,
		w:             w,
		store:         store,
		books:         books,
		risk:          riskEngine,
		oms:           o,
		adapter:       adapter,
		runtime:       runtime,
		recon:         recon,
		defaultSymbol: defaultSymbol,
		strategyFactories: map[string]func() strategy.Strategy{
			"momentum-btc": func() strategy.Strategy {
				return strategy.NewMomentumStrategy("momentum-btc", defaultSymbol, decimal.NewFromFloat(0.01))
			},
		},
	}
	e.gw = gateway.NewServer(e)

	bus.SubscribeMarket("*", func(ev model.MarketEvent) {
		books.OnMarketEvent(ev)
		runtime.DispatchMarket(ev)
	})
	bus.SubscribeTrading(func(ev model.TradingEvent) {
		if err := o.ApplyReceipt(ev); err != nil {
			log.Error().Err(err).Str("client_order_id", ev.ClientOrderID).Msg("apply receipt")
		}
		runtime.DispatchTrading(ev)
	})
	bus.SubscribeSystem(func(ev model.SystemEvent) {
		runtime.DispatchSystem(ev)
		e.gw.PublishEvent(ev)
	})
	if truncatedAt != nil {
		bus.PublishSystem(model.SystemEvent{
			Kind:    model.EventWALTruncated,
			Message: fmt.Sprintf("wal truncated at seq %d during replay", *truncatedAt),
			Details: map[string]string{"at_seq": fmt.Sprintf("%d", *truncatedAt)},
		})
	}
	loop.OnHandlerError(func(source string, err error) {
		log.Error().Err(err).Str("source", source).Msg("event loop handler failed")
		bus.PublishSystem(model.SystemEvent{
			Kind:    model.EventHandlerError,
			Message: err.Error(),
			Details: map[string]string{"source": source},
		})
	})

	loop.Every(cfg.ReconcileInterval, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return recon.Sweep(ctx)
	})
	loop.Every(5*time.Second, func() error {
		o.ExpireOrphans(time.Now())
		return nil
	})

	ctx, cancel := venue.WithDeadline(context.Background())
	defer cancel()
	if err := adapter.SubscribeMarket(ctx, defaultSymbol, []string{"trade", "depth"}); err != nil {
		log.Warn().Err(err).Msg("initial market subscription failed")
	}
	if cfg.ExecutionMode != config.ExecutionModeSimEngine {
		if err := adapter.SubscribeUserStream(ctx); err != nil {
			log.Warn().Err(err).Msg("user data stream subscription failed")
		}
	}

	return e, nil
}

func newAdapter(cfg *config.Config, bus *eventbus.Bus) (venue.Adapter, error) {
	switch cfg.ExecutionMode {
	case config.ExecutionModeSimEngine:
		return venue.NewSimulator(bus, venue.DefaultSimulatorConfig()), nil
	case config.ExecutionModeBinanceSpotLive:
		bc := venue.DefaultBinanceConfig()
		bc.APIKey = os.Getenv("VELOZ_BINANCE_API_KEY")
		bc.APISecret = os.Getenv("VELOZ_BINANCE_API_SECRET")
		inner := venue.NewBinance(bc, bus)
		return venue.NewResilient(inner, resilientConfig(cfg)), nil
	case config.ExecutionModeBinanceTestnetSpot:
		bc := venue.DefaultBinanceConfig()
		bc.APIKey = os.Getenv("VELOZ_BINANCE_API_KEY")
		bc.APISecret = os.Getenv("VELOZ_BINANCE_API_SECRET")
		bc.RESTURL = "https://testnet.binance.vision"
		bc.WSURL = "wss://testnet.binance.vision/ws"
		inner := venue.NewBinance(bc, bus)
		return venue.NewResilient(inner, resilientConfig(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", cfg.ExecutionMode)
	}
}

func resilientConfig(cfg *config.Config) venue.ResilientConfig {
	rc := venue.DefaultResilientConfig()
	rc.MaxRetries = cfg.MaxRetries
	rc.FailureThreshold = cfg.CircuitFailureThreshold
	rc.Cooldown = cfg.CircuitCooldown
	return rc
}

func snapshotFetcher(adapter venue.Adapter) orderbook.SnapshotFetcher {
	b, ok := adapter.(interface {
		FetchDepthSnapshot(ctx context.Context, symbol model.SymbolID) (model.MarketEvent, error)
	})
	if !ok {
		return func(symbol model.SymbolID) (model.MarketEvent, error) {
			return model.MarketEvent{}, fmt.Errorf("adapter %s: snapshot refetch unsupported", adapter.Name())
		}
	}
	return func(symbol model.SymbolID) (model.MarketEvent, error) {
		ctx, cancel := venue.WithDeadline(context.Background())
		defer cancel()
		return b.FetchDepthSnapshot(ctx, symbol)
	}
}

func (e *engine) Close() {
	if e.w != nil {
		_ = e.w.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}

func (e *engine) serveControl(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("control listener")
		return
	}
	defer ln.Close()
	log.Info().Str("addr", addr).Msg("control protocol listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("accept")
			continue
		}
		go func() {
			defer conn.Close()
			if err := e.gw.Serve(conn, conn); err != nil {
				log.Debug().Err(err).Msg("control connection closed")
			}
		}()
	}
}

// strategyFreeze implements reconciler.FreezeController by recording the
// freeze and its reason and logging it. No submit path reads the flag:
// hosted strategies and the manual ORDER PLACE path keep submitting new
// orders while frozen, and resting orders are not touched.
type strategyFreeze struct {
	runtime *strategy.Runtime
	frozen  bool
	reason  string
}

func (f *strategyFreeze) Freeze(reason string) {
	f.frozen = true
	f.reason = reason
	log.Warn().Str("reason", reason).Msg("strategy submission frozen")
}

func (f *strategyFreeze) Unfrozen() bool { return !f.frozen }

// savePositionRows mirrors a rotation's position snapshot into the
// reporting store, one row per position. Runs off the loop thread on
// cloned positions.
func savePositionRows(store *storage.Store, positions []*model.Position) {
	now := time.Now()
	for _, pos := range positions {
		if err := store.SavePositionSnapshot(storage.PositionSnapshot{
			StrategyID:    pos.StrategyID,
			Symbol:        pos.Symbol.Text,
			SignedQty:     pos.SignedQty,
			AvgEntryPrice: pos.AvgEntryPrice,
			RealizedPnL:   pos.RealizedPnL,
			UnrealizedPnL: pos.UnrealizedPnL,
			TakenAt:       now,
		}); err != nil {
			log.Error().Err(err).Str("strategy_id", pos.StrategyID).Msg("persist position snapshot")
		}
	}
}

// writePositionSnapshot writes the positions view frozen at segment
// rotation to <data_dir>/positions/NNNNN.snap. Runs on the loop thread,
// which owns position state.
func writePositionSnapshot(dataDir string, segmentIdx int, positions []*model.Position) error {
	dir := filepath.Join(dataDir, "positions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir positions: %w", err)
	}
	body, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%05d.snap", segmentIdx))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

var _ gateway.Engine = (*engine)(nil)
