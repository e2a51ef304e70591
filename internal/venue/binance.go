// Binance-Spot concrete venue adapter: WS trade/depth ingestion, a
// listen-key user-data stream, and HMAC-signed REST order placement
// against /api/v3. Testnet and production share the same client,
// switched by base URL.
package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/arena"
	"github.com/veloz/veloz-engine/internal/engineerr"
	"github.com/veloz/veloz-engine/internal/model"
)

// BinanceConfig carries the venue credentials and endpoint selection.
type BinanceConfig struct {
	APIKey     string
	APISecret  string
	RESTURL    string // e.g. https://api.binance.com or testnet
	WSURL      string // e.g. wss://stream.binance.com:9443/ws
	HTTPClient *http.Client
}

// DefaultBinanceConfig points at Binance Spot production endpoints.
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		RESTURL:    "https://api.binance.com",
		WSURL:      "wss://stream.binance.com:9443/ws",
		HTTPClient: &http.Client{Timeout: DefaultCallDeadline},
	}
}

// Binance is a live Binance-Spot Adapter. Market-data subscriptions run one
// goroutine per symbol stream, decoding trade/depth frames into
// model.MarketEvent and handing them to sink.
type Binance struct {
	cfg  BinanceConfig
	sink EventSink

	mu       sync.Mutex
	streams  map[string]chan struct{} // symbol key -> stop channel
	userStop chan struct{}
}

// NewBinance creates a Binance-Spot adapter publishing decoded events onto
// sink.
func NewBinance(cfg BinanceConfig, sink EventSink) *Binance {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultCallDeadline}
	}
	return &Binance{cfg: cfg, sink: sink, streams: make(map[string]chan struct{})}
}

func (b *Binance) Name() string { return "binance-spot" }

func (b *Binance) Capabilities() Capabilities {
	return Capabilities{
		SupportsAmend:       false, // Binance spot has no native amend; cancel+replace
		SupportsPostOnly:    true,
		SupportsReduceOnly:  false,
		SupportsStopLimit:   true,
		MinNotionalEnforced: true,
	}
}

func (b *Binance) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// binanceAPIError is Binance's standard error envelope: {"code":-1121,"msg":"..."}.
type binanceAPIError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

func (b *Binance) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + b.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.RESTURL+path+"?"+query, nil)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, "new_request", "", err)
	}
	req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, engineerr.New(engineerr.Transport, path, "", err)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return nil, engineerr.New(engineerr.Transport, path, "", err)
	}

	if resp.StatusCode >= 500 {
		return nil, engineerr.New(engineerr.Transport, path, strconv.Itoa(resp.StatusCode), fmt.Errorf("%s", body.String()))
	}
	if resp.StatusCode >= 400 {
		var apiErr binanceAPIError
		code := strconv.Itoa(resp.StatusCode)
		msg := body.String()
		if err := json.Unmarshal(body.Bytes(), &apiErr); err == nil && apiErr.Msg != "" {
			code = strconv.FormatInt(apiErr.Code, 10)
			msg = apiErr.Msg
		}
		return nil, engineerr.New(engineerr.Business, path, code, fmt.Errorf("%s", msg))
	}
	return body.Bytes(), nil
}

// Place submits a signed order to /api/v3/order.
func (b *Binance) Place(ctx context.Context, intent OrderIntent) (Receipt, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()

	params := url.Values{}
	params.Set("symbol", binanceSymbol(intent.Symbol))
	params.Set("side", strings.ToUpper(string(intent.Side)))
	params.Set("type", binanceOrderType(intent.Kind))
	params.Set("quantity", intent.Qty.String())
	params.Set("newClientOrderId", intent.ClientOrderID)
	if intent.Kind != model.Market {
		params.Set("price", intent.LimitPrice.String())
		params.Set("timeInForce", binanceTIF(intent))
	}
	if !intent.StopPrice.IsZero() {
		params.Set("stopPrice", intent.StopPrice.String())
	}

	body, err := b.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		if engineerr.KindOf(err) == engineerr.Business {
			var ee *engineerr.Error
			errors.As(err, &ee)
			return Receipt{ClientOrderID: intent.ClientOrderID, Accepted: false, RejectReason: ee.Err.Error(), RejectCode: ee.Code}, nil
		}
		return Receipt{}, fmt.Errorf("binance place: %w", err)
	}

	var out struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Receipt{}, fmt.Errorf("binance place: decode response: %w", err)
	}
	return Receipt{
		ClientOrderID: intent.ClientOrderID,
		VenueOrderID:  strconv.FormatInt(out.OrderID, 10),
		Accepted:      true,
	}, nil
}

// Cancel cancels a resting order via DELETE /api/v3/order.
func (b *Binance) Cancel(ctx context.Context, clientOrderID, venueOrderID string) (Receipt, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()

	params := url.Values{}
	if venueOrderID != "" {
		params.Set("orderId", venueOrderID)
	} else {
		params.Set("origClientOrderId", clientOrderID)
	}
	_, err := b.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		return Receipt{ClientOrderID: clientOrderID, Accepted: false, RejectReason: err.Error()}, nil
	}
	return Receipt{ClientOrderID: clientOrderID, VenueOrderID: venueOrderID, Accepted: true}, nil
}

// Amend is unsupported on Binance spot; callers must cancel+replace
// (Capabilities().SupportsAmend is false).
func (b *Binance) Amend(ctx context.Context, intent AmendIntent) (Receipt, error) {
	return Receipt{}, fmt.Errorf("binance-spot: amend unsupported, cancel and replace")
}

func (b *Binance) QueryOpenOrders(ctx context.Context, symbol *model.SymbolID) ([]OrderSnapshot, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()
	params := url.Values{}
	if symbol != nil {
		params.Set("symbol", binanceSymbol(*symbol))
	}
	body, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("binance query open orders: %w", err)
	}
	var raw []binanceOrderSnapshot
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance query open orders: decode: %w", err)
	}
	out := make([]OrderSnapshot, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toSnapshot())
	}
	return out, nil
}

func (b *Binance) QueryOrder(ctx context.Context, clientOrderID string) (*OrderSnapshot, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()
	params := url.Values{}
	params.Set("origClientOrderId", clientOrderID)
	body, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		var ee *engineerr.Error
		if errors.As(err, &ee) && ee.Kind == engineerr.Business && ee.Code == "-2013" { // Binance "order does not exist"
			return nil, nil
		}
		return nil, fmt.Errorf("binance query order: %w", err)
	}
	var raw binanceOrderSnapshot
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance query order: decode: %w", err)
	}
	snap := raw.toSnapshot()
	return &snap, nil
}

func (b *Binance) QueryBalances(ctx context.Context) (map[string]model.Balance, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()
	body, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("binance query balances: %w", err)
	}
	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance query balances: decode: %w", err)
	}
	out := make(map[string]model.Balance, len(raw.Balances))
	for _, bal := range raw.Balances {
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[bal.Asset] = model.Balance{Free: free, Locked: locked}
	}
	return out, nil
}

// SubscribeMarket dials the combined trade+depth WS stream for symbol,
// decoding frames into MarketEvent and publishing them to sink. One
// goroutine per symbol stream; reconnects with a short backoff until
// unsubscribed.
func (b *Binance) SubscribeMarket(ctx context.Context, symbol model.SymbolID, channels []string) error {
	key := symbol.String()
	b.mu.Lock()
	if _, exists := b.streams[key]; exists {
		b.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	b.streams[key] = stop
	b.mu.Unlock()

	go b.runMarketStream(symbol, channels, stop)
	return nil
}

func (b *Binance) UnsubscribeMarket(ctx context.Context, symbol model.SymbolID) error {
	key := symbol.String()
	b.mu.Lock()
	stop, ok := b.streams[key]
	delete(b.streams, key)
	b.mu.Unlock()
	if ok {
		close(stop)
	}
	return nil
}

// SubscribeUserStream obtains a listen key, dials the user-data WS, and
// streams execution reports and balance updates to sink as TradingEvents.
// The listen key is refreshed every 30 minutes; the stream reconnects
// with a fresh key on read failure.
func (b *Binance) SubscribeUserStream(ctx context.Context) error {
	b.mu.Lock()
	if b.userStop != nil {
		b.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	b.userStop = stop
	b.mu.Unlock()

	key, err := b.createListenKey(ctx)
	if err != nil {
		b.mu.Lock()
		b.userStop = nil
		b.mu.Unlock()
		return err
	}

	go b.runUserStream(key, stop)
	return nil
}

func (b *Binance) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.RESTURL+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", engineerr.New(engineerr.Internal, "listen_key", "", err)
	}
	req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", engineerr.New(engineerr.Transport, "listen_key", "", err)
	}
	defer resp.Body.Close()

	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ListenKey == "" {
		return "", engineerr.New(engineerr.Protocol, "listen_key", "", fmt.Errorf("empty listen key (decode err: %v)", err))
	}
	return out.ListenKey, nil
}

func (b *Binance) keepAliveListenKey(key string) {
	ctx, cancel := WithDeadline(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		b.cfg.RESTURL+"/api/v3/userDataStream?listenKey="+url.QueryEscape(key), nil)
	if err != nil {
		return
	}
	req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	if resp, err := b.cfg.HTTPClient.Do(req); err == nil {
		resp.Body.Close()
	} else {
		log.Warn().Err(err).Msg("binance listen key keepalive failed")
	}
}

func (b *Binance) runUserStream(key string, stop chan struct{}) {
	keepalive := time.NewTicker(30 * time.Minute)
	defer keepalive.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.Dial(b.cfg.WSURL+"/"+key, nil)
		if err != nil {
			log.Error().Err(err).Msg("binance user stream dial failed")
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		readErr := make(chan error, 1)
		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					readErr <- err
					return
				}
				b.handleUserFrame(msg)
			}
		}()

	connected:
		for {
			select {
			case <-stop:
				conn.Close()
				return
			case <-keepalive.C:
				b.keepAliveListenKey(key)
			case err := <-readErr:
				log.Warn().Err(err).Msg("binance user stream read error, reconnecting")
				conn.Close()
				break connected
			}
		}

		// A dropped stream invalidates the key server-side after a while;
		// start the next connection from a fresh one.
		ctx, cancel := WithDeadline(context.Background())
		fresh, err := b.createListenKey(ctx)
		cancel()
		if err == nil {
			key = fresh
		}
	}
}

func (b *Binance) handleUserFrame(data []byte) {
	if b.sink == nil {
		return
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	now := time.Now()

	switch str(msg["e"]) {
	case "executionReport":
		b.publishExecutionReport(msg, now)
	case "outboundAccountPosition":
		balances, _ := msg["B"].([]any)
		for _, raw := range balances {
			bal, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			free, _ := decimal.NewFromString(str(bal["f"]))
			locked, _ := decimal.NewFromString(str(bal["l"]))
			b.sink.PublishTrading(model.TradingEvent{
				Meta:   model.EventMeta{TSRecv: now, TSPublish: now},
				Kind:   model.EventBalanceUpdate,
				Asset:  str(bal["a"]),
				Free:   free,
				Locked: locked,
			})
		}
	}
}

// publishExecutionReport normalizes one executionReport frame into the
// internal TradingEvent variant. Binance's current execution type ("x")
// says what just happened; cumulative filled quantity ("z") is what the
// state machine derives order state from.
func (b *Binance) publishExecutionReport(msg map[string]any, now time.Time) {
	coid := str(msg["c"])
	if orig := str(msg["C"]); orig != "" && orig != "null" {
		// Cancels carry the original client id in "C" and a venue-generated
		// id in "c".
		coid = orig
	}
	venueOrderID := ""
	if id, ok := msg["i"].(float64); ok {
		venueOrderID = strconv.FormatInt(int64(id), 10)
	}
	seq := uint64(0)
	if e, ok := msg["E"].(float64); ok {
		seq = uint64(e)
	}

	ev := model.TradingEvent{
		Meta:          model.EventMeta{TSRecv: now, TSPublish: now},
		ClientOrderID: coid,
		VenueOrderID:  venueOrderID,
		Seq:           seq,
	}

	switch str(msg["x"]) {
	case "NEW":
		ev.Kind = model.EventOrderAccepted
	case "REJECTED":
		ev.Kind = model.EventOrderRejected
		ev.RejectReason = str(msg["r"])
	case "CANCELED":
		ev.Kind = model.EventOrderCanceled
	case "EXPIRED":
		ev.Kind = model.EventOrderExpired
	case "TRADE":
		cum, _ := decimal.NewFromString(str(msg["z"]))
		qty, _ := decimal.NewFromString(str(msg["l"]))
		price, _ := decimal.NewFromString(str(msg["L"]))
		fee, _ := decimal.NewFromString(str(msg["n"]))
		ev.Kind = model.EventOrderPartialFill
		if str(msg["X"]) == "FILLED" {
			ev.Kind = model.EventOrderFill
		}
		role := "taker"
		if maker, ok := msg["m"].(bool); ok && maker {
			role = "maker"
		}
		ev.CumQty = cum
		ev.Fill = model.Fill{
			OrderID:       coid,
			ExecID:        strconv.FormatInt(int64(num(msg["t"])), 10),
			Qty:           qty,
			Price:         price,
			Fee:           fee,
			LiquidityRole: role,
			TSVenue:       now,
			TSRecv:        now,
		}
	default:
		return
	}

	b.sink.PublishTrading(ev)
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func (b *Binance) runMarketStream(symbol model.SymbolID, channels []string, stop chan struct{}) {
	lowerSym := strings.ToLower(binanceSymbol(symbol))
	streamNames := make([]string, 0, len(channels))
	for _, ch := range channels {
		streamNames = append(streamNames, lowerSym+"@"+ch)
	}
	if len(streamNames) == 0 {
		streamNames = []string{lowerSym + "@trade"}
	}
	streamURL := b.cfg.WSURL + "/" + strings.Join(streamNames, "/")

	// Per-stream level arena: depth frames decode into arena memory that
	// lives only for the synchronous dispatch of the published event, then
	// the whole generation is reclaimed at once. Subscribers that keep
	// level data past dispatch (the order book's pre-snapshot diff buffer)
	// copy on retention.
	levels := arena.NewArena[model.PriceLevel](256)

	for {
		select {
		case <-stop:
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.Dial(streamURL, nil)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol.String()).Msg("binance ws dial failed")
			b.publishDisconnect(symbol, err)
			time.Sleep(2 * time.Second)
			continue
		}
		b.publishConnect(symbol)

		for {
			select {
			case <-stop:
				conn.Close()
				return
			default:
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol.String()).Msg("binance ws read error, reconnecting")
				b.publishDisconnect(symbol, err)
				break
			}
			b.handleFrame(symbol, msg, levels)
			levels.Reset()
		}
		conn.Close()

		select {
		case <-stop:
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *Binance) publishConnect(symbol model.SymbolID) {
	if b.sink == nil {
		return
	}
	now := time.Now()
	b.sink.PublishSystem(model.SystemEvent{
		Meta: model.EventMeta{TSRecv: now, TSPublish: now}, Kind: model.EventConnected, Venue: b.Name(), Symbol: symbol,
	})
}

func (b *Binance) publishDisconnect(symbol model.SymbolID, err error) {
	if b.sink == nil {
		return
	}
	now := time.Now()
	b.sink.PublishSystem(model.SystemEvent{
		Meta: model.EventMeta{TSRecv: now, TSPublish: now}, Kind: model.EventDisconnected, Venue: b.Name(), Symbol: symbol, Message: err.Error(),
	})
}

func (b *Binance) handleFrame(symbol model.SymbolID, data []byte, levels *arena.Arena[model.PriceLevel]) {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	payload := data
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	eventType, _ := msg["e"].(string)
	now := time.Now()

	switch eventType {
	case "trade":
		price, _ := decimal.NewFromString(str(msg["p"]))
		qty, _ := decimal.NewFromString(str(msg["q"]))
		isBuyerMaker, _ := msg["m"].(bool)
		side := model.Buy
		if isBuyerMaker {
			side = model.Sell
		}
		b.sink.PublishMarket(model.MarketEvent{
			Meta:       model.EventMeta{TSRecv: now, TSPublish: now},
			Kind:       model.EventTrade,
			Symbol:     symbol,
			TradePrice: price,
			TradeQty:   qty,
			TradeSide:  side,
		})
	case "depthUpdate":
		firstID := uint64(msg["U"].(float64))
		finalID := uint64(msg["u"].(float64))
		bids := parseLevels(msg["b"], levels)
		asks := parseLevels(msg["a"], levels)
		b.sink.PublishMarket(model.MarketEvent{
			Meta:          model.EventMeta{TSRecv: now, TSPublish: now},
			Kind:          model.EventBookDelta,
			Symbol:        symbol,
			FirstUpdateID: firstID,
			FinalUpdateID: finalID,
			Bids:          bids,
			Asks:          asks,
		})
	}
}

// parseLevels decodes a [[price, qty], ...] array. With a non-nil arena
// the levels are bump-allocated (valid until the arena's next Reset);
// otherwise they are heap-allocated for callers whose events escape the
// dispatch, like the REST snapshot fetch.
func parseLevels(raw any, a *arena.Arena[model.PriceLevel]) []model.PriceLevel {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []model.PriceLevel
	if a != nil {
		out = a.AllocSlice(len(arr))[:0]
	} else {
		out = make([]model.PriceLevel, 0, len(arr))
	}
	for _, e := range arr {
		pair, ok := e.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		price, _ := decimal.NewFromString(str(pair[0]))
		qty, _ := decimal.NewFromString(str(pair[1]))
		out = append(out, model.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// FetchDepthSnapshot pulls a REST depth snapshot for symbol, for use as
// orderbook.SnapshotFetcher's resync path.
func (b *Binance) FetchDepthSnapshot(ctx context.Context, symbol model.SymbolID) (model.MarketEvent, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()
	reqURL := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=1000", b.cfg.RESTURL, binanceSymbol(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.MarketEvent{}, err
	}
	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return model.MarketEvent{}, engineerr.New(engineerr.Transport, "depth_snapshot", "", err)
	}
	defer resp.Body.Close()

	var raw struct {
		LastUpdateID uint64     `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return model.MarketEvent{}, fmt.Errorf("binance depth snapshot: decode: %w", err)
	}

	toLevels := func(rows [][]string) []model.PriceLevel {
		out := make([]model.PriceLevel, 0, len(rows))
		for _, r := range rows {
			if len(r) < 2 {
				continue
			}
			price, _ := decimal.NewFromString(r[0])
			qty, _ := decimal.NewFromString(r[1])
			out = append(out, model.PriceLevel{Price: price, Qty: qty})
		}
		return out
	}

	now := time.Now()
	return model.MarketEvent{
		Meta:          model.EventMeta{TSRecv: now, TSPublish: now},
		Kind:          model.EventBookSnapshot,
		Symbol:        symbol,
		FinalUpdateID: raw.LastUpdateID,
		Bids:          toLevels(raw.Bids),
		Asks:          toLevels(raw.Asks),
	}, nil
}

func binanceSymbol(s model.SymbolID) string {
	return strings.ToUpper(strings.ReplaceAll(s.Text, "-", ""))
}

func binanceOrderType(k model.Kind) string {
	switch k {
	case model.Market:
		return "MARKET"
	case model.StopLimit:
		return "STOP_LOSS_LIMIT"
	default:
		return "LIMIT"
	}
}

func binanceTIF(intent OrderIntent) string {
	if intent.TIF.PostOnly {
		return "GTX"
	}
	switch intent.TIF.Base {
	case model.IOC:
		return "IOC"
	case model.FOK:
		return "FOK"
	default:
		return "GTC"
	}
}

type binanceOrderSnapshot struct {
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Symbol              string `json:"symbol"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Price               string `json:"price"`
}

func (r binanceOrderSnapshot) toSnapshot() OrderSnapshot {
	filled, _ := decimal.NewFromString(r.ExecutedQty)
	avgPrice := decimal.Zero
	if quote, err := decimal.NewFromString(r.CummulativeQuoteQty); err == nil && filled.IsPositive() {
		avgPrice = quote.Div(filled)
	}
	return OrderSnapshot{
		ClientOrderID: r.ClientOrderID,
		VenueOrderID:  strconv.FormatInt(r.OrderID, 10),
		State:         binanceState(r.Status),
		FilledQty:     filled,
		AvgFillPrice:  avgPrice,
	}
}

func binanceState(status string) model.State {
	switch status {
	case "NEW", "PENDING_NEW":
		return model.Accepted
	case "PARTIALLY_FILLED":
		return model.PartiallyFilled
	case "FILLED":
		return model.Filled
	case "CANCELED", "PENDING_CANCEL":
		return model.Canceled
	case "REJECTED":
		return model.Rejected
	case "EXPIRED":
		return model.Expired
	default:
		return model.Accepted
	}
}
