package oms

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/model"
)

// intentPayload is the WAL OrderIntent record body: everything needed to
// reconstruct the order slot on replay.
type intentPayload struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Venue         string          `json:"venue"`
	Side          model.Side      `json:"side"`
	Kind          model.Kind      `json:"kind"`
	TIFBase       model.TIFBase   `json:"tif_base"`
	PostOnly      bool            `json:"post_only"`
	ReduceOnly    bool            `json:"reduce_only"`
	RequestedQty  decimal.Decimal `json:"requested_qty"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	StrategyID    string          `json:"strategy_id"`
	RouteHint     string          `json:"route_hint"`
	ParamVersion  int             `json:"param_version"`
	TSCreated     time.Time       `json:"ts_created"`
}

func encodeIntent(o *model.Order) []byte {
	p := intentPayload{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol.Text,
		Venue:         o.Symbol.Venue,
		Side:          o.Side,
		Kind:          o.Kind,
		TIFBase:       o.TIF.Base,
		PostOnly:      o.TIF.PostOnly,
		ReduceOnly:    o.TIF.ReduceOnly,
		RequestedQty:  o.RequestedQty,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		StrategyID:    o.StrategyID,
		RouteHint:     o.RouteHint,
		ParamVersion:  o.ParamVersion,
		TSCreated:     o.TSCreated,
	}
	b, _ := json.Marshal(p)
	return b
}

// mutationPayload is the WAL OrderMutation record body: a state transition.
type mutationPayload struct {
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	State         model.State     `json:"state"`
	Seq           uint64          `json:"seq"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Reason        string          `json:"reason,omitempty"`
}

func encodeMutation(m mutationPayload) []byte {
	b, _ := json.Marshal(m)
	return b
}

// fillPayload is the WAL FillApplied record body.
type fillPayload struct {
	ClientOrderID string          `json:"client_order_id"`
	ExecID        string          `json:"exec_id"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	CumQty        decimal.Decimal `json:"cum_qty"`
	Seq           uint64          `json:"seq"`
}

func encodeFill(f fillPayload) []byte {
	b, _ := json.Marshal(f)
	return b
}

func unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
