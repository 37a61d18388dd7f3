package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Flat serialization for the stream store. Every event flattens to a
// string-keyed mapping; Decode dispatches on the "kind" field through
// a decoder lookup table and validates the result.
//
// Metadata entries are flattened under a "meta." prefix so one level of
// enrichment survives the round trip without nesting.

const (
	fieldEventID   = "event_id"
	fieldKind      = "kind"
	fieldTimestamp = "timestamp"
	fieldSource    = "source"
	metaPrefix     = "meta."
)

var decoders = map[Kind]func(fieldMap) (Event, error){
	KindMarketData:     decodeMarketData,
	KindOrder:          decodeOrder,
	KindFill:           decodeFill,
	KindSignal:         decodeSignal,
	KindOrderUpdate:    decodeOrderUpdate,
	KindPositionUpdate: decodePositionUpdate,
}

// Decode reconstructs a typed event from its flat mapping. The decoded
// event is validated before being returned.
func Decode(fields map[string]string) (Event, error) {
	kind, err := ParseKind(fields[fieldKind])
	if err != nil {
		return nil, err
	}
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("no decoder for event kind %s", kind)
	}
	ev, err := decode(fieldMap(fields))
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", kind, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func (h Header) fields(kind Kind) map[string]string {
	out := map[string]string{
		fieldEventID:   h.ID.String(),
		fieldKind:      kind.String(),
		fieldTimestamp: h.At.Format(time.RFC3339Nano),
	}
	if h.Source != "" {
		out[fieldSource] = h.Source
	}
	for k, v := range h.Meta {
		out[metaPrefix+k] = v
	}
	return out
}

func (e MarketData) Fields() map[string]string {
	out := e.Header.fields(KindMarketData)
	out["symbol"] = e.Symbol
	out["price"] = e.Price.String()
	out["volume"] = e.Volume.String()
	putOptDec(out, "bid", e.Bid)
	putOptDec(out, "ask", e.Ask)
	putOptDec(out, "bid_size", e.BidSize)
	putOptDec(out, "ask_size", e.AskSize)
	return out
}

func (e Order) Fields() map[string]string {
	out := e.Header.fields(KindOrder)
	out["order_id"] = e.OrderID
	out["symbol"] = e.Symbol
	out["side"] = e.Side.String()
	out["order_type"] = e.Type.String()
	out["quantity"] = e.Quantity.String()
	putOptDec(out, "price", e.Price)
	putOptDec(out, "stop_price", e.StopPrice)
	out["status"] = e.Status.String()
	if e.StrategyID != "" {
		out["strategy_id"] = e.StrategyID
	}
	return out
}

func (e Fill) Fields() map[string]string {
	out := e.Header.fields(KindFill)
	out["order_id"] = e.OrderID
	out["symbol"] = e.Symbol
	out["quantity"] = e.Quantity.String()
	out["price"] = e.Price.String()
	out["commission"] = e.Commission.String()
	if e.CommissionAsset != "" {
		out["commission_asset"] = e.CommissionAsset
	}
	if e.Venue != "" {
		out["venue"] = e.Venue
	}
	if e.TradeID != "" {
		out["trade_id"] = e.TradeID
	}
	return out
}

func (e Signal) Fields() map[string]string {
	out := e.Header.fields(KindSignal)
	out["symbol"] = e.Symbol
	out["signal_kind"] = e.Signal.String()
	out["strength"] = strconv.FormatFloat(e.Strength, 'g', -1, 64)
	out["strategy_id"] = e.StrategyID
	putOptDec(out, "target", e.Target)
	putOptDec(out, "stop", e.Stop)
	putOptDec(out, "take_profit", e.TakeProfit)
	return out
}

func (e OrderUpdate) Fields() map[string]string {
	out := e.Header.fields(KindOrderUpdate)
	out["order_id"] = e.OrderID
	out["broker_order_id"] = e.BrokerOrderID
	out["symbol"] = e.Symbol
	out["status"] = e.Status.String()
	out["filled_qty"] = e.FilledQty.String()
	out["remaining_qty"] = e.RemainingQty.String()
	out["avg_fill_price"] = e.AvgFillPrice.String()
	out["broker"] = e.Broker
	if e.Reason != "" {
		out["reason"] = e.Reason
	}
	return out
}

func (e PositionUpdate) Fields() map[string]string {
	out := e.Header.fields(KindPositionUpdate)
	out["symbol"] = e.Symbol
	out["quantity"] = e.Quantity.String()
	out["avg_price"] = e.AvgPrice.String()
	out["current_price"] = e.CurrentPrice.String()
	out["unrealized_pnl"] = e.UnrealizedPnL.String()
	out["realized_pnl"] = e.RealizedPnL.String()
	out["commission"] = e.Commission.String()
	out["broker"] = e.Broker
	return out
}

func putOptDec(out map[string]string, key string, v *decimal.Decimal) {
	if v != nil {
		out[key] = v.String()
	}
}

// --- decoding ---

type fieldMap map[string]string

func (f fieldMap) str(key string) (string, error) {
	v, ok := f[key]
	if !ok || v == "" {
		return "", fmt.Errorf("missing field %s", key)
	}
	return v, nil
}

func (f fieldMap) dec(key string) (decimal.Decimal, error) {
	v, err := f.str(key)
	if err != nil {
		return decimal.Decimal{}, err
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func (f fieldMap) optDec(key string) (*decimal.Decimal, error) {
	v, ok := f[key]
	if !ok || v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	return &d, nil
}

func (f fieldMap) header() (Header, error) {
	idStr, err := f.str(fieldEventID)
	if err != nil {
		return Header{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Header{}, fmt.Errorf("parse event_id: %w", err)
	}
	tsStr, err := f.str(fieldTimestamp)
	if err != nil {
		return Header{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return Header{}, fmt.Errorf("parse timestamp: %w", err)
	}
	h := Header{ID: id, At: ts, Source: f[fieldSource]}
	for k, v := range f {
		if strings.HasPrefix(k, metaPrefix) {
			if h.Meta == nil {
				h.Meta = make(map[string]string)
			}
			h.Meta[strings.TrimPrefix(k, metaPrefix)] = v
		}
	}
	return h, nil
}

func decodeMarketData(f fieldMap) (Event, error) {
	h, err := f.header()
	if err != nil {
		return nil, err
	}
	symbol, err := f.str("symbol")
	if err != nil {
		return nil, err
	}
	price, err := f.dec("price")
	if err != nil {
		return nil, err
	}
	volume, err := f.dec("volume")
	if err != nil {
		return nil, err
	}
	bid, err := f.optDec("bid")
	if err != nil {
		return nil, err
	}
	ask, err := f.optDec("ask")
	if err != nil {
		return nil, err
	}
	bidSize, err := f.optDec("bid_size")
	if err != nil {
		return nil, err
	}
	askSize, err := f.optDec("ask_size")
	if err != nil {
		return nil, err
	}
	return MarketData{
		Header:  h,
		Symbol:  symbol,
		Price:   price,
		Volume:  volume,
		Bid:     bid,
		Ask:     ask,
		BidSize: bidSize,
		AskSize: askSize,
	}, nil
}

func decodeOrder(f fieldMap) (Event, error) {
	h, err := f.header()
	if err != nil {
		return nil, err
	}
	orderID, err := f.str("order_id")
	if err != nil {
		return nil, err
	}
	symbol, err := f.str("symbol")
	if err != nil {
		return nil, err
	}
	side, err := ParseSide(f["side"])
	if err != nil {
		return nil, err
	}
	orderType, err := ParseOrderType(f["order_type"])
	if err != nil {
		return nil, err
	}
	quantity, err := f.dec("quantity")
	if err != nil {
		return nil, err
	}
	price, err := f.optDec("price")
	if err != nil {
		return nil, err
	}
	stopPrice, err := f.optDec("stop_price")
	if err != nil {
		return nil, err
	}
	status, err := ParseOrderStatus(f["status"])
	if err != nil {
		return nil, err
	}
	return Order{
		Header:     h,
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		Type:       orderType,
		Quantity:   quantity,
		Price:      price,
		StopPrice:  stopPrice,
		Status:     status,
		StrategyID: f["strategy_id"],
	}, nil
}

func decodeFill(f fieldMap) (Event, error) {
	h, err := f.header()
	if err != nil {
		return nil, err
	}
	orderID, err := f.str("order_id")
	if err != nil {
		return nil, err
	}
	symbol, err := f.str("symbol")
	if err != nil {
		return nil, err
	}
	quantity, err := f.dec("quantity")
	if err != nil {
		return nil, err
	}
	price, err := f.dec("price")
	if err != nil {
		return nil, err
	}
	commission, err := f.dec("commission")
	if err != nil {
		return nil, err
	}
	return Fill{
		Header:          h,
		OrderID:         orderID,
		Symbol:          symbol,
		Quantity:        quantity,
		Price:           price,
		Commission:      commission,
		CommissionAsset: f["commission_asset"],
		Venue:           f["venue"],
		TradeID:         f["trade_id"],
	}, nil
}

func decodeSignal(f fieldMap) (Event, error) {
	h, err := f.header()
	if err != nil {
		return nil, err
	}
	symbol, err := f.str("symbol")
	if err != nil {
		return nil, err
	}
	signalKind, err := ParseSignalKind(f["signal_kind"])
	if err != nil {
		return nil, err
	}
	strengthStr, err := f.str("strength")
	if err != nil {
		return nil, err
	}
	strength, err := strconv.ParseFloat(strengthStr, 64)
	if err != nil {
		return nil, fmt.Errorf("parse strength: %w", err)
	}
	strategyID, err := f.str("strategy_id")
	if err != nil {
		return nil, err
	}
	target, err := f.optDec("target")
	if err != nil {
		return nil, err
	}
	stop, err := f.optDec("stop")
	if err != nil {
		return nil, err
	}
	takeProfit, err := f.optDec("take_profit")
	if err != nil {
		return nil, err
	}
	return Signal{
		Header:     h,
		Symbol:     symbol,
		Signal:     signalKind,
		Strength:   strength,
		StrategyID: strategyID,
		Target:     target,
		Stop:       stop,
		TakeProfit: takeProfit,
	}, nil
}

func decodeOrderUpdate(f fieldMap) (Event, error) {
	h, err := f.header()
	if err != nil {
		return nil, err
	}
	orderID, err := f.str("order_id")
	if err != nil {
		return nil, err
	}
	symbol, err := f.str("symbol")
	if err != nil {
		return nil, err
	}
	status, err := ParseOrderStatus(f["status"])
	if err != nil {
		return nil, err
	}
	filledQty, err := f.dec("filled_qty")
	if err != nil {
		return nil, err
	}
	remainingQty, err := f.dec("remaining_qty")
	if err != nil {
		return nil, err
	}
	avgFillPrice, err := f.dec("avg_fill_price")
	if err != nil {
		return nil, err
	}
	broker, err := f.str("broker")
	if err != nil {
		return nil, err
	}
	return OrderUpdate{
		Header:        h,
		OrderID:       orderID,
		BrokerOrderID: f["broker_order_id"],
		Symbol:        symbol,
		Status:        status,
		FilledQty:     filledQty,
		RemainingQty:  remainingQty,
		AvgFillPrice:  avgFillPrice,
		Broker:        broker,
		Reason:        f["reason"],
	}, nil
}

func decodePositionUpdate(f fieldMap) (Event, error) {
	h, err := f.header()
	if err != nil {
		return nil, err
	}
	symbol, err := f.str("symbol")
	if err != nil {
		return nil, err
	}
	quantity, err := f.dec("quantity")
	if err != nil {
		return nil, err
	}
	avgPrice, err := f.dec("avg_price")
	if err != nil {
		return nil, err
	}
	currentPrice, err := f.dec("current_price")
	if err != nil {
		return nil, err
	}
	unrealized, err := f.dec("unrealized_pnl")
	if err != nil {
		return nil, err
	}
	realized, err := f.dec("realized_pnl")
	if err != nil {
		return nil, err
	}
	commission, err := f.dec("commission")
	if err != nil {
		return nil, err
	}
	broker, err := f.str("broker")
	if err != nil {
		return nil, err
	}
	return PositionUpdate{
		Header:        h,
		Symbol:        symbol,
		Quantity:      quantity,
		AvgPrice:      avgPrice,
		CurrentPrice:  currentPrice,
		UnrealizedPnL: unrealized,
		RealizedPnL:   realized,
		Commission:    commission,
		Broker:        broker,
	}, nil
}
