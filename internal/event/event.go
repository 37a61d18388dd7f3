package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValidationError reports a malformed event field. Producers must fix
// the input; these are never retried by the transport.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s event: %s %s", e.Kind, e.Field, e.Reason)
}

func invalid(kind Kind, field, reason string) error {
	return &ValidationError{Kind: kind, Field: field, Reason: reason}
}

// Event is the interface all concrete event types implement. Events are
// immutable once constructed: transformations return new values via
// WithMeta and never mutate in place.
type Event interface {
	// EventID returns the stable unique identifier. Enrichment and
	// replay carry the ID forward unchanged; the bus dedups on it.
	EventID() uuid.UUID

	// Kind returns the schema discriminator.
	Kind() Kind

	// Occurred returns the creation timestamp. Timestamps taken via
	// time.Now carry the monotonic clock reading alongside wall time.
	Occurred() time.Time

	// Origin returns the free-form source label (feed, strategy, broker).
	Origin() string

	// Metadata returns the open enrichment mapping. Callers must treat
	// the returned map as read-only.
	Metadata() map[string]string

	// Validate checks every field invariant. Local and side-effect-free.
	Validate() error

	// Fields flattens the event into a string-keyed mapping for stream
	// serialization. Decode is the inverse.
	Fields() map[string]string
}

// Header carries the fields common to every event.
type Header struct {
	ID     uuid.UUID
	At     time.Time
	Source string
	Meta   map[string]string
}

// NewHeader builds a header with a fresh UUID and the current time.
func NewHeader(source string) Header {
	return Header{
		ID:     uuid.New(),
		At:     time.Now(),
		Source: source,
	}
}

func (h Header) EventID() uuid.UUID { return h.ID }

func (h Header) Occurred() time.Time { return h.At }

func (h Header) Origin() string { return h.Source }

func (h Header) Metadata() map[string]string { return h.Meta }

// WithMeta returns a copy of the header with one metadata entry added.
// The event ID is unchanged, so enriched copies still dedup as one event.
func (h Header) WithMeta(key, value string) Header {
	meta := make(map[string]string, len(h.Meta)+1)
	for k, v := range h.Meta {
		meta[k] = v
	}
	meta[key] = value
	h.Meta = meta
	return h
}

func (h Header) validate(kind Kind) error {
	if h.ID == uuid.Nil {
		return invalid(kind, "event_id", "is required")
	}
	if h.At.IsZero() {
		return invalid(kind, "timestamp", "is required")
	}
	return nil
}

// MarketData is one tick or bar from a data feed. Terminal once
// published; feeds emit a new event per update.
type MarketData struct {
	Header
	Symbol  string
	Price   decimal.Decimal
	Volume  decimal.Decimal
	Bid     *decimal.Decimal
	Ask     *decimal.Decimal
	BidSize *decimal.Decimal
	AskSize *decimal.Decimal
}

// NewMarketData constructs and validates a market data event.
func NewMarketData(source, symbol string, price, volume decimal.Decimal) (MarketData, error) {
	md := MarketData{
		Header: NewHeader(source),
		Symbol: symbol,
		Price:  price,
		Volume: volume,
	}
	if err := md.Validate(); err != nil {
		return MarketData{}, err
	}
	return md, nil
}

func (MarketData) Kind() Kind { return KindMarketData }

func (e MarketData) Validate() error {
	if err := e.Header.validate(KindMarketData); err != nil {
		return err
	}
	if e.Symbol == "" {
		return invalid(KindMarketData, "symbol", "must be non-empty")
	}
	if !e.Price.IsPositive() {
		return invalid(KindMarketData, "price", "must be > 0")
	}
	if e.Volume.IsNegative() {
		return invalid(KindMarketData, "volume", "must be >= 0")
	}
	if e.Bid != nil && !e.Bid.IsPositive() {
		return invalid(KindMarketData, "bid", "must be > 0")
	}
	if e.Ask != nil && !e.Ask.IsPositive() {
		return invalid(KindMarketData, "ask", "must be > 0")
	}
	if e.Bid != nil && e.Ask != nil && e.Ask.LessThan(*e.Bid) {
		return invalid(KindMarketData, "ask", "must be >= bid")
	}
	if e.BidSize != nil && e.BidSize.IsNegative() {
		return invalid(KindMarketData, "bid_size", "must be >= 0")
	}
	if e.AskSize != nil && e.AskSize.IsNegative() {
		return invalid(KindMarketData, "ask_size", "must be >= 0")
	}
	return nil
}

// Spread returns ask-bid, or nil when either side is absent.
func (e MarketData) Spread() *decimal.Decimal {
	if e.Bid == nil || e.Ask == nil {
		return nil
	}
	s := e.Ask.Sub(*e.Bid)
	return &s
}

// Mid returns the bid/ask midpoint, or nil when either side is absent.
func (e MarketData) Mid() *decimal.Decimal {
	if e.Bid == nil || e.Ask == nil {
		return nil
	}
	m := e.Bid.Add(*e.Ask).Div(decimal.NewFromInt(2))
	return &m
}

// Order is an execution request. OrderID stays stable across status
// transitions; each transition is a new event.
type Order struct {
	Header
	OrderID    string
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      *decimal.Decimal
	StopPrice  *decimal.Decimal
	Status     OrderStatus
	StrategyID string
}

func (Order) Kind() Kind { return KindOrder }

func (e Order) Validate() error {
	if err := e.Header.validate(KindOrder); err != nil {
		return err
	}
	if e.OrderID == "" {
		return invalid(KindOrder, "order_id", "must be non-empty")
	}
	if e.Symbol == "" {
		return invalid(KindOrder, "symbol", "must be non-empty")
	}
	if e.Side != SideBuy && e.Side != SideSell {
		return invalid(KindOrder, "side", "must be buy or sell")
	}
	if e.Type == OrderTypeUnknown {
		return invalid(KindOrder, "order_type", "is required")
	}
	if !e.Quantity.IsPositive() {
		return invalid(KindOrder, "quantity", "must be > 0")
	}
	if e.Type.RequiresPrice() && e.Price == nil {
		return invalid(KindOrder, "price", "is required for "+e.Type.String()+" orders")
	}
	if e.Price != nil && !e.Price.IsPositive() {
		return invalid(KindOrder, "price", "must be > 0")
	}
	if e.Type.RequiresStopPrice() && e.StopPrice == nil {
		return invalid(KindOrder, "stop_price", "is required for "+e.Type.String()+" orders")
	}
	if e.StopPrice != nil && !e.StopPrice.IsPositive() {
		return invalid(KindOrder, "stop_price", "must be > 0")
	}
	if e.Status == OrderStatusUnknown {
		return invalid(KindOrder, "status", "is required")
	}
	return nil
}

// Fill is an immutable execution fact. Multiple fills may reference the
// same order (partial fills). A fill may arrive for an order the
// consumer has never seen (late replay); consumers must tolerate that.
type Fill struct {
	Header
	OrderID         string
	Symbol          string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	Venue           string
	TradeID         string
}

func (Fill) Kind() Kind { return KindFill }

func (e Fill) Validate() error {
	if err := e.Header.validate(KindFill); err != nil {
		return err
	}
	if e.OrderID == "" {
		return invalid(KindFill, "order_id", "must be non-empty")
	}
	if e.Symbol == "" {
		return invalid(KindFill, "symbol", "must be non-empty")
	}
	if !e.Quantity.IsPositive() {
		return invalid(KindFill, "quantity", "must be > 0")
	}
	if !e.Price.IsPositive() {
		return invalid(KindFill, "price", "must be > 0")
	}
	if e.Commission.IsNegative() {
		return invalid(KindFill, "commission", "must be >= 0")
	}
	return nil
}

// Notional returns quantity * price.
func (e Fill) Notional() decimal.Decimal {
	return e.Quantity.Mul(e.Price)
}

// NetProceeds returns notional minus commission.
func (e Fill) NetProceeds() decimal.Decimal {
	return e.Notional().Sub(e.Commission)
}

// Signal is a strategy output. Strength runs from -1 (max conviction
// short) to +1 (max conviction long).
type Signal struct {
	Header
	Symbol     string
	Signal     SignalKind
	Strength   float64
	StrategyID string
	Target     *decimal.Decimal
	Stop       *decimal.Decimal
	TakeProfit *decimal.Decimal
}

func (Signal) Kind() Kind { return KindSignal }

func (e Signal) Validate() error {
	if err := e.Header.validate(KindSignal); err != nil {
		return err
	}
	if e.Symbol == "" {
		return invalid(KindSignal, "symbol", "must be non-empty")
	}
	if e.Signal == SignalUnknown {
		return invalid(KindSignal, "signal_kind", "is required")
	}
	if e.Strength < -1.0 || e.Strength > 1.0 {
		return invalid(KindSignal, "strength", "must be within [-1, 1]")
	}
	if e.StrategyID == "" {
		return invalid(KindSignal, "strategy_id", "must be non-empty")
	}
	if e.Target != nil && !e.Target.IsPositive() {
		return invalid(KindSignal, "target", "must be > 0")
	}
	if e.Stop != nil && !e.Stop.IsPositive() {
		return invalid(KindSignal, "stop", "must be > 0")
	}
	if e.TakeProfit != nil && !e.TakeProfit.IsPositive() {
		return invalid(KindSignal, "take_profit", "must be > 0")
	}
	return nil
}

// Actionable reports whether the signal strength clears the half
// conviction threshold in either direction.
func (e Signal) Actionable() bool {
	return e.Strength >= 0.5 || e.Strength <= -0.5
}

// OrderUpdate is a broker-side status change for a previously submitted
// order.
type OrderUpdate struct {
	Header
	OrderID       string
	BrokerOrderID string
	Symbol        string
	Status        OrderStatus
	FilledQty     decimal.Decimal
	RemainingQty  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Broker        string
	Reason        string
}

func (OrderUpdate) Kind() Kind { return KindOrderUpdate }

func (e OrderUpdate) Validate() error {
	if err := e.Header.validate(KindOrderUpdate); err != nil {
		return err
	}
	if e.OrderID == "" {
		return invalid(KindOrderUpdate, "order_id", "must be non-empty")
	}
	if e.Symbol == "" {
		return invalid(KindOrderUpdate, "symbol", "must be non-empty")
	}
	if e.Status == OrderStatusUnknown {
		return invalid(KindOrderUpdate, "status", "is required")
	}
	if e.FilledQty.IsNegative() {
		return invalid(KindOrderUpdate, "filled_qty", "must be >= 0")
	}
	if e.RemainingQty.IsNegative() {
		return invalid(KindOrderUpdate, "remaining_qty", "must be >= 0")
	}
	if e.AvgFillPrice.IsNegative() {
		return invalid(KindOrderUpdate, "avg_fill_price", "must be >= 0")
	}
	if e.Broker == "" {
		return invalid(KindOrderUpdate, "broker", "must be non-empty")
	}
	return nil
}

// PositionUpdate is a broker-side position delta. Quantity is signed:
// negative means short.
type PositionUpdate struct {
	Header
	Symbol        string
	Quantity      decimal.Decimal
	AvgPrice      decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	Commission    decimal.Decimal
	Broker        string
}

func (PositionUpdate) Kind() Kind { return KindPositionUpdate }

func (e PositionUpdate) Validate() error {
	if err := e.Header.validate(KindPositionUpdate); err != nil {
		return err
	}
	if e.Symbol == "" {
		return invalid(KindPositionUpdate, "symbol", "must be non-empty")
	}
	if !e.AvgPrice.IsPositive() {
		return invalid(KindPositionUpdate, "avg_price", "must be > 0")
	}
	if e.CurrentPrice.IsNegative() {
		return invalid(KindPositionUpdate, "current_price", "must be >= 0")
	}
	if e.Commission.IsNegative() {
		return invalid(KindPositionUpdate, "commission", "must be >= 0")
	}
	if e.Broker == "" {
		return invalid(KindPositionUpdate, "broker", "must be non-empty")
	}
	return nil
}
