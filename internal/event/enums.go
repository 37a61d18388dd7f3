package event

import "fmt"

// Side represents order direction.
type Side int8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return SideUnknown, fmt.Errorf("unsupported order side: %q", s)
	}
}

// OrderType represents the execution style of an order.
type OrderType int8

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStop
	OrderTypeStopLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeStop:
		return "stop"
	case OrderTypeStopLimit:
		return "stop_limit"
	default:
		return "unknown"
	}
}

func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "market":
		return OrderTypeMarket, nil
	case "limit":
		return OrderTypeLimit, nil
	case "stop":
		return OrderTypeStop, nil
	case "stop_limit":
		return OrderTypeStopLimit, nil
	default:
		return OrderTypeUnknown, fmt.Errorf("unsupported order type: %q", s)
	}
}

// RequiresPrice reports whether the type needs a limit price.
func (t OrderType) RequiresPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// RequiresStopPrice reports whether the type needs a stop trigger price.
func (t OrderType) RequiresStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// OrderStatus tracks an order through its lifecycle. Transitions are
// monotonic: pending → submitted → {partially_filled → filled |
// cancelled | rejected}. No event moves an order backward.
type OrderStatus int8

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPending
	OrderStatusSubmitted
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusSubmitted:
		return "submitted"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "pending":
		return OrderStatusPending, nil
	case "submitted":
		return OrderStatusSubmitted, nil
	case "partially_filled":
		return OrderStatusPartiallyFilled, nil
	case "filled":
		return OrderStatusFilled, nil
	case "cancelled":
		return OrderStatusCancelled, nil
	case "rejected":
		return OrderStatusRejected, nil
	default:
		return OrderStatusUnknown, fmt.Errorf("unsupported order status: %q", s)
	}
}

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// CanTransition reports whether moving from s to next is a legal
// forward step in the order state machine.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusSubmitted || next == OrderStatusCancelled || next == OrderStatusRejected
	case OrderStatusSubmitted:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled ||
			next == OrderStatusCancelled || next == OrderStatusRejected
	case OrderStatusPartiallyFilled:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled || next == OrderStatusCancelled
	default:
		return false
	}
}

// SignalKind classifies a strategy signal.
type SignalKind int8

const (
	SignalUnknown SignalKind = iota
	SignalLong
	SignalShort
	SignalExit
	SignalNeutral
)

func (k SignalKind) String() string {
	switch k {
	case SignalLong:
		return "long"
	case SignalShort:
		return "short"
	case SignalExit:
		return "exit"
	case SignalNeutral:
		return "neutral"
	default:
		return "unknown"
	}
}

func ParseSignalKind(s string) (SignalKind, error) {
	switch s {
	case "long":
		return SignalLong, nil
	case "short":
		return SignalShort, nil
	case "exit":
		return SignalExit, nil
	case "neutral":
		return SignalNeutral, nil
	default:
		return SignalUnknown, fmt.Errorf("unsupported signal kind: %q", s)
	}
}
