package event

import "fmt"

// Kind discriminates the concrete event schema a record follows.
type Kind int32

const (
	KindUnknown Kind = iota
	KindMarketData
	KindOrder
	KindFill
	KindSignal
	KindOrderUpdate
	KindPositionUpdate
)

// Kinds returns every concrete event kind. The stream store keeps one
// log per kind and the bus runs one dispatch loop per kind, so both
// iterate over this set.
func Kinds() []Kind {
	return []Kind{
		KindMarketData,
		KindOrder,
		KindFill,
		KindSignal,
		KindOrderUpdate,
		KindPositionUpdate,
	}
}

func (k Kind) String() string {
	switch k {
	case KindMarketData:
		return "market_data"
	case KindOrder:
		return "order"
	case KindFill:
		return "fill"
	case KindSignal:
		return "signal"
	case KindOrderUpdate:
		return "order_update"
	case KindPositionUpdate:
		return "position_update"
	default:
		return "unknown"
	}
}

// MarshalText makes kinds render as their wire names, including as
// JSON map keys.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind converts a wire string back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "market_data":
		return KindMarketData, nil
	case "order":
		return KindOrder, nil
	case "fill":
		return KindFill, nil
	case "signal":
		return KindSignal, nil
	case "order_update":
		return KindOrderUpdate, nil
	case "position_update":
		return KindPositionUpdate, nil
	default:
		return KindUnknown, fmt.Errorf("unknown event kind: %q", s)
	}
}
