package device

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrUnknownKind = errors.New("unknown device kind")

// Order is a total priority order over all kinds, highest priority first.
type Order []Kind

// DefaultOrder returns Bluetooth > WiredHeadset > Earpiece > Speakerphone.
func DefaultOrder() Order {
	return Order(Kinds())
}

// NewOrder builds the effective order from a caller preference: the given
// kinds lead in the given order, the remaining kinds follow in default
// order. Repeated kinds keep their first position.
func NewOrder(preferred []Kind) (Order, error) {
	out := make(Order, 0, len(kindNames))
	for _, k := range preferred {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: %v", ErrUnknownKind, k)
		}
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	for _, k := range Kinds() {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Rank is the position of k in the order; lower is preferred.
func (o Order) Rank(k Kind) int {
	if i := slices.Index(o, k); i >= 0 {
		return i
	}
	return len(o)
}

// Sort orders devices by priority. Devices of equal kind keep their order.
func (o Order) Sort(devs []Device) {
	slices.SortStableFunc(devs, func(a, b Device) int {
		return o.Rank(a.Kind) - o.Rank(b.Kind)
	})
}

func (o Order) String() string {
	names := make([]string, len(o))
	for i, k := range o {
		names[i] = k.String()
	}
	return "[" + strings.Join(names, " > ") + "]"
}
