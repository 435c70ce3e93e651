package switcher

import (
	"errors"
	"fmt"

	"audioswitch/device"
)

var (
	// ErrDeviceUnavailable: the requested kind is not in the catalog.
	// Selection is left unchanged.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrIllegalLifecycleCall: the operation is not legal in the current
	// phase, or activation found nothing to route to. State is unchanged.
	ErrIllegalLifecycleCall = errors.New("illegal lifecycle call")
)

// Routing operations, as reported in RoutingError.Op and metrics.
const (
	OpRoute   = "route"
	OpRelease = "release"
	OpFocus   = "focus"
	OpUnfocus = "unfocus"
)

// RoutingError is a RoutingSink failure. It is never returned to callers
// of the engine; it is logged and passed to Config.OnRoutingError.
type RoutingError struct {
	Op   string
	Kind device.Kind // zero for release and focus operations
	Err  error
}

func (e *RoutingError) Error() string {
	if e.Kind.Valid() {
		return fmt.Sprintf("routing %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("routing %s: %v", e.Op, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }
