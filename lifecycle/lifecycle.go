// Package lifecycle is the phase machine that decides which engine
// operations are legal.
package lifecycle

import "fmt"

type Phase int

const (
	NotStarted Phase = iota
	// Scanning: hardware listeners registered, catalog filling, nothing routed.
	Scanning
	// Active: a device is routed and audio focus is held.
	Active
	// Deactivated: listeners still registered, routing and focus released,
	// selection retained.
	Deactivated
	// Stopped: listeners unregistered and catalog cleared. Start re-arms.
	Stopped
)

var phaseNames = [...]string{"NotStarted", "Scanning", "Active", "Deactivated", "Stopped"}

// Phases lists every phase in lifecycle order.
func Phases() []Phase {
	return []Phase{NotStarted, Scanning, Active, Deactivated, Stopped}
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Listening reports whether hardware events are being consumed.
func (p Phase) Listening() bool {
	return p == Scanning || p == Active || p == Deactivated
}

type Op int

const (
	Start Op = iota
	Activate
	Deactivate
	Stop
	Select
	Event
)

var opNames = [...]string{"start", "activate", "deactivate", "stop", "select", "event"}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Next returns the phase that follows op in phase p and whether op is legal
// there. An illegal op leaves the phase unchanged; callers treat it as a
// no-op. Select and Event never change the phase.
func (p Phase) Next(op Op) (Phase, bool) {
	switch op {
	case Start:
		if p == NotStarted || p == Stopped {
			return Scanning, true
		}
	case Activate:
		if p == Scanning || p == Deactivated || p == Active {
			return Active, true
		}
	case Deactivate:
		if p == Active {
			return Deactivated, true
		}
	case Stop:
		if p != Stopped {
			return Stopped, true
		}
	case Select:
		if p != Stopped {
			return p, true
		}
	case Event:
		if p.Listening() {
			return p, true
		}
	}
	return p, false
}

// Allows reports whether op is legal in p.
func (p Phase) Allows(op Op) bool {
	_, ok := p.Next(op)
	return ok
}
