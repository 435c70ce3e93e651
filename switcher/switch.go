// Package switcher arbitrates between the audio routes available to a call.
//
// A Switch consumes hardware events from a HardwareSource, keeps the device
// catalog and the current selection, tells a Listener whenever the visible
// state changes and sends routing intents to a RoutingSink.
//
// All state lives behind one mutex. Listener calls and routing intents are
// queued while it is held and run in order after it is released, by
// whichever goroutine finds the queue non-empty first. Listeners and sinks
// may therefore call back into the Switch.
package switcher

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"audioswitch/device"
	"audioswitch/lifecycle"
	"audioswitch/log"
	"audioswitch/metrics"

	"github.com/rs/zerolog"
)

var nopLog = zerolog.Nop()

type Config struct {
	// PreferredOrder lists kinds highest priority first. Kinds left out
	// follow in default order.
	PreferredOrder []device.Kind
	// ManageFocus makes Activate request audio focus and Deactivate
	// release it.
	ManageFocus bool
	// Logging enables engine diagnostics. It can be flipped later with
	// SetLoggingEnabled.
	Logging bool
	// Logger receives diagnostics. Defaults to the "switch" component of
	// the process log.
	Logger *zerolog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// OnRoutingError is called, outside the engine lock, for every intent
	// the sink failed to apply.
	OnRoutingError func(*RoutingError)
}

func DefaultConfig() Config {
	return Config{ManageFocus: true}
}

type selection struct {
	kind     device.Kind // zero for none
	explicit bool
}

type Switch struct {
	src            HardwareSource
	sink           RoutingSink
	order          device.Order
	manageFocus    bool
	metrics        *metrics.Metrics
	onRoutingError func(*RoutingError)
	log            zerolog.Logger
	logging        atomic.Bool

	// lifecycleMu serialises Start and Stop so the source is never started
	// and stopped concurrently. It is never taken while mu is held.
	lifecycleMu sync.Mutex

	mu       sync.Mutex
	phase    lifecycle.Phase
	catalog  *device.Catalog
	sel      selection
	btFailed bool
	routed   *device.Device // last route target while Active
	listener Listener
	effects  []func()
	flushing bool
}

func New(src HardwareSource, sink RoutingSink, cfg Config) (*Switch, error) {
	if src == nil || sink == nil {
		return nil, errors.New("switcher: hardware source and routing sink are required")
	}
	order, err := device.NewOrder(cfg.PreferredOrder)
	if err != nil {
		return nil, fmt.Errorf("preferred order: %w", err)
	}

	s := &Switch{
		src:            src,
		sink:           sink,
		order:          order,
		manageFocus:    cfg.ManageFocus,
		metrics:        cfg.Metrics,
		onRoutingError: cfg.OnRoutingError,
		catalog:        device.NewCatalog(),
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = log.Component("switch")
	}
	s.logging.Store(cfg.Logging)
	s.setPhaseLocked(lifecycle.NotStarted)
	return s, nil
}

func (s *Switch) SetLoggingEnabled(on bool) { s.logging.Store(on) }

func (s *Switch) LoggingEnabled() bool { return s.logging.Load() }

func (s *Switch) logger() *zerolog.Logger {
	if s.logging.Load() {
		return &s.log
	}
	return &nopLog
}

// Start registers l and begins listening. From NotStarted or Stopped it
// resets the catalog, applies the source's probe, delivers the initial
// snapshot to l and starts the source. If already started it only swaps the
// listener and delivers the current snapshot to it.
func (s *Switch) Start(l Listener) error {
	err := s.start(l)
	s.flush()
	return err
}

func (s *Switch) start(l Listener) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	prev := s.phase
	if prev.Listening() {
		s.listener = l
		avail, sel := s.observeLocked()
		s.notifyLocked(avail, sel)
		s.mu.Unlock()
		s.logger().Debug().Str("phase", prev.String()).Msg("start while started, snapshot re-delivered")
		return nil
	}
	next, _ := prev.Next(lifecycle.Start)
	s.mu.Unlock()

	probe := s.src.Probe()

	s.mu.Lock()
	s.resetLocked()
	s.listener = l
	s.setPhaseLocked(next)
	for _, ev := range probe {
		s.metrics.RecordEvent(ev.Type.String())
		s.applyLocked(ev)
	}
	s.settleLocked()
	avail, sel := s.observeLocked()
	s.notifyLocked(avail, sel)
	present := s.catalog.Len()
	s.mu.Unlock()

	s.logger().Info().
		Str("order", s.order.String()).
		Int("probed", len(probe)).
		Int("present", present).
		Msg("started")

	if err := s.src.Start(s); err != nil {
		s.mu.Lock()
		s.resetLocked()
		s.effects = nil
		s.setPhaseLocked(prev)
		s.mu.Unlock()
		s.logger().Error().Err(err).Msg("hardware source failed to start")
		return fmt.Errorf("start hardware source: %w", err)
	}
	return nil
}

// Activate routes to the selected device, falling back to Earpiece or
// Speakerphone when nothing is selected. The first activation also
// requests audio focus. Activating while Active re-applies routing for the
// current selection.
func (s *Switch) Activate() error {
	s.mu.Lock()
	err := s.activateLocked()
	s.mu.Unlock()
	s.flush()
	return err
}

func (s *Switch) activateLocked() error {
	next, ok := s.phase.Next(lifecycle.Activate)
	if !ok {
		return s.rejectLocked(lifecycle.Activate, ErrIllegalLifecycleCall, "not legal in phase "+s.phase.String())
	}

	target := s.selectedLocked()
	if target == nil {
		avail, sel := s.observeLocked()
		target = s.fallbackLocked()
		if target == nil {
			return s.rejectLocked(lifecycle.Activate, ErrIllegalLifecycleCall, "no device available")
		}
		s.sel = selection{kind: target.Kind}
		s.commitLocked(avail, sel, false)
	}

	if s.phase != lifecycle.Active && s.manageFocus {
		s.intentLocked(OpFocus, 0, s.sink.RequestFocus)
	}
	s.routeLocked(*target)
	s.setPhaseLocked(next)
	return nil
}

// Deactivate releases routing and focus and keeps the selection. It does
// nothing unless Active.
func (s *Switch) Deactivate() {
	s.mu.Lock()
	if !s.phase.Allows(lifecycle.Deactivate) {
		s.logger().Debug().Str("phase", s.phase.String()).Msg("deactivate ignored")
		s.mu.Unlock()
		return
	}
	s.deactivateLocked()
	s.mu.Unlock()
	s.flush()
}

func (s *Switch) deactivateLocked() {
	next, _ := s.phase.Next(lifecycle.Deactivate)
	s.intentLocked(OpRelease, 0, s.sink.ReleaseRouting)
	if s.manageFocus {
		s.intentLocked(OpUnfocus, 0, s.sink.ReleaseFocus)
	}
	s.routed = nil
	s.setPhaseLocked(next)
}

// Stop deactivates if Active, stops the hardware source and clears the
// catalog, the selection and the listener. Stopping twice is harmless.
// Stop waits for the source to wind down, so a listener running on a
// source goroutine must not call it synchronously.
func (s *Switch) Stop() {
	if s.stop() {
		s.logger().Info().Msg("stopped")
	}
	s.flush()
}

func (s *Switch) stop() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	next, ok := s.phase.Next(lifecycle.Stop)
	if !ok {
		s.mu.Unlock()
		return false
	}
	wasListening := s.phase.Listening()
	if s.phase == lifecycle.Active {
		s.deactivateLocked()
	}
	s.resetLocked()
	s.setPhaseLocked(next)
	s.mu.Unlock()

	if wasListening {
		s.src.Stop()
	}
	return true
}

// SelectDevice makes d's kind the explicit selection. The kind must be in
// the catalog. Selecting while Active does not re-route; call Activate.
func (s *Switch) SelectDevice(d device.Device) error {
	s.mu.Lock()
	err := s.selectLocked(d.Kind)
	s.mu.Unlock()
	s.flush()
	return err
}

func (s *Switch) selectLocked(k device.Kind) error {
	if !s.phase.Allows(lifecycle.Select) {
		return s.rejectLocked(lifecycle.Select, ErrIllegalLifecycleCall, "not legal in phase "+s.phase.String())
	}
	if !s.catalog.Has(k) {
		return s.rejectLocked(lifecycle.Select, ErrDeviceUnavailable, k.String())
	}

	avail, sel := s.observeLocked()
	s.sel = selection{kind: k, explicit: true}
	if k == device.BluetoothHeadset {
		s.btFailed = false
	}
	s.metrics.RecordSelection(k.String())
	s.logger().Info().Str("kind", k.String()).Msg("explicit selection")
	s.commitLocked(avail, sel, false)
	return nil
}

// ClearSelection drops an explicit selection and returns to the policy
// default. Like SelectDevice it does not re-route.
func (s *Switch) ClearSelection() error {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()

	if !s.phase.Allows(lifecycle.Select) {
		return s.rejectLocked(lifecycle.Select, ErrIllegalLifecycleCall, "not legal in phase "+s.phase.String())
	}
	avail, sel := s.observeLocked()
	s.sel.explicit = false
	s.settleLocked()
	s.metrics.RecordSelection("")
	s.commitLocked(avail, sel, false)
	return nil
}

// HandleEvent applies one hardware event. Events arriving while the
// engine is not listening are dropped.
func (s *Switch) HandleEvent(ev Event) {
	s.mu.Lock()
	if !s.phase.Allows(lifecycle.Event) {
		phase := s.phase
		s.mu.Unlock()
		s.metrics.RecordIgnoredEvent()
		s.logger().Debug().Stringer("event", ev).Str("phase", phase.String()).Msg("event ignored")
		return
	}

	s.metrics.RecordEvent(ev.Type.String())
	s.logger().Debug().Stringer("event", ev).Msg("event")
	avail, sel := s.observeLocked()
	s.applyLocked(ev)
	s.settleLocked()
	s.commitLocked(avail, sel, true)
	s.mu.Unlock()
	s.flush()
}

// AvailableDevices returns the present devices in priority order.
func (s *Switch) AvailableDevices() []device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail, _ := s.observeLocked()
	return avail
}

// SelectedDevice returns the selected device, or nil.
func (s *Switch) SelectedDevice() *device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedLocked()
}

// SelectionExplicit reports whether the current selection came from the
// caller rather than the policy.
func (s *Switch) SelectionExplicit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel.explicit
}

func (s *Switch) Phase() lifecycle.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Switch) PreferredOrder() device.Order {
	return slices.Clone(s.order)
}

func (s *Switch) applyLocked(ev Event) {
	switch ev.Type {
	case EarpieceCapabilityKnown:
		s.catalog.Upsert(device.Earpiece, device.Peer{})
	case SpeakerphoneCapabilityKnown:
		s.catalog.Upsert(device.Speakerphone, device.Peer{})
	case WiredHeadsetAttached:
		s.catalog.Upsert(device.WiredHeadset, device.Peer{})
	case WiredHeadsetDetached:
		s.catalog.Remove(device.WiredHeadset)
	case BluetoothPeerConnected:
		s.catalog.Upsert(device.BluetoothHeadset, ev.Peer)
		s.btFailed = false
	case BluetoothPeerDisconnected:
		s.catalog.RemovePeer(ev.Peer.ID)
	case BluetoothActivationFailed:
		s.btFailed = true
		if s.sel.explicit && s.sel.kind == device.BluetoothHeadset {
			s.sel.explicit = false
			s.logger().Warn().Msg("bluetooth activation failed, explicit selection demoted")
		}
	default:
		s.logger().Warn().Int("type", int(ev.Type)).Msg("unknown hardware event")
	}
}

// settleLocked keeps a live explicit selection and otherwise recomputes the
// implicit one.
func (s *Switch) settleLocked() {
	if s.sel.explicit {
		if s.catalog.Has(s.sel.kind) {
			return
		}
		s.logger().Info().Str("kind", s.sel.kind.String()).Msg("selected device removed, back to policy")
	}
	var skip []device.Kind
	if s.btFailed {
		skip = append(skip, device.BluetoothHeadset)
	}
	k, _ := device.Default(s.catalog, s.order, skip...)
	s.sel = selection{kind: k}
}

// commitLocked notifies when the visible pair differs from the one taken
// before the mutation and, for hardware events, keeps an active route
// pointed at a present device.
func (s *Switch) commitLocked(prevAvail []device.Device, prevSel *device.Device, follow bool) {
	avail, sel := s.observeLocked()
	changed := !device.Equal(prevSel, sel)
	if changed || !device.EqualList(prevAvail, avail) {
		s.notifyLocked(avail, sel)
	}
	if follow && s.phase == lifecycle.Active {
		s.followLocked(changed, sel)
	}
}

func (s *Switch) followLocked(selChanged bool, sel *device.Device) {
	routedGone := s.routed != nil && !s.presentLocked(*s.routed)
	if !selChanged && !routedGone {
		return
	}
	target := sel
	if target == nil {
		target = s.fallbackLocked()
	}
	if target == nil {
		if s.routed != nil {
			s.logger().Warn().Msg("no device left to route to while active")
			s.intentLocked(OpRelease, 0, s.sink.ReleaseRouting)
			s.routed = nil
		}
		return
	}
	if s.routed != nil && *s.routed == *target {
		return
	}
	s.routeLocked(*target)
}

func (s *Switch) presentLocked(d device.Device) bool {
	if d.Kind != device.BluetoothHeadset {
		return s.catalog.Has(d.Kind)
	}
	for _, p := range s.catalog.Peers() {
		if p.ID == d.PeerID {
			return true
		}
	}
	return false
}

func (s *Switch) fallbackLocked() *device.Device {
	for _, k := range []device.Kind{device.Earpiece, device.Speakerphone} {
		if d, ok := s.catalog.Device(k); ok {
			return &d
		}
	}
	return nil
}

func (s *Switch) observeLocked() ([]device.Device, *device.Device) {
	avail := s.catalog.Snapshot()
	s.order.Sort(avail)
	return avail, s.selectedLocked()
}

func (s *Switch) selectedLocked() *device.Device {
	if s.sel.kind == 0 {
		return nil
	}
	d, ok := s.catalog.Device(s.sel.kind)
	if !ok {
		return nil
	}
	return &d
}

func (s *Switch) resetLocked() {
	s.catalog.Reset()
	s.sel = selection{}
	s.btFailed = false
	s.routed = nil
	s.listener = nil
}

func (s *Switch) setPhaseLocked(p lifecycle.Phase) {
	if s.phase != p {
		s.logger().Debug().Str("from", s.phase.String()).Str("to", p.String()).Msg("phase")
	}
	s.phase = p
	s.metrics.SetPhase(p.String(), phaseLabels)
}

func (s *Switch) rejectLocked(op lifecycle.Op, sentinel error, detail string) error {
	reason := "illegal"
	if errors.Is(sentinel, ErrDeviceUnavailable) {
		reason = "unavailable"
	}
	s.metrics.RecordReject(op.String(), reason)
	s.logger().Warn().Str("op", op.String()).Str("reason", reason).Msg(detail)
	return fmt.Errorf("%s: %w: %s", op, sentinel, detail)
}

func (s *Switch) notifyLocked(avail []device.Device, sel *device.Device) {
	selKind := ""
	if sel != nil {
		selKind = sel.Kind.String()
	}
	s.metrics.RecordDeviceChange(len(avail), selKind, kindLabels)
	s.logger().Info().
		Int("available", len(avail)).
		Str("selected", selKind).
		Msg("devices changed")

	l := s.listener
	if l == nil {
		return
	}
	s.effects = append(s.effects, func() { l(avail, sel) })
}

func (s *Switch) routeLocked(d device.Device) {
	s.routed = &d
	s.logger().Info().Stringer("device", d).Msg("route")
	s.intentLocked(OpRoute, d.Kind, func() error { return s.sink.RouteTo(d.Kind, d.PeerID) })
}

func (s *Switch) intentLocked(op string, kind device.Kind, apply func() error) {
	label := ""
	if kind.Valid() {
		label = kind.String()
	}
	s.metrics.RecordRouteRequest(op, label)
	s.effects = append(s.effects, func() {
		if err := apply(); err != nil {
			s.routingFailed(&RoutingError{Op: op, Kind: kind, Err: err})
		}
	})
}

func (s *Switch) routingFailed(rerr *RoutingError) {
	label := ""
	if rerr.Kind.Valid() {
		label = rerr.Kind.String()
	}
	s.metrics.RecordRoutingError(rerr.Op, label)
	s.logger().Error().Str("op", rerr.Op).Str("kind", label).Err(rerr.Err).Msg("routing_failure")
	if s.onRoutingError != nil {
		s.onRoutingError(rerr)
	}
}

// flush runs queued effects in order. Only one goroutine drains at a time;
// effects queued by a reentrant call are picked up by the active drainer.
func (s *Switch) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.effects) > 0 {
		batch := s.effects
		s.effects = nil
		s.mu.Unlock()
		for _, f := range batch {
			f()
		}
		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}

var kindLabels = func() []string {
	var out []string
	for _, k := range device.Kinds() {
		out = append(out, k.String())
	}
	return out
}()

var phaseLabels = func() []string {
	var out []string
	for _, p := range lifecycle.Phases() {
		out = append(out, p.String())
	}
	return out
}()
