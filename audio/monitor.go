package audio

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"audioswitch/device"
	"audioswitch/log"
	"audioswitch/switcher"

	"github.com/rs/zerolog"
)

const DefaultInterval = 500 * time.Millisecond

// ErrNoOutput is returned when no output of the requested kind exists.
var ErrNoOutput = errors.New("no matching output")

type MonitorOptions struct {
	// Interval between device polls. Zero means DefaultInterval.
	Interval time.Duration
	// Bluetooth reports Bluetooth outputs as headset peers. Turn it off
	// when another source (BlueZ) reports them.
	Bluetooth bool
	Logger    *zerolog.Logger
}

// presence is what one poll found, reduced to what the engine cares about.
type presence struct {
	earpiece bool
	speaker  bool
	wired    bool
	peers    map[string]string // peer ID -> name
}

// Monitor polls a Context for output changes and reports them as hardware
// events. It is also the RoutingSink that moves the system default output.
type Monitor struct {
	ctx  Context
	opts MonitorOptions
	log  zerolog.Logger

	mu      sync.Mutex
	last    presence
	handler switcher.EventHandler
	saved   string // default output before focus was taken
	focused bool
	stop    chan struct{}
	done    chan struct{}
}

func NewMonitor(ctx Context, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	m := &Monitor{ctx: ctx, opts: opts}
	if opts.Logger != nil {
		m.log = *opts.Logger
	} else {
		m.log = log.Component("audio")
	}
	return m
}

func (m *Monitor) scan(devs []DeviceInfo) presence {
	p := presence{peers: make(map[string]string)}
	for _, d := range devs {
		kind, ok := Classify(d)
		if !ok {
			continue
		}
		switch kind {
		case device.Earpiece:
			p.earpiece = true
		case device.Speakerphone:
			p.speaker = true
		case device.WiredHeadset:
			p.wired = true
		case device.BluetoothHeadset:
			if m.opts.Bluetooth {
				p.peers[PeerID(d)] = d.Name
			}
		}
	}
	return p
}

// diff returns the events that take prev to next. Capabilities are never
// withdrawn.
func diff(prev, next presence) []switcher.Event {
	var evs []switcher.Event
	if next.earpiece && !prev.earpiece {
		evs = append(evs, switcher.Event{Type: switcher.EarpieceCapabilityKnown})
	}
	if next.speaker && !prev.speaker {
		evs = append(evs, switcher.Event{Type: switcher.SpeakerphoneCapabilityKnown})
	}
	switch {
	case next.wired && !prev.wired:
		evs = append(evs, switcher.Event{Type: switcher.WiredHeadsetAttached})
	case !next.wired && prev.wired:
		evs = append(evs, switcher.Event{Type: switcher.WiredHeadsetDetached})
	}
	for _, id := range slices.Sorted(maps.Keys(prev.peers)) {
		if _, ok := next.peers[id]; !ok {
			evs = append(evs, switcher.Disconnected(id))
		}
	}
	for _, id := range slices.Sorted(maps.Keys(next.peers)) {
		if _, ok := prev.peers[id]; !ok {
			evs = append(evs, switcher.Connected(id, next.peers[id]))
		}
	}
	return evs
}

// Probe lists the outputs present now and resets the change baseline.
func (m *Monitor) Probe() []switcher.Event {
	devs, err := m.ctx.Devices()
	if err != nil {
		m.log.Warn().Err(err).Msg("probe failed")
		return nil
	}
	next := m.scan(devs)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = next
	return diff(presence{}, next)
}

func (m *Monitor) Start(h switcher.EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return errors.New("audio monitor already started")
	}
	m.handler = h
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
	return nil
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.handler = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Refresh polls once and delivers the resulting events. The poll loop
// calls it on every tick.
func (m *Monitor) Refresh() {
	devs, err := m.ctx.Devices()
	if err != nil {
		m.log.Debug().Err(err).Msg("poll failed")
		return
	}
	next := m.scan(devs)

	m.mu.Lock()
	h := m.handler
	if h == nil {
		m.mu.Unlock()
		return
	}
	evs := diff(m.last, next)
	m.last = next
	m.mu.Unlock()

	for _, ev := range evs {
		m.log.Debug().Stringer("event", ev).Msg("output change")
		h.HandleEvent(ev)
	}
}

// RouteTo makes the output for kind the system default. For Bluetooth the
// output must belong to peerID; a connected headset with no output yet is
// reported back as BluetoothActivationFailed.
func (m *Monitor) RouteTo(kind device.Kind, peerID string) error {
	devs, err := m.ctx.Devices()
	if err != nil {
		return err
	}
	for _, d := range devs {
		k, ok := Classify(d)
		if !ok || k != kind {
			continue
		}
		if kind == device.BluetoothHeadset && peerID != "" && PeerID(d) != peerID {
			continue
		}
		if d.Default {
			return nil
		}
		m.log.Info().Str("output", d.ID).Str("kind", kind.String()).Msg("set default output")
		return m.ctx.SetDefault(d.ID)
	}

	if kind == device.BluetoothHeadset {
		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h != nil {
			h.HandleEvent(switcher.Event{Type: switcher.BluetoothActivationFailed})
		}
	}
	return fmt.Errorf("%w for %s", ErrNoOutput, kind)
}

// ReleaseRouting leaves the system output where it is; the previous
// default comes back when focus is released.
func (m *Monitor) ReleaseRouting() error {
	m.log.Debug().Msg("routing released")
	return nil
}

// RequestFocus remembers the current default output.
func (m *Monitor) RequestFocus() error {
	devs, err := m.ctx.Devices()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.focused {
		return nil
	}
	m.focused = true
	if d, ok := Default(devs); ok {
		m.saved = d.ID
	}
	return nil
}

// ReleaseFocus restores the default output remembered by RequestFocus if
// it still exists.
func (m *Monitor) ReleaseFocus() error {
	m.mu.Lock()
	saved := m.saved
	m.saved = ""
	m.focused = false
	m.mu.Unlock()
	if saved == "" {
		return nil
	}

	devs, err := m.ctx.Devices()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(devs, func(d DeviceInfo) bool { return d.ID == saved })
	if i < 0 {
		m.log.Info().Str("output", saved).Msg("previous default output is gone, not restoring")
		return nil
	}
	if devs[i].Default {
		return nil
	}
	return m.ctx.SetDefault(saved)
}
