package bluez

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"

	"audioswitch/log"
	"audioswitch/switcher"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Service class UUIDs that mark a device as an audio headset.
var audioUUIDs = []string{
	"0000110b-0000-1000-8000-00805f9b34fb", // A2DP sink
	"0000111e-0000-1000-8000-00805f9b34fb", // Handsfree
	"00001108-0000-1000-8000-00805f9b34fb", // Headset
}

type headset struct {
	mac       string
	name      string
	audio     bool
	connected bool
}

func (h *headset) reported() bool { return h.audio && h.connected }

// update merges Device1 properties into h.
func (h *headset) update(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok && s != "" {
			h.mac = strings.ToUpper(s)
		}
	}
	if h.mac == "" {
		h.mac = macFromPath(path)
	}
	for _, key := range []string{"Alias", "Name"} {
		if v, ok := props[key]; ok {
			if s, ok := v.Value().(string); ok && s != "" {
				h.name = s
				break
			}
		}
	}
	if v, ok := props["Connected"]; ok {
		if b, ok := v.Value().(bool); ok {
			h.connected = b
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok && hasAudioUUID(uuids) {
			h.audio = true
		}
	}
	if v, ok := props["Icon"]; ok {
		if s, ok := v.Value().(string); ok && strings.HasPrefix(s, "audio-") {
			h.audio = true
		}
	}
}

func (h *headset) displayName() string {
	if h.name != "" {
		return h.name
	}
	return h.mac
}

func hasAudioUUID(uuids []string) bool {
	for _, u := range uuids {
		if slices.Contains(audioUUIDs, strings.ToLower(u)) {
			return true
		}
	}
	return false
}

// Source is a switcher.HardwareSource reporting connected Bluetooth audio
// devices as headset peers keyed by MAC address.
type Source struct {
	bus Bus
	log zerolog.Logger

	mu      sync.Mutex
	devices map[dbus.ObjectPath]*headset
	handler switcher.EventHandler
	signals chan *dbus.Signal
	stop    chan struct{}
	done    chan struct{}
}

func NewSource(bus Bus) *Source {
	return &Source{
		bus:     bus,
		log:     log.Component("bluez"),
		devices: make(map[dbus.ObjectPath]*headset),
	}
}

// Probe reads every BlueZ device and returns a connect event for each
// connected audio device.
func (s *Source) Probe() []switcher.Event {
	objs, err := s.bus.ManagedObjects()
	if err != nil {
		s.log.Warn().Err(err).Msg("probe failed")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[dbus.ObjectPath]*headset)
	var evs []switcher.Event
	for _, path := range slices.Sorted(maps.Keys(objs)) {
		props, ok := objs[path][deviceIface]
		if !ok {
			continue
		}
		h := &headset{}
		h.update(path, props)
		if h.mac == "" {
			continue
		}
		s.devices[path] = h
		if h.reported() {
			evs = append(evs, switcher.Connected(h.mac, h.displayName()))
		}
	}
	return evs
}

func (s *Source) Start(h switcher.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("bluez source already started")
	}
	signals := make(chan *dbus.Signal, 16)
	if err := s.bus.Subscribe(signals); err != nil {
		return err
	}
	s.handler = h
	s.signals = signals
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.watch(signals, s.stop, s.done)
	return nil
}

func (s *Source) Stop() {
	s.mu.Lock()
	signals, stop, done := s.signals, s.stop, s.done
	s.signals, s.stop, s.done = nil, nil, nil
	s.handler = nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	s.bus.Unsubscribe(signals)
	close(stop)
	<-done
}

func (s *Source) watch(signals <-chan *dbus.Signal, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case sig := <-signals:
			if sig == nil {
				continue
			}
			if ev, ok := s.handle(sig); ok {
				s.deliver(ev)
			}
		}
	}
}

func (s *Source) deliver(ev switcher.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return
	}
	s.log.Debug().Stringer("event", ev).Msg("headset change")
	h.HandleEvent(ev)
}

// handle applies one signal to the device table and returns the event it
// causes, if any.
func (s *Source) handle(sig *dbus.Signal) (switcher.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch sig.Name {
	case propsChanged:
		// Body: [interface string, changed map[string]Variant, invalidated []string]
		if len(sig.Body) < 2 {
			return switcher.Event{}, false
		}
		if iface, ok := sig.Body[0].(string); !ok || iface != deviceIface {
			return switcher.Event{}, false
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return switcher.Event{}, false
		}
		return s.updateLocked(sig.Path, changed)

	case interfacesAdded:
		// Body: [path ObjectPath, interfaces map[string]map[string]Variant]
		if len(sig.Body) < 2 {
			return switcher.Event{}, false
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return switcher.Event{}, false
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return switcher.Event{}, false
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			return switcher.Event{}, false
		}
		return s.updateLocked(path, props)

	case interfacesRemoved:
		// Body: [path ObjectPath, interfaces []string]
		if len(sig.Body) < 2 {
			return switcher.Event{}, false
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return switcher.Event{}, false
		}
		ifaces, ok := sig.Body[1].([]string)
		if !ok || !slices.Contains(ifaces, deviceIface) {
			return switcher.Event{}, false
		}
		h, ok := s.devices[path]
		if !ok {
			return switcher.Event{}, false
		}
		delete(s.devices, path)
		if h.reported() {
			return switcher.Disconnected(h.mac), true
		}
	}
	return switcher.Event{}, false
}

func (s *Source) updateLocked(path dbus.ObjectPath, props map[string]dbus.Variant) (switcher.Event, bool) {
	h, ok := s.devices[path]
	if !ok {
		h = &headset{}
	}
	was := h.reported()
	h.update(path, props)
	if h.mac == "" {
		return switcher.Event{}, false
	}
	s.devices[path] = h

	switch now := h.reported(); {
	case now && !was:
		return switcher.Connected(h.mac, h.displayName()), true
	case !now && was:
		return switcher.Disconnected(h.mac), true
	}
	return switcher.Event{}, false
}
