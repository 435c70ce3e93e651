package switcher

import (
	"fmt"

	"audioswitch/device"
)

type EventType int

const (
	EarpieceCapabilityKnown EventType = iota + 1
	SpeakerphoneCapabilityKnown
	WiredHeadsetAttached
	WiredHeadsetDetached
	BluetoothPeerConnected
	BluetoothPeerDisconnected
	// BluetoothActivationFailed reports that the Bluetooth profile refused
	// audio. The headset stays listed but policy passes over it until a
	// peer connects again.
	BluetoothActivationFailed
)

var eventNames = map[EventType]string{
	EarpieceCapabilityKnown:     "EarpieceCapabilityKnown",
	SpeakerphoneCapabilityKnown: "SpeakerphoneCapabilityKnown",
	WiredHeadsetAttached:        "WiredHeadsetAttached",
	WiredHeadsetDetached:        "WiredHeadsetDetached",
	BluetoothPeerConnected:      "BluetoothPeerConnected",
	BluetoothPeerDisconnected:   "BluetoothPeerDisconnected",
	BluetoothActivationFailed:   "BluetoothActivationFailed",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one hardware transition. Peer is set for the Bluetooth peer
// events; Disconnected only needs the ID.
type Event struct {
	Type EventType
	Peer device.Peer
}

func (e Event) String() string {
	switch e.Type {
	case BluetoothPeerConnected:
		return fmt.Sprintf("%s(%s,%q)", e.Type, e.Peer.ID, e.Peer.Name)
	case BluetoothPeerDisconnected:
		return fmt.Sprintf("%s(%s)", e.Type, e.Peer.ID)
	}
	return e.Type.String()
}

func Connected(id, name string) Event {
	return Event{Type: BluetoothPeerConnected, Peer: device.Peer{ID: id, Name: name}}
}

func Disconnected(id string) Event {
	return Event{Type: BluetoothPeerDisconnected, Peer: device.Peer{ID: id}}
}

// EventHandler consumes hardware events. Switch implements it.
type EventHandler interface {
	HandleEvent(Event)
}

// HardwareSource reports device transitions. Probe returns the events that
// describe the hardware present right now; Start begins delivering later
// transitions to h, each at most once, from any goroutine. Stop ends
// delivery and releases everything Start acquired.
type HardwareSource interface {
	Probe() []Event
	Start(h EventHandler) error
	Stop()
}

// RoutingSink applies routing intents to the platform. The engine does not
// wait on the outcome; a returned error is reported, never rolled back.
type RoutingSink interface {
	RouteTo(kind device.Kind, peerID string) error
	ReleaseRouting() error
	RequestFocus() error
	ReleaseFocus() error
}

// Listener receives the priority-ordered available devices and the
// selected device (nil for none) after every observable change.
type Listener func(available []device.Device, selected *device.Device)

// MultiSource fans several hardware sources into one.
type MultiSource []HardwareSource

func (m MultiSource) Probe() []Event {
	var out []Event
	for _, src := range m {
		out = append(out, src.Probe()...)
	}
	return out
}

// Start starts every source in order. If one fails, the ones already
// started are stopped again.
func (m MultiSource) Start(h EventHandler) error {
	for i, src := range m {
		if err := src.Start(h); err != nil {
			for j := i - 1; j >= 0; j-- {
				m[j].Stop()
			}
			return fmt.Errorf("start source %d: %w", i, err)
		}
	}
	return nil
}

func (m MultiSource) Stop() {
	for i := len(m) - 1; i >= 0; i-- {
		m[i].Stop()
	}
}
