// Package audio talks to the platform sound server. It lists output
// devices, classifies them into route kinds and switches the system
// default output.
package audio

import (
	"errors"
	"fmt"
	"strings"

	"audioswitch/device"
)

// ErrRouteUnsupported is returned by backends that can list outputs but
// cannot change the system default.
var ErrRouteUnsupported = errors.New("audio: backend cannot change the system output")

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

var wiredKeywords = []string{
	"headphone", "headset", "usb", "line out", "lineout", "analog-output-headphones",
}

var earpieceKeywords = []string{
	"earpiece", "handset", "receiver",
}

var speakerKeywords = []string{
	"speaker", "built-in", "builtin", "internal", "analog-stereo", "analog stereo",
}

func IsBluetooth(name string) bool {
	return containsAny(strings.ToLower(name), btKeywords)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

type DeviceInfo struct {
	ID      string // opaque platform-specific identifier
	Name    string
	Default bool
}

// Context is one connection to the sound server.
type Context interface {
	// Devices lists the output devices. At most one is marked Default.
	Devices() ([]DeviceInfo, error)
	// SetDefault makes the output with the given ID the system default.
	SetDefault(id string) error
	Close()
}

// Classify maps an output to the route kind it provides. Outputs that are
// none of the four kinds (HDMI, S/PDIF, virtual sinks) report false.
func Classify(d DeviceInfo) (device.Kind, bool) {
	id := strings.ToLower(d.ID)
	name := strings.ToLower(d.Name)
	switch {
	case BluetoothAddress(d.ID) != "" || IsBluetooth(d.Name):
		return device.BluetoothHeadset, true
	case containsAny(id, earpieceKeywords) || containsAny(name, earpieceKeywords):
		return device.Earpiece, true
	case containsAny(id, wiredKeywords) || containsAny(name, wiredKeywords):
		return device.WiredHeadset, true
	case containsAny(id, speakerKeywords) || containsAny(name, speakerKeywords):
		return device.Speakerphone, true
	}
	return 0, false
}

// BluetoothAddress extracts the MAC address from a PulseAudio/PipeWire
// Bluetooth sink name such as "bluez_output.AA_BB_CC_DD_EE_FF.1" or
// "bluez_sink.AA_BB_CC_DD_EE_FF.a2dp_sink". It returns "" for other IDs.
func BluetoothAddress(id string) string {
	for _, prefix := range []string{"bluez_output.", "bluez_sink."} {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		rest := id[len(prefix):]
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			rest = rest[:i]
		}
		mac := strings.ReplaceAll(rest, "_", ":")
		if len(mac) == 17 {
			return strings.ToUpper(mac)
		}
	}
	return ""
}

// PeerID is the identity a Bluetooth output is reported under: its MAC
// address when the ID carries one, the raw ID otherwise.
func PeerID(d DeviceInfo) string {
	if mac := BluetoothAddress(d.ID); mac != "" {
		return mac
	}
	return d.ID
}

func Default(devs []DeviceInfo) (DeviceInfo, bool) {
	for _, d := range devs {
		if d.Default {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// Open connects to the named backend: "auto" (the platform default),
// "pulse", "malgo" or "fake".
func Open(backend string) (Context, error) {
	switch backend {
	case "", "auto":
		return NewContext()
	case "pulse":
		return NewPulseContext()
	case "malgo":
		return NewMalgoContext()
	case "fake":
		return NewFakeContext(DefaultFakeDevices()...), nil
	}
	return nil, fmt.Errorf("unknown audio backend %q", backend)
}
