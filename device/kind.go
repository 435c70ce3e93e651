// Package device models the audio routes a call can use and the rules for
// picking one of them.
package device

import (
	"fmt"
	"strings"
)

// Kind is one of the four route kinds. The set is closed.
type Kind int

const (
	BluetoothHeadset Kind = iota + 1
	WiredHeadset
	Earpiece
	Speakerphone
)

var kindNames = map[Kind]string{
	BluetoothHeadset: "BluetoothHeadset",
	WiredHeadset:     "WiredHeadset",
	Earpiece:         "Earpiece",
	Speakerphone:     "Speakerphone",
}

var displayNames = map[Kind]string{
	BluetoothHeadset: "Bluetooth",
	WiredHeadset:     "Wired Headset",
	Earpiece:         "Earpiece",
	Speakerphone:     "Speakerphone",
}

var kindAliases = map[string]Kind{
	"bluetooth":        BluetoothHeadset,
	"bluetoothheadset": BluetoothHeadset,
	"bt":               BluetoothHeadset,
	"wired":            WiredHeadset,
	"wiredheadset":     WiredHeadset,
	"headset":          WiredHeadset,
	"earpiece":         Earpiece,
	"speaker":          Speakerphone,
	"speakerphone":     Speakerphone,
}

// Kinds returns every kind in default priority order.
func Kinds() []Kind {
	return []Kind{BluetoothHeadset, WiredHeadset, Earpiece, Speakerphone}
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// DisplayName is the name shown for a device of this kind when the hardware
// does not supply one.
func (k Kind) DisplayName() string {
	return displayNames[k]
}

// ParseKind accepts the config spellings ("bluetooth", "wired", "earpiece",
// "speaker") as well as the type names, case-insensitively.
func ParseKind(s string) (Kind, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	if k, ok := kindAliases[key]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}
