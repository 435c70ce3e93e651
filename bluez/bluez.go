// Package bluez reports Bluetooth headset connections from the BlueZ daemon
// on the system D-Bus.
package bluez

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName            = "org.bluez"
	deviceIface        = "org.bluez.Device1"
	propsIface         = "org.freedesktop.DBus.Properties"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"

	propsChanged      = propsIface + ".PropertiesChanged"
	interfacesAdded   = objectManagerIface + ".InterfacesAdded"
	interfacesRemoved = objectManagerIface + ".InterfacesRemoved"
)

// ErrNotRunning is returned by Connect when nothing owns org.bluez.
var ErrNotRunning = errors.New("org.bluez not found on system bus (is bluetooth.service running?)")

// ManagedObjects is the reply of ObjectManager.GetManagedObjects:
// object path -> interface -> property -> value.
type ManagedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Bus is the part of a D-Bus connection the Source needs.
type Bus interface {
	ManagedObjects() (ManagedObjects, error)
	// Subscribe starts delivering BlueZ property and object signals to ch.
	Subscribe(ch chan<- *dbus.Signal) error
	// Unsubscribe stops delivery to ch. No signal is sent to ch after it
	// returns.
	Unsubscribe(ch chan<- *dbus.Signal)
	Close() error
}

// SystemBus is a private system bus connection with BlueZ on it.
type SystemBus struct {
	conn *dbus.Conn
}

// Connect opens a private system bus connection and checks that BlueZ is
// running.
func Connect() (*SystemBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	if !slices.Contains(names, busName) {
		conn.Close()
		return nil, ErrNotRunning
	}
	return &SystemBus{conn: conn}, nil
}

func (b *SystemBus) ManagedObjects() (ManagedObjects, error) {
	var objs ManagedObjects
	err := b.conn.Object(busName, "/").Call(objectManagerIface+".GetManagedObjects", 0).Store(&objs)
	if err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objs, nil
}

func (b *SystemBus) matches() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace("/org/bluez"),
		},
		{
			dbus.WithMatchInterface(objectManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchInterface(objectManagerIface),
			dbus.WithMatchMember("InterfacesRemoved"),
		},
	}
}

func (b *SystemBus) Subscribe(ch chan<- *dbus.Signal) error {
	for _, m := range b.matches() {
		if err := b.conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("add match: %w", err)
		}
	}
	b.conn.Signal(ch)
	return nil
}

func (b *SystemBus) Unsubscribe(ch chan<- *dbus.Signal) {
	b.conn.RemoveSignal(ch)
	for _, m := range b.matches() {
		b.conn.RemoveMatchSignal(m...)
	}
}

func (b *SystemBus) Close() error {
	return b.conn.Close()
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" on the
// given adapter to "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + escaped)
}

// macFromPath extracts the MAC address from a BlueZ device object path on
// any adapter. It returns "" for adapter, service and other paths.
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	if !strings.HasPrefix(s, "/org/bluez/") {
		return ""
	}
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	mac := strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
	if len(mac) != 17 || strings.Contains(mac, "/") {
		return ""
	}
	return strings.ToUpper(mac)
}
