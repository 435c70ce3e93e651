package device

// Peer is one connected Bluetooth headset.
type Peer struct {
	ID   string
	Name string
}

// Device is a routable output as presented to callers. Kind identifies the
// slot; Name and PeerID are display data (PeerID is only set for Bluetooth).
type Device struct {
	Kind   Kind
	Name   string
	PeerID string
}

// New returns the device of kind k carrying its default display name.
func New(k Kind) Device {
	return Device{Kind: k, Name: k.DisplayName()}
}

// Bluetooth returns a Bluetooth headset device for the given peer.
func Bluetooth(p Peer) Device {
	name := p.Name
	if name == "" {
		name = BluetoothHeadset.DisplayName()
	}
	return Device{Kind: BluetoothHeadset, Name: name, PeerID: p.ID}
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Kind.String()
	}
	return d.Kind.String() + "(" + d.Name + ")"
}

// Equal reports whether two optional devices are observably the same.
func Equal(a, b *Device) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// EqualList reports whether two device sequences are identical, order included.
func EqualList(a, b []Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
