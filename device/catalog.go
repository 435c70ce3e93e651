package device

import "slices"

// Catalog is the set of devices currently available. Earpiece, Speakerphone
// and WiredHeadset are present or absent as a whole; BluetoothHeadset is
// present while at least one peer is connected.
//
// A Catalog is not safe for concurrent use; its owner serialises access.
type Catalog struct {
	earpiece     bool
	speakerphone bool
	wired        bool
	peers        []Peer // connection order, most recent last
}

func NewCatalog() *Catalog {
	return &Catalog{}
}

// Upsert marks kind k present. For BluetoothHeadset the peer is merged into
// the peer set and becomes the most recently connected one; p is ignored
// for other kinds.
func (c *Catalog) Upsert(k Kind, p Peer) {
	switch k {
	case Earpiece:
		c.earpiece = true
	case Speakerphone:
		c.speakerphone = true
	case WiredHeadset:
		c.wired = true
	case BluetoothHeadset:
		c.peers = slices.DeleteFunc(c.peers, func(q Peer) bool { return q.ID == p.ID })
		c.peers = append(c.peers, p)
	}
}

// Remove drops kind k entirely. Removing an absent kind is a no-op.
func (c *Catalog) Remove(k Kind) {
	switch k {
	case Earpiece:
		c.earpiece = false
	case Speakerphone:
		c.speakerphone = false
	case WiredHeadset:
		c.wired = false
	case BluetoothHeadset:
		c.peers = nil
	}
}

// RemovePeer disconnects one Bluetooth peer. The BluetoothHeadset kind
// disappears with its last peer. Unknown ids are ignored.
func (c *Catalog) RemovePeer(id string) {
	c.peers = slices.DeleteFunc(c.peers, func(q Peer) bool { return q.ID == id })
}

func (c *Catalog) Has(k Kind) bool {
	switch k {
	case Earpiece:
		return c.earpiece
	case Speakerphone:
		return c.speakerphone
	case WiredHeadset:
		return c.wired
	case BluetoothHeadset:
		return len(c.peers) > 0
	}
	return false
}

// Device returns the live device for kind k. For Bluetooth it is the most
// recently connected peer.
func (c *Catalog) Device(k Kind) (Device, bool) {
	if !c.Has(k) {
		return Device{}, false
	}
	if k == BluetoothHeadset {
		return Bluetooth(c.peers[len(c.peers)-1]), true
	}
	return New(k), true
}

// Peers returns the connected Bluetooth peers, oldest first.
func (c *Catalog) Peers() []Peer {
	return slices.Clone(c.peers)
}

// Snapshot lists the present devices, one per kind. The order carries no
// meaning; callers sort with an Order.
func (c *Catalog) Snapshot() []Device {
	var out []Device
	for _, k := range Kinds() {
		if d, ok := c.Device(k); ok {
			out = append(out, d)
		}
	}
	return out
}

func (c *Catalog) Len() int {
	n := 0
	for _, k := range Kinds() {
		if c.Has(k) {
			n++
		}
	}
	return n
}

func (c *Catalog) Reset() {
	*c = Catalog{}
}
