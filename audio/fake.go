package audio

import (
	"fmt"
	"slices"
	"sync"
)

// FakeContext is an in-memory device table for tests and the fake backend.
type FakeContext struct {
	mu      sync.Mutex
	devices []DeviceInfo
	listErr error
	setErr  error
	sets    []string
	closed  bool
}

// DefaultFakeDevices is a laptop with built-in speakers and a handset
// earpiece output.
func DefaultFakeDevices() []DeviceInfo {
	return []DeviceInfo{
		{ID: "alsa_output.pci-0000_00_1f.3.analog-stereo", Name: "Built-in Audio Analog Stereo", Default: true},
		{ID: "alsa_output.platform-sound.HiFi__hw_0__sink", Name: "Earpiece"},
	}
}

func NewFakeContext(devices ...DeviceInfo) *FakeContext {
	return &FakeContext{devices: slices.Clone(devices)}
}

// Add plugs in d, replacing any device with the same ID.
func (f *FakeContext) Add(d DeviceInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = slices.DeleteFunc(f.devices, func(o DeviceInfo) bool { return o.ID == d.ID })
	if d.Default {
		f.clearDefault()
	}
	f.devices = append(f.devices, d)
}

func (f *FakeContext) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = slices.DeleteFunc(f.devices, func(o DeviceInfo) bool { return o.ID == id })
}

// FailList makes Devices return err until cleared with nil.
func (f *FakeContext) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailSet makes SetDefault return err until cleared with nil.
func (f *FakeContext) FailSet(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setErr = err
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.devices), nil
}

func (f *FakeContext) SetDefault(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	i := slices.IndexFunc(f.devices, func(d DeviceInfo) bool { return d.ID == id })
	if i < 0 {
		return fmt.Errorf("no such sink %q", id)
	}
	f.clearDefault()
	f.devices[i].Default = true
	f.sets = append(f.sets, id)
	return nil
}

func (f *FakeContext) clearDefault() {
	for i := range f.devices {
		f.devices[i].Default = false
	}
}

// DefaultID returns the ID of the current default output, or "".
func (f *FakeContext) DefaultID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := Default(f.devices); ok {
		return d.ID
	}
	return ""
}

// Sets returns every ID passed to a successful SetDefault, in order.
func (f *FakeContext) Sets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sets)
}

func (f *FakeContext) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *FakeContext) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
