package switcher

import (
	"fmt"
	"slices"
	"sync"

	"audioswitch/device"
)

// FakeSource is a scriptable HardwareSource for tests and the headless
// test mode. Emit delivers events synchronously on the caller's goroutine.
type FakeSource struct {
	mu       sync.Mutex
	probe    []Event
	handler  EventHandler
	startErr error
	starts   int
	stops    int
}

func NewFakeSource(probe ...Event) *FakeSource {
	return &FakeSource{probe: probe}
}

// SetProbe replaces the events returned by the next Probe.
func (f *FakeSource) SetProbe(evs ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probe = slices.Clone(evs)
}

// FailStart makes the next Start return err.
func (f *FakeSource) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *FakeSource) Probe() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.probe)
}

func (f *FakeSource) Start(h EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr; err != nil {
		f.startErr = nil
		return err
	}
	if f.handler != nil {
		return fmt.Errorf("fake source already started")
	}
	f.handler = h
	f.starts++
	return nil
}

func (f *FakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		f.stops++
	}
	f.handler = nil
}

// Emit delivers evs in order. It reports false, delivering nothing, when
// the source is not started.
func (f *FakeSource) Emit(evs ...Event) bool {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	for _, ev := range evs {
		h.HandleEvent(ev)
	}
	return true
}

func (f *FakeSource) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

// Counts returns how many times the source was started and stopped.
func (f *FakeSource) Counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// Intent is one call recorded by RecordingSink.
type Intent struct {
	Op     string
	Kind   device.Kind
	PeerID string
}

func (i Intent) String() string {
	switch {
	case i.PeerID != "":
		return fmt.Sprintf("%s %s %s", i.Op, i.Kind, i.PeerID)
	case i.Kind.Valid():
		return fmt.Sprintf("%s %s", i.Op, i.Kind)
	}
	return i.Op
}

// RecordingSink is a RoutingSink that records every intent and can be told
// to fail chosen operations.
type RecordingSink struct {
	mu      sync.Mutex
	intents []Intent
	fail    map[string]error
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{fail: make(map[string]error)}
}

// Fail makes every later call of op return err. A nil err clears it.
func (r *RecordingSink) Fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

func (r *RecordingSink) record(in Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, in)
	return r.fail[in.Op]
}

func (r *RecordingSink) RouteTo(kind device.Kind, peerID string) error {
	return r.record(Intent{Op: OpRoute, Kind: kind, PeerID: peerID})
}

func (r *RecordingSink) ReleaseRouting() error {
	return r.record(Intent{Op: OpRelease})
}

func (r *RecordingSink) RequestFocus() error {
	return r.record(Intent{Op: OpFocus})
}

func (r *RecordingSink) ReleaseFocus() error {
	return r.record(Intent{Op: OpUnfocus})
}

func (r *RecordingSink) Intents() []Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.intents)
}

// Take returns the recorded intents and forgets them.
func (r *RecordingSink) Take() []Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.intents
	r.intents = nil
	return out
}
