package switcher

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"audioswitch/device"
	"audioswitch/lifecycle"
	"audioswitch/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	earpiece = device.New(device.Earpiece)
	speaker  = device.New(device.Speakerphone)
	wired    = device.New(device.WiredHeadset)
)

type snapshot struct {
	avail []device.Device
	sel   *device.Device
}

type recorder struct {
	mu    sync.Mutex
	calls []snapshot
}

func (r *recorder) listen(avail []device.Device, sel *device.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, snapshot{avail, sel})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return snapshot{}
	}
	return r.calls[len(r.calls)-1]
}

func capabilities() []Event {
	return []Event{{Type: EarpieceCapabilityKnown}, {Type: SpeakerphoneCapabilityKnown}}
}

func newSwitch(t *testing.T, cfg Config, probe ...Event) (*Switch, *FakeSource, *RecordingSink) {
	t.Helper()
	src := NewFakeSource(probe...)
	sink := NewRecordingSink()
	s, err := New(src, sink, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s, src, sink
}

// started returns a Switch started with the earpiece and speakerphone
// capabilities reported by the probe.
func started(t *testing.T, cfg Config) (*Switch, *FakeSource, *RecordingSink, *recorder) {
	t.Helper()
	s, src, sink := newSwitch(t, cfg, capabilities()...)
	rec := &recorder{}
	require.NoError(t, s.Start(rec.listen))
	return s, src, sink, rec
}

func kinds(devs []device.Device) []device.Kind {
	out := make([]device.Kind, len(devs))
	for i, d := range devs {
		out[i] = d.Kind
	}
	return out
}

func selectedKind(s *Switch) device.Kind {
	if d := s.SelectedDevice(); d != nil {
		return d.Kind
	}
	return 0
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(NewFakeSource(), NewRecordingSink(), Config{PreferredOrder: []device.Kind{device.Kind(42)}})
	assert.ErrorIs(t, err, device.ErrUnknownKind)

	_, err = New(nil, NewRecordingSink(), DefaultConfig())
	assert.Error(t, err)
}

func TestBeforeStart(t *testing.T) {
	s, src, sink := newSwitch(t, DefaultConfig(), capabilities()...)

	assert.Empty(t, s.AvailableDevices())
	assert.Nil(t, s.SelectedDevice())
	assert.Equal(t, lifecycle.NotStarted, s.Phase())
	assert.False(t, src.Running())

	err := s.SelectDevice(earpiece)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	err = s.Activate()
	assert.ErrorIs(t, err, ErrIllegalLifecycleCall)
	assert.Empty(t, sink.Intents())

	s.HandleEvent(Event{Type: WiredHeadsetAttached})
	assert.Empty(t, s.AvailableDevices())
}

func TestInitialSnapshotPicksEarpiece(t *testing.T) {
	s, src, _, rec := started(t, DefaultConfig())

	assert.Equal(t, lifecycle.Scanning, s.Phase())
	assert.True(t, src.Running())
	require.Equal(t, 1, rec.count())

	got := rec.last()
	assert.Equal(t, []device.Device{earpiece, speaker}, got.avail)
	require.NotNil(t, got.sel)
	assert.Equal(t, earpiece, *got.sel)
	assert.Equal(t, device.Earpiece, selectedKind(s))
}

func TestWiredHeadsetTakesPriority(t *testing.T) {
	s, src, _, rec := started(t, DefaultConfig())

	src.Emit(Event{Type: WiredHeadsetAttached})

	assert.Equal(t, device.WiredHeadset, selectedKind(s))
	assert.Equal(t, []device.Kind{device.WiredHeadset, device.Earpiece, device.Speakerphone}, kinds(s.AvailableDevices()))
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, wired, *rec.last().sel)
}

func TestExplicitSelectionSurvivesUnrelatedRemoval(t *testing.T) {
	s, src, _, _ := started(t, DefaultConfig())
	src.Emit(Event{Type: WiredHeadsetAttached})

	require.NoError(t, s.SelectDevice(speaker))
	assert.Equal(t, device.Speakerphone, selectedKind(s))
	assert.True(t, s.SelectionExplicit())

	src.Emit(Event{Type: WiredHeadsetDetached})
	assert.Equal(t, device.Speakerphone, selectedKind(s))
	assert.True(t, s.SelectionExplicit())
	assert.Equal(t, []device.Kind{device.Earpiece, device.Speakerphone}, kinds(s.AvailableDevices()))
}

func TestExplicitSelectionDemotedOnRemoval(t *testing.T) {
	s, src, _, _ := started(t, DefaultConfig())
	src.Emit(Event{Type: WiredHeadsetAttached})

	require.NoError(t, s.SelectDevice(wired))
	src.Emit(Event{Type: WiredHeadsetDetached})

	assert.Equal(t, device.Earpiece, selectedKind(s))
	assert.False(t, s.SelectionExplicit())

	// Coming back does not restore the old explicit choice, but policy
	// picks it again.
	src.Emit(Event{Type: WiredHeadsetAttached})
	assert.Equal(t, device.WiredHeadset, selectedKind(s))
	assert.False(t, s.SelectionExplicit())
}

func TestExplicitSelectionStickyAcrossArrivals(t *testing.T) {
	s, src, _, _ := started(t, DefaultConfig())
	require.NoError(t, s.SelectDevice(speaker))

	src.Emit(Event{Type: WiredHeadsetAttached}, Connected("aa", "Buds"))
	assert.Equal(t, device.Speakerphone, selectedKind(s))
}

func TestSelectUnavailableLeavesSelection(t *testing.T) {
	s, _, _, rec := started(t, DefaultConfig())

	err := s.SelectDevice(wired)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, device.Earpiece, selectedKind(s))
	assert.False(t, s.SelectionExplicit())
	assert.Equal(t, 1, rec.count())
}

func TestListenerDebounced(t *testing.T) {
	s, src, _, rec := started(t, DefaultConfig())

	// Repeated capability reports and an unknown disconnect change nothing.
	src.Emit(capabilities()...)
	src.Emit(Event{Type: WiredHeadsetDetached}, Disconnected("nobody"))
	assert.Equal(t, 1, rec.count())

	// Five events, one net change.
	src.Emit(
		Event{Type: WiredHeadsetAttached},
		Event{Type: WiredHeadsetAttached},
		Event{Type: EarpieceCapabilityKnown},
		Event{Type: SpeakerphoneCapabilityKnown},
		Event{Type: WiredHeadsetAttached},
	)
	assert.Equal(t, 2, rec.count())

	// Selecting what is already selected is not a visible change.
	require.NoError(t, s.SelectDevice(wired))
	assert.Equal(t, 2, rec.count())
}

func TestSelectionNotifiesListener(t *testing.T) {
	s, _, _, rec := started(t, DefaultConfig())

	require.NoError(t, s.SelectDevice(speaker))
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, speaker, *rec.last().sel)
	assert.Equal(t, []device.Device{earpiece, speaker}, rec.last().avail)
}

func TestClearSelection(t *testing.T) {
	s, src, _, rec := started(t, DefaultConfig())
	src.Emit(Event{Type: WiredHeadsetAttached})
	require.NoError(t, s.SelectDevice(speaker))
	n := rec.count()

	require.NoError(t, s.ClearSelection())
	assert.Equal(t, device.WiredHeadset, selectedKind(s))
	assert.False(t, s.SelectionExplicit())
	assert.Equal(t, n+1, rec.count())

	require.NoError(t, s.ClearSelection())
	assert.Equal(t, n+1, rec.count())
}

func TestStopThenStartIsFresh(t *testing.T) {
	s, src, sink, rec := started(t, DefaultConfig())
	src.Emit(Event{Type: WiredHeadsetAttached}, Connected("aa", "Buds"))
	require.NoError(t, s.SelectDevice(speaker))
	require.NoError(t, s.Activate())

	s.Stop()
	assert.Equal(t, lifecycle.Stopped, s.Phase())
	assert.Empty(t, s.AvailableDevices())
	assert.Nil(t, s.SelectedDevice())
	assert.False(t, src.Running())
	n := rec.count()

	// Events after Stop are ignored and nothing is delivered to the old
	// listener.
	assert.False(t, src.Emit(Event{Type: WiredHeadsetAttached}))
	s.HandleEvent(Event{Type: WiredHeadsetAttached})
	assert.Equal(t, n, rec.count())
	assert.ErrorIs(t, s.SelectDevice(earpiece), ErrIllegalLifecycleCall)
	assert.ErrorIs(t, s.ClearSelection(), ErrIllegalLifecycleCall)

	fresh, _, _ := newSwitch(t, DefaultConfig(), capabilities()...)
	want := &recorder{}
	require.NoError(t, fresh.Start(want.listen))

	again := &recorder{}
	sink.Take()
	require.NoError(t, s.Start(again.listen))
	assert.Equal(t, want.calls, again.calls)
	assert.Equal(t, fresh.AvailableDevices(), s.AvailableDevices())
	assert.Equal(t, fresh.SelectedDevice(), s.SelectedDevice())
	assert.False(t, s.SelectionExplicit())
	assert.Equal(t, lifecycle.Scanning, s.Phase())
	assert.Empty(t, sink.Intents())

	starts, stops := src.Counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
}

func TestStopIsIdempotent(t *testing.T) {
	s, src, sink, _ := started(t, DefaultConfig())
	require.NoError(t, s.Activate())
	sink.Take()

	s.Stop()
	s.Stop()

	assert.Equal(t, []Intent{{Op: OpRelease}, {Op: OpUnfocus}}, sink.Intents())
	_, stops := src.Counts()
	assert.Equal(t, 1, stops)
}

func TestStopBeforeStart(t *testing.T) {
	s, src, _ := newSwitch(t, DefaultConfig(), capabilities()...)
	s.Stop()
	assert.Equal(t, lifecycle.Stopped, s.Phase())
	_, stops := src.Counts()
	assert.Equal(t, 0, stops)

	require.NoError(t, s.Start(nil))
	assert.Equal(t, device.Earpiece, selectedKind(s))
}

func TestStartTwiceRedeliversSnapshot(t *testing.T) {
	s, src, _, first := started(t, DefaultConfig())
	src.Emit(Event{Type: WiredHeadsetAttached})

	second := &recorder{}
	require.NoError(t, s.Start(second.listen))

	require.Equal(t, 1, second.count())
	assert.Equal(t, []device.Kind{device.WiredHeadset, device.Earpiece, device.Speakerphone}, kinds(second.last().avail))
	assert.Equal(t, wired, *second.last().sel)

	starts, _ := src.Counts()
	assert.Equal(t, 1, starts)

	// Only the new listener hears later changes.
	n := first.count()
	src.Emit(Event{Type: WiredHeadsetDetached})
	assert.Equal(t, n, first.count())
	assert.Equal(t, 2, second.count())
}

func TestStartFailureRollsBack(t *testing.T) {
	s, src, _ := newSwitch(t, DefaultConfig(), capabilities()...)
	boom := errors.New("no adapter")
	src.FailStart(boom)

	rec := &recorder{}
	err := s.Start(rec.listen)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, lifecycle.NotStarted, s.Phase())
	assert.Empty(t, s.AvailableDevices())
	assert.Equal(t, 0, rec.count())

	require.NoError(t, s.Start(rec.listen))
	assert.Equal(t, 1, rec.count())
}

func TestActivateDeactivateIntents(t *testing.T) {
	s, _, sink, _ := started(t, DefaultConfig())

	require.NoError(t, s.Activate())
	assert.Equal(t, lifecycle.Active, s.Phase())
	assert.Equal(t, []Intent{{Op: OpFocus}, {Op: OpRoute, Kind: device.Earpiece}}, sink.Take())

	// Re-activation re-applies routing without asking for focus again.
	require.NoError(t, s.Activate())
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.Earpiece}}, sink.Take())

	s.Deactivate()
	assert.Equal(t, lifecycle.Deactivated, s.Phase())
	assert.Equal(t, []Intent{{Op: OpRelease}, {Op: OpUnfocus}}, sink.Take())
	assert.Equal(t, device.Earpiece, selectedKind(s))

	s.Deactivate()
	assert.Empty(t, sink.Take())

	require.NoError(t, s.Activate())
	assert.Equal(t, []Intent{{Op: OpFocus}, {Op: OpRoute, Kind: device.Earpiece}}, sink.Take())
}

func TestDeactivateOutsideActiveIsNoop(t *testing.T) {
	s, _, sink, _ := started(t, DefaultConfig())
	s.Deactivate()
	assert.Equal(t, lifecycle.Scanning, s.Phase())
	assert.Empty(t, sink.Intents())
}

func TestActivateWithoutDevices(t *testing.T) {
	s, src, sink := newSwitch(t, DefaultConfig())
	rec := &recorder{}
	require.NoError(t, s.Start(rec.listen))
	assert.Nil(t, rec.last().sel)

	err := s.Activate()
	assert.ErrorIs(t, err, ErrIllegalLifecycleCall)
	assert.Equal(t, lifecycle.Scanning, s.Phase())
	assert.Empty(t, sink.Intents())

	// The engine stays usable once hardware shows up.
	src.Emit(Event{Type: SpeakerphoneCapabilityKnown})
	require.NoError(t, s.Activate())
	assert.Equal(t, []Intent{{Op: OpFocus}, {Op: OpRoute, Kind: device.Speakerphone}}, sink.Intents())
}

func TestActivateFallsBackWhenBluetoothRefused(t *testing.T) {
	s, src, sink := newSwitch(t, DefaultConfig(), Event{Type: EarpieceCapabilityKnown})
	require.NoError(t, s.Start(nil))
	src.Emit(Connected("aa", "Buds"), Event{Type: BluetoothActivationFailed})

	assert.Equal(t, device.Earpiece, selectedKind(s))
	require.NoError(t, s.Activate())
	assert.Equal(t, []Intent{{Op: OpFocus}, {Op: OpRoute, Kind: device.Earpiece}}, sink.Intents())
}

func TestSelectWhileActiveDoesNotReroute(t *testing.T) {
	s, _, sink, _ := started(t, DefaultConfig())
	require.NoError(t, s.Activate())
	sink.Take()

	require.NoError(t, s.SelectDevice(speaker))
	assert.Empty(t, sink.Intents())

	require.NoError(t, s.Activate())
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.Speakerphone}}, sink.Take())
}

func TestSelectionPersistsWhileDeactivated(t *testing.T) {
	s, _, sink, _ := started(t, DefaultConfig())
	require.NoError(t, s.Activate())
	s.Deactivate()
	require.NoError(t, s.SelectDevice(speaker))
	sink.Take()

	require.NoError(t, s.Activate())
	assert.Equal(t, []Intent{{Op: OpFocus}, {Op: OpRoute, Kind: device.Speakerphone}}, sink.Intents())
}

func TestActiveFollowsHardware(t *testing.T) {
	s, src, sink, _ := started(t, DefaultConfig())
	require.NoError(t, s.Activate())
	sink.Take()

	src.Emit(Event{Type: WiredHeadsetAttached})
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.WiredHeadset}}, sink.Take())

	src.Emit(Connected("aa", "Buds"))
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.BluetoothHeadset, PeerID: "aa"}}, sink.Take())

	src.Emit(Disconnected("aa"))
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.WiredHeadset}}, sink.Take())

	src.Emit(Event{Type: WiredHeadsetDetached})
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.Earpiece}}, sink.Take())

	// No visible change, no routing.
	src.Emit(capabilities()...)
	assert.Empty(t, sink.Take())
}

func TestActiveReroutesWhenRoutedDeviceLeaves(t *testing.T) {
	s, src, sink, _ := started(t, DefaultConfig())
	src.Emit(Event{Type: WiredHeadsetAttached})
	require.NoError(t, s.Activate())
	require.NoError(t, s.SelectDevice(speaker))
	sink.Take()

	// Unrelated arrival: selection is unchanged and the route is still
	// present.
	src.Emit(Connected("aa", "Buds"))
	assert.Empty(t, sink.Take())

	// The routed wired headset goes away; the explicit selection takes over.
	src.Emit(Event{Type: WiredHeadsetDetached})
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.Speakerphone}}, sink.Take())
}

func TestActiveReleasesWhenNothingLeft(t *testing.T) {
	s, src, sink := newSwitch(t, DefaultConfig())
	require.NoError(t, s.Start(nil))
	src.Emit(Event{Type: WiredHeadsetAttached})
	require.NoError(t, s.Activate())
	sink.Take()

	src.Emit(Event{Type: WiredHeadsetDetached})
	assert.Equal(t, []Intent{{Op: OpRelease}}, sink.Take())
	assert.Equal(t, lifecycle.Active, s.Phase())

	src.Emit(Event{Type: WiredHeadsetAttached})
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.WiredHeadset}}, sink.Take())
}

func TestBluetoothPeers(t *testing.T) {
	s, src, sink, rec := started(t, DefaultConfig())
	require.NoError(t, s.Activate())
	sink.Take()

	src.Emit(Connected("aa", "Buds A"), Connected("bb", "Buds B"))
	sel := s.SelectedDevice()
	require.NotNil(t, sel)
	assert.Equal(t, device.Device{Kind: device.BluetoothHeadset, Name: "Buds B", PeerID: "bb"}, *sel)
	assert.Len(t, s.AvailableDevices(), 3)
	assert.Equal(t, []Intent{
		{Op: OpRoute, Kind: device.BluetoothHeadset, PeerID: "aa"},
		{Op: OpRoute, Kind: device.BluetoothHeadset, PeerID: "bb"},
	}, sink.Take())

	n := rec.count()
	src.Emit(Disconnected("aa"))
	assert.Equal(t, n, rec.count(), "older peer leaving is invisible")
	assert.Empty(t, sink.Take())

	src.Emit(Connected("aa", "Buds A"), Disconnected("bb"))
	assert.Equal(t, "aa", s.SelectedDevice().PeerID)
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.BluetoothHeadset, PeerID: "aa"}}, sink.Take())

	src.Emit(Disconnected("aa"))
	assert.Equal(t, device.Earpiece, selectedKind(s))
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.Earpiece}}, sink.Take())
}

func TestExplicitBluetoothSurvivesPeerSwap(t *testing.T) {
	s, src, _, _ := started(t, DefaultConfig())
	src.Emit(Connected("aa", "Buds A"), Connected("bb", "Buds B"))
	require.NoError(t, s.SelectDevice(device.Bluetooth(device.Peer{ID: "aa"})))

	src.Emit(Disconnected("bb"))
	assert.True(t, s.SelectionExplicit())
	assert.Equal(t, "aa", s.SelectedDevice().PeerID)
}

func TestBluetoothActivationFailure(t *testing.T) {
	s, src, sink, rec := started(t, DefaultConfig())
	src.Emit(Connected("aa", "Buds"))
	require.NoError(t, s.SelectDevice(device.Bluetooth(device.Peer{ID: "aa", Name: "Buds"})))
	require.NoError(t, s.Activate())
	sink.Take()
	n := rec.count()

	src.Emit(Event{Type: BluetoothActivationFailed})
	assert.Equal(t, device.Earpiece, selectedKind(s))
	assert.False(t, s.SelectionExplicit())
	assert.Equal(t, device.BluetoothHeadset, s.AvailableDevices()[0].Kind, "headset stays listed")
	assert.Equal(t, n+1, rec.count())
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.Earpiece}}, sink.Take())

	// Policy keeps passing over Bluetooth until a peer connects again.
	src.Emit(Event{Type: WiredHeadsetAttached}, Event{Type: WiredHeadsetDetached})
	assert.Equal(t, device.Earpiece, selectedKind(s))

	src.Emit(Connected("aa", "Buds"))
	assert.Equal(t, device.BluetoothHeadset, selectedKind(s))
	assert.Equal(t, []Intent{
		{Op: OpRoute, Kind: device.WiredHeadset},
		{Op: OpRoute, Kind: device.Earpiece},
		{Op: OpRoute, Kind: device.BluetoothHeadset, PeerID: "aa"},
	}, sink.Take())
}

func TestExplicitBluetoothSelectionRetries(t *testing.T) {
	s, src, _, _ := started(t, DefaultConfig())
	src.Emit(Connected("aa", "Buds"), Event{Type: BluetoothActivationFailed})
	assert.Equal(t, device.Earpiece, selectedKind(s))

	require.NoError(t, s.SelectDevice(device.Bluetooth(device.Peer{ID: "aa"})))
	require.NoError(t, s.ClearSelection())
	assert.Equal(t, device.BluetoothHeadset, selectedKind(s))
}

func TestRoutingErrorsAreReported(t *testing.T) {
	var mu sync.Mutex
	var got []*RoutingError
	cfg := DefaultConfig()
	cfg.OnRoutingError = func(e *RoutingError) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}
	s, _, sink, _ := started(t, cfg)

	boom := errors.New("sink gone")
	sink.Fail(OpRoute, boom)
	sink.Fail(OpFocus, boom)

	require.NoError(t, s.Activate())
	assert.Equal(t, lifecycle.Active, s.Phase())
	assert.Equal(t, device.Earpiece, selectedKind(s))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, OpFocus, got[0].Op)
	assert.Equal(t, OpRoute, got[1].Op)
	assert.Equal(t, device.Earpiece, got[1].Kind)
	assert.ErrorIs(t, got[1], boom)
	assert.Contains(t, got[1].Error(), "Earpiece")

	var rerr *RoutingError
	assert.True(t, errors.As(error(got[0]), &rerr))
}

func TestManageFocusOff(t *testing.T) {
	s, _, sink, _ := started(t, Config{})
	require.NoError(t, s.Activate())
	s.Deactivate()
	assert.Equal(t, []Intent{{Op: OpRoute, Kind: device.Earpiece}, {Op: OpRelease}}, sink.Intents())
}

func TestPreferredOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreferredOrder = []device.Kind{device.Speakerphone, device.Speakerphone, device.WiredHeadset}
	s, src, _, rec := started(t, cfg)

	assert.Equal(t, device.Order{device.Speakerphone, device.WiredHeadset, device.BluetoothHeadset, device.Earpiece}, s.PreferredOrder())
	assert.Equal(t, device.Speakerphone, selectedKind(s))

	src.Emit(Event{Type: WiredHeadsetAttached}, Connected("aa", "Buds"))
	assert.Equal(t, device.Speakerphone, selectedKind(s))
	assert.Equal(t, []device.Kind{device.Speakerphone, device.WiredHeadset, device.BluetoothHeadset, device.Earpiece}, kinds(rec.last().avail))
}

func TestListenerMayCallBack(t *testing.T) {
	s, _, sink := newSwitch(t, DefaultConfig(), capabilities()...)

	var seen []device.Kind
	listener := func(avail []device.Device, sel *device.Device) {
		seen = append(seen, sel.Kind)
		assert.Len(t, s.AvailableDevices(), len(avail))
		if sel.Kind == device.Earpiece {
			require.NoError(t, s.SelectDevice(speaker))
			require.NoError(t, s.Activate())
		}
	}
	require.NoError(t, s.Start(listener))

	assert.Equal(t, []device.Kind{device.Earpiece, device.Speakerphone}, seen)
	assert.Equal(t, lifecycle.Active, s.Phase())
	assert.Equal(t, []Intent{{Op: OpFocus}, {Op: OpRoute, Kind: device.Speakerphone}}, sink.Intents())
}

func TestSinkMayCallBack(t *testing.T) {
	src := NewFakeSource(capabilities()...)
	var s *Switch
	sink := &callbackSink{RecordingSink: NewRecordingSink()}
	sink.onRoute = func() { assert.Equal(t, lifecycle.Active, s.Phase()) }
	s, err := New(src, sink, DefaultConfig())
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Start(nil))
	require.NoError(t, s.Activate())
	assert.Len(t, sink.Intents(), 2)
}

type callbackSink struct {
	*RecordingSink
	onRoute func()
}

func (c *callbackSink) RouteTo(kind device.Kind, peerID string) error {
	c.onRoute()
	return c.RecordingSink.RouteTo(kind, peerID)
}

func TestLoggingToggle(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	cfg := DefaultConfig()
	cfg.Logger = &logger
	s, src, _, _ := started(t, cfg)

	assert.False(t, s.LoggingEnabled())
	src.Emit(Event{Type: WiredHeadsetAttached})
	assert.Zero(t, buf.Len())

	s.SetLoggingEnabled(true)
	assert.True(t, s.LoggingEnabled())
	src.Emit(Event{Type: WiredHeadsetDetached})
	assert.Contains(t, buf.String(), "devices changed")
	assert.NotContains(t, buf.String(), "device_change")

	buf.Reset()
	s.SetLoggingEnabled(false)
	_ = s.SelectDevice(wired)
	assert.Zero(t, buf.Len())
}

func TestStartLogsPresentKinds(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	cfg := DefaultConfig()
	cfg.Logger = &logger
	cfg.Logging = true
	started(t, cfg)

	assert.Contains(t, buf.String(), `"present":2`)
	assert.Contains(t, buf.String(), `"message":"started"`)
}

func TestMetricsWiring(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(registry)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Metrics = m

	s, src, sink, _ := started(t, cfg)
	sink.Fail(OpRoute, errors.New("nope"))
	src.Emit(Event{Type: WiredHeadsetAttached})
	require.NoError(t, s.Activate())
	_ = s.SelectDevice(device.Bluetooth(device.Peer{ID: "x"}))

	assert.Equal(t, 2.0, gathered(t, registry, "audioswitch_device_changes_total", nil))
	assert.Equal(t, 1.0, gathered(t, registry, "audioswitch_routing_errors_total", map[string]string{"op": "route", "kind": "WiredHeadset"}))
	assert.Equal(t, 1.0, gathered(t, registry, "audioswitch_phase", map[string]string{"phase": "Active"}))
	assert.Equal(t, 1.0, gathered(t, registry, "audioswitch_lifecycle_rejects_total", map[string]string{"op": "select", "reason": "unavailable"}))
}

// gathered returns the value of the first sample of family name whose
// labels include want.
func gathered(t *testing.T, g prometheus.Gatherer, name string, want map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, sample := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range sample.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue samples
				}
			}
			if c := sample.GetCounter(); c != nil {
				return c.GetValue()
			}
			return sample.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, want)
	return 0
}

// model tracks what the catalog should contain after a random event trace.
type model struct {
	wired, earpiece, speaker bool
	peers                    []string
}

func (m *model) apply(ev Event) {
	switch ev.Type {
	case EarpieceCapabilityKnown:
		m.earpiece = true
	case SpeakerphoneCapabilityKnown:
		m.speaker = true
	case WiredHeadsetAttached:
		m.wired = true
	case WiredHeadsetDetached:
		m.wired = false
	case BluetoothPeerConnected:
		m.peers = slices.DeleteFunc(m.peers, func(p string) bool { return p == ev.Peer.ID })
		m.peers = append(m.peers, ev.Peer.ID)
	case BluetoothPeerDisconnected:
		m.peers = slices.DeleteFunc(m.peers, func(p string) bool { return p == ev.Peer.ID })
	}
}

func (m *model) kinds(order device.Order) []device.Kind {
	out := []device.Kind{}
	for _, k := range order {
		switch {
		case k == device.BluetoothHeadset && len(m.peers) > 0,
			k == device.WiredHeadset && m.wired,
			k == device.Earpiece && m.earpiece,
			k == device.Speakerphone && m.speaker:
			out = append(out, k)
		}
	}
	return out
}

func randomEvent(r *rand.Rand) Event {
	ids := []string{"aa", "bb", "cc"}
	switch r.IntN(6) {
	case 0:
		return Event{Type: EarpieceCapabilityKnown}
	case 1:
		return Event{Type: SpeakerphoneCapabilityKnown}
	case 2:
		return Event{Type: WiredHeadsetAttached}
	case 3:
		return Event{Type: WiredHeadsetDetached}
	case 4:
		id := ids[r.IntN(len(ids))]
		return Connected(id, "Buds "+id)
	}
	return Disconnected(ids[r.IntN(len(ids))])
}

func TestModelMatchesEmptyEngine(t *testing.T) {
	s, _, _ := newSwitch(t, DefaultConfig())
	require.NoError(t, s.Start(nil))
	require.Equal(t, (&model{}).kinds(s.PreferredOrder()), kinds(s.AvailableDevices()))
}

func TestRandomTracesMatchModel(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for trace := 0; trace < 200; trace++ {
		s, src, _ := newSwitch(t, DefaultConfig())
		rec := &recorder{}
		require.NoError(t, s.Start(rec.listen))

		var m model
		notifications := 1
		for i := 0; i < 30; i++ {
			before := rec.count()
			prevAvail, prevSel := s.AvailableDevices(), s.SelectedDevice()

			ev := randomEvent(r)
			m.apply(ev)
			src.Emit(ev)

			want := m.kinds(s.PreferredOrder())
			require.Equal(t, want, kinds(s.AvailableDevices()), "trace %d step %d after %s", trace, i, ev)
			if len(want) == 0 {
				require.Nil(t, s.SelectedDevice())
			} else {
				require.Equal(t, want[0], selectedKind(s))
			}
			if len(m.peers) > 0 {
				require.Equal(t, m.peers[len(m.peers)-1], s.AvailableDevices()[0].PeerID)
			}

			changed := !device.EqualList(prevAvail, s.AvailableDevices()) || !device.Equal(prevSel, s.SelectedDevice())
			if changed {
				notifications++
			}
			require.LessOrEqual(t, rec.count()-before, 1)
		}
		require.Equal(t, notifications, rec.count())
		s.Stop()
	}
}

func TestConcurrentUse(t *testing.T) {
	s, src, _, rec := started(t, DefaultConfig())
	require.NoError(t, s.Activate())

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed))
			for i := 0; i < 200; i++ {
				switch r.IntN(5) {
				case 0:
					_ = s.SelectDevice(device.New(device.Kinds()[r.IntN(4)]))
				case 1:
					_ = s.Activate()
				case 2:
					_ = s.AvailableDevices()
				default:
					src.Emit(randomEvent(r))
				}
			}
		}(uint64(g + 1))
	}
	wg.Wait()

	avail := s.AvailableDevices()
	ks := kinds(avail)
	assert.True(t, slices.IsSortedFunc(ks, func(a, b device.Kind) int {
		return s.PreferredOrder().Rank(a) - s.PreferredOrder().Rank(b)
	}))
	assert.Equal(t, len(ks), len(slices.Compact(slices.Clone(ks))))
	if sel := s.SelectedDevice(); sel != nil {
		assert.Contains(t, avail, *sel)
	}

	last := rec.last()
	assert.Equal(t, avail, last.avail)
	assert.True(t, device.Equal(s.SelectedDevice(), last.sel))
}

func TestMultiSource(t *testing.T) {
	a := NewFakeSource(Event{Type: EarpieceCapabilityKnown})
	b := NewFakeSource(Event{Type: WiredHeadsetAttached})
	multi := MultiSource{a, b}

	s, err := New(multi, NewRecordingSink(), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(nil))

	assert.Equal(t, []device.Kind{device.WiredHeadset, device.Earpiece}, kinds(s.AvailableDevices()))
	assert.True(t, b.Emit(Connected("aa", "Buds")))
	assert.True(t, a.Emit(Event{Type: WiredHeadsetDetached}))
	assert.Equal(t, []device.Kind{device.BluetoothHeadset, device.Earpiece}, kinds(s.AvailableDevices()))

	s.Stop()
	assert.False(t, a.Running())
	assert.False(t, b.Running())
}

func TestMultiSourceStartFailureStopsStarted(t *testing.T) {
	a, b := NewFakeSource(), NewFakeSource()
	boom := errors.New("dbus down")
	b.FailStart(boom)

	err := MultiSource{a, b}.Start(discard{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, a.Running())
	starts, stops := a.Counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

type discard struct{}

func (discard) HandleEvent(Event) {}
