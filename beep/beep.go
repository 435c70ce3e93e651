// Package beep plays short confirmation tones on the current output.
package beep

import (
	"math"
	"sync"
	"sync/atomic"

	"audioswitch/device"
	"audioswitch/switcher"
)

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

const (
	sampleRate = 44100

	// Route chime: two rising ticks
	routeLowFreq  = 900
	routeHighFreq = 1200
	routeVolume   = 0.5
	routeDecay    = 50
	routeGap      = 0.04

	// Error beep: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
	errorGap    = 0.05
)

var (
	routeSamples []int16
	errorSamples []int16
	toneOnce     sync.Once
)

func initTones() {
	routeSamples = pair(tick(routeLowFreq, tickDuration, routeVolume, routeDecay), tick(routeHighFreq, tickDuration, routeVolume, routeDecay), routeGap)
	errorBeep := tick(errorFreq, 0.08, errorVolume, errorDecay)
	errorSamples = pair(errorBeep, errorBeep, errorGap)
}

// tick is a mono sine burst with an exponential decay envelope.
func tick(freq, duration, volume, decay float64) []int16 {
	n := int(float64(sampleRate) * duration)
	samples := make([]int16, n)
	for i := range n {
		t := float64(i) / float64(sampleRate)
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

// pair joins a and b with gap seconds of silence between them.
func pair(a, b []int16, gap float64) []int16 {
	silence := make([]int16, int(float64(sampleRate)*gap))
	out := make([]int16, 0, len(a)+len(silence)+len(b))
	out = append(out, a...)
	out = append(out, silence...)
	return append(out, b...)
}

// Init prepares the tones and the platform player ahead of first use.
func Init() {
	toneOnce.Do(initTones)
	initPlayer()
}

// PlayRoute plays the route chime. It does not block.
func PlayRoute() {
	if disabled.Load() {
		return
	}
	toneOnce.Do(initTones)
	play(routeSamples)
}

// PlayError plays the error double-beep. It does not block.
func PlayError() {
	if disabled.Load() {
		return
	}
	toneOnce.Do(initTones)
	play(errorSamples)
}

// Chime is a RoutingSink that plays the route chime after every route the
// wrapped sink accepted.
type Chime struct {
	switcher.RoutingSink
	play func()
}

func NewChime(sink switcher.RoutingSink) *Chime {
	return &Chime{RoutingSink: sink, play: PlayRoute}
}

func (c *Chime) RouteTo(kind device.Kind, peerID string) error {
	if err := c.RoutingSink.RouteTo(kind, peerID); err != nil {
		return err
	}
	c.play()
	return nil
}
