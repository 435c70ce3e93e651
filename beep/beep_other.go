//go:build !linux && !darwin

package beep

// No tone playback on this platform.

const tickDuration = 0.04

func initPlayer() {}

func play([]int16) {}
