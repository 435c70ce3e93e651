//go:build !linux

package audio

import "errors"

// NewContext opens the platform default backend, miniaudio outside Linux.
func NewContext() (Context, error) {
	return NewMalgoContext()
}

func NewPulseContext() (Context, error) {
	return nil, errors.New("pulse backend is only available on linux")
}
