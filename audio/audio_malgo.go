package audio

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// malgoContext enumerates playback devices through miniaudio. miniaudio
// has no API for the system default output, so routing is unsupported.
type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewMalgoContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for i := range devices {
		d := &devices[i]
		result = append(result, DeviceInfo{
			ID:      d.ID.String(),
			Name:    d.Name(),
			Default: d.IsDefault != 0,
		})
	}
	return result, nil
}

func (m *malgoContext) SetDefault(string) error {
	return ErrRouteUnsupported
}

func (m *malgoContext) Close() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}
