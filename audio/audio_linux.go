//go:build linux

package audio

import (
	"fmt"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

type pulseContext struct {
	client *pulse.Client
}

// NewContext opens the platform default backend, PulseAudio (or PipeWire's
// pulse server) on Linux.
func NewContext() (Context, error) {
	return NewPulseContext()
}

func NewPulseContext() (Context, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sinks, err := p.client.ListSinks()
	if err != nil {
		return nil, fmt.Errorf("pulse list sinks: %w", err)
	}
	def, err := p.client.DefaultSink()
	if err != nil {
		return nil, fmt.Errorf("pulse default sink: %w", err)
	}
	var devices []DeviceInfo
	for _, s := range sinks {
		devices = append(devices, DeviceInfo{
			ID:      s.ID(),
			Name:    s.Name(),
			Default: def != nil && s.ID() == def.ID(),
		})
	}
	return devices, nil
}

func (p *pulseContext) SetDefault(id string) error {
	if err := p.client.RawRequest(&proto.SetDefaultSink{SinkName: id}, nil); err != nil {
		return fmt.Errorf("pulse set default sink %s: %w", id, err)
	}
	return nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}
