//go:build darwin

package beep

import (
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

const tickDuration = 0.04

var (
	malgoCtx   *malgo.AllocatedContext
	playDevice *malgo.Device
	playerOnce sync.Once

	// Playback state - accessed atomically from callback
	playBuf atomic.Pointer[[]byte]
	playPos atomic.Uint32
	playMu  sync.Mutex
)

func initDevice() error {
	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = sampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: dataCallback,
	}

	var err error
	playDevice, err = malgo.InitDevice(malgoCtx.Context, config, callbacks)
	return err
}

func openPlayer() {
	var err error
	malgoCtx, err = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return
	}
	if err := initDevice(); err != nil {
		malgoCtx.Uninit()
		malgoCtx = nil
	}
}

func initPlayer() { playerOnce.Do(openPlayer) }

func dataCallback(pOutput, _ []byte, frameCount uint32) {
	samples := playBuf.Load()
	if samples == nil || len(*samples) == 0 {
		clear(pOutput)
		return
	}

	pos := playPos.Load()
	total := uint32(len(*samples))
	bytesToWrite := frameCount * 2
	remaining := total - pos

	if remaining == 0 {
		playBuf.Store(nil)
		clear(pOutput)
		return
	}
	if bytesToWrite > remaining {
		bytesToWrite = remaining
	}

	copy(pOutput[:bytesToWrite], (*samples)[pos:pos+bytesToWrite])
	playPos.Store(pos + bytesToWrite)
	clear(pOutput[bytesToWrite : frameCount*2])
}

// littleEndian packs mono samples as S16LE bytes.
func littleEndian(mono []int16) []byte {
	buf := make([]byte, len(mono)*2)
	for i, s := range mono {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	return buf
}

func play(mono []int16) {
	initPlayer()
	if malgoCtx == nil || len(mono) == 0 {
		return
	}
	samples := littleEndian(mono)

	playMu.Lock()
	defer playMu.Unlock()

	if playDevice == nil {
		return
	}

	// Stop the device first to ensure clean state (no-op if not running)
	playDevice.Stop()

	playPos.Store(0)
	playBuf.Store(&samples)

	if err := playDevice.Start(); err != nil {
		// The output may have changed under us; recreate the device once.
		playDevice.Uninit()
		if err := initDevice(); err != nil {
			playBuf.Store(nil)
			return
		}
		if err := playDevice.Start(); err != nil {
			playBuf.Store(nil)
		}
	}
}
