// Package capture records microphone input as 16-bit samples.
package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/gen2brain/malgo"
)

type Config struct {
	SampleRate uint32
	Channels   uint32
}

// DataCallback receives interleaved samples from the audio thread. It must not block.
type DataCallback func(samples []int16)

type Device struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func Open(cfg Config, callback DataCallback) (*Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = cfg.Channels
	deviceConfig.SampleRate = cfg.SampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			samples := make([]int16, len(data)/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
			}
			callback(samples)
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to init capture device: %w", err)
	}

	return &Device{ctx: ctx, device: dev}, nil
}

func (d *Device) Start() error {
	return d.device.Start()
}

func (d *Device) Stop() {
	d.device.Stop()
}

func (d *Device) Close() {
	d.device.Uninit()
	d.ctx.Uninit()
	d.ctx.Free()
}
