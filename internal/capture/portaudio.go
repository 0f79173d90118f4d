package capture

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice is the production Device backed by the host's default
// input device. Open/Close pair PortAudio initialization and termination so
// the device is held exclusively only while a session is running.
type PortAudioDevice struct {
	stream *portaudio.Stream
	buf    []int16
}

func NewPortAudioDevice() *PortAudioDevice { return &PortAudioDevice{} }

func (d *PortAudioDevice) Open(f Format, chunkFrames int) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	d.buf = make([]int16, chunkFrames*f.Channels)
	stream, err := portaudio.OpenDefaultStream(f.Channels, 0, float64(f.SampleRate), chunkFrames, d.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("open default input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("start input stream: %w", err)
	}
	d.stream = stream
	return nil
}

func (d *PortAudioDevice) Read(buf []int16) error {
	if d.stream == nil {
		return errors.New("portaudio: stream not open")
	}
	if err := d.stream.Read(); err != nil {
		// Overflows drop frames but the stream stays usable; keep going
		// rather than aborting a whole session over a hiccup.
		if errors.Is(err, portaudio.InputOverflowed) {
			copy(buf, d.buf)
			return nil
		}
		return err
	}
	copy(buf, d.buf)
	return nil
}

func (d *PortAudioDevice) Close() error {
	var errs []error
	if d.stream != nil {
		errs = append(errs, d.stream.Stop(), d.stream.Close())
		d.stream = nil
	}
	errs = append(errs, portaudio.Terminate())
	return errors.Join(errs...)
}

// DeviceInfo is what doctor reports about the default input device.
type DeviceInfo struct {
	Name              string
	DefaultSampleRate int
	MaxInputChannels  int
}

// Probe inspects the default input device without holding it open.
// It also backs the sample-rate fallback when none is configured.
func Probe() (DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return DeviceInfo{}, fmt.Errorf("portaudio init: %w", err)
	}
	defer func() { _ = portaudio.Terminate() }()

	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return DeviceInfo{
		Name:              info.Name,
		DefaultSampleRate: int(info.DefaultSampleRate),
		MaxInputChannels:  info.MaxInputChannels,
	}, nil
}
