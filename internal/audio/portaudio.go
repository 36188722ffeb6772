package audio

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

type portAudioBackend struct{}

// NewPortAudio initializes PortAudio and returns it as a Backend. Close
// must be called to terminate the library.
func NewPortAudio() (Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioBackend{}, nil
}

func (p *portAudioBackend) Devices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]Device, 0, len(devices))
	for _, d := range devices {
		result = append(result, Device{
			Index:             d.Index,
			Name:              d.Name,
			DefaultSampleRate: d.DefaultSampleRate,
			MaxInputChannels:  d.MaxInputChannels,
		})
	}
	return result, nil
}

func (p *portAudioBackend) Open(dev Device, params StreamParams) (Stream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	var device *portaudio.DeviceInfo
	for _, d := range devices {
		if d.Index == dev.Index {
			device = d
			break
		}
	}
	if device == nil {
		return nil, fmt.Errorf("device not found: %d", dev.Index)
	}

	latency := params.Latency
	if latency <= 0 {
		latency = device.DefaultHighInputLatency
	}

	// Blocking stream: int16 interleaved, one block per Read.
	buffer := make([]int16, params.BlockSamples())
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: params.Channels,
			Latency:  latency,
		},
		SampleRate:      float64(params.SampleRate),
		FramesPerBuffer: params.BlockFrames,
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	return &portAudioStream{stream: stream, buffer: buffer}, nil
}

func (p *portAudioBackend) Close() error {
	return portaudio.Terminate()
}

type portAudioStream struct {
	stream *portaudio.Stream
	buffer []int16
}

func (s *portAudioStream) Read(buf []int16) (bool, error) {
	if len(buf) != len(s.buffer) {
		return false, fmt.Errorf("read buffer holds %d samples, stream block is %d", len(buf), len(s.buffer))
	}

	overflowed := false
	if err := s.stream.Read(); err != nil {
		// The block is still delivered when input overflowed.
		if !errors.Is(err, portaudio.InputOverflowed) {
			return false, err
		}
		overflowed = true
	}
	copy(buf, s.buffer)
	return overflowed, nil
}

func (s *portAudioStream) Close() error {
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	return errors.Join(stopErr, closeErr)
}
