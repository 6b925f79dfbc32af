// Package portaudio implements [audio.FrameSource] on top of the PortAudio
// host API. It owns the input device exclusively: the library is initialised
// when a Source is created and terminated when it is closed.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/gemos/pkg/audio"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("portaudio: source closed")

// Compile-time interface assertion.
var _ audio.FrameSource = (*Source)(nil)

// Source captures mono frames from a PortAudio input device and hands them to
// a callback on the PortAudio callback thread.
type Source struct {
	sampleRate  int
	channels    int
	blockSize   int
	deviceIndex int
	deviceName  string

	mu      sync.Mutex
	device  audio.DeviceInfo
	paDev   *pa.DeviceInfo
	stream  *pa.Stream
	running bool
	closed  bool
}

// Option is a functional option for [Source].
type Option func(*Source)

// WithSampleRate sets the capture rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(s *Source) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// WithChannels sets the number of captured channels. Multi-channel input is
// downmixed to mono before delivery. Defaults to 1.
func WithChannels(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.channels = n
		}
	}
}

// WithBlockSize sets the number of samples per delivered frame. Defaults to
// 480 (30 ms at 16 kHz).
func WithBlockSize(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithDeviceIndex selects the input device by host API index.
func WithDeviceIndex(idx int) Option {
	return func(s *Source) { s.deviceIndex = idx }
}

// WithDeviceName selects the first input device whose name contains name.
func WithDeviceName(name string) Option {
	return func(s *Source) { s.deviceName = name }
}

// New initialises PortAudio, enumerates input devices, and selects one.
// It returns [audio.ErrNoInputDevice] when the host reports no input devices;
// PortAudio is terminated again on every error path.
func New(opts ...Option) (*Source, error) {
	s := &Source{
		sampleRate:  audio.DefaultSampleRate,
		channels:    1,
		blockSize:   480,
		deviceIndex: -1,
	}
	for _, o := range opts {
		o(s)
	}

	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	devs, err := pa.Devices()
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIdx := -1
	if def, err := pa.DefaultInputDevice(); err == nil && def != nil {
		defIdx = def.Index
	}

	infos := make([]audio.DeviceInfo, len(devs))
	for i, d := range devs {
		infos[i] = audio.DeviceInfo{
			Index:             d.Index,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			IsDefault:         d.Index == defIdx,
		}
	}
	chosen, err := audio.SelectDevice(infos, s.deviceIndex, s.deviceName)
	if err != nil {
		_ = pa.Terminate()
		return nil, err
	}
	for _, d := range devs {
		if d.Index == chosen.Index {
			s.paDev = d
			break
		}
	}
	s.device = chosen
	if s.channels > chosen.MaxInputChannels {
		s.channels = chosen.MaxInputChannels
	}

	slog.Info("audio input device selected",
		"index", chosen.Index,
		"name", chosen.Name,
		"sample_rate", s.sampleRate,
		"channels", s.channels,
		"block_size", s.blockSize,
	)
	return s, nil
}

// Device returns the selected input device.
func (s *Source) Device() audio.DeviceInfo {
	return s.device
}

// Devices lists every device PortAudio reports. PortAudio must already be
// initialised, which is the case for the lifetime of a [Source].
func (s *Source) Devices() ([]audio.DeviceInfo, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]audio.DeviceInfo, len(devs))
	for i, d := range devs {
		out[i] = audio.DeviceInfo{
			Index:             d.Index,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			IsDefault:         d.Index == s.device.Index && s.device.IsDefault,
		}
	}
	return out, nil
}

// Start opens the input stream and begins delivering frames to handler.
// Frame timestamps are derived from the stream start time plus the number of
// samples delivered so far, so they are strictly monotonic. Capture stops
// when ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler func(audio.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	var (
		started   = time.Now()
		delivered int
		rate      = s.sampleRate
		channels  = s.channels
		deviceID  = fmt.Sprintf("%d:%s", s.device.Index, s.device.Name)
	)
	callback := func(in []int16) {
		samples := make([]int16, len(in))
		copy(samples, in)
		samples = audio.Downmix(samples, channels)
		ts := started.Add(audio.SamplesDuration(delivered, rate))
		delivered += len(samples)
		handler(audio.Frame{
			Samples:    samples,
			SampleRate: rate,
			Timestamp:  ts,
			DeviceID:   deviceID,
		})
	}

	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   s.paDev,
			Channels: s.channels,
			Latency:  s.paDev.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.sampleRate),
		FramesPerBuffer: s.blockSize,
	}
	stream, err := pa.OpenStream(params, callback)
	if err != nil {
		return fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	s.stream = stream
	s.running = true

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

// Stop halts the input stream and closes it. The device stays selected and
// Start may be called again.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Source) stopLocked() error {
	if !s.running || s.stream == nil {
		return nil
	}
	s.running = false
	stream := s.stream
	s.stream = nil

	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
	}
	return errors.Join(errs...)
}

// Close stops capture and terminates PortAudio. Calling Close more than once
// is safe and returns nil.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	err := s.stopLocked()
	if termErr := pa.Terminate(); termErr != nil {
		err = errors.Join(err, fmt.Errorf("portaudio: terminate: %w", termErr))
	}
	return err
}
