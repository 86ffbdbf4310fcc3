// Package soundcard implements media.Device on top of PortAudio.
package soundcard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/media"
)

// Device opens the host's default microphone and speaker. PortAudio is
// initialized lazily and terminated when the last stream closes.
type Device struct {
	logger *zap.Logger

	mu    sync.Mutex
	users int
}

func New(logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{logger: logger}
}

func (d *Device) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("initialize portaudio: %w", err)
		}
	}
	d.users++
	return nil
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users == 0 {
		return
	}
	d.users--
	if d.users == 0 {
		if err := portaudio.Terminate(); err != nil {
			d.logger.Warn("terminate portaudio", zap.Error(err))
		}
	}
}

// OpenCapture starts the default input device. Echo cancellation, noise
// suppression and gain control are left to the host audio stack; PortAudio has no
// switch for them.
func (d *Device) OpenCapture(ctx context.Context, c media.Constraints) (media.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.SampleRate == 0 {
		c.SampleRate = media.SampleRate
	}
	if c.Channels == 0 {
		c.Channels = media.Channels
	}
	if err := d.acquire(); err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrNoDevice, err)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		d.release()
		return nil, fmt.Errorf("%w: default input: %v", media.ErrNoDevice, err)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = c.Channels
	params.SampleRate = float64(c.SampleRate)
	params.FramesPerBuffer = media.FrameSamples

	buf := make([]int16, media.FrameSamples*c.Channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("%w: open input %q: %v", media.ErrPermissionDenied, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		d.release()
		return nil, fmt.Errorf("%w: start input %q: %v", media.ErrPermissionDenied, dev.Name, err)
	}

	d.logger.Debug("capture opened",
		zap.String("device", dev.Name),
		zap.Int("sample_rate", c.SampleRate),
		zap.Bool("echo_cancellation", c.EchoCancellation),
		zap.Bool("noise_suppression", c.NoiseSuppression),
		zap.Bool("auto_gain", c.AutoGainControl),
	)
	return &capture{device: d, stream: stream, buf: buf}, nil
}

// OpenSink starts the default output device.
func (d *Device) OpenSink() (media.Sink, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil || dev == nil {
		d.release()
		return nil, fmt.Errorf("default output: %v", err)
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = media.Channels
	params.SampleRate = media.SampleRate
	params.FramesPerBuffer = media.FrameSamples

	buf := make([]int16, media.FrameSamples)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		d.release()
		return nil, fmt.Errorf("start output %q: %w", dev.Name, err)
	}
	return &sink{device: d, stream: stream, buf: buf}, nil
}

type capture struct {
	device *Device
	stream *portaudio.Stream

	mu      sync.Mutex
	buf     []int16
	stopped bool
}

func (c *capture) ReadFrame(dst []int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return media.ErrStopped
	}
	if err := c.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return err
	}
	copy(dst, c.buf)
	return nil
}

// Stop is safe to call while a ReadFrame is blocked; PortAudio returns the
// pending read once the stream is aborted.
func (c *capture) Stop() error {
	if err := c.stream.Abort(); err != nil && !errors.Is(err, portaudio.StreamIsStopped) {
		c.device.logger.Debug("abort capture", zap.Error(err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	err := c.stream.Close()
	c.device.release()
	return err
}

type sink struct {
	device *Device
	stream *portaudio.Stream

	mu     sync.Mutex
	buf    []int16
	closed bool
}

func (s *sink) WriteFrame(frame []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrStopped
	}
	for len(frame) > 0 {
		n := copy(s.buf, frame)
		media.Silence(s.buf[n:])
		frame = frame[n:]
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return err
		}
	}
	return nil
}

func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stream.Stop()
	err := s.stream.Close()
	s.device.release()
	return err
}
