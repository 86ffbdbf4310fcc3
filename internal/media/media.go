// Package media defines the capture and playback surfaces a session negotiator
// acquires. Frames are 16-bit mono PCM at the telephony rate the transport carries.
package media

import (
	"context"
	"errors"
	"time"
)

const (
	SampleRate    = 8000
	Channels      = 1
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000
)

var (
	ErrPermissionDenied = errors.New("media: capture permission denied")
	ErrNoDevice         = errors.New("media: no capture device available")
	ErrStopped          = errors.New("media: stream stopped")
)

// Constraints describe how local capture should be processed.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	Channels         int
}

// DefaultConstraints enables all voice processing at the transport rate.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       SampleRate,
		Channels:         Channels,
	}
}

// Capture is a live local audio stream.
type Capture interface {
	// ReadFrame fills dst with the next frame. It returns ErrStopped after Stop.
	ReadFrame(dst []int16) error
	Stop() error
}

// Sink plays remote audio.
type Sink interface {
	WriteFrame(frame []int16) error
	Close() error
}

// Device opens capture streams and playback sinks.
type Device interface {
	OpenCapture(ctx context.Context, c Constraints) (Capture, error)
	OpenSink() (Sink, error)
}

// Silence zeroes frame in place.
func Silence(frame []int16) {
	for i := range frame {
		frame[i] = 0
	}
}
