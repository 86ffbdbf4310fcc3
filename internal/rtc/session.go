package rtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/audio"
	"github.com/antoniostano/parley/internal/fault"
	"github.com/antoniostano/parley/internal/media"
)

// Session is an established (or establishing) realtime voice session. It owns
// the local capture, the transport, the signaling channel and the playback sink.
type Session struct {
	ID         string
	Generation uint64
	Voice      string
	StartedAt  time.Time

	logger *zap.Logger
	device media.Device

	capture   media.Capture
	transport Transport
	track     TrackWriter
	channel   io.Closer

	local  *audio.Tap
	remote *audio.Tap

	transmitting atomic.Bool

	mu      sync.Mutex
	closed  bool
	sink    media.Sink
	lossFn  func(error)
	lossErr error

	pumps     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// SetTransmitting enables or disables outbound audio. While disabled the track
// carries silence.
func (s *Session) SetTransmitting(on bool) {
	s.transmitting.Store(on)
}

func (s *Session) Transmitting() bool {
	return s.transmitting.Load()
}

// LocalAudio is the captured microphone stream.
func (s *Session) LocalAudio() audio.Source {
	return s.local
}

// RemoteAudio is the stream played back from the provider.
func (s *Session) RemoteAudio() audio.Source {
	return s.remote
}

// OnTransportLoss registers fn for an unexpected transport loss. A loss that
// happened before registration is reported immediately. Losses after Close are
// not reported.
func (s *Session) OnTransportLoss(fn func(error)) {
	s.mu.Lock()
	s.lossFn = fn
	pending := s.lossErr
	s.mu.Unlock()
	if pending != nil && fn != nil {
		fn(pending)
	}
}

func (s *Session) reportLoss(err error) {
	s.mu.Lock()
	if s.closed || s.lossErr != nil {
		s.mu.Unlock()
		return
	}
	if err == nil {
		err = errors.New("connection lost")
	}
	s.lossErr = fault.Wrap(err, fault.KindTransport, "session transport")
	fn := s.lossFn
	pending := s.lossErr
	s.mu.Unlock()

	s.logger.Warn("transport lost", zap.String("session_id", s.ID), zap.Error(pending))
	if fn != nil {
		fn(pending)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) startCapturePump() {
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		frame := make([]int16, media.FrameSamples)
		for {
			if err := s.capture.ReadFrame(frame); err != nil {
				if !errors.Is(err, media.ErrStopped) && !s.isClosed() {
					s.logger.Warn("capture read failed", zap.String("session_id", s.ID), zap.Error(err))
				}
				return
			}
			s.local.Write(frame)
			if !s.transmitting.Load() {
				media.Silence(frame)
			}
			if err := s.track.WriteFrame(frame); err != nil {
				if !s.isClosed() {
					s.logger.Debug("outbound write failed", zap.String("session_id", s.ID), zap.Error(err))
				}
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
			}
		}
	}()
}

// startPlayback binds an inbound track to a playback sink.
func (s *Session) startPlayback(in TrackReader) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.sink != nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring additional remote track", zap.String("session_id", s.ID))
		return
	}
	sink, err := s.device.OpenSink()
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("open playback sink failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	s.sink = sink
	s.pumps.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pumps.Done()
		buf := make([]int16, 4*media.FrameSamples)
		for {
			n, err := in.ReadFrame(buf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			s.remote.Write(buf[:n])
			if err := sink.WriteFrame(buf[:n]); err != nil {
				return
			}
		}
	}()
}

// Close releases every resource the session holds and waits for its audio
// pumps to exit. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sink := s.sink
		s.mu.Unlock()

		s.transmitting.Store(false)
		var errs []error
		if s.capture != nil {
			errs = append(errs, s.capture.Stop())
		}
		if s.channel != nil {
			errs = append(errs, s.channel.Close())
		}
		if s.transport != nil {
			errs = append(errs, s.transport.Close())
		}
		if sink != nil {
			errs = append(errs, sink.Close())
		}
		s.pumps.Wait()
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("session closed", zap.String("session_id", s.ID), zap.Uint64("generation", s.Generation))
	})
	return s.closeErr
}
