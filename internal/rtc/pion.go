package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/zaf/g711"
	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/media"
)

var pcmuCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypePCMU,
	ClockRate: media.SampleRate,
	Channels:  media.Channels,
}

// PionFactory builds pion/webrtc peer connections that carry PCMU audio.
type PionFactory struct {
	// GatherTimeout bounds candidate gathering in CreateOffer.
	GatherTimeout time.Duration
	// DisconnectGrace is how long a disconnected peer may take to recover
	// before the loss is reported.
	DisconnectGrace time.Duration
	Logger          *zap.Logger
}

func (f *PionFactory) NewTransport(iceServers []string) (Transport, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: pcmuCapability,
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register pcmu: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	gather := f.GatherTimeout
	if gather <= 0 {
		gather = 5 * time.Second
	}
	grace := f.DisconnectGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &PionTransport{
		pc:            pc,
		gatherTimeout: gather,
		logger:        logger,
		loss:          &lossWatch{grace: grace},
	}, nil
}

// PionTransport implements Transport on a pion PeerConnection.
type PionTransport struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
	logger        *zap.Logger
	loss          *lossWatch

	closeOnce sync.Once
	closeErr  error
}

func (t *PionTransport) AddAudioTrack() (TrackWriter, error) {
	track, err := webrtc.NewTrackLocalStaticSample(pcmuCapability, "audio", "parley")
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &pionTrackWriter{track: track}, nil
}

func (t *PionTransport) OnRemoteAudio(fn func(TrackReader)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Debug("remote track", zap.String("kind", track.Kind().String()), zap.String("codec", track.Codec().MimeType))
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		fn(&pionTrackReader{track: track, buf: make([]byte, 1500)})
	})
}

func (t *PionTransport) CreateDataChannel(label string, onMessage func([]byte)) (io.Closer, error) {
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	dc.OnOpen(func() {
		t.logger.Debug("data channel open", zap.String("label", label))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		onMessage(msg.Data)
	})
	return dc, nil
}

func (t *PionTransport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(t.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		t.logger.Debug("candidate gathering timed out, sending partial offer", zap.Duration("timeout", t.gatherTimeout))
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description")
	}
	return local.SDP, nil
}

func (t *PionTransport) SetAnswer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (t *PionTransport) OnLost(fn func(error)) {
	t.loss.setReport(fn)
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("connection state", zap.String("state", state.String()))
		t.loss.observe(state)
	})
}

func (t *PionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.loss.close()
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

// lossWatch turns peer connection state changes into at most one loss report.
// Failed and a Closed we did not ask for are reported at once; Disconnected is
// reported only if the connection has not recovered within grace.
type lossWatch struct {
	grace time.Duration

	mu       sync.Mutex
	report   func(error)
	closing  bool
	reported bool
	// pending identifies the armed disconnect timer; zero when none is armed.
	pending uint64
	seq     uint64
	timer   *time.Timer
}

func (w *lossWatch) setReport(fn func(error)) {
	w.mu.Lock()
	w.report = fn
	w.mu.Unlock()
}

func (w *lossWatch) observe(state webrtc.PeerConnectionState) {
	w.mu.Lock()
	if w.closing || w.reported {
		w.mu.Unlock()
		return
	}
	var err error
	switch state {
	case webrtc.PeerConnectionStateFailed:
		err = fmt.Errorf("peer connection %s", state)
	case webrtc.PeerConnectionStateClosed:
		err = errors.New("peer connection closed by remote")
	case webrtc.PeerConnectionStateDisconnected:
		if w.pending == 0 {
			w.seq++
			id := w.seq
			w.pending = id
			w.timer = time.AfterFunc(w.grace, func() { w.expire(id) })
		}
	default:
		w.disarmLocked()
	}
	w.fireLocked(err)
}

func (w *lossWatch) expire(id uint64) {
	w.mu.Lock()
	if w.pending != id || w.closing || w.reported {
		w.mu.Unlock()
		return
	}
	w.fireLocked(fmt.Errorf("peer connection disconnected for %s", w.grace))
}

// fireLocked is entered with w.mu held and returns with it released.
func (w *lossWatch) fireLocked(err error) {
	if err == nil {
		w.mu.Unlock()
		return
	}
	w.reported = true
	w.disarmLocked()
	fn := w.report
	w.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (w *lossWatch) disarmLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = 0
}

func (w *lossWatch) close() {
	w.mu.Lock()
	w.closing = true
	w.disarmLocked()
	w.mu.Unlock()
}

type pionTrackWriter struct {
	track *webrtc.TrackLocalStaticSample
	buf   []byte
}

func (w *pionTrackWriter) WriteFrame(frame []int16) error {
	if cap(w.buf) < len(frame) {
		w.buf = make([]byte, len(frame))
	}
	payload := w.buf[:len(frame)]
	for i, s := range frame {
		payload[i] = g711.EncodeUlawFrame(s)
	}
	return w.track.WriteSample(pionmedia.Sample{
		Data:     payload,
		Duration: time.Duration(len(frame)) * time.Second / media.SampleRate,
	})
}

type pionTrackReader struct {
	track *webrtc.TrackRemote
	buf   []byte
	pkt   rtp.Packet
}

func (r *pionTrackReader) ReadFrame(dst []int16) (int, error) {
	n, _, err := r.track.Read(r.buf)
	if err != nil {
		return 0, err
	}
	if err := r.pkt.Unmarshal(r.buf[:n]); err != nil {
		return 0, nil
	}
	count := min(len(r.pkt.Payload), len(dst))
	for i := 0; i < count; i++ {
		dst[i] = g711.DecodeUlawFrame(r.pkt.Payload[i])
	}
	return count, nil
}
