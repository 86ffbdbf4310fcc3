// Package rtctest provides in-memory fakes for the rtc package's collaborators.
// Every fake counts the resources it hands out so tests can assert that nothing
// leaks across negotiation attempts.
package rtctest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/parley/internal/media"
	"github.com/antoniostano/parley/internal/rtc"
)

// Gate blocks callers until it is opened or their context ends.
type Gate struct {
	once sync.Once
	ch   chan struct{}
	hits chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}), hits: make(chan struct{}, 64)}
}

func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Reached is signalled each time a caller starts waiting on the gate.
func (g *Gate) Reached() <-chan struct{} {
	return g.hits
}

func (g *Gate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case g.hits <- struct{}{}:
	default:
	}
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// counter tracks live and peak resource counts.
type counter struct {
	mu    sync.Mutex
	live  int
	peak  int
	total int
}

func (c *counter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live++
	c.total++
	if c.live > c.peak {
		c.peak = c.live
	}
}

func (c *counter) dec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live--
}

func (c *counter) snapshot() (live, peak, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live, c.peak, c.total
}

// Device is a fake media.Device producing a constant tone.
type Device struct {
	// Err is returned by OpenCapture when set.
	Err error
	// Gate, when set, blocks OpenCapture.
	Gate *Gate
	// FrameInterval paces ReadFrame; defaults to 1ms.
	FrameInterval time.Duration

	mu       sync.Mutex
	captures counter
	sinks    counter
	played   atomic.Int64
}

func (d *Device) OpenCapture(ctx context.Context, _ media.Constraints) (media.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Gate.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	err := d.Err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	interval := d.FrameInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	d.captures.inc()
	return &capture{device: d, interval: interval, stopped: make(chan struct{})}, nil
}

func (d *Device) OpenSink() (media.Sink, error) {
	d.sinks.inc()
	return &sink{device: d}, nil
}

// SetErr changes the OpenCapture error.
func (d *Device) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}

// LiveCaptures is the number of captures opened and not stopped.
func (d *Device) LiveCaptures() int {
	live, _, _ := d.captures.snapshot()
	return live
}

func (d *Device) PeakCaptures() int {
	_, peak, _ := d.captures.snapshot()
	return peak
}

func (d *Device) LiveSinks() int {
	live, _, _ := d.sinks.snapshot()
	return live
}

// PlayedFrames counts frames written to any sink.
func (d *Device) PlayedFrames() int64 {
	return d.played.Load()
}

type capture struct {
	device   *Device
	interval time.Duration
	stopped  chan struct{}
	once     sync.Once
}

func (c *capture) ReadFrame(dst []int16) error {
	select {
	case <-c.stopped:
		return media.ErrStopped
	case <-time.After(c.interval):
	}
	for i := range dst {
		if i%2 == 0 {
			dst[i] = 4000
		} else {
			dst[i] = -4000
		}
	}
	return nil
}

func (c *capture) Stop() error {
	c.once.Do(func() {
		close(c.stopped)
		c.device.captures.dec()
	})
	return nil
}

type sink struct {
	device *Device
	once   sync.Once
	closed atomic.Bool
}

func (s *sink) WriteFrame([]int16) error {
	if s.closed.Load() {
		return media.ErrStopped
	}
	s.device.played.Add(1)
	return nil
}

func (s *sink) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.device.sinks.dec()
	})
	return nil
}

// TransportFactory hands out fake transports.
type TransportFactory struct {
	Err       error
	OfferErr  error
	AnswerErr error
	// OfferGate, when set, blocks CreateOffer.
	OfferGate *Gate

	counter counter

	mu         sync.Mutex
	transports []*Transport
	servers    [][]string
}

func (f *TransportFactory) NewTransport(iceServers []string) (rtc.Transport, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	t := &Transport{factory: f, closed: make(chan struct{})}
	f.counter.inc()
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.servers = append(f.servers, append([]string(nil), iceServers...))
	f.mu.Unlock()
	return t, nil
}

func (f *TransportFactory) Live() int {
	live, _, _ := f.counter.snapshot()
	return live
}

func (f *TransportFactory) Peak() int {
	_, peak, _ := f.counter.snapshot()
	return peak
}

func (f *TransportFactory) Created() int {
	_, _, total := f.counter.snapshot()
	return total
}

// Last returns the most recently created transport.
func (f *TransportFactory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// Transport is a fake rtc.Transport.
type Transport struct {
	factory *TransportFactory

	mu        sync.Mutex
	tracks    []*Track
	onRemote  func(rtc.TrackReader)
	onMessage func([]byte)
	onLost    func(error)
	answer    string
	labels    []string

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *Transport) AddAudioTrack() (rtc.TrackWriter, error) {
	tr := &Track{}
	t.mu.Lock()
	t.tracks = append(t.tracks, tr)
	t.mu.Unlock()
	return tr, nil
}

func (t *Transport) OnRemoteAudio(fn func(rtc.TrackReader)) {
	t.mu.Lock()
	t.onRemote = fn
	t.mu.Unlock()
}

func (t *Transport) CreateDataChannel(label string, onMessage func([]byte)) (io.Closer, error) {
	t.mu.Lock()
	t.onMessage = onMessage
	t.labels = append(t.labels, label)
	t.mu.Unlock()
	return &channel{}, nil
}

type channel struct {
	closed atomic.Bool
}

func (c *channel) Close() error {
	c.closed.Store(true)
	return nil
}

func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	if err := t.factory.OfferGate.wait(ctx); err != nil {
		return "", err
	}
	if t.factory.OfferErr != nil {
		return "", t.factory.OfferErr
	}
	return "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nm=audio 9 UDP/TLS/RTP/SAVPF 0\r\na=sendrecv\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n", nil
}

func (t *Transport) SetAnswer(sdp string) error {
	if t.factory.AnswerErr != nil {
		return t.factory.AnswerErr
	}
	if !strings.HasPrefix(sdp, "v=") {
		return errors.New("fake: malformed answer")
	}
	t.mu.Lock()
	t.answer = sdp
	t.mu.Unlock()
	return nil
}

func (t *Transport) OnLost(fn func(error)) {
	t.mu.Lock()
	t.onLost = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.factory.counter.dec()
	})
	return nil
}

func (t *Transport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Tracks returns the outbound tracks attached so far.
func (t *Transport) Tracks() []*Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Track(nil), t.tracks...)
}

// Labels returns the data channel labels created so far.
func (t *Transport) Labels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.labels...)
}

// SimulateLoss reports an unexpected connectivity loss.
func (t *Transport) SimulateLoss(err error) {
	t.mu.Lock()
	fn := t.onLost
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// SimulateRemoteTrack delivers an inbound audio track that produces frames until
// the transport closes.
func (t *Transport) SimulateRemoteTrack() {
	t.mu.Lock()
	fn := t.onRemote
	t.mu.Unlock()
	if fn != nil {
		fn(&remoteTrack{closed: t.closed})
	}
}

// Deliver hands payload to the signaling channel handler.
func (t *Transport) Deliver(payload []byte) {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

type remoteTrack struct {
	closed chan struct{}
}

func (r *remoteTrack) ReadFrame(dst []int16) (int, error) {
	select {
	case <-r.closed:
		return 0, io.EOF
	case <-time.After(time.Millisecond):
	}
	n := min(len(dst), media.FrameSamples)
	for i := 0; i < n; i++ {
		dst[i] = int16(2000 * (i%4 - 2))
	}
	return n, nil
}

// Track records what was written to an outbound track.
type Track struct {
	frames  atomic.Int64
	audible atomic.Int64
	lastOn  atomic.Bool
}

func (tr *Track) WriteFrame(frame []int16) error {
	tr.frames.Add(1)
	on := false
	for _, s := range frame {
		if s != 0 {
			on = true
			break
		}
	}
	if on {
		tr.audible.Add(1)
	}
	tr.lastOn.Store(on)
	return nil
}

// Frames is the number of frames written.
func (tr *Track) Frames() int64 { return tr.frames.Load() }

// AudibleFrames is the number of non-silent frames written.
func (tr *Track) AudibleFrames() int64 { return tr.audible.Load() }

// LastAudible reports whether the most recent frame carried sound.
func (tr *Track) LastAudible() bool { return tr.lastOn.Load() }

// Credentials is a fake rtc.CredentialSource.
type Credentials struct {
	Err  error
	Gate *Gate

	mu     sync.Mutex
	calls  int
	voices []string
	leases []*rtc.Lease
}

func (c *Credentials) RequestEphemeralCredential(ctx context.Context, voice, _ string) (*rtc.Lease, error) {
	c.mu.Lock()
	c.calls++
	c.voices = append(c.voices, voice)
	c.mu.Unlock()
	if err := c.Gate.wait(ctx); err != nil {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}
	lease := rtc.NewLease("ek_test_"+voice, time.Now().Add(time.Minute))
	c.mu.Lock()
	c.leases = append(c.leases, lease)
	c.mu.Unlock()
	return lease, nil
}

func (c *Credentials) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Voices lists the voice of every request in order.
func (c *Credentials) Voices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.voices...)
}

// Leases returns the leases handed out so far.
func (c *Credentials) Leases() []*rtc.Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*rtc.Lease(nil), c.leases...)
}

// Provider is a fake rtc.Exchanger.
type Provider struct {
	Err    error
	Answer string
	Gate   *Gate

	mu      sync.Mutex
	secrets []string
}

func (p *Provider) Exchange(ctx context.Context, _, _, secret string) (string, error) {
	p.mu.Lock()
	p.secrets = append(p.secrets, secret)
	p.mu.Unlock()
	if err := p.Gate.wait(ctx); err != nil {
		return "", err
	}
	if p.Err != nil {
		return "", p.Err
	}
	if p.Answer != "" {
		return p.Answer, nil
	}
	return "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=-\r\nm=audio 9 UDP/TLS/RTP/SAVPF 0\r\n", nil
}

// Secrets lists the secrets presented so far.
func (p *Provider) Secrets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.secrets...)
}
