package rtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/audio"
	"github.com/antoniostano/parley/internal/fault"
	"github.com/antoniostano/parley/internal/media"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/policy"
	"github.com/antoniostano/parley/internal/protocol"
	"github.com/antoniostano/parley/internal/pubsub"
)

// ErrSuperseded is returned by an attempt that was overtaken by a newer
// Establish or by Stop. Everything it allocated has been released.
var ErrSuperseded = errors.New("negotiation superseded")

var ErrNoICEServers = errors.New("at least one ICE server is required")

const DefaultSignalingLabel = "oai-events"

type Config struct {
	Model       string
	ICEServers  []string
	Constraints media.Constraints
	// SignalingLabel names the data channel; defaults to DefaultSignalingLabel.
	SignalingLabel string
	// TapCapacity is the number of samples kept for level analysis per direction.
	TapCapacity int
}

// Negotiator establishes sessions. At most one session exists at a time: every
// Establish supersedes the in-flight attempt and closes the current session
// before allocating anything.
type Negotiator struct {
	cfg         Config
	device      media.Device
	transports  TransportFactory
	credentials CredentialSource
	provider    Exchanger

	logger  *zap.Logger
	metrics *observability.Metrics
	signals *pubsub.Hub[protocol.Event]

	mu         sync.Mutex
	generation uint64
	inflight   *attempt
	current    *Session
}

type attempt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Negotiator)

func WithLogger(l *zap.Logger) Option {
	return func(n *Negotiator) {
		if l != nil {
			n.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(n *Negotiator) {
		n.metrics = m
	}
}

// WithSignalHub publishes every JSON signaling event on hub.
func WithSignalHub(hub *pubsub.Hub[protocol.Event]) Option {
	return func(n *Negotiator) {
		n.signals = hub
	}
}

func NewNegotiator(cfg Config, device media.Device, transports TransportFactory, credentials CredentialSource, provider Exchanger, opts ...Option) *Negotiator {
	if strings.TrimSpace(cfg.SignalingLabel) == "" {
		cfg.SignalingLabel = DefaultSignalingLabel
	}
	if cfg.Constraints == (media.Constraints{}) {
		cfg.Constraints = media.DefaultConstraints()
	}
	if cfg.TapCapacity <= 0 {
		cfg.TapCapacity = 4096
	}
	n := &Negotiator{
		cfg:         cfg,
		device:      device,
		transports:  transports,
		credentials: credentials,
		provider:    provider,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Generation is the id of the most recent reservation.
func (n *Negotiator) Generation() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.generation
}

// Current returns the live session, if any.
func (n *Negotiator) Current() *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Reserve stamps a new generation and returns it. An EstablishReserved or
// StopReserved carrying an older generation does nothing, however late it runs.
func (n *Negotiator) Reserve() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.generation++
	return n.generation
}

// Establish reserves a generation and establishes a session under it.
func (n *Negotiator) Establish(ctx context.Context, voice string) (*Session, error) {
	return n.EstablishReserved(ctx, n.Reserve(), voice)
}

// EstablishReserved stops whatever exists, then captures audio, builds a
// transport and offer, obtains a credential for voice and completes the
// exchange with the provider. It returns ErrSuperseded without touching
// anything when gen is no longer the latest reservation. On failure nothing it
// allocated survives.
func (n *Negotiator) EstablishReserved(ctx context.Context, gen uint64, voice string) (*Session, error) {
	attemptCtx, release, ok := n.begin(ctx, gen)
	if !ok {
		n.metrics.ObserveNegotiation("superseded")
		n.metrics.ObserveIndicator("superseded")
		return nil, ErrSuperseded
	}
	defer release()

	started := time.Now()
	sess, err := n.establish(attemptCtx, gen, voice)
	switch {
	case errors.Is(err, ErrSuperseded):
		n.metrics.ObserveNegotiation("superseded")
		n.metrics.ObserveIndicator("superseded")
	case err != nil:
		n.metrics.ObserveNegotiation("failed")
		n.logger.Warn("negotiation failed",
			zap.Uint64("generation", gen),
			zap.String("voice", voice),
			zap.String("kind", string(fault.KindOf(err))),
			zap.Error(err))
	default:
		n.metrics.ObserveNegotiation("established")
		n.metrics.ObserveStage(observability.StageEstablishTotal, time.Since(started))
		n.metrics.SetActiveSessions(1)
		n.logger.Info("session established",
			zap.String("session_id", sess.ID),
			zap.Uint64("generation", gen),
			zap.String("voice", voice),
			zap.Duration("elapsed", time.Since(started)))
	}
	return sess, err
}

// begin claims gen for a new attempt, supersedes the in-flight attempt and
// closes the current session, then waits for the superseded attempt to finish
// tearing down. It reports false if a newer reservation exists.
func (n *Negotiator) begin(ctx context.Context, gen uint64) (context.Context, func(), bool) {
	n.mu.Lock()
	if n.generation != gen {
		n.mu.Unlock()
		return nil, nil, false
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	a := &attempt{cancel: cancel, done: make(chan struct{})}
	prevAttempt := n.inflight
	prevSession := n.current
	n.inflight = a
	n.current = nil
	n.mu.Unlock()

	if prevAttempt != nil {
		prevAttempt.cancel()
	}
	if prevSession != nil {
		_ = prevSession.Close()
		n.metrics.SetActiveSessions(0)
	}
	if prevAttempt != nil {
		<-prevAttempt.done
	}

	return attemptCtx, func() {
		n.mu.Lock()
		if n.inflight == a {
			n.inflight = nil
		}
		n.mu.Unlock()
		cancel()
		close(a.done)
	}, true
}

func (n *Negotiator) live(ctx context.Context, gen uint64) bool {
	if ctx.Err() != nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.generation == gen
}

func (n *Negotiator) establish(ctx context.Context, gen uint64, voice string) (*Session, error) {
	sess := &Session{
		ID:         uuid.NewString(),
		Generation: gen,
		Voice:      voice,
		logger:     n.logger,
		device:     n.device,
		local:      audio.NewTap(n.cfg.TapCapacity),
		remote:     audio.NewTap(n.cfg.TapCapacity),
	}

	fail := func(err error) (*Session, error) {
		_ = sess.Close()
		if n.superseded(gen) {
			return nil, ErrSuperseded
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	stage := func(name string, start time.Time) {
		n.metrics.ObserveStage(name, time.Since(start))
	}

	if !n.live(ctx, gen) {
		return fail(ErrSuperseded)
	}

	// 1. local capture
	t0 := time.Now()
	capture, err := n.device.OpenCapture(ctx, n.cfg.Constraints)
	if err != nil {
		return fail(fault.Wrap(err, fault.KindMediaAccess, "acquire local audio"))
	}
	sess.capture = capture
	stage(observability.StageMediaAccess, t0)
	if !n.live(ctx, gen) {
		return fail(ErrSuperseded)
	}

	// 2. transport
	t0 = time.Now()
	if len(n.cfg.ICEServers) == 0 {
		return fail(fault.New(fault.KindNegotiation, "create transport", ErrNoICEServers))
	}
	transport, err := n.transports.NewTransport(n.cfg.ICEServers)
	if err != nil {
		return fail(fault.Wrap(err, fault.KindNegotiation, "create transport"))
	}
	sess.transport = transport
	transport.OnLost(sess.reportLoss)

	// 3. outbound audio, silent until the conversation turns transmission on
	track, err := transport.AddAudioTrack()
	if err != nil {
		return fail(fault.Wrap(err, fault.KindNegotiation, "attach local audio"))
	}
	sess.track = track
	sess.startCapturePump()

	// 4. inbound audio
	transport.OnRemoteAudio(sess.startPlayback)

	// 5. signaling
	channel, err := transport.CreateDataChannel(n.cfg.SignalingLabel, func(payload []byte) {
		if sess.isClosed() {
			return
		}
		ev, ok := protocol.ParseEvent(payload)
		if !ok {
			return
		}
		if msg, isErr := ev.ErrorMessage(); isErr {
			n.logger.Warn("provider error event", zap.String("session_id", sess.ID), zap.String("message", msg))
		} else if text, ok := ev.Transcript(); ok {
			redacted, _ := policy.RedactPII(policy.Truncate(text, 200))
			n.logger.Debug("transcript", zap.String("session_id", sess.ID), zap.String("type", ev.Type), zap.String("text", redacted))
		} else {
			n.logger.Debug("signaling event", zap.String("session_id", sess.ID), zap.String("type", ev.Type))
		}
		if n.signals != nil {
			n.signals.Publish(ev)
		}
	})
	if err != nil {
		return fail(fault.Wrap(err, fault.KindNegotiation, "create signaling channel"))
	}
	sess.channel = channel
	stage(observability.StageTransport, t0)

	// 6. offer
	t0 = time.Now()
	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		return fail(fault.Wrap(err, fault.KindNegotiation, "create offer"))
	}
	stage(observability.StageOffer, t0)
	if !n.live(ctx, gen) {
		return fail(ErrSuperseded)
	}

	// 7. credential
	t0 = time.Now()
	lease, err := n.credentials.RequestEphemeralCredential(ctx, voice, n.cfg.Model)
	if err != nil {
		return fail(fault.Wrap(err, fault.KindCredential, "request ephemeral credential"))
	}
	stage(observability.StageCredential, t0)
	if !n.live(ctx, gen) {
		return fail(ErrSuperseded)
	}
	secret, err := lease.Consume()
	if err != nil {
		return fail(fault.Wrap(err, fault.KindCredential, "consume credential"))
	}

	// 8. offer/answer exchange
	t0 = time.Now()
	answer, err := n.provider.Exchange(ctx, n.cfg.Model, offer, secret)
	if err != nil {
		return fail(fault.Wrap(err, fault.KindNegotiation, "exchange session description"))
	}
	stage(observability.StageSDPExchange, t0)
	if !n.live(ctx, gen) {
		return fail(ErrSuperseded)
	}
	if err := transport.SetAnswer(answer); err != nil {
		return fail(fault.Wrap(err, fault.KindNegotiation, "apply answer"))
	}

	n.mu.Lock()
	if n.generation != gen || ctx.Err() != nil {
		n.mu.Unlock()
		return fail(ErrSuperseded)
	}
	sess.StartedAt = time.Now()
	n.current = sess
	n.mu.Unlock()
	return sess, nil
}

func (n *Negotiator) superseded(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.generation != gen
}

// Stop reserves a generation and tears down under it. Safe to call at any time.
func (n *Negotiator) Stop() {
	n.StopReserved(n.Reserve())
}

// StopReserved supersedes any in-flight attempt, closes the current session
// and waits until nothing remains allocated. It does nothing when gen is no
// longer the latest reservation, since the newer holder owns teardown.
func (n *Negotiator) StopReserved(gen uint64) {
	n.mu.Lock()
	if n.generation != gen {
		n.mu.Unlock()
		return
	}
	a := n.inflight
	sess := n.current
	n.current = nil
	n.mu.Unlock()

	if a != nil {
		a.cancel()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if a != nil {
		<-a.done
	}
	n.metrics.SetActiveSessions(0)
}

// Release closes a session handed out by EstablishReserved and forgets it if
// it is still the current one.
func (n *Negotiator) Release(sess *Session) {
	if sess == nil {
		return
	}
	n.mu.Lock()
	wasCurrent := n.current == sess
	if wasCurrent {
		n.current = nil
	}
	n.mu.Unlock()

	_ = sess.Close()
	if wasCurrent {
		n.metrics.SetActiveSessions(0)
	}
}
