// Package session owns the conversation lifecycle: one Manager per process
// serializes start, pause, resume, restart, stop, mute and voice selection over a
// single realtime session.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/audio"
	"github.com/antoniostano/parley/internal/fault"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/pubsub"
	"github.com/antoniostano/parley/internal/reliability"
	"github.com/antoniostano/parley/internal/rtc"
	"github.com/antoniostano/parley/internal/voice"
)

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateError    State = "error"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoVoices          = errors.New("voice catalog is empty")
	ErrUnknownVoice      = errors.New("unknown voice")
)

// Negotiator is the session negotiator surface the manager drives. Every start
// and stop reserves a generation first, so an operation that loses the race to
// a newer one cannot undo it.
type Negotiator interface {
	Reserve() uint64
	EstablishReserved(ctx context.Context, gen uint64, voice string) (*rtc.Session, error)
	StopReserved(gen uint64)
	Release(sess *rtc.Session)
}

// Snapshot is a consistent view of the conversation.
type Snapshot struct {
	State       State          `json:"state"`
	Muted       bool           `json:"muted"`
	Voice       voice.Identity `json:"voice"`
	VoiceIndex  int            `json:"voice_index"`
	Error       string         `json:"error,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	ActiveSince *time.Time     `json:"active_since,omitempty"`
}

type Manager struct {
	negotiator Negotiator
	bus        *pubsub.Bus
	monitor    audio.Monitor
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu          sync.Mutex
	state       State
	muted       bool
	catalog     voice.Catalog
	selected    int
	lastErr     string
	session     *rtc.Session
	activeSince time.Time
	// attempt is the negotiator generation reserved by the latest start or
	// stop; a start whose attempt is no longer current discards its result.
	attempt uint64
	feeds   []*levelFeed
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithMonitor overrides the level monitor settings.
func WithMonitor(mon audio.Monitor) Option {
	return func(m *Manager) {
		m.monitor = mon
	}
}

// NewManager builds the conversation manager. The catalog is loaded as the
// initial voice list, which never triggers a restart.
func NewManager(negotiator Negotiator, catalog voice.Catalog, bus *pubsub.Bus, opts ...Option) *Manager {
	if bus == nil {
		bus = pubsub.NewBus()
	}
	m := &Manager{
		negotiator: negotiator,
		bus:        bus,
		monitor:    audio.DefaultMonitor(),
		logger:     zap.NewNop(),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.LoadVoices(catalog, "")
	return m
}

// Bus returns the event bus the manager publishes on.
func (m *Manager) Bus() *pubsub.Bus {
	return m.bus
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	v, _ := m.catalog.At(m.selected)
	s := Snapshot{
		State:       m.state,
		Muted:       m.muted,
		Voice:       v,
		VoiceIndex:  m.selected,
		Error:       m.lastErr,
	}
	if m.session != nil {
		s.SessionID = m.session.ID
	}
	if !m.activeSince.IsZero() {
		since := m.activeSince
		s.ActiveSince = &since
	}
	return s
}

// Transmitting reports whether outbound audio is currently enabled.
func (m *Manager) Transmitting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.Transmitting()
}

// Voices returns the loaded catalog.
func (m *Manager) Voices() voice.Catalog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.catalog
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.ObserveTransition(string(s))
	m.publishLocked()
}

func (m *Manager) publishLocked() {
	snap := m.snapshotLocked()
	m.bus.State.Publish(pubsub.StateChange{
		State:     string(snap.State),
		Muted:     snap.Muted,
		VoiceID:   snap.Voice.ID,
		SessionID: snap.SessionID,
		Error:     snap.Error,
		At:        time.Now().UTC(),
	})
}

func (m *Manager) publishFailure(err error) {
	m.bus.Errors.Publish(pubsub.Failure{
		Kind:      string(fault.KindOf(err)),
		Message:   err.Error(),
		Retryable: reliability.Retryable(err),
		At:        time.Now().UTC(),
	})
}

// Start negotiates a session with the selected voice. Valid from Idle or Error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateError {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	return m.startLocked(ctx)
}

// startLocked is entered with m.mu held and returns with it released.
func (m *Manager) startLocked(ctx context.Context) error {
	v, ok := m.catalog.At(m.selected)
	if !ok {
		m.mu.Unlock()
		return ErrNoVoices
	}
	id := m.negotiator.Reserve()
	m.attempt = id
	m.setStateLocked(StateStarting)
	m.mu.Unlock()

	m.logger.Info("starting conversation", zap.String("voice", v.ID), zap.Uint64("attempt", id))
	sess, err := m.negotiator.EstablishReserved(ctx, id, v.ProviderVoice())

	m.mu.Lock()
	if id != m.attempt {
		m.mu.Unlock()
		m.negotiator.Release(sess)
		return rtc.ErrSuperseded
	}
	if errors.Is(err, rtc.ErrSuperseded) {
		// Torn down underneath us without a newer command taking over.
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		return err
	}
	if err != nil {
		m.lastErr = err.Error()
		m.setStateLocked(StateError)
		m.mu.Unlock()
		m.publishFailure(err)
		return err
	}

	m.session = sess
	m.lastErr = ""
	m.activeSince = time.Now()
	m.state = StateActive
	m.applyAudioLocked()
	m.setStateLocked(StateActive)
	m.mu.Unlock()

	sess.OnTransportLoss(func(err error) { m.handleTransportLoss(sess, err) })
	return nil
}

// applyAudioLocked enforces transmission == (Active && !muted) and keeps level
// feeds attached only while audio is being produced. It returns the feeds that
// were detached; callers wait for them after releasing the lock.
func (m *Manager) applyAudioLocked() []*levelFeed {
	producing := m.state == StateActive && !m.muted && m.session != nil
	if m.session != nil {
		m.session.SetTransmitting(producing)
	}
	if producing {
		if len(m.feeds) == 0 {
			m.feeds = []*levelFeed{
				startFeed(m.monitor, m.session.LocalAudio(), m.bus.LocalLevel),
				startFeed(m.monitor, m.session.RemoteAudio(), m.bus.RemoteLevel),
			}
		}
		return nil
	}
	feeds := m.feeds
	m.feeds = nil
	for _, f := range feeds {
		f.sub.Detach()
	}
	return feeds
}

// Pause silences outbound audio but keeps the transport. Valid from Active.
func (m *Manager) Pause() error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.state = StatePaused
	detached := m.applyAudioLocked()
	m.setStateLocked(StatePaused)
	m.mu.Unlock()
	waitFeeds(detached)
	return nil
}

// Resume re-enables outbound audio unless muted. Valid from Paused.
func (m *Manager) Resume() error {
	m.mu.Lock()
	if m.state != StatePaused {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.state = StateActive
	detached := m.applyAudioLocked()
	m.setStateLocked(StateActive)
	m.mu.Unlock()
	waitFeeds(detached)
	return nil
}

// SetMuted toggles the mute flag. It takes effect immediately while Active and
// at the next Resume while Paused; it never changes the state.
func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	if m.muted == muted {
		m.mu.Unlock()
		return
	}
	m.muted = muted
	detached := m.applyAudioLocked()
	m.publishLocked()
	m.mu.Unlock()
	waitFeeds(detached)
}

// Stop releases every resource and returns to Idle. It may interrupt a start in
// progress and is a no-op when already Idle.
func (m *Manager) Stop() error {
	m.stop()
	return nil
}

func (m *Manager) stop() {
	m.mu.Lock()
	if m.state == StateIdle && m.session == nil {
		m.mu.Unlock()
		return
	}
	id := m.negotiator.Reserve()
	m.attempt = id
	sess := m.session
	if sess != nil {
		sess.SetTransmitting(false)
	}
	m.session = nil
	m.activeSince = time.Time{}
	m.state = StateStopping
	detached := m.applyAudioLocked()
	m.setStateLocked(StateStopping)
	m.mu.Unlock()

	waitFeeds(detached)
	m.negotiator.StopReserved(id)
	m.negotiator.Release(sess)

	m.mu.Lock()
	if m.attempt == id {
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()
	m.logger.Info("conversation stopped")
}

// Restart performs a full stop followed by a start with the selected voice.
// Valid from any state but Idle.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.mu.Unlock()

	m.stop()

	m.mu.Lock()
	if m.state != StateIdle && m.state != StateError {
		// A newer command took over while stopping.
		m.mu.Unlock()
		return rtc.ErrSuperseded
	}
	return m.startLocked(ctx)
}

func (m *Manager) handleTransportLoss(sess *rtc.Session, err error) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	m.lastErr = err.Error()
	m.publishLocked()
	m.mu.Unlock()

	m.metrics.ObserveTransportLoss()
	m.logger.Warn("transport lost; not reconnecting", zap.String("session_id", sess.ID), zap.Error(err))
	m.publishFailure(err)
}

// LoadVoices installs the voice list and selects initialID (or the first
// voice). Loading never restarts a conversation.
func (m *Manager) LoadVoices(catalog voice.Catalog, initialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog = catalog
	m.selected = 0
	if i := catalog.Index(initialID); i >= 0 {
		m.selected = i
	}
	m.publishLocked()
}

// SelectVoice selects the voice at index, wrapping around the catalog. If the
// selection changes while a conversation is Active or Starting, the conversation
// is restarted with the new voice; the latest selection wins.
func (m *Manager) SelectVoice(ctx context.Context, index int) error {
	m.mu.Lock()
	n := m.catalog.Len()
	if n == 0 {
		m.mu.Unlock()
		return ErrNoVoices
	}
	index %= n
	if index < 0 {
		index += n
	}
	if index == m.selected {
		m.mu.Unlock()
		return nil
	}
	m.selected = index
	restart := m.state == StateActive || m.state == StateStarting
	m.publishLocked()
	m.mu.Unlock()

	if !restart {
		return nil
	}
	m.logger.Info("voice changed, restarting conversation", zap.Int("voice_index", index))
	return m.Restart(ctx)
}

func (m *Manager) SelectVoiceByID(ctx context.Context, id string) error {
	m.mu.Lock()
	i := m.catalog.Index(id)
	m.mu.Unlock()
	if i < 0 {
		return ErrUnknownVoice
	}
	return m.SelectVoice(ctx, i)
}

func (m *Manager) NextVoice(ctx context.Context) error {
	m.mu.Lock()
	i := m.selected + 1
	m.mu.Unlock()
	return m.SelectVoice(ctx, i)
}

func (m *Manager) PrevVoice(ctx context.Context) error {
	m.mu.Lock()
	i := m.selected - 1
	m.mu.Unlock()
	return m.SelectVoice(ctx, i)
}
