package pubsub

import (
	"time"

	"github.com/antoniostano/parley/internal/audio"
	"github.com/antoniostano/parley/internal/protocol"
)

// StateChange is published whenever the conversation state or mute flag changes.
type StateChange struct {
	State     string    `json:"state"`
	Muted     bool      `json:"muted"`
	VoiceID   string    `json:"voice_id"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Failure is published for errors a consumer should surface.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Retryable hints that a manual restart may succeed.
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// Bus groups one hub per stream kind.
type Bus struct {
	State       *Hub[StateChange]
	LocalLevel  *Hub[audio.Sample]
	RemoteLevel *Hub[audio.Sample]
	Signal      *Hub[protocol.Event]
	Errors      *Hub[Failure]
}

func NewBus() *Bus {
	return &Bus{
		State:       NewHub[StateChange](),
		LocalLevel:  NewHub[audio.Sample](),
		RemoteLevel: NewHub[audio.Sample](),
		Signal:      NewHub[protocol.Event](),
		Errors:      NewHub[Failure](),
	}
}

func (b *Bus) Close() {
	b.State.Close()
	b.LocalLevel.Close()
	b.RemoteLevel.Close()
	b.Signal.Close()
	b.Errors.Close()
}
