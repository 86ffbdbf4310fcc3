// Package protocol defines the signaling-channel event shape and the frames the
// visualization socket exchanges.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Event is one JSON message received on the session's signaling channel. Only
// the envelope is decoded; Raw keeps the full payload for observers.
type Event struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id,omitempty"`
	Raw     json.RawMessage `json:"raw"`
}

// ParseEvent decodes a signaling payload. ok is false for anything that is not a
// JSON object; such payloads are ignored by callers.
func ParseEvent(raw []byte) (Event, bool) {
	if !gjson.ValidBytes(raw) {
		return Event{}, false
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return Event{}, false
	}
	payload := make(json.RawMessage, len(raw))
	copy(payload, raw)
	return Event{
		Type:    res.Get("type").String(),
		EventID: res.Get("event_id").String(),
		Raw:     payload,
	}, true
}

// ErrorMessage returns the provider error text carried by an "error" event.
func (e Event) ErrorMessage() (string, bool) {
	if e.Type != "error" {
		return "", false
	}
	msg := gjson.GetBytes(e.Raw, "error.message").String()
	return msg, msg != ""
}

// Transcript returns the text carried by transcription events, such as
// conversation.item.input_audio_transcription.completed or
// response.audio_transcript.done.
func (e Event) Transcript() (string, bool) {
	res := gjson.GetBytes(e.Raw, "transcript")
	if res.Type != gjson.String {
		return "", false
	}
	return res.String(), true
}

// MessageType identifies visualization socket payload variants.
type MessageType string

const (
	TypeLevel         MessageType = "level"
	TypeState         MessageType = "state"
	TypeSignal        MessageType = "signal"
	TypeErrorEvent    MessageType = "error_event"
	TypeClientControl MessageType = "client_control"
)

// Level sources.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type LevelFrame struct {
	Type   MessageType `json:"type"`
	Source string      `json:"source"`
	Level  float64     `json:"level"`
	Bands  []float64   `json:"bands"`
	TSMs   int64       `json:"ts_ms"`
}

type StateFrame struct {
	Type      MessageType `json:"type"`
	State     string      `json:"state"`
	Muted     bool        `json:"muted"`
	VoiceID   string      `json:"voice_id"`
	SessionID string      `json:"session_id,omitempty"`
	Error     string      `json:"error,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type SignalFrame struct {
	Type      MessageType     `json:"type"`
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type ErrorFrame struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
	Retryable bool        `json:"retryable"`
}

// Control actions a visualization client may send.
const (
	ActionStart   = "start"
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionRestart = "restart"
	ActionStop    = "stop"
	ActionMute    = "mute"
	ActionUnmute  = "unmute"
	ActionNext    = "next_voice"
	ActionPrev    = "prev_voice"
	ActionSelect  = "select_voice"
)

type ClientControl struct {
	Type    MessageType `json:"type"`
	Action  string      `json:"action"`
	VoiceID string      `json:"voice_id,omitempty"`
}

var validActions = map[string]bool{
	ActionStart: true, ActionPause: true, ActionResume: true, ActionRestart: true,
	ActionStop: true, ActionMute: true, ActionUnmute: true, ActionNext: true,
	ActionPrev: true, ActionSelect: true,
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.TrimSpace(msg.Action)
		if !validActions[msg.Action] {
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		if msg.Action == ActionSelect && strings.TrimSpace(msg.VoiceID) == "" {
			return nil, errors.New("invalid client_control: select_voice requires voice_id")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
