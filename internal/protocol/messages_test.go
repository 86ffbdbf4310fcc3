package protocol

import (
	"errors"
	"testing"
)

func TestParseEvent(t *testing.T) {
	ev, ok := ParseEvent([]byte(`{"type":"response.audio_transcript.delta","event_id":"ev_1","delta":"hi"}`))
	if !ok {
		t.Fatalf("ParseEvent() ok = false, want true")
	}
	if ev.Type != "response.audio_transcript.delta" || ev.EventID != "ev_1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if string(ev.Raw) == "" {
		t.Fatalf("Raw should keep the payload")
	}
}

func TestParseEventIgnoresNonJSON(t *testing.T) {
	for _, raw := range []string{"hello", "", "[1,2]", `"str"`, "{broken"} {
		if _, ok := ParseEvent([]byte(raw)); ok {
			t.Fatalf("ParseEvent(%q) ok = true, want false", raw)
		}
	}
}

func TestEventErrorMessage(t *testing.T) {
	ev, _ := ParseEvent([]byte(`{"type":"error","error":{"message":"session expired"}}`))
	msg, ok := ev.ErrorMessage()
	if !ok || msg != "session expired" {
		t.Fatalf("ErrorMessage() = %q, %v", msg, ok)
	}

	ev, _ = ParseEvent([]byte(`{"type":"session.created"}`))
	if _, ok := ev.ErrorMessage(); ok {
		t.Fatalf("non-error event reported an error message")
	}
}

func TestEventTranscript(t *testing.T) {
	ev, _ := ParseEvent([]byte(`{"type":"response.audio_transcript.done","transcript":"hello there"}`))
	text, ok := ev.Transcript()
	if !ok || text != "hello there" {
		t.Fatalf("Transcript() = %q, %v", text, ok)
	}

	ev, _ = ParseEvent([]byte(`{"type":"response.done","transcript":{"nested":true}}`))
	if _, ok := ev.Transcript(); ok {
		t.Fatalf("non-string transcript reported")
	}
}

func TestParseClientMessageControl(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","action":"select_voice","voice_id":"ash"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionSelect || control.VoiceID != "ash" {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"wat"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"client_control","action":"dance"}`)); err == nil {
		t.Fatalf("unknown action accepted")
	}
	if _, err := ParseClientMessage([]byte(`{"type":"client_control","action":"select_voice"}`)); err == nil {
		t.Fatalf("select_voice without voice_id accepted")
	}
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("invalid envelope accepted")
	}
}
