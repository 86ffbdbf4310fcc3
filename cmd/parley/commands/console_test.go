package commands

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/parley/internal/pubsub"
	"github.com/antoniostano/parley/internal/rtc"
	"github.com/antoniostano/parley/internal/session"
	"github.com/antoniostano/parley/internal/voice"
)

type fakeConversation struct {
	mu       sync.Mutex
	actions  []string
	muted    bool
	startErr error
}

func (f *fakeConversation) record(a string) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
}

func (f *fakeConversation) Actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeConversation) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := voice.DefaultCatalog().At(0)
	return session.Snapshot{State: session.StateIdle, Muted: f.muted, Voice: v}
}

func (f *fakeConversation) Voices() voice.Catalog { return voice.DefaultCatalog() }

func (f *fakeConversation) Start(context.Context) error {
	f.record("start")
	return f.startErr
}
func (f *fakeConversation) Pause() error                  { f.record("pause"); return nil }
func (f *fakeConversation) Resume() error                 { f.record("resume"); return nil }
func (f *fakeConversation) Restart(context.Context) error { f.record("restart"); return nil }
func (f *fakeConversation) Stop() error                   { f.record("stop"); return nil }
func (f *fakeConversation) NextVoice(context.Context) error {
	f.record("next")
	return nil
}
func (f *fakeConversation) PrevVoice(context.Context) error {
	f.record("prev")
	return nil
}
func (f *fakeConversation) SelectVoiceByID(_ context.Context, id string) error {
	f.record("voice:" + id)
	return nil
}
func (f *fakeConversation) SetMuted(m bool) {
	f.mu.Lock()
	f.muted = m
	f.mu.Unlock()
	f.record("muted")
}

// syncBuffer guards a bytes.Buffer written by background commands.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsoleDispatchesCommands(t *testing.T) {
	conv := &fakeConversation{}
	out := &syncBuffer{}
	con := newConsole(conv, out)

	in := strings.NewReader("start\n\nmute\nvoice sage\nvoice\nbogus\nquit\nstop\n")
	if err := con.run(context.Background(), in); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	con.wait()

	got := map[string]bool{}
	for _, a := range conv.Actions() {
		got[a] = true
	}
	for _, want := range []string{"start", "muted", "voice:sage"} {
		if !got[want] {
			t.Fatalf("actions = %v, missing %q", conv.Actions(), want)
		}
	}
	if got["stop"] {
		t.Fatalf("command after quit was executed: %v", conv.Actions())
	}
	text := out.String()
	if !strings.Contains(text, `unknown command "bogus"`) {
		t.Fatalf("output missing unknown command notice:\n%s", text)
	}
	if !strings.Contains(text, "usage: voice <id>") {
		t.Fatalf("output missing voice usage:\n%s", text)
	}
}

func TestConsoleReportsFailuresButNotSupersession(t *testing.T) {
	conv := &fakeConversation{startErr: rtc.ErrSuperseded}
	out := &syncBuffer{}
	con := newConsole(conv, out)

	con.dispatch(context.Background(), "start", nil)
	con.wait()
	if strings.Contains(out.String(), "start:") {
		t.Fatalf("superseded start was reported: %q", out.String())
	}

	conv.startErr = session.ErrInvalidTransition
	con.dispatch(context.Background(), "start", nil)
	con.wait()
	if !strings.Contains(out.String(), "start: invalid state transition") {
		t.Fatalf("failed start not reported: %q", out.String())
	}
}

func TestConsoleWatchPrintsStateAndFailures(t *testing.T) {
	conv := &fakeConversation{}
	out := &syncBuffer{}
	con := newConsole(conv, out)
	bus := pubsub.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- con.watch(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Errors.Len() == 0 || bus.State.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watch did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.State.Publish(pubsub.StateChange{State: "idle"})
	bus.Errors.Publish(pubsub.Failure{Kind: "transport", Message: "connection lost"})

	for !strings.Contains(out.String(), "transport: connection lost") || !strings.Contains(out.String(), "IDLE") {
		if time.Now().After(deadline) {
			t.Fatalf("watch output = %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch() error = %v", err)
	}
}

func TestRenderHelpers(t *testing.T) {
	if got := formatElapsed(83 * time.Second); got != "01:23" {
		t.Fatalf("formatElapsed = %q, want 01:23", got)
	}
	if got := maskSecret("ek_abcdef123456"); got != "ek_abc********" {
		t.Fatalf("maskSecret = %q", got)
	}
	if got := maskSecret("short"); got != "*****" {
		t.Fatalf("maskSecret(short) = %q", got)
	}
	if m := renderMeter("you", 2); !strings.Contains(m, "100%") {
		t.Fatalf("renderMeter did not clamp: %q", m)
	}
	if m := renderMeter("you", -1); !strings.Contains(m, "  0%") {
		t.Fatalf("renderMeter did not clamp low: %q", m)
	}

	list := renderVoices(voice.DefaultCatalog(), 7)
	for _, v := range voice.DefaultCatalog().All() {
		if !strings.Contains(list, v.ID) {
			t.Fatalf("voice list missing %q:\n%s", v.ID, list)
		}
	}
	if !strings.Contains(list, "> verse") {
		t.Fatalf("selected voice not marked:\n%s", list)
	}

	v, _ := voice.DefaultCatalog().Lookup("sage")
	since := time.Unix(100, 0)
	status := renderStatus(session.Snapshot{
		State:       session.StateActive,
		Voice:       v,
		Muted:       true,
		Error:       "transport: ice failed",
		ActiveSince: &since,
	}, time.Unix(165, 0))
	for _, want := range []string{"ACTIVE", "Sage", "muted", "01:05", "ice failed"} {
		if !strings.Contains(status, want) {
			t.Fatalf("status %q missing %q", status, want)
		}
	}
}
