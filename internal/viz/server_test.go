package viz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/parley/internal/audio"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/protocol"
	"github.com/antoniostano/parley/internal/pubsub"
	"github.com/antoniostano/parley/internal/session"
	"github.com/antoniostano/parley/internal/voice"
)

type stubController struct {
	mu      sync.Mutex
	actions []string
	muted   bool
	err     error
}

func (c *stubController) record(action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return c.err
}

func (c *stubController) Actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

func (c *stubController) Snapshot() session.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _ := voice.DefaultCatalog().Lookup("verse")
	return session.Snapshot{State: session.StateIdle, Muted: c.muted, Voice: v, VoiceIndex: 7}
}

func (c *stubController) Start(context.Context) error   { return c.record("start") }
func (c *stubController) Pause() error                  { return c.record("pause") }
func (c *stubController) Resume() error                 { return c.record("resume") }
func (c *stubController) Restart(context.Context) error { return c.record("restart") }
func (c *stubController) Stop() error                   { return c.record("stop") }
func (c *stubController) NextVoice(context.Context) error {
	return c.record("next")
}
func (c *stubController) PrevVoice(context.Context) error {
	return c.record("prev")
}
func (c *stubController) SelectVoiceByID(_ context.Context, id string) error {
	return c.record("select:" + id)
}
func (c *stubController) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	_ = c.record("muted")
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *stubController, *pubsub.Bus) {
	t.Helper()
	ctrl := &stubController{}
	bus := pubsub.NewBus()
	srv := New(opts, ctrl, bus, observability.NewMetrics("viz_test", nil), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		bus.Close()
	})
	return ts, ctrl, bus
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

// readUntil skips frames of other types, which may interleave.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) map[string]any {
	t.Helper()
	for i := 0; i < 32; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == string(typ) {
			return frame
		}
	}
	t.Fatalf("no %s frame received", typ)
	return nil
}

func TestWSSendsInitialState(t *testing.T) {
	ts, _, _ := newTestServer(t, Options{AllowAnyOrigin: true})
	conn := dial(t, ts, nil)

	frame := readFrame(t, conn)
	if frame["type"] != string(protocol.TypeState) {
		t.Fatalf("first frame type = %v, want state", frame["type"])
	}
	if frame["state"] != "idle" || frame["voice_id"] != "verse" {
		t.Fatalf("initial state frame = %v", frame)
	}
}

func TestWSStreamsBusEvents(t *testing.T) {
	ts, _, bus := newTestServer(t, Options{AllowAnyOrigin: true})
	conn := dial(t, ts, nil)
	readFrame(t, conn)

	var sample audio.Sample
	sample.Level = 0.5
	sample.Bands[3] = 0.25
	bus.LocalLevel.Publish(sample)
	level := readUntil(t, conn, protocol.TypeLevel)
	assert.Equal(t, protocol.SourceLocal, level["source"])
	assert.InDelta(t, 0.5, level["level"], 1e-9)
	bands, ok := level["bands"].([]any)
	require.True(t, ok)
	assert.Len(t, bands, audio.BandCount)

	ev, ok := protocol.ParseEvent([]byte(`{"type":"response.done","event_id":"evt_1"}`))
	require.True(t, ok)
	bus.Signal.Publish(ev)
	signal := readUntil(t, conn, protocol.TypeSignal)
	assert.Equal(t, "response.done", signal["event_type"])
	assert.Equal(t, "evt_1", signal["event_id"])

	bus.State.Publish(pubsub.StateChange{State: "active", VoiceID: "sage", At: time.Now()})
	state := readUntil(t, conn, protocol.TypeState)
	assert.Equal(t, "active", state["state"])
	assert.Equal(t, "sage", state["voice_id"])

	bus.Errors.Publish(pubsub.Failure{Kind: "transport", Message: "connection lost"})
	failure := readUntil(t, conn, protocol.TypeErrorEvent)
	assert.Equal(t, "transport", failure["code"])
	assert.Equal(t, "connection lost", failure["detail"])
}

func TestWSControlDrivesController(t *testing.T) {
	ts, ctrl, _ := newTestServer(t, Options{AllowAnyOrigin: true})
	conn := dial(t, ts, nil)
	readFrame(t, conn)

	send := func(action, voiceID string) {
		payload, err := json.Marshal(protocol.ClientControl{
			Type:    protocol.TypeClientControl,
			Action:  action,
			VoiceID: voiceID,
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
	}
	send(protocol.ActionStart, "")
	send(protocol.ActionSelect, "coral")
	send(protocol.ActionMute, "")

	require.Eventually(t, func() bool { return len(ctrl.Actions()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"start", "select:coral", "muted"}, ctrl.Actions())
}

func TestWSRejectsInvalidControl(t *testing.T) {
	ts, ctrl, _ := newTestServer(t, Options{AllowAnyOrigin: true})
	conn := dial(t, ts, nil)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_control","action":"dance"}`)))
	frame := readUntil(t, conn, protocol.TypeErrorEvent)
	assert.Equal(t, "invalid_client_message", frame["code"])
	assert.Empty(t, ctrl.Actions())
}

func TestWSReportsFailedCommand(t *testing.T) {
	ts, ctrl, _ := newTestServer(t, Options{AllowAnyOrigin: true})
	ctrl.err = session.ErrInvalidTransition
	conn := dial(t, ts, nil)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_control","action":"pause"}`)))
	frame := readUntil(t, conn, protocol.TypeErrorEvent)
	assert.Equal(t, "command_failed", frame["code"])
	assert.Contains(t, frame["detail"], "invalid state transition")
}

func TestWSCheckOrigin(t *testing.T) {
	ts, _, _ := newTestServer(t, Options{AllowAnyOrigin: false})
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(u, header)
	if err == nil {
		t.Fatalf("Dial() with foreign origin succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin response = %v, want 403", resp)
	}

	same := http.Header{}
	same.Set("Origin", ts.URL)
	dial(t, ts, same)
	dial(t, ts, nil)
}

func TestStateAndPerfEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t, Options{AllowAnyOrigin: true})

	resp, err := http.Get(ts.URL + "/v1/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, session.StateIdle, snap.State)
	assert.Equal(t, "verse", snap.Voice.ID)

	perf, err := http.Get(ts.URL + "/v1/perf/negotiation")
	require.NoError(t, err)
	defer perf.Body.Close()
	require.Equal(t, http.StatusOK, perf.StatusCode)
	var stages observability.StageSnapshot
	require.NoError(t, json.NewDecoder(perf.Body).Decode(&stages))
}

func TestServeStopsWithContext(t *testing.T) {
	ctrl := &stubController{}
	srv := New(Options{ShutdownTimeout: time.Second}, ctrl, pubsub.NewBus(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
