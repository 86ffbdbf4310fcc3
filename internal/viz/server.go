// Package viz serves the conversation's live state to a visualization consumer
// over a WebSocket, and accepts the same control commands as the terminal.
package viz

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/audio"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/protocol"
	"github.com/antoniostano/parley/internal/pubsub"
	"github.com/antoniostano/parley/internal/session"
)

// Controller is the conversation surface driven by socket clients.
type Controller interface {
	Snapshot() session.Snapshot
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Restart(ctx context.Context) error
	Stop() error
	SetMuted(muted bool)
	NextVoice(ctx context.Context) error
	PrevVoice(ctx context.Context) error
	SelectVoiceByID(ctx context.Context, id string) error
}

type Options struct {
	AllowAnyOrigin  bool
	ShutdownTimeout time.Duration
}

type Server struct {
	opts       Options
	controller Controller
	bus        *pubsub.Bus
	metrics    *observability.Metrics
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	// commands tracks control commands still running after their socket closed.
	commands sync.WaitGroup
}

func New(opts Options, controller Controller, bus *pubsub.Bus, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{
		opts:       opts,
		controller: controller,
		bus:        bus,
		metrics:    metrics,
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin allows non-browser clients and same-host pages unless any origin
// is allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/state", s.handleState)
	r.Get("/v1/perf/negotiation", s.handlePerfNegotiation)
	r.Get("/ws", s.handleWS)
	return r
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("visualization server listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("visualization server shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	s.commands.Wait()
	return <-errCh
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handlePerfNegotiation(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.logger.Debug("visualization client connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	states, unsubState := s.bus.State.Subscribe(16)
	defer unsubState()
	local, unsubLocal := s.bus.LocalLevel.Subscribe(8)
	defer unsubLocal()
	remote, unsubRemote := s.bus.RemoteLevel.Subscribe(8)
	defer unsubRemote()
	signals, unsubSignal := s.bus.Signal.Subscribe(64)
	defer unsubSignal()
	failures, unsubErrors := s.bus.Errors.Subscribe(16)
	defer unsubErrors()

	outbound := make(chan any, 64)
	outbound <- stateFrame(s.controller.Snapshot())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
				continue
			case m := <-outbound:
				msg = m
			case st, ok := <-states:
				if !ok {
					return
				}
				msg = protocol.StateFrame{
					Type:      protocol.TypeState,
					State:     st.State,
					Muted:     st.Muted,
					VoiceID:   st.VoiceID,
					SessionID: st.SessionID,
					Error:     st.Error,
					TSMs:      st.At.UnixMilli(),
				}
			case sample, ok := <-local:
				if !ok {
					return
				}
				msg = levelFrame(protocol.SourceLocal, sample)
			case sample, ok := <-remote:
				if !ok {
					return
				}
				msg = levelFrame(protocol.SourceRemote, sample)
			case ev, ok := <-signals:
				if !ok {
					return
				}
				msg = protocol.SignalFrame{
					Type:      protocol.TypeSignal,
					EventType: ev.Type,
					EventID:   ev.EventID,
					Payload:   ev.Raw,
				}
			case f, ok := <-failures:
				if !ok {
					return
				}
				msg = protocol.ErrorFrame{Type: protocol.TypeErrorEvent, Code: f.Kind, Detail: f.Message, Retryable: f.Retryable}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	// Commands outlive the socket: a stop must not be cut short by a disconnect.
	cmdCtx := context.WithoutCancel(ctx)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			queue(outbound, protocol.ErrorFrame{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			})
			continue
		}
		ctrl, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.commands.Add(1)
		go func() {
			defer s.commands.Done()
			if err := s.dispatch(cmdCtx, ctrl); err != nil {
				s.logger.Debug("control command failed", zap.String("action", ctrl.Action), zap.Error(err))
				queue(outbound, protocol.ErrorFrame{
					Type:   protocol.TypeErrorEvent,
					Code:   "command_failed",
					Detail: ctrl.Action + ": " + err.Error(),
				})
			}
		}()
	}

	cancel()
	<-writerDone
	s.logger.Debug("visualization client disconnected", zap.String("remote", r.RemoteAddr))
}

// dispatch applies one control command to the conversation.
func (s *Server) dispatch(ctx context.Context, c protocol.ClientControl) error {
	switch c.Action {
	case protocol.ActionStart:
		return s.controller.Start(ctx)
	case protocol.ActionPause:
		return s.controller.Pause()
	case protocol.ActionResume:
		return s.controller.Resume()
	case protocol.ActionRestart:
		return s.controller.Restart(ctx)
	case protocol.ActionStop:
		return s.controller.Stop()
	case protocol.ActionMute:
		s.controller.SetMuted(true)
		return nil
	case protocol.ActionUnmute:
		s.controller.SetMuted(false)
		return nil
	case protocol.ActionNext:
		return s.controller.NextVoice(ctx)
	case protocol.ActionPrev:
		return s.controller.PrevVoice(ctx)
	case protocol.ActionSelect:
		return s.controller.SelectVoiceByID(ctx, c.VoiceID)
	default:
		return protocol.ErrUnsupportedType
	}
}

// queue drops msg when the writer is saturated; writes stay single-threaded.
func queue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}

func stateFrame(snap session.Snapshot) protocol.StateFrame {
	return protocol.StateFrame{
		Type:      protocol.TypeState,
		State:     string(snap.State),
		Muted:     snap.Muted,
		VoiceID:   snap.Voice.ID,
		SessionID: snap.SessionID,
		Error:     snap.Error,
		TSMs:      time.Now().UnixMilli(),
	}
}

func levelFrame(source string, s audio.Sample) protocol.LevelFrame {
	return protocol.LevelFrame{
		Type:   protocol.TypeLevel,
		Source: source,
		Level:  s.Level,
		Bands:  append([]float64(nil), s.Bands[:]...),
		TSMs:   time.Now().UnixMilli(),
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
