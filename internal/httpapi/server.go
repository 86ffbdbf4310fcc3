package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/broker"
	"github.com/antoniostano/parley/internal/config"
	"github.com/antoniostano/parley/internal/fault"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/policy"
	"github.com/antoniostano/parley/internal/voice"
)

// CredentialMinter is the broker surface the HTTP layer needs.
type CredentialMinter interface {
	Configured() bool
	RequestEphemeralCredential(ctx context.Context, voice, model string) (*broker.Lease, error)
}

type Server struct {
	cfg     config.Config
	minter  CredentialMinter
	catalog voice.Catalog
	metrics *observability.Metrics
	logger  *zap.Logger
}

func New(cfg config.Config, minter CredentialMinter, catalog voice.Catalog, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		minter:  minter,
		catalog: catalog,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: s.allowOrigin,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:  []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:          300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Post("/session", s.handleCreateSession)
	r.Get("/api/voices", s.handleListVoices)

	return r
}

// allowOrigin reflects any origin when configured to; otherwise only browser
// pages served from this host may call the API.
func (s *Server) allowOrigin(r *http.Request, origin string) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.minter == nil || !s.minter.Configured() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":         "not_ready",
			"provider_key":   false,
			"realtime_model": s.cfg.RealtimeModel,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"provider_key":   true,
		"realtime_model": s.cfg.RealtimeModel,
	})
}

type createSessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = s.cfg.RealtimeModel
	}
	if strings.TrimSpace(req.Voice) == "" {
		req.Voice = s.cfg.RealtimeVoice
	}

	if s.minter == nil {
		respondError(w, http.StatusInternalServerError, missingKeyMessage)
		return
	}
	lease, err := s.minter.RequestEphemeralCredential(r.Context(), req.Voice, req.Model)
	if err != nil {
		status, message := sessionErrorResponse(err)
		s.logger.Warn("create session failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("status", status),
			zap.String("error", policy.Truncate(policy.RedactSecrets(err.Error()), 512)),
		)
		respondError(w, status, message)
		return
	}

	// The provider payload is forwarded as-is; it carries the single-use secret.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(lease.Raw)
}

const missingKeyMessage = "Missing OPENAI_API_KEY configuration"

func sessionErrorResponse(err error) (int, string) {
	if errors.Is(err, broker.ErrMissingAPIKey) {
		return http.StatusInternalServerError, missingKeyMessage
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Status != 0 {
		return fe.Status, fe.Body
	}
	return http.StatusInternalServerError, "Failed to create session"
}

type errorResponse struct {
	Error string `json:"error"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
