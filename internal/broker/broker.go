// Package broker mints short-lived realtime credentials from the long-lived
// provider key. The key never leaves this package.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/fault"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/policy"
)

const opMint = "request ephemeral credential"

var ErrMissingAPIKey = errors.New("missing OPENAI_API_KEY configuration")

type Config struct {
	APIKey      string
	SessionsURL string
	Timeout     time.Duration
}

// Lease is a freshly minted credential. Raw is the provider response body as
// received; the backend forwards it to the client unchanged.
type Lease struct {
	Raw       []byte
	Secret    string
	ExpiresAt time.Time
}

type Broker struct {
	cfg     Config
	client  *http.Client
	logger  *zap.Logger
	metrics *observability.Metrics
}

type Option func(*Broker)

func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) {
		if c != nil {
			b.client = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

func New(cfg Config, opts ...Option) *Broker {
	if strings.TrimSpace(cfg.SessionsURL) == "" {
		cfg.SessionsURL = "https://api.openai.com/v1/realtime/sessions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)

	b := &Broker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configured reports whether the long-lived key is present.
func (b *Broker) Configured() bool {
	return b.cfg.APIKey != ""
}

// RequestEphemeralCredential asks the provider for a single-use session secret
// bound to voice and model. Every failure is a credential fault; non-success
// responses carry the provider's status and raw body.
func (b *Broker) RequestEphemeralCredential(ctx context.Context, voice, model string) (*Lease, error) {
	if !b.Configured() {
		b.metrics.ObserveCredentialRequest("unconfigured")
		return nil, fault.New(fault.KindCredential, opMint, ErrMissingAPIKey)
	}

	body, err := json.Marshal(map[string]string{
		"model": model,
		"voice": voice,
	})
	if err != nil {
		return nil, fault.New(fault.KindCredential, opMint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.SessionsURL, bytes.NewReader(body))
	if err != nil {
		return nil, fault.New(fault.KindCredential, opMint, err)
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := b.client.Do(req)
	b.metrics.ObserveProviderLatency("sessions", time.Since(start))
	if err != nil {
		b.metrics.ObserveCredentialRequest("network_error")
		b.logger.Warn("credential request failed", zap.String("error", policy.RedactSecrets(err.Error())))
		return nil, fault.New(fault.KindCredential, opMint, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		b.metrics.ObserveCredentialRequest("network_error")
		return nil, fault.New(fault.KindCredential, opMint, fmt.Errorf("read response: %w", err))
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b.metrics.ObserveCredentialRequest("rejected")
		b.logger.Warn("provider rejected credential request",
			zap.Int("status", res.StatusCode),
			zap.String("body", policy.Truncate(policy.RedactSecrets(string(raw)), 512)),
		)
		return nil, fault.HTTP(fault.KindCredential, opMint, res.StatusCode, string(raw))
	}

	lease := &Lease{
		Raw:    raw,
		Secret: gjson.GetBytes(raw, "client_secret.value").String(),
	}
	if exp := gjson.GetBytes(raw, "client_secret.expires_at").Int(); exp > 0 {
		lease.ExpiresAt = time.Unix(exp, 0).UTC()
	}

	b.metrics.ObserveCredentialRequest("ok")
	b.logger.Info("minted ephemeral credential",
		zap.String("model", model),
		zap.String("voice", voice),
		zap.Time("expires_at", lease.ExpiresAt),
		zap.Duration("latency", time.Since(start)),
	)
	return lease, nil
}
