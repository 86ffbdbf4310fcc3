package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/fault"
	"github.com/antoniostano/parley/internal/policy"
)

var (
	ErrLeaseConsumed = errors.New("credential lease already consumed")
	ErrNoSecret      = errors.New("credential response carries no secret")
)

// Lease is an ephemeral credential bound to one negotiation attempt.
type Lease struct {
	ExpiresAt time.Time

	mu     sync.Mutex
	secret string
	used   bool
}

func NewLease(secret string, expiresAt time.Time) *Lease {
	return &Lease{secret: secret, ExpiresAt: expiresAt}
}

// Consume returns the secret exactly once.
func (l *Lease) Consume() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used {
		return "", ErrLeaseConsumed
	}
	l.used = true
	secret := l.secret
	l.secret = ""
	if secret == "" {
		return "", ErrNoSecret
	}
	return secret, nil
}

// CredentialSource mints leases.
type CredentialSource interface {
	RequestEphemeralCredential(ctx context.Context, voice, model string) (*Lease, error)
}

const opCredential = "request ephemeral credential"

// CredentialClient asks the application backend for a lease.
type CredentialClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewCredentialClient(baseURL string, timeout time.Duration, logger *zap.Logger) *CredentialClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *CredentialClient) RequestEphemeralCredential(ctx context.Context, voice, model string) (*Lease, error) {
	body, err := json.Marshal(map[string]string{"model": model, "voice": voice})
	if err != nil {
		return nil, fault.New(fault.KindCredential, opCredential, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return nil, fault.New(fault.KindCredential, opCredential, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fault.New(fault.KindCredential, opCredential, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fault.New(fault.KindCredential, opCredential, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// The backend wraps the provider's text as {"error": text}.
		text := string(raw)
		if e := gjson.GetBytes(raw, "error"); e.Type == gjson.String {
			text = e.String()
		}
		c.logger.Debug("credential endpoint rejected request",
			zap.Int("status", res.StatusCode),
			zap.String("body", policy.Truncate(policy.RedactSecrets(text), 512)))
		return nil, fault.HTTP(fault.KindCredential, opCredential, res.StatusCode, text)
	}

	secret, expires := extractSecret(raw)
	if secret == "" {
		return nil, fault.New(fault.KindCredential, opCredential, ErrNoSecret)
	}
	return NewLease(secret, expires), nil
}

// extractSecret reads client_secret.value, then a bare client_secret string, then
// a top-level value.
func extractSecret(raw []byte) (string, time.Time) {
	var expires time.Time
	if exp := gjson.GetBytes(raw, "client_secret.expires_at").Int(); exp > 0 {
		expires = time.Unix(exp, 0).UTC()
	}
	results := gjson.GetManyBytes(raw, "client_secret.value", "client_secret", "value")
	if results[0].Type == gjson.String && results[0].String() != "" {
		return results[0].String(), expires
	}
	if results[1].Type == gjson.String && results[1].String() != "" {
		return results[1].String(), expires
	}
	if results[2].Type == gjson.String {
		return results[2].String(), expires
	}
	return "", expires
}
