package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/fault"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/policy"
)

// Exchanger trades a local offer for the provider's answer.
type Exchanger interface {
	Exchange(ctx context.Context, model, offer, secret string) (string, error)
}

const opExchange = "exchange session description"

var ErrMalformedAnswer = errors.New("malformed session description answer")

// ProviderClient posts offers to the provider's realtime negotiation endpoint.
type ProviderClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewProviderClient(endpoint string, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *ProviderClient {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = "https://api.openai.com/v1/realtime"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		metrics:  metrics,
	}
}

func (p *ProviderClient) Exchange(ctx context.Context, model, offer, secret string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fault.New(fault.KindNegotiation, opExchange, err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(offer))
	if err != nil {
		return "", fault.New(fault.KindNegotiation, opExchange, err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Accept", "application/sdp")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	start := time.Now()
	res, err := p.client.Do(req)
	p.metrics.ObserveProviderLatency("sdp_exchange", time.Since(start))
	if err != nil {
		return "", fault.New(fault.KindNegotiation, opExchange, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fault.New(fault.KindNegotiation, opExchange, fmt.Errorf("read answer: %w", err))
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		p.logger.Warn("provider rejected offer",
			zap.Int("status", res.StatusCode),
			zap.String("body", policy.Truncate(policy.RedactSecrets(string(raw)), 512)))
		return "", fault.HTTP(fault.KindNegotiation, opExchange, res.StatusCode, string(raw))
	}

	answer := string(raw)
	if !strings.HasPrefix(strings.TrimSpace(answer), "v=") {
		return "", fault.New(fault.KindNegotiation, opExchange, ErrMalformedAnswer)
	}
	return answer, nil
}
