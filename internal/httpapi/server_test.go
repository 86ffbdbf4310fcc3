package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/antoniostano/parley/internal/broker"
	"github.com/antoniostano/parley/internal/config"
	"github.com/antoniostano/parley/internal/fault"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/voice"
)

type stubMinter struct {
	configured bool
	lease      *broker.Lease
	err        error

	gotVoice string
	gotModel string
}

func (m *stubMinter) Configured() bool { return m.configured }

func (m *stubMinter) RequestEphemeralCredential(_ context.Context, v, model string) (*broker.Lease, error) {
	m.gotVoice, m.gotModel = v, model
	return m.lease, m.err
}

func newTestServer(t *testing.T, minter CredentialMinter) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		RealtimeModel:  "gpt-4o-realtime-preview-2024-12-17",
		RealtimeVoice:  "verse",
		AllowAnyOrigin: true,
	}
	srv := New(cfg, minter, voice.DefaultCatalog(), observability.NewMetrics("test_httpapi", nil), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func decodeError(t *testing.T, res *http.Response) string {
	t.Helper()
	var payload errorResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return payload.Error
}

func TestCreateSessionForwardsProviderPayload(t *testing.T) {
	raw := []byte(`{"id":"sess_1","client_secret":{"value":"ek_1","expires_at":1}}`)
	minter := &stubMinter{configured: true, lease: &broker.Lease{Raw: raw}}
	ts := newTestServer(t, minter)

	res, err := http.Post(ts.URL+"/session", "application/json", strings.NewReader(`{"voice":"ash"}`))
	if err != nil {
		t.Fatalf("POST /session error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(res.Body)
	if body.String() != string(raw) {
		t.Fatalf("body = %q, want provider payload verbatim", body.String())
	}
	if minter.gotVoice != "ash" || minter.gotModel != "gpt-4o-realtime-preview-2024-12-17" {
		t.Fatalf("minter got voice=%q model=%q", minter.gotVoice, minter.gotModel)
	}
}

func TestCreateSessionDefaultsWithEmptyBody(t *testing.T) {
	minter := &stubMinter{configured: true, lease: &broker.Lease{Raw: []byte(`{}`)}}
	ts := newTestServer(t, minter)

	res, err := http.Post(ts.URL+"/session", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if minter.gotVoice != "verse" {
		t.Fatalf("voice = %q, want default verse", minter.gotVoice)
	}
}

func TestCreateSessionErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing key",
			err:        fault.New(fault.KindCredential, "mint", broker.ErrMissingAPIKey),
			body:       `{}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "Missing OPENAI_API_KEY configuration",
		},
		{
			name:       "provider rejects",
			err:        fault.HTTP(fault.KindCredential, "mint", http.StatusUnauthorized, `{"error":"bad key"}`),
			body:       `{}`,
			wantStatus: http.StatusUnauthorized,
			wantError:  `{"error":"bad key"}`,
		},
		{
			name:       "network failure",
			err:        fault.New(fault.KindCredential, "mint", errors.New("dial tcp: refused")),
			body:       `{}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "Failed to create session",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, &stubMinter{configured: true, err: tc.err})
			res, err := http.Post(ts.URL+"/session", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("POST /session error = %v", err)
			}
			defer res.Body.Close()
			if res.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.wantStatus)
			}
			if got := decodeError(t, res); got != tc.wantError {
				t.Fatalf("error = %q, want %q", got, tc.wantError)
			}
		})
	}
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, &stubMinter{configured: true})
	res, err := http.Post(ts.URL+"/session", "application/json", strings.NewReader(`{"model":`))
	if err != nil {
		t.Fatalf("POST /session error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestListVoices(t *testing.T) {
	ts := newTestServer(t, &stubMinter{})
	res, err := http.Get(ts.URL + "/api/voices")
	if err != nil {
		t.Fatalf("GET /api/voices error = %v", err)
	}
	defer res.Body.Close()

	var payload listVoicesResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Success || len(payload.Data) != 8 {
		t.Fatalf("payload = %+v, want success with 8 voices", payload)
	}
	if payload.Data[7].RealtimeVoice != "verse" {
		t.Fatalf("last voice = %+v", payload.Data[7])
	}
}

func TestReadyReflectsProviderKey(t *testing.T) {
	ts := newTestServer(t, &stubMinter{configured: false})
	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
}

func TestCORSReflectsOrigin(t *testing.T) {
	ts := newTestServer(t, &stubMinter{})
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/voices", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}
