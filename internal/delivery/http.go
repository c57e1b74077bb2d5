package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// Error codes returned by the automation service.
const (
	codeButtonNotFound  = "message_button_not_found"
	codeSelectorTimeout = "selector_timeout"
)

// HTTPConfig configures an HTTPAgent.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSecond caps outbound requests. Zero disables limiting.
	RatePerSecond float64
	Retry         resilience.RetryConfig
}

// HTTPOption configures an HTTPAgent.
type HTTPOption func(*HTTPAgent)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(a *HTTPAgent) {
		a.http = hc
	}
}

// HTTPAgent drives a remote automation service over JSON/HTTP.
type HTTPAgent struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig

	mu        sync.Mutex
	sessionID string
}

// NewHTTPAgent creates an agent for the automation service at cfg.BaseURL.
func NewHTTPAgent(cfg HTTPConfig, opts ...HTTPOption) *HTTPAgent {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	a := &HTTPAgent{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		retry:   cfg.Retry,
	}
	if cfg.RatePerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(int(cfg.RatePerSecond), 1))
	}
	if a.retry.OnRetry == nil {
		a.retry.OnRetry = resilience.RetryLogger("delivery", "http")
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type sessionRequest struct {
	Account string `json:"account"`
	Secret  string `json:"secret"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAgent) Init(ctx context.Context, creds model.Credentials) error {
	if creds.Empty() {
		return eris.New("delivery: missing credentials")
	}

	var resp sessionResponse
	err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.do(ctx, http.MethodPost, "/sessions", sessionRequest{Account: creds.Account, Secret: creds.Secret}, &resp)
	})
	if err != nil {
		return eris.Wrap(err, "delivery: init session")
	}
	if resp.SessionID == "" {
		return eris.New("delivery: init session: empty session id")
	}

	a.mu.Lock()
	a.sessionID = resp.SessionID
	a.mu.Unlock()

	zap.L().Debug("delivery: session started", zap.String("session_id", resp.SessionID))
	return nil
}

func (a *HTTPAgent) Deliver(ctx context.Context, msg Message) error {
	id := a.session()
	if id == "" {
		return Fatal(ErrNoSession)
	}

	path := "/sessions/" + url.PathEscape(id) + "/messages"
	err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.do(ctx, http.MethodPost, path, msg, nil)
	})
	return eris.Wrapf(err, "delivery: deliver to %s", msg.Destination)
}

// Release ends the session. Calling it without a session is a no-op.
func (a *HTTPAgent) Release(ctx context.Context) error {
	a.mu.Lock()
	id := a.sessionID
	a.sessionID = ""
	a.mu.Unlock()
	if id == "" {
		return nil
	}

	err := a.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
	return eris.Wrap(err, "delivery: release session")
}

func (a *HTTPAgent) session() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// do performs one request. Automation failures reported by the service are
// mapped to fatal errors; retryable statuses come back transient.
func (a *HTTPAgent) do(ctx context.Context, method, path string, in, out any) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "delivery: rate limit")
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return eris.Wrap(err, "delivery: marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return eris.Wrap(err, "delivery: create request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "delivery: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return eris.Wrap(err, "delivery: read response")
	}

	if resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		detail := er.Error
		if detail == "" {
			detail = string(raw)
		}
		switch er.Code {
		case codeButtonNotFound:
			return Fatal(eris.Wrapf(ErrButtonNotFound, "status %d: %s", resp.StatusCode, detail))
		case codeSelectorTimeout:
			return Fatal(eris.Wrapf(ErrSelectorTimeout, "status %d: %s", resp.StatusCode, detail))
		}
		return resilience.CheckStatus("delivery", resp.StatusCode, detail)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return eris.Wrap(err, "delivery: decode response")
		}
	}
	return nil
}
