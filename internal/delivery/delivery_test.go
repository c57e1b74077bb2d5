package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

var testCreds = model.Credentials{Account: "sender@acme.com", Secret: "s3cret"}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newTestAgent(t *testing.T, h http.Handler) *HTTPAgent {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPAgent(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "key", Retry: fastRetry()})
}

func TestHTTPAgent_SessionLifecycle(t *testing.T) {
	var delivered []Message
	var released atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req sessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sender@acme.com", req.Account)
		assert.Equal(t, "s3cret", req.Secret)
		_ = json.NewEncoder(w).Encode(sessionResponse{SessionID: "sess-1"})
	})
	mux.HandleFunc("POST /sessions/sess-1/messages", func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		delivered = append(delivered, msg)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /sessions/sess-1", func(w http.ResponseWriter, _ *http.Request) {
		released.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})

	a := newTestAgent(t, mux)
	ctx := context.Background()

	require.NoError(t, a.Init(ctx, testCreds))
	require.NoError(t, a.Deliver(ctx, Message{LeadID: "l1", Destination: "https://p/1", Content: "Hi Jane"}))
	require.NoError(t, a.Release(ctx))

	require.Len(t, delivered, 1)
	assert.Equal(t, "Hi Jane", delivered[0].Content)
	assert.True(t, released.Load())

	// Second release is a no-op.
	require.NoError(t, a.Release(ctx))
}

func TestHTTPAgent_DeliverWithoutSession(t *testing.T) {
	a := NewHTTPAgent(HTTPConfig{BaseURL: "http://unused.invalid"})

	err := a.Deliver(context.Background(), Message{Destination: "x", Content: "y"})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestHTTPAgent_InitMissingCredentials(t *testing.T) {
	a := NewHTTPAgent(HTTPConfig{BaseURL: "http://unused.invalid"})
	err := a.Init(context.Background(), model.Credentials{Account: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing credentials")
}

func TestHTTPAgent_InitRejected(t *testing.T) {
	a := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(errorResponse{Error: "bad credentials"})
	}))

	err := a.Init(context.Background(), testCreds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401: bad credentials")
	assert.False(t, resilience.IsTransient(err))
}

func TestHTTPAgent_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(sessionResponse{SessionID: "s"})
	})
	mux.HandleFunc("POST /sessions/s/messages", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	a := newTestAgent(t, mux)
	require.NoError(t, a.Init(context.Background(), testCreds))
	require.NoError(t, a.Deliver(context.Background(), Message{Destination: "d", Content: "c"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPAgent_PerLeadFailureIsNotFatal(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(sessionResponse{SessionID: "s"})
	})
	mux.HandleFunc("POST /sessions/s/messages", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(errorResponse{Error: "profile not messageable"})
	})

	a := newTestAgent(t, mux)
	require.NoError(t, a.Init(context.Background(), testCreds))

	err := a.Deliver(context.Background(), Message{Destination: "d", Content: "c"})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.Contains(t, err.Error(), "profile not messageable")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPAgent_AutomationFailuresAreFatal(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{codeButtonNotFound, ErrButtonNotFound},
		{codeSelectorTimeout, ErrSelectorTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(sessionResponse{SessionID: "s"})
			})
			mux.HandleFunc("POST /sessions/s/messages", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(errorResponse{Error: "automation failed", Code: tt.code})
			})

			a := newTestAgent(t, mux)
			require.NoError(t, a.Init(context.Background(), testCreds))

			err := a.Deliver(context.Background(), Message{Destination: "d", Content: "c"})
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFatal(t *testing.T) {
	assert.NoError(t, Fatal(nil))

	err := eris.Wrap(Fatal(errors.New("session lost")), "engine: deliver")
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "session lost")
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestDryRun(t *testing.T) {
	d := NewDryRun()
	ctx := context.Background()

	require.NoError(t, d.Init(ctx, testCreds))
	require.NoError(t, d.Deliver(ctx, Message{LeadID: "l1", Destination: "d", Content: "hello"}))
	require.NoError(t, d.Release(ctx))

	assert.Len(t, d.Delivered(), 1)
	assert.True(t, d.Released())
}

func TestNewFactory(t *testing.T) {
	_, ok := NewFactory(HTTPConfig{}, false)().(*DryRun)
	assert.True(t, ok, "no base URL falls back to dry run")

	_, ok = NewFactory(HTTPConfig{BaseURL: "http://agent"}, true)().(*DryRun)
	assert.True(t, ok)

	f := NewFactory(HTTPConfig{BaseURL: "http://agent"}, false)
	a1, ok := f().(*HTTPAgent)
	require.True(t, ok)
	a2 := f().(*HTTPAgent)
	assert.NotSame(t, a1, a2)
}
