package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		Timeout: time.Second,
		Retry: RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsed:      200 * time.Millisecond,
		},
		Breaker: BreakerConfig{MaxFailures: 100, OpenTimeout: time.Minute},
	}
}

func TestForwardTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tasks", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": body["id"], "status": "todo"})
	}))
	defer srv.Close()

	c := New(fastConfig(), nil)
	out, err := c.ForwardTask(context.Background(), srv.URL+"/api/", "secret", map[string]any{"id": "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", out["id"])
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out map[string]any
	err := New(fastConfig(), nil).Post(context.Background(), srv.URL, "/tasks", "", map[string]any{}, &out)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, true, out["ok"])
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(fastConfig(), nil).ForwardTask(context.Background(), srv.URL, "", map[string]any{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, http.StatusBadRequest, perm.StatusCode)
	assert.Equal(t, "bad payload", perm.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGivesUpAfterMaxElapsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(fastConfig(), nil).Post(context.Background(), srv.URL, "/tasks", "", nil, nil)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, http.StatusInternalServerError, transient.StatusCode)
	assert.False(t, IsPermanent(err))
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Breaker.MaxFailures = 2
	c := New(cfg, nil)

	err := c.Post(context.Background(), srv.URL, "/tasks", "", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), calls.Load())

	// Open circuit fails fast without reaching the server.
	err = c.Post(context.Background(), srv.URL, "/tasks", "", nil, nil)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidURL(t *testing.T) {
	err := New(fastConfig(), nil).Post(context.Background(), "not a url", "/tasks", "", nil, nil)
	assert.True(t, IsPermanent(err))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true,"version":"dev"}`))
	}))
	defer srv.Close()

	out, err := New(Config{}, nil).Health(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "dev", out["version"])
}

func TestNotify(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, New(fastConfig(), nil).Notify(context.Background(), srv.URL+"/tasks/p-1/subtask-callback", "", map[string]any{"status": "completed"}))
	assert.Equal(t, "/tasks/p-1/subtask-callback", <-got)
}
