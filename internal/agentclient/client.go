// Package agentclient talks to other Ananta nodes over HTTP with retries
// and a per-host circuit breaker.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/ananta888/ananta/internal/logging"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 10 * time.Second

// TransientError is a failure worth retrying: network errors, timeouts,
// 429 and 5xx responses.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient agent error (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient agent error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that retrying will not fix, such as a 4xx
// response.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("agent rejected request (%d): %s", e.StatusCode, e.Body)
}

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Config configures a Client.
type Config struct {
	Timeout time.Duration
	Retry   RetryConfig
	Breaker BreakerConfig
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Retry: RetryConfig{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			MaxElapsed:      30 * time.Second,
		},
		Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
	}
}

// Client posts JSON to agent endpoints.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a client. Zero config fields use the defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = def.Retry.InitialInterval
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = def.Retry.MaxInterval
	}
	if cfg.Retry.MaxElapsed <= 0 {
		cfg.Retry.MaxElapsed = def.Retry.MaxElapsed
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = def.Breaker.MaxFailures
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = def.Breaker.OpenTimeout
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		logger:   logging.OrDiscard(logger).With("component", "agentclient"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	maxFailures := c.cfg.Breaker.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     c.cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "host", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A rejected request means the host is up.
			var perm *PermanentError
			return err == nil || errors.As(err, &perm) || errors.Is(err, context.Canceled)
		},
	})
	c.breakers[host] = cb
	return cb
}

// Post sends body as JSON to baseURL+path and decodes the response into
// out when out is non-nil. Transient failures are retried.
func (c *Client) Post(ctx context.Context, baseURL, path, token string, body, out any) error {
	target, host, err := join(baseURL, path)
	if err != nil {
		return &PermanentError{Body: err.Error()}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	cb := c.breaker(host)

	var respBody []byte
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		res, err := cb.Execute(func() (any, error) {
			return c.do(ctx, http.MethodPost, target, token, payload)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(&TransientError{Err: err})
			}
			var perm *PermanentError
			if errors.As(err, &perm) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Debug("agent request failed, retrying", "url", target, "error", err)
			return err
		}
		respBody = res.([]byte)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.Retry.InitialInterval
	policy.MaxInterval = c.cfg.Retry.MaxInterval
	policy.MaxElapsedTime = c.cfg.Retry.MaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", target, err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target, token string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, &PermanentError{Body: err.Error()}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	case resp.StatusCode >= 400:
		return nil, &PermanentError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// ForwardTask creates a task on a remote agent and returns its response.
func (c *Client) ForwardTask(ctx context.Context, agentURL, token string, task any) (map[string]any, error) {
	var out map[string]any
	if err := c.Post(ctx, agentURL, "/tasks", token, task, &out); err != nil {
		return nil, fmt.Errorf("forwarding task to %s: %w", agentURL, err)
	}
	return out, nil
}

// Notify posts a callback payload. It does not decode the response.
func (c *Client) Notify(ctx context.Context, callbackURL, token string, payload any) error {
	return c.Post(ctx, callbackURL, "", token, payload, nil)
}

// Health checks a remote agent's /health endpoint once, without retries.
func (c *Client) Health(ctx context.Context, agentURL string) (map[string]any, error) {
	target, _, err := join(agentURL, "/health")
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, target, "", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return out, nil
}

// IsPermanent reports whether err is a non-retryable agent failure.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

func join(baseURL, path string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("invalid agent url %q", baseURL)
	}
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return u.String(), u.Host, nil
}
