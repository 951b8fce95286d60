// Package ai holds the transport shared by the text-generation providers.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of a non-2xx body is kept for the error message.
const maxErrorBody = 4 << 10

// ClientConfig configures a provider HTTP client.
type ClientConfig struct {
	Provider string
	BaseURL  string
	Headers  map[string]string
	// MaxRetries is the number of retries after the first attempt for
	// transport errors, 429 and 5xx responses.
	MaxRetries int
	// RequestsPerSecond limits outgoing calls; 0 disables limiting.
	RequestsPerSecond float64
	// Limiter overrides RequestsPerSecond so several clients can share a budget.
	Limiter    *rate.Limiter
	HTTPClient *http.Client
	// InitialBackoff is the first retry delay; defaults to 500ms.
	InitialBackoff time.Duration
}

// Client posts JSON to a provider API with rate limiting, retries and error
// classification. Deadlines come from the caller's context.
type Client struct {
	provider       string
	baseURL        string
	headers        map[string]string
	http           *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	initialBackoff time.Duration
}

// NewClient creates a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limiter := cfg.Limiter
	if limiter == nil && cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		provider:       cfg.Provider,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		headers:        cfg.Headers,
		http:           httpClient,
		limiter:        limiter,
		maxRetries:     maxRetries,
		initialBackoff: initial,
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.kind }

// PostJSON sends body to path and decodes a 2xx JSON response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", c.provider, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxElapsedTime = 0

	attempt := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: %s: waiting for rate limiter: %v", ErrRateLimited, c.provider, err))
			}
		}
		err := c.do(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	err = backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrInferenceTimeout) {
		return fmt.Errorf("%w: %s: %v", ErrInferenceTimeout, c.provider, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: building request: %w", c.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyError(c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
			kind:       statusKind(resp.StatusCode),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decoding response: %v", ErrInvalidResponse, c.provider, err)
	}
	return nil
}

func statusKind(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrInferenceTimeout
	case code >= 500:
		return ErrProviderUnavailable
	default:
		return ErrRequestRejected
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrInferenceTimeout)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", ErrInferenceTimeout, provider, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrInferenceTimeout, provider, err)
	}

	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, provider, err)
}
