package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPConfig configures an HTTP embedding client.
type HTTPConfig struct {
	// Name identifies the client (default: provider name).
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Model is the embedding model to request.
	Model string

	// Dimensions is the embedding vector size (model-dependent).
	Dimensions int

	// MaxInputSize is the largest accepted input in bytes.
	MaxInputSize int

	// PreferredBatchSize is the number of texts per request.
	PreferredBatchSize int

	// RequestsPerSecond throttles calls; 0 disables throttling.
	RequestsPerSecond float64

	// Timeout bounds each call (default: 30s).
	Timeout time.Duration
}

const defaultHTTPTimeout = 30 * time.Second

// httpTransport holds what the OpenAI and Ollama clients share: the HTTP
// client, the per-call timeout, the rate limiter and status classification.
type httpTransport struct {
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	apiKey  string
}

func newHTTPTransport(cfg HTTPConfig) *httpTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &httpTransport{
		client:  &http.Client{},
		timeout: timeout,
		limiter: limiter,
		apiKey:  cfg.APIKey,
	}
}

// postJSON sends body to url and decodes a 200 response into out.
// HTTP 429 and 5xx, network errors and timeouts wrap ErrTransient;
// other non-200 statuses and undecodable responses wrap ErrPermanent.
func (t *httpTransport) postJSON(ctx context.Context, url string, body, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
	}
	return nil
}

// get issues a short GET and reports whether it returned 200.
func (t *httpTransport) get(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func classifyStatus(status int, body string) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: api error %d: %s", ErrTransient, status, body)
	}
	return fmt.Errorf("%w: api error %d: %s", ErrPermanent, status, body)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: timeout: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: request failed: %v", ErrTransient, err)
}

// checkCount verifies the provider returned one vector per input.
func checkCount(got, want int) error {
	if got != want {
		return fmt.Errorf("%w: expected %d embeddings, got %d", ErrPermanent, want, got)
	}
	return nil
}
