package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	codepunk "github.com/codepunk/codepunk"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1/"
	apiVersion     = "2023-06-01"

	// errBodyLimit caps the body text carried inside a 4xx error.
	errBodyLimit = 300

	maxAttempts = 4
)

// backoffSchedule is the base delay per retry; 50-250ms jitter is added on
// top. Retry-After, when present, replaces the scheduled delay.
var backoffSchedule = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	4 * time.Second,
}

// client is the HTTP transport shared by Send, Stream and CountTokens.
type client struct {
	apiKey  string
	baseURL string
	version string
	http    *http.Client
	logger  *slog.Logger
}

func newClient(apiKey, baseURL string, httpClient *http.Client, logger *slog.Logger) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &client{
		apiKey:  sanitizeHeader(apiKey),
		baseURL: normalizeBaseURL(baseURL),
		version: sanitizeHeader(apiVersion),
		http:    httpClient,
		logger:  logger,
	}
}

// normalizeBaseURL guarantees exactly one trailing slash.
func normalizeBaseURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/") + "/"
}

// sanitizeHeader strips CR/LF and surrounding whitespace so values are safe
// to place in HTTP headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", "")
	return strings.TrimSpace(v)
}

// post sends payload to path with the retry envelope. On success the caller
// owns resp.Body. 429 and 503 are retried honoring Retry-After or the
// backoff schedule; other failures map to typed errors immediately.
func (c *client) post(ctx context.Context, path string, payload any, stream bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &codepunk.ErrProvider{Provider: "anthropic", Message: "marshal request", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay(attempt-1, lastErr)); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, &codepunk.ErrProvider{Provider: "anthropic", Message: "create request", Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", c.apiKey)
		req.Header.Set("Anthropic-Version", c.version)
		if stream {
			req.Header.Set("Accept", "text/event-stream")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &codepunk.ErrProvider{Provider: "anthropic", Message: "request failed", Err: err}
			continue
		}
		c.logRateLimits(resp)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		herr := c.httpError(resp)
		resp.Body.Close()
		if !codepunk.IsTransient(herr) {
			return nil, herr
		}
		c.logger.Debug("retrying after transient provider error",
			"status", resp.StatusCode, "attempt", attempt+1, "retry_after", codepunk.RetryAfterOf(herr))
		lastErr = herr
	}
	return nil, &codepunk.ErrProvider{Provider: "anthropic", Message: "retries exhausted", Err: lastErr}
}

// httpError maps a non-2xx response to a typed error. 4xx bodies other than
// 401 are truncated to errBodyLimit characters.
func (c *client) httpError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	text := string(raw)
	var env apiError
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		text = env.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		text = "unauthorized: check the API key"
	case resp.StatusCode >= 500 && !isTransientStatus(resp.StatusCode):
		text = fmt.Sprintf("provider server error (%d)", resp.StatusCode)
	default:
		text = truncate(text, errBodyLimit)
	}

	return &codepunk.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       text,
		RetryAfter: codepunk.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// retryDelay returns the wait before the next attempt: the server's
// Retry-After when given, else the schedule plus 50-250ms jitter.
func retryDelay(step int, lastErr error) time.Duration {
	if d := codepunk.RetryAfterOf(lastErr); d > 0 {
		return d
	}
	if step >= len(backoffSchedule) {
		step = len(backoffSchedule) - 1
	}
	jitter := time.Duration(50+rand.Intn(200)) * time.Millisecond
	return backoffSchedule[step] + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// logRateLimits records x-ratelimit-* headers at debug for every response.
func (c *client) logRateLimits(resp *http.Response) {
	var attrs []any
	for name, vals := range resp.Header {
		if strings.HasPrefix(strings.ToLower(name), "x-ratelimit-") && len(vals) > 0 {
			attrs = append(attrs, strings.ToLower(name), vals[0])
		}
	}
	if len(attrs) > 0 {
		c.logger.Debug("provider rate limits", attrs...)
	}
}

// truncate shortens s to limit runes with an ellipsis.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
