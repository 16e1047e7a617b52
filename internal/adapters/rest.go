package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultRateLimitRPS   = 3
	maxErrorBodyBytes     = 64 << 10
)

type restClientOptions struct {
	Backend      string
	BaseURL      string
	HTTPClient   *http.Client
	Timeout      time.Duration
	RateLimitRPS float64
	Headers      map[string]string
	UserAgent    string
}

// restClient issues JSON requests against one remote API. Each backend
// instance owns its client and limiter.
type restClient struct {
	backend    string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	headers    map[string]string
	userAgent  string
}

func newRESTClient(opts restClientOptions) *restClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	rps := opts.RateLimitRPS
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	headers := make(map[string]string, len(opts.Headers))
	for key, value := range opts.Headers {
		headers[key] = value
	}
	return &restClient{
		backend:    opts.Backend,
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		headers:    headers,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

// do sends payload as JSON and decodes a 2xx body into out. A 404 is
// returned as a status with a nil error so callers can map it to a miss.
func (c *restClient) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, c.wrap(err, "rate limiter")
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, c.wrap(err, method+" "+path)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes<<4))
	if err != nil {
		return resp.StatusCode, c.wrap(err, "read response")
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, c.statusError(resp.StatusCode, respBody)
	}
	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, c.wrap(err, "decode response")
		}
	}
	return resp.StatusCode, nil
}

func (c *restClient) statusError(status int, body []byte) error {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	errCode := ""
	errMessage := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		for _, key := range []string{"code", "ECODE"} {
			if code, ok := parsed[key].(string); ok && code != "" {
				errCode = code
				break
			}
		}
		for _, key := range []string{"message", "err", "error"} {
			if message, ok := parsed[key].(string); ok && strings.TrimSpace(message) != "" {
				errMessage = message
				break
			}
		}
	}
	if errCode != "" {
		return &taskrelay.BackendError{
			Backend: c.backend,
			Message: fmt.Sprintf("status=%d code=%s message=%s", status, errCode, errMessage),
		}
	}
	return &taskrelay.BackendError{
		Backend: c.backend,
		Message: fmt.Sprintf("status=%d message=%s", status, errMessage),
	}
}

func (c *restClient) wrap(err error, message string) error {
	return &taskrelay.BackendError{Backend: c.backend, Message: message, Err: err}
}

func (c *restClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
