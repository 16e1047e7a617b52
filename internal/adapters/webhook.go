package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

const webhookSettingsSchema = `{
	"type": "object",
	"properties": {
		"baseUrl": {"type": "string", "minLength": 1},
		"token": {"type": "string"},
		"timeoutSeconds": {"type": "number", "exclusiveMinimum": 0},
		"rateLimitRps": {"type": "number", "exclusiveMinimum": 0}
	}
}`

type WebhookSettings struct {
	BaseURL        string  `json:"baseUrl"`
	Token          string  `json:"token"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
	RateLimitRPS   float64 `json:"rateLimitRps"`
}

// WebhookBackend forwards tasks to a JSON service exposing /tasks and
// /health. Its name comes from the manifest that declared it.
type WebhookBackend struct {
	name   string
	client *restClient
}

type webhookTaskResponse struct {
	ID   string          `json:"id"`
	Task *taskrelay.Task `json:"task,omitempty"`
}

type webhookHealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewWebhookBackend(name string, manifest Manifest, settings taskrelay.Settings) (*WebhookBackend, error) {
	merged := taskrelay.Settings{}
	for key, value := range manifest.Defaults {
		merged[key] = value
	}
	for key, value := range settings {
		merged[key] = value
	}
	parsed, err := taskrelay.DecodeSettings[WebhookSettings](merged)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(parsed.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %s requires baseUrl", taskrelay.ErrInvalidSettings, name)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %s baseUrl: %v", taskrelay.ErrInvalidSettings, name, err)
	}
	headers := map[string]string{}
	if token := strings.TrimSpace(parsed.Token); token != "" {
		header := manifest.TokenHeader
		if header == "" {
			header = "Authorization"
		}
		prefix := manifest.TokenPrefix
		if prefix == "" && header == "Authorization" {
			prefix = "Bearer "
		}
		headers[header] = prefix + token
	}
	return &WebhookBackend{
		name: name,
		client: newRESTClient(restClientOptions{
			Backend:      name,
			BaseURL:      baseURL,
			Timeout:      secondsToDuration(parsed.TimeoutSeconds),
			RateLimitRPS: parsed.RateLimitRPS,
			Headers:      headers,
			UserAgent:    "taskrelay-webhook",
		}),
	}, nil
}

func (b *WebhookBackend) Name() string {
	return b.name
}

func (b *WebhookBackend) SaveTask(ctx context.Context, task taskrelay.Task) (string, error) {
	var resp webhookTaskResponse
	status, err := b.client.do(ctx, http.MethodPost, "/tasks", task, &resp)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", &taskrelay.BackendError{Backend: b.name, Message: "tasks endpoint not found"}
	}
	if strings.TrimSpace(resp.ID) == "" {
		return "", &taskrelay.BackendError{Backend: b.name, Message: "create response missing id"}
	}
	return resp.ID, nil
}

func (b *WebhookBackend) UpdateTask(ctx context.Context, externalID string, task taskrelay.Task) (bool, error) {
	status, err := b.client.do(ctx, http.MethodPut, webhookTaskPath(externalID), task, nil)
	if err != nil {
		return false, err
	}
	return status != http.StatusNotFound, nil
}

func (b *WebhookBackend) DeleteTask(ctx context.Context, externalID string) (bool, error) {
	status, err := b.client.do(ctx, http.MethodDelete, webhookTaskPath(externalID), nil, nil)
	if err != nil {
		return false, err
	}
	return status != http.StatusNotFound, nil
}

func (b *WebhookBackend) GetTask(ctx context.Context, externalID string) (*taskrelay.Task, error) {
	var resp webhookTaskResponse
	status, err := b.client.do(ctx, http.MethodGet, webhookTaskPath(externalID), nil, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || resp.Task == nil {
		return nil, nil
	}
	task := *resp.Task
	if task.ID == "" {
		task.ID = externalID
	}
	return &task, nil
}

func (b *WebhookBackend) HealthCheck(ctx context.Context) taskrelay.HealthReport {
	started := time.Now()
	var resp webhookHealthResponse
	status, err := b.client.do(ctx, http.MethodGet, "/health", nil, &resp)
	if err != nil {
		return taskrelay.UnhealthyReport(started, err)
	}
	if status == http.StatusNotFound {
		return taskrelay.NewHealthReport(taskrelay.HealthDegraded, started, "health endpoint not found")
	}
	switch taskrelay.HealthStatus(strings.ToLower(strings.TrimSpace(resp.Status))) {
	case taskrelay.HealthDegraded:
		return taskrelay.NewHealthReport(taskrelay.HealthDegraded, started, resp.Message)
	case taskrelay.HealthUnhealthy:
		return taskrelay.NewHealthReport(taskrelay.HealthUnhealthy, started, resp.Message)
	}
	return taskrelay.NewHealthReport(taskrelay.HealthHealthy, started, resp.Message)
}

func (b *WebhookBackend) Close() error {
	return b.client.Close()
}

func webhookTaskPath(externalID string) string {
	return "/tasks/" + url.PathEscape(strings.TrimSpace(externalID))
}
