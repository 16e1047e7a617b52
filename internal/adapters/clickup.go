package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

const (
	ClickUpBackendName    = "clickup"
	clickUpDefaultBaseURL = "https://api.clickup.com/api/v2"
)

const clickUpSettingsSchema = `{
	"type": "object",
	"required": ["apiKey", "listId"],
	"properties": {
		"apiKey": {"type": "string", "minLength": 1},
		"listId": {"type": "string", "minLength": 1},
		"timeoutSeconds": {"type": "number", "exclusiveMinimum": 0},
		"baseUrl": {"type": "string"},
		"rateLimitRps": {"type": "number", "exclusiveMinimum": 0}
	}
}`

type ClickUpSettings struct {
	APIKey         string  `json:"apiKey"`
	ListID         string  `json:"listId"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
	BaseURL        string  `json:"baseUrl"`
	RateLimitRPS   float64 `json:"rateLimitRps"`
}

var (
	clickUpStatusNames = map[taskrelay.TaskStatus]string{
		taskrelay.TaskStatusPending:    "to do",
		taskrelay.TaskStatusInProgress: "in progress",
		taskrelay.TaskStatusCompleted:  "complete",
		taskrelay.TaskStatusCancelled:  "cancelled",
	}
	clickUpPriorityLevels = map[taskrelay.TaskPriority]int{
		taskrelay.TaskPriorityHigh:   2,
		taskrelay.TaskPriorityMedium: 3,
		taskrelay.TaskPriorityLow:    4,
	}
)

// ClickUpBackend stores tasks in one ClickUp list via the v2 REST API.
type ClickUpBackend struct {
	listID string
	client *restClient
}

func NewClickUpBackend(settings taskrelay.Settings) (*ClickUpBackend, error) {
	parsed, err := taskrelay.DecodeSettings[ClickUpSettings](settings)
	if err != nil {
		return nil, err
	}
	parsed.APIKey = strings.TrimSpace(parsed.APIKey)
	parsed.ListID = strings.TrimSpace(parsed.ListID)
	if parsed.APIKey == "" || parsed.ListID == "" {
		return nil, fmt.Errorf("%w: clickup requires apiKey and listId", taskrelay.ErrInvalidSettings)
	}
	baseURL := parsed.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = clickUpDefaultBaseURL
	}
	return &ClickUpBackend{
		listID: parsed.ListID,
		client: newRESTClient(restClientOptions{
			Backend:      ClickUpBackendName,
			BaseURL:      baseURL,
			Timeout:      secondsToDuration(parsed.TimeoutSeconds),
			RateLimitRPS: parsed.RateLimitRPS,
			Headers:      map[string]string{"Authorization": parsed.APIKey},
		}),
	}, nil
}

func (b *ClickUpBackend) Name() string {
	return ClickUpBackendName
}

type clickUpTaskRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	DueDate     *int64 `json:"due_date,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
}

type clickUpStatus struct {
	Status string `json:"status"`
}

type clickUpTask struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Status      clickUpStatus   `json:"status"`
	Priority    json.RawMessage `json:"priority"`
	DueDate     json.RawMessage `json:"due_date"`
}

func (b *ClickUpBackend) SaveTask(ctx context.Context, task taskrelay.Task) (string, error) {
	var created clickUpTask
	path := "/list/" + url.PathEscape(b.listID) + "/task"
	if _, err := b.client.do(ctx, http.MethodPost, path, clickUpPayload(task), &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.ID) == "" {
		return "", &taskrelay.BackendError{Backend: ClickUpBackendName, Message: "create task response missing id"}
	}
	return created.ID, nil
}

func (b *ClickUpBackend) UpdateTask(ctx context.Context, externalID string, task taskrelay.Task) (bool, error) {
	status, err := b.client.do(ctx, http.MethodPut, clickUpTaskPath(externalID), clickUpPayload(task), nil)
	if err != nil {
		return false, err
	}
	return status != http.StatusNotFound, nil
}

func (b *ClickUpBackend) DeleteTask(ctx context.Context, externalID string) (bool, error) {
	status, err := b.client.do(ctx, http.MethodDelete, clickUpTaskPath(externalID), nil, nil)
	if err != nil {
		return false, err
	}
	return status != http.StatusNotFound, nil
}

func (b *ClickUpBackend) GetTask(ctx context.Context, externalID string) (*taskrelay.Task, error) {
	var remote clickUpTask
	status, err := b.client.do(ctx, http.MethodGet, clickUpTaskPath(externalID), nil, &remote)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	task := taskFromClickUp(remote)
	return &task, nil
}

func (b *ClickUpBackend) HealthCheck(ctx context.Context) taskrelay.HealthReport {
	started := time.Now()
	status, err := b.client.do(ctx, http.MethodGet, "/list/"+url.PathEscape(b.listID), nil, nil)
	if err != nil {
		return taskrelay.UnhealthyReport(started, err)
	}
	if status == http.StatusNotFound {
		return taskrelay.NewHealthReport(taskrelay.HealthUnhealthy, started, "list "+b.listID+" not found")
	}
	return taskrelay.NewHealthReport(taskrelay.HealthHealthy, started, "clickup api accessible")
}

func (b *ClickUpBackend) Close() error {
	return b.client.Close()
}

func clickUpTaskPath(externalID string) string {
	return "/task/" + url.PathEscape(strings.TrimSpace(externalID))
}

func clickUpPayload(task taskrelay.Task) clickUpTaskRequest {
	payload := clickUpTaskRequest{
		Name:        task.Title,
		Description: task.Description,
	}
	if task.Status != "" {
		name, ok := clickUpStatusNames[task.Status]
		if !ok {
			name = clickUpStatusNames[taskrelay.TaskStatusPending]
		}
		payload.Status = name
	}
	if task.Due != nil {
		millis := task.Due.UTC().UnixMilli()
		payload.DueDate = &millis
	}
	if task.Priority != "" {
		level, ok := clickUpPriorityLevels[task.Priority]
		if !ok {
			level = clickUpPriorityLevels[taskrelay.TaskPriorityMedium]
		}
		payload.Priority = &level
	}
	return payload
}

func taskFromClickUp(remote clickUpTask) taskrelay.Task {
	task := taskrelay.Task{
		ID:          remote.ID,
		Title:       remote.Name,
		Description: remote.Description,
		Status:      taskrelay.TaskStatusPending,
		Priority:    clickUpPriorityFromLevel(parseClickUpPriority(remote.Priority)),
		Channel:     ClickUpBackendName,
		Sender:      "clickup_sync",
	}
	for status, name := range clickUpStatusNames {
		if strings.EqualFold(name, strings.TrimSpace(remote.Status.Status)) {
			task.Status = status
		}
	}
	if millis, ok := parseClickUpInt(remote.DueDate); ok {
		due := time.UnixMilli(millis).UTC()
		task.Due = &due
	}
	return task
}

func clickUpPriorityFromLevel(level int) taskrelay.TaskPriority {
	switch level {
	case 1, 2:
		return taskrelay.TaskPriorityHigh
	case 3:
		return taskrelay.TaskPriorityMedium
	case 4:
		return taskrelay.TaskPriorityLow
	default:
		return taskrelay.TaskPriorityNone
	}
}

// parseClickUpPriority accepts the number sent on writes as well as the
// object form ({"id":"2","priority":"high"}) returned on reads.
func parseClickUpPriority(raw json.RawMessage) int {
	if level, ok := parseClickUpInt(raw); ok {
		return int(level)
	}
	var object struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(raw, &object) == nil {
		if level, ok := parseClickUpInt(object.ID); ok {
			return int(level)
		}
	}
	return 0
}

func parseClickUpInt(raw json.RawMessage) (int64, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, false
	}
	var number int64
	if json.Unmarshal(raw, &number) == nil {
		return number, true
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
