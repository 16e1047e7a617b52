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

const (
	NotionBackendName        = "notion"
	notionDefaultBaseURL     = "https://api.notion.com"
	notionDefaultAPIVersion  = "2022-06-28"
	notionDescriptionMaxRune = 2000
)

const notionSettingsSchema = `{
	"type": "object",
	"required": ["apiKey", "databaseId"],
	"properties": {
		"apiKey": {"type": "string", "minLength": 1},
		"databaseId": {"type": "string", "minLength": 1},
		"timeoutSeconds": {"type": "number", "exclusiveMinimum": 0},
		"baseUrl": {"type": "string"},
		"apiVersion": {"type": "string"},
		"rateLimitRps": {"type": "number", "exclusiveMinimum": 0}
	}
}`

type NotionSettings struct {
	APIKey         string  `json:"apiKey"`
	DatabaseID     string  `json:"databaseId"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
	BaseURL        string  `json:"baseUrl"`
	APIVersion     string  `json:"apiVersion"`
	RateLimitRPS   float64 `json:"rateLimitRps"`
}

var (
	notionStatusNames = map[taskrelay.TaskStatus]string{
		taskrelay.TaskStatusPending:    "To Do",
		taskrelay.TaskStatusInProgress: "In Progress",
		taskrelay.TaskStatusCompleted:  "Done",
		taskrelay.TaskStatusCancelled:  "Cancelled",
	}
	notionPriorityNames = map[taskrelay.TaskPriority]string{
		taskrelay.TaskPriorityLow:    "Low",
		taskrelay.TaskPriorityMedium: "Medium",
		taskrelay.TaskPriorityHigh:   "High",
	}
)

// NotionBackend stores each task as a page in a Notion database.
type NotionBackend struct {
	databaseID string
	client     *restClient
}

func NewNotionBackend(settings taskrelay.Settings) (*NotionBackend, error) {
	parsed, err := taskrelay.DecodeSettings[NotionSettings](settings)
	if err != nil {
		return nil, err
	}
	parsed.APIKey = strings.TrimSpace(parsed.APIKey)
	parsed.DatabaseID = strings.TrimSpace(parsed.DatabaseID)
	if parsed.APIKey == "" || parsed.DatabaseID == "" {
		return nil, fmt.Errorf("%w: notion requires apiKey and databaseId", taskrelay.ErrInvalidSettings)
	}
	baseURL := parsed.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = notionDefaultBaseURL
	}
	apiVersion := strings.TrimSpace(parsed.APIVersion)
	if apiVersion == "" {
		apiVersion = notionDefaultAPIVersion
	}
	return &NotionBackend{
		databaseID: parsed.DatabaseID,
		client: newRESTClient(restClientOptions{
			Backend:      NotionBackendName,
			BaseURL:      baseURL,
			Timeout:      secondsToDuration(parsed.TimeoutSeconds),
			RateLimitRPS: parsed.RateLimitRPS,
			Headers: map[string]string{
				"Authorization":  "Bearer " + parsed.APIKey,
				"Notion-Version": apiVersion,
			},
		}),
	}, nil
}

func (b *NotionBackend) Name() string {
	return NotionBackendName
}

type notionText struct {
	Content string `json:"content"`
}

type notionRichText struct {
	Text      *notionText `json:"text,omitempty"`
	PlainText string      `json:"plain_text,omitempty"`
}

type notionOption struct {
	Name string `json:"name"`
}

type notionDate struct {
	Start string `json:"start"`
}

type notionProperty struct {
	Title    []notionRichText `json:"title,omitempty"`
	RichText []notionRichText `json:"rich_text,omitempty"`
	Status   *notionOption    `json:"status,omitempty"`
	Select   *notionOption    `json:"select,omitempty"`
	Date     *notionDate      `json:"date,omitempty"`
}

type notionParent struct {
	DatabaseID string `json:"database_id"`
}

type notionPageRequest struct {
	Parent     *notionParent             `json:"parent,omitempty"`
	Properties map[string]notionProperty `json:"properties,omitempty"`
	Archived   *bool                     `json:"archived,omitempty"`
}

type notionPage struct {
	ID         string                    `json:"id"`
	Archived   bool                      `json:"archived"`
	Properties map[string]notionProperty `json:"properties"`
}

func (b *NotionBackend) SaveTask(ctx context.Context, task taskrelay.Task) (string, error) {
	var page notionPage
	_, err := b.client.do(ctx, http.MethodPost, "/v1/pages", notionPageRequest{
		Parent:     &notionParent{DatabaseID: b.databaseID},
		Properties: notionProperties(task),
	}, &page)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(page.ID) == "" {
		return "", &taskrelay.BackendError{Backend: NotionBackendName, Message: "create page response missing id"}
	}
	return page.ID, nil
}

func (b *NotionBackend) UpdateTask(ctx context.Context, externalID string, task taskrelay.Task) (bool, error) {
	status, err := b.client.do(ctx, http.MethodPatch, notionPagePath(externalID), notionPageRequest{
		Properties: notionProperties(task),
	}, nil)
	if err != nil {
		return false, err
	}
	return status != http.StatusNotFound, nil
}

// DeleteTask archives the page; Notion has no hard delete for pages.
func (b *NotionBackend) DeleteTask(ctx context.Context, externalID string) (bool, error) {
	archived := true
	status, err := b.client.do(ctx, http.MethodPatch, notionPagePath(externalID), notionPageRequest{
		Archived: &archived,
	}, nil)
	if err != nil {
		return false, err
	}
	return status != http.StatusNotFound, nil
}

func (b *NotionBackend) GetTask(ctx context.Context, externalID string) (*taskrelay.Task, error) {
	var page notionPage
	status, err := b.client.do(ctx, http.MethodGet, notionPagePath(externalID), nil, &page)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || page.Archived {
		return nil, nil
	}
	task := taskFromNotionPage(page)
	return &task, nil
}

func (b *NotionBackend) HealthCheck(ctx context.Context) taskrelay.HealthReport {
	started := time.Now()
	status, err := b.client.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(b.databaseID), nil, nil)
	if err != nil {
		return taskrelay.UnhealthyReport(started, err)
	}
	if status == http.StatusNotFound {
		return taskrelay.NewHealthReport(taskrelay.HealthUnhealthy, started, "database not found or not shared with the integration")
	}
	return taskrelay.NewHealthReport(taskrelay.HealthHealthy, started, "notion api accessible")
}

func (b *NotionBackend) Close() error {
	return b.client.Close()
}

func notionPagePath(externalID string) string {
	return "/v1/pages/" + url.PathEscape(strings.TrimSpace(externalID))
}

func notionProperties(task taskrelay.Task) map[string]notionProperty {
	properties := map[string]notionProperty{
		"Name": {Title: []notionRichText{{Text: &notionText{Content: task.Title}}}},
	}
	if task.Due != nil {
		properties["Due"] = notionProperty{Date: &notionDate{Start: task.Due.UTC().Format(time.RFC3339)}}
	}
	if task.Description != "" {
		properties["Description"] = notionProperty{RichText: []notionRichText{{
			Text: &notionText{Content: truncateRunes(task.Description, notionDescriptionMaxRune)},
		}}}
	}
	if task.Status != "" {
		name, ok := notionStatusNames[task.Status]
		if !ok {
			name = notionStatusNames[taskrelay.TaskStatusPending]
		}
		properties["Status"] = notionProperty{Status: &notionOption{Name: name}}
	}
	if task.Priority != "" {
		name, ok := notionPriorityNames[task.Priority]
		if !ok {
			name = notionPriorityNames[taskrelay.TaskPriorityMedium]
		}
		properties["Priority"] = notionProperty{Select: &notionOption{Name: name}}
	}
	return properties
}

func taskFromNotionPage(page notionPage) taskrelay.Task {
	task := taskrelay.Task{
		ID:      page.ID,
		Status:  taskrelay.TaskStatusPending,
		Channel: NotionBackendName,
		Sender:  "notion_sync",
	}
	if prop, ok := page.Properties["Name"]; ok {
		task.Title = joinRichText(prop.Title)
	}
	if prop, ok := page.Properties["Description"]; ok {
		task.Description = joinRichText(prop.RichText)
	}
	if prop, ok := page.Properties["Status"]; ok && prop.Status != nil {
		for status, name := range notionStatusNames {
			if strings.EqualFold(name, prop.Status.Name) {
				task.Status = status
			}
		}
	}
	if prop, ok := page.Properties["Priority"]; ok && prop.Select != nil {
		for priority, name := range notionPriorityNames {
			if strings.EqualFold(name, prop.Select.Name) {
				task.Priority = priority
			}
		}
	}
	if prop, ok := page.Properties["Due"]; ok && prop.Date != nil {
		task.Due = parseFlexibleTime(prop.Date.Start)
	}
	return task
}

func joinRichText(parts []notionRichText) string {
	var b strings.Builder
	for _, part := range parts {
		switch {
		case part.PlainText != "":
			b.WriteString(part.PlainText)
		case part.Text != nil:
			b.WriteString(part.Text.Content)
		}
	}
	return b.String()
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func parseFlexibleTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			parsed = parsed.UTC()
			return &parsed
		}
	}
	return nil
}
