package taskrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Backend persists tasks in one external system.
//
// SaveTask returns the backend-assigned identifier. UpdateTask and
// DeleteTask report (false, nil) when the identifier is unknown to the
// backend, and GetTask reports (nil, nil). Remote failures are returned as
// *BackendError. HealthCheck never fails; problems are folded into the
// returned report.
type Backend interface {
	Name() string
	SaveTask(ctx context.Context, task Task) (string, error)
	UpdateTask(ctx context.Context, externalID string, task Task) (bool, error)
	DeleteTask(ctx context.Context, externalID string) (bool, error)
	GetTask(ctx context.Context, externalID string) (*Task, error)
	HealthCheck(ctx context.Context) HealthReport
}

// BatchSaver is implemented by backends that can persist several tasks in
// one round trip.
type BatchSaver interface {
	SupportsBatch() bool
	SaveTasks(ctx context.Context, tasks []Task) ([]string, error)
}

// SaveBatch persists tasks in one call when the backend supports it. It
// never falls back to one call per task.
func SaveBatch(ctx context.Context, backend Backend, tasks []Task) ([]string, error) {
	if backend == nil {
		return nil, ErrInvalidInput
	}
	saver, ok := backend.(BatchSaver)
	if !ok || !saver.SupportsBatch() {
		return nil, fmt.Errorf("%w: %s", ErrBatchUnsupported, backend.Name())
	}
	return saver.SaveTasks(ctx, tasks)
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type HealthReport struct {
	Status    HealthStatus `json:"status"`
	LatencyMs float64      `json:"latencyMs"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func (r HealthReport) MarshalJSON() ([]byte, error) {
	type wire struct {
		Status    HealthStatus `json:"status"`
		LatencyMs float64      `json:"latencyMs"`
		Message   string       `json:"message,omitempty"`
		Timestamp string       `json:"timestamp"`
	}
	return json.Marshal(wire{
		Status:    r.Status,
		LatencyMs: r.LatencyMs,
		Message:   r.Message,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func NewHealthReport(status HealthStatus, started time.Time, message string) HealthReport {
	now := time.Now().UTC()
	return HealthReport{
		Status:    status,
		LatencyMs: float64(now.Sub(started).Microseconds()) / 1000,
		Message:   message,
		Timestamp: now,
	}
}

func UnhealthyReport(started time.Time, err error) HealthReport {
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	return NewHealthReport(HealthUnhealthy, started, message)
}
