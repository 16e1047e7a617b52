package taskrelay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const MemoryBackendName = "memory"

const (
	memoryBackendSchema = `{
	"type": "object",
	"properties": {
		"failSaves": {"type": "boolean"},
		"store": {"type": "string", "minLength": 1}
	}
}`
	defaultMemoryStore = "default"
)

type MemoryBackendSettings struct {
	FailSaves bool   `json:"failSaves"`
	Store     string `json:"store"`
}

// memoryTasks is the task map behind one or more MemoryBackend instances.
type memoryTasks struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func newMemoryTasks() *memoryTasks {
	return &memoryTasks{tasks: map[string]Task{}}
}

// memoryStores hands out one task map per store name so that tasks outlive
// the backend instances built for a single load.
type memoryStores struct {
	mu     sync.Mutex
	byName map[string]*memoryTasks
}

func (s *memoryStores) get(name string) *memoryTasks {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, ok := s.byName[name]
	if !ok {
		tasks = newMemoryTasks()
		s.byName[name] = tasks
	}
	return tasks
}

// MemoryBackend keeps tasks in process. It is meant for development and
// for exercising the orchestrator without network access.
type MemoryBackend struct {
	failSaves bool
	store     *memoryTasks
	closed    atomic.Bool
}

// NewMemoryBackend builds a backend with its own private task map.
func NewMemoryBackend(settings Settings) (*MemoryBackend, error) {
	parsed, err := DecodeSettings[MemoryBackendSettings](settings)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{failSaves: parsed.FailSaves, store: newMemoryTasks()}, nil
}

// RegisterMemoryBackend registers the memory backend on r. Instances built
// through r share task maps by the "store" setting, so tasks saved in one
// load can be updated or deleted after the next.
func RegisterMemoryBackend(r *Registry) error {
	stores := &memoryStores{byName: map[string]*memoryTasks{}}
	return RegisterBackend(r, MemoryBackendName, memoryBackendSchema, func(settings Settings) (*MemoryBackend, error) {
		backend, err := NewMemoryBackend(settings)
		if err != nil {
			return nil, err
		}
		name := settings.String("store")
		if name == "" {
			name = defaultMemoryStore
		}
		backend.store = stores.get(name)
		return backend, nil
	})
}

func (b *MemoryBackend) Name() string {
	return MemoryBackendName
}

func (b *MemoryBackend) SaveTask(ctx context.Context, task Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.failSaves {
		return "", &BackendError{Backend: MemoryBackendName, Message: "saves disabled"}
	}
	if b.closed.Load() {
		return "", &BackendError{Backend: MemoryBackendName, Message: "backend closed"}
	}
	id := "mem_" + uuid.NewString()
	b.store.mu.Lock()
	b.store.tasks[id] = task
	b.store.mu.Unlock()
	return id, nil
}

func (b *MemoryBackend) SupportsBatch() bool {
	return true
}

func (b *MemoryBackend) SaveTasks(ctx context.Context, tasks []Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		id, err := b.SaveTask(ctx, task)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *MemoryBackend) UpdateTask(ctx context.Context, externalID string, task Task) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if _, ok := b.store.tasks[externalID]; !ok {
		return false, nil
	}
	b.store.tasks[externalID] = task
	return true, nil
}

func (b *MemoryBackend) DeleteTask(ctx context.Context, externalID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if _, ok := b.store.tasks[externalID]; !ok {
		return false, nil
	}
	delete(b.store.tasks, externalID)
	return true, nil
}

func (b *MemoryBackend) GetTask(ctx context.Context, externalID string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	task, ok := b.store.tasks[externalID]
	if !ok {
		return nil, nil
	}
	return &task, nil
}

func (b *MemoryBackend) HealthCheck(_ context.Context) HealthReport {
	started := time.Now()
	if b.closed.Load() {
		return NewHealthReport(HealthUnhealthy, started, "backend closed")
	}
	return NewHealthReport(HealthHealthy, started, "")
}

func (b *MemoryBackend) Len() int {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	return len(b.store.tasks)
}

func (b *MemoryBackend) Close() error {
	b.closed.Store(true)
	return nil
}
