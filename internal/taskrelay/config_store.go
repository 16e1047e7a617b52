package taskrelay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BackendConfig is one persisted backend choice. An empty UserID belongs to
// a single-user deployment.
type BackendConfig struct {
	ID          string    `json:"id" yaml:"id"`
	UserID      string    `json:"userId,omitempty" yaml:"userId,omitempty"`
	BackendName string    `json:"backendName" yaml:"backendName"`
	Settings    Settings  `json:"settings" yaml:"settings"`
	Active      bool      `json:"active" yaml:"active"`
	Priority    int       `json:"priority" yaml:"priority"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updatedAt"`
}

type ConfigStore interface {
	ListActive(ctx context.Context, userID string) ([]BackendConfig, error)
}

type ConfigRepository interface {
	ConfigStore
	List(ctx context.Context, userID string) ([]BackendConfig, error)
	Get(ctx context.Context, id string) (BackendConfig, error)
	Create(ctx context.Context, cfg BackendConfig) (BackendConfig, error)
	Update(ctx context.Context, cfg BackendConfig) (BackendConfig, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// SortConfigs orders configs by priority descending, newest first within a
// priority. The sort is stable so equal rows keep store order.
func SortConfigs(configs []BackendConfig) {
	sort.SliceStable(configs, func(i, j int) bool {
		if configs[i].Priority != configs[j].Priority {
			return configs[i].Priority > configs[j].Priority
		}
		return configs[i].CreatedAt.After(configs[j].CreatedAt)
	})
}

func prepareNewConfig(cfg BackendConfig, now time.Time) (BackendConfig, error) {
	cfg.BackendName = normalizeBackendName(cfg.BackendName)
	if cfg.BackendName == "" {
		return BackendConfig{}, fmt.Errorf("%w: backend name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = "cfg_" + uuid.NewString()
	}
	if cfg.Settings == nil {
		cfg.Settings = Settings{}
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.CreatedAt = cfg.CreatedAt.UTC()
	cfg.UpdatedAt = now
	return cfg, nil
}

func prepareUpdatedConfig(existing, cfg BackendConfig, now time.Time) (BackendConfig, error) {
	cfg.ID = existing.ID
	cfg.UserID = existing.UserID
	cfg.BackendName = normalizeBackendName(cfg.BackendName)
	if cfg.BackendName == "" {
		cfg.BackendName = existing.BackendName
	}
	if cfg.Settings == nil {
		cfg.Settings = existing.Settings
	}
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = now
	return cfg, nil
}

func cloneConfig(cfg BackendConfig) BackendConfig {
	cfg.Settings = cfg.Settings.Clone()
	return cfg
}

func filterConfigs(configs []BackendConfig, userID string, activeOnly bool) []BackendConfig {
	out := make([]BackendConfig, 0, len(configs))
	for _, cfg := range configs {
		if cfg.UserID != userID {
			continue
		}
		if activeOnly && !cfg.Active {
			continue
		}
		out = append(out, cloneConfig(cfg))
	}
	SortConfigs(out)
	return out
}

type InMemoryConfigStore struct {
	mu      sync.RWMutex
	configs []BackendConfig
	now     func() time.Time
}

func NewInMemoryConfigStore(configs ...BackendConfig) *InMemoryConfigStore {
	store := &InMemoryConfigStore{now: func() time.Time { return time.Now().UTC() }}
	for _, cfg := range configs {
		store.configs = append(store.configs, cloneConfig(cfg))
	}
	return store
}

func (s *InMemoryConfigStore) ListActive(_ context.Context, userID string) ([]BackendConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterConfigs(s.configs, userID, true), nil
}

func (s *InMemoryConfigStore) List(_ context.Context, userID string) ([]BackendConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterConfigs(s.configs, userID, false), nil
}

func (s *InMemoryConfigStore) Get(_ context.Context, id string) (BackendConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.configs {
		if cfg.ID == id {
			return cloneConfig(cfg), nil
		}
	}
	return BackendConfig{}, ErrNotFound
}

func (s *InMemoryConfigStore) Create(_ context.Context, cfg BackendConfig) (BackendConfig, error) {
	cfg, err := prepareNewConfig(cfg, s.now())
	if err != nil {
		return BackendConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.configs {
		if existing.ID == cfg.ID {
			return BackendConfig{}, fmt.Errorf("%w: config %s already exists", ErrInvalidInput, cfg.ID)
		}
	}
	s.configs = append(s.configs, cloneConfig(cfg))
	return cloneConfig(cfg), nil
}

func (s *InMemoryConfigStore) Update(_ context.Context, cfg BackendConfig) (BackendConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.configs {
		if existing.ID != cfg.ID {
			continue
		}
		updated, err := prepareUpdatedConfig(existing, cfg, s.now())
		if err != nil {
			return BackendConfig{}, err
		}
		s.configs[i] = cloneConfig(updated)
		return cloneConfig(updated), nil
	}
	return BackendConfig{}, ErrNotFound
}

func (s *InMemoryConfigStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.configs {
		if existing.ID == id {
			s.configs = append(s.configs[:i], s.configs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryConfigStore) Close() error {
	return nil
}
