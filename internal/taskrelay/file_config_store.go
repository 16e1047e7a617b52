package taskrelay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type fileConfigDocument struct {
	Configs []BackendConfig `yaml:"configs"`
}

// FileConfigStore keeps backend configs in a YAML document. Edits made by
// hand are picked up once Watch is running.
type FileConfigStore struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	configs []BackendConfig

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileConfigStore(path string, logger *zap.Logger) (*FileConfigStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileConfigStore{
		path:   path,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileConfigStore) Path() string {
	return s.path
}

// Reload replaces the in-memory view with the file contents. A missing file
// is an empty store.
func (s *FileConfigStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.configs = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	var doc fileConfigDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	for i := range doc.Configs {
		doc.Configs[i].BackendName = normalizeBackendName(doc.Configs[i].BackendName)
		if doc.Configs[i].Settings == nil {
			doc.Configs[i].Settings = Settings{}
		}
	}
	s.mu.Lock()
	s.configs = doc.Configs
	s.mu.Unlock()
	return nil
}

// Watch reloads the document whenever it changes on disk, until ctx is done
// or Close is called.
func (s *FileConfigStore) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watchLoop(ctx, watcher, s.done)
	return nil
}

func (s *FileConfigStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("backend config reload failed", zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.logger.Info("backend configs reloaded", zap.String("path", s.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("backend config watcher error", zap.String("path", s.path), zap.Error(err))
		}
	}
}

func (s *FileConfigStore) ListActive(_ context.Context, userID string) ([]BackendConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterConfigs(s.configs, userID, true), nil
}

func (s *FileConfigStore) List(_ context.Context, userID string) ([]BackendConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterConfigs(s.configs, userID, false), nil
}

func (s *FileConfigStore) Get(_ context.Context, id string) (BackendConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.configs {
		if cfg.ID == id {
			return cloneConfig(cfg), nil
		}
	}
	return BackendConfig{}, ErrNotFound
}

func (s *FileConfigStore) Create(_ context.Context, cfg BackendConfig) (BackendConfig, error) {
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
	next := append(append([]BackendConfig(nil), s.configs...), cloneConfig(cfg))
	if err := s.saveLocked(next); err != nil {
		return BackendConfig{}, err
	}
	s.configs = next
	return cloneConfig(cfg), nil
}

func (s *FileConfigStore) Update(_ context.Context, cfg BackendConfig) (BackendConfig, error) {
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
		next := append([]BackendConfig(nil), s.configs...)
		next[i] = cloneConfig(updated)
		if err := s.saveLocked(next); err != nil {
			return BackendConfig{}, err
		}
		s.configs = next
		return cloneConfig(updated), nil
	}
	return BackendConfig{}, ErrNotFound
}

func (s *FileConfigStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.configs {
		if existing.ID != id {
			continue
		}
		next := append([]BackendConfig(nil), s.configs[:i]...)
		next = append(next, s.configs[i+1:]...)
		if err := s.saveLocked(next); err != nil {
			return err
		}
		s.configs = next
		return nil
	}
	return ErrNotFound
}

func (s *FileConfigStore) Close() error {
	s.watchMu.Lock()
	watcher, done := s.watcher, s.done
	s.watcher, s.done = nil, nil
	s.watchMu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}

func (s *FileConfigStore) saveLocked(configs []BackendConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(fileConfigDocument{Configs: configs})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
