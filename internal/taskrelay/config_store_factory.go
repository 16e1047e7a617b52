package taskrelay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type ConfigStoreFactory func(dsn string) (ConfigRepository, error)

var configStoreFactories = struct {
	mu        sync.RWMutex
	factories map[string]ConfigStoreFactory
}{
	factories: map[string]ConfigStoreFactory{},
}

// RegisterConfigStoreFactory overrides how a DSN scheme is opened.
func RegisterConfigStoreFactory(scheme string, factory ConfigStoreFactory) {
	scheme = normalizeBackendName(scheme)
	if scheme == "" || factory == nil {
		return
	}
	configStoreFactories.mu.Lock()
	defer configStoreFactories.mu.Unlock()
	configStoreFactories.factories[scheme] = factory
}

func lookupConfigStoreFactory(scheme string) (ConfigStoreFactory, bool) {
	scheme = normalizeBackendName(scheme)
	configStoreFactories.mu.RLock()
	defer configStoreFactories.mu.RUnlock()
	factory, ok := configStoreFactories.factories[scheme]
	return factory, ok
}

func BuildConfigStoreFromDSN(dsn string, logger *zap.Logger) (ConfigRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryConfigStore(), nil
	}
	if isPostgresKeywordDSN(dsn) {
		store, err := NewPostgresConfigStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupConfigStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "yaml":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := NewFileConfigStore(path, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory", "mem", "inmem":
		return NewInMemoryConfigStore(), nil
	case "postgres", "postgresql":
		store, err := NewPostgresConfigStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := OpenSQLiteConfigStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mysql", "mongodb":
		return nil, fmt.Errorf("%w: config store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported config store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" && host != "localhost" {
		// file://relative/path keeps the first segment in Host.
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// IsPostgresDSN reports whether dsn is a postgres:// URL or a libpq
// "key=value ..." connection string.
func IsPostgresDSN(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	return isPostgresKeywordDSN(dsn)
}

func isPostgresKeywordDSN(dsn string) bool {
	if strings.Contains(dsn, "://") {
		return false
	}
	fields := strings.Fields(dsn)
	if len(fields) == 0 {
		return false
	}
	key, _, ok := strings.Cut(fields[0], "=")
	if !ok || key == "" {
		return false
	}
	for _, r := range key {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}
