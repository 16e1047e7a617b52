package taskrelay

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Constructor func(settings Settings) (Backend, error)

// Registration describes one backend implementation. The name is known up
// front so the registry never has to construct an instance to learn it.
type Registration struct {
	Name   string
	New    Constructor
	Schema string
	Type   reflect.Type
	Batch  bool
}

type BackendInfo struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	SupportsBatch bool   `json:"supportsBatch"`
	HasSchema     bool   `json:"hasSchema"`
}

type registryEntry struct {
	registration Registration
	schema       *settingsSchema
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: map[string]registryEntry{},
		logger:  logger,
	}
}

// Register adds or replaces a backend implementation. Replacing an existing
// name is allowed and logged.
func (r *Registry) Register(reg Registration) error {
	name := normalizeBackendName(reg.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	if reg.New == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrInvalidRegistration, name)
	}
	schema, err := compileSettingsSchema(name, reg.Schema)
	if err != nil {
		return err
	}
	reg.Name = name

	r.mu.Lock()
	_, replaced := r.entries[name]
	r.entries[name] = registryEntry{registration: reg, schema: schema}
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("backend registration replaced", zap.String("backend", name))
	} else {
		r.logger.Debug("backend registered", zap.String("backend", name))
	}
	return nil
}

// RegisterBackend registers a constructor for a concrete backend type and
// records its batch capability from the type alone.
func RegisterBackend[T Backend](r *Registry, name, schema string, ctor func(Settings) (T, error)) error {
	if r == nil {
		return fmt.Errorf("%w: registry is nil", ErrInvalidRegistration)
	}
	if ctor == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrInvalidRegistration, name)
	}
	typ := reflect.TypeFor[T]()
	return r.Register(Registration{
		Name:   name,
		Schema: schema,
		Type:   typ,
		Batch:  typ.Implements(reflect.TypeFor[BatchSaver]()),
		New: func(settings Settings) (Backend, error) {
			backend, err := ctor(settings)
			if err != nil {
				return nil, err
			}
			return backend, nil
		},
	})
}

func (r *Registry) Get(name string) (Constructor, error) {
	reg, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return reg.New, nil
}

func (r *Registry) Lookup(name string) (Registration, error) {
	entry, err := r.entry(name)
	if err != nil {
		return Registration{}, err
	}
	return entry.registration, nil
}

// Build validates settings against the registered schema and constructs the
// backend.
func (r *Registry) Build(name string, settings Settings) (Backend, error) {
	entry, err := r.entry(name)
	if err != nil {
		return nil, err
	}
	if err := entry.schema.validate(settings); err != nil {
		return nil, err
	}
	backend, err := entry.registration.New(settings.Clone())
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: %s constructor returned nil", ErrInvalidRegistration, entry.registration.Name)
	}
	return backend, nil
}

// ValidateSettings checks settings for name without constructing anything.
func (r *Registry) ValidateSettings(name string, settings Settings) error {
	entry, err := r.entry(name)
	if err != nil {
		return err
	}
	return entry.schema.validate(settings)
}

func (r *Registry) IsRegistered(name string) bool {
	_, err := r.entry(name)
	return err == nil
}

func (r *Registry) ListAvailable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) Info(name string) (BackendInfo, error) {
	entry, err := r.entry(name)
	if err != nil {
		return BackendInfo{}, err
	}
	return entry.info(), nil
}

func (r *Registry) Describe() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.namesLocked()
	infos := make([]BackendInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, r.entries[name].info())
	}
	return infos
}

func (r *Registry) entry(name string) (registryEntry, error) {
	if r == nil {
		return registryEntry{}, &NotRegisteredError{Name: name}
	}
	normalized := normalizeBackendName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[normalized]
	if !ok {
		return registryEntry{}, &NotRegisteredError{Name: name, Available: r.namesLocked()}
	}
	return entry, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e registryEntry) info() BackendInfo {
	typeName := ""
	if e.registration.Type != nil {
		typeName = e.registration.Type.String()
	}
	return BackendInfo{
		Name:          e.registration.Name,
		Type:          typeName,
		SupportsBatch: e.registration.Batch,
		HasSchema:     e.schema != nil,
	}
}

func normalizeBackendName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
