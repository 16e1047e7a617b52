package adapters

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

const ManifestKindWebhook = "webhook"

// Manifest declares a backend without code. Only the webhook kind exists
// today.
type Manifest struct {
	Name        string         `yaml:"name"`
	Kind        string         `yaml:"kind"`
	Description string         `yaml:"description"`
	TokenHeader string         `yaml:"tokenHeader"`
	TokenPrefix string         `yaml:"tokenPrefix"`
	Defaults    map[string]any `yaml:"defaults"`
}

func (m Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("manifest name is required")
	}
	if strings.ToLower(strings.TrimSpace(m.Kind)) != ManifestKindWebhook {
		return fmt.Errorf("unsupported manifest kind %q", m.Kind)
	}
	return nil
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := manifest.validate(); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return manifest, nil
}

// DiscoverManifests registers a backend for every valid manifest in dir. A
// broken manifest is logged and skipped. Names that are already registered
// are left alone. A missing dir registers nothing.
func DiscoverManifests(dir string, reg *taskrelay.Registry, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir = strings.TrimSpace(dir)
	if dir == "" || reg == nil {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	registered := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		manifest, err := LoadManifest(path)
		if err != nil {
			logger.Warn("skipping backend manifest", zap.String("path", path), zap.Error(err))
			continue
		}
		name := strings.ToLower(strings.TrimSpace(manifest.Name))
		if reg.IsRegistered(name) {
			logger.Warn("backend manifest shadows a registered backend; skipping",
				zap.String("path", path), zap.String("backend", name))
			continue
		}
		err = taskrelay.RegisterBackend(reg, name, webhookSettingsSchema, func(settings taskrelay.Settings) (*WebhookBackend, error) {
			return NewWebhookBackend(name, manifest, settings)
		})
		if err != nil {
			logger.Warn("skipping backend manifest", zap.String("path", path), zap.Error(err))
			continue
		}
		logger.Info("backend manifest registered", zap.String("backend", name), zap.String("path", path))
		registered = append(registered, name)
	}
	return registered, nil
}
