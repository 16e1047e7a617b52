package taskrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Settings is the raw per-backend configuration bag as persisted.
type Settings map[string]any

func (s Settings) String(key string) string {
	if s == nil {
		return ""
	}
	value, ok := s[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func (s Settings) Clone() Settings {
	if s == nil {
		return Settings{}
	}
	clone := make(Settings, len(s))
	for key, value := range s {
		clone[key] = value
	}
	return clone
}

// DecodeSettings converts the raw bag into a typed settings struct.
func DecodeSettings[T any](settings Settings) (T, error) {
	var out T
	data, err := json.Marshal(settings)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return out, nil
}

type settingsSchema struct {
	source   string
	compiled *jsonschema.Schema
}

func compileSettingsSchema(name, source string) (*settingsSchema, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("%w: schema for %s: %v", ErrInvalidRegistration, name, err)
	}
	location := "mem://taskrelay/backends/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("%w: schema for %s: %v", ErrInvalidRegistration, name, err)
	}
	compiled, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("%w: schema for %s: %v", ErrInvalidRegistration, name, err)
	}
	return &settingsSchema{source: source, compiled: compiled}, nil
}

func (s *settingsSchema) validate(settings Settings) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	if settings == nil {
		settings = Settings{}
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := s.compiled.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}
