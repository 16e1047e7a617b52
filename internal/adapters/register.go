// Package adapters holds the backends that talk to third-party task systems.
package adapters

import (
	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

// RegisterBuiltins registers every backend shipped with taskrelay.
func RegisterBuiltins(reg *taskrelay.Registry) error {
	if err := taskrelay.RegisterBackend(reg, NotionBackendName, notionSettingsSchema, NewNotionBackend); err != nil {
		return err
	}
	if err := taskrelay.RegisterBackend(reg, ClickUpBackendName, clickUpSettingsSchema, NewClickUpBackend); err != nil {
		return err
	}
	if err := taskrelay.RegisterBackend(reg, SheetsBackendName, sheetsSettingsSchema, NewSheetsBackend); err != nil {
		return err
	}
	return taskrelay.RegisterMemoryBackend(reg)
}
