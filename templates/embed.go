// Package templates embeds the default engine instruction files. The daemon
// seeds them into <factoryDir>/templates on startup; operators can edit the
// seeded copies without rebuilding.
package templates

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed CLAUDE.md GEMINI.md OPENCODE.md aider.conf.yml
var FS embed.FS

// Seed writes any missing template file into dir. Existing files are left
// untouched so operator edits survive daemon restarts.
func Seed(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}

	entries, err := FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read embedded templates: %w", err)
	}
	for _, entry := range entries {
		dst := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		content, err := FS.ReadFile(entry.Name())
		if err != nil {
			return fmt.Errorf("read embedded template %s: %w", entry.Name(), err)
		}
		if err := os.WriteFile(dst, content, 0644); err != nil {
			return fmt.Errorf("seed template %s: %w", entry.Name(), err)
		}
	}
	return nil
}
