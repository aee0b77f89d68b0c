// Package project scaffolds per-run working directories: the artifacts
// tree, the engine instruction template, and the raw requirements input.
package project

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/buildfactory/factoryd/internal/engine"
)

// artifactDirs is the fixed layout the pipeline writes into. The run log
// lives under reports/.
var artifactDirs = []string{
	"requirements",
	"reports",
	"architecture",
	"code",
	"tests",
	"reviews",
	"docs",
	"release",
}

// Dir returns the working directory for a project/engine pair under root.
func Dir(root, project, engineName string) string {
	return filepath.Join(root, project+"-"+engineName)
}

// LogPath returns the run log location inside a project directory.
func LogPath(projectDir string) string {
	return filepath.Join(projectDir, "artifacts", "reports", "factory-run.log")
}

// Setup creates the project directory, the artifacts tree, the engine
// template (when shipped), and the requirements file, then makes a
// best-effort initial git commit. Returns the project directory.
func Setup(root string, spec engine.Spec, project, templatesDir, requirements string) (string, error) {
	projectDir := Dir(root, project, spec.Name)
	for _, sub := range artifactDirs {
		if err := os.MkdirAll(filepath.Join(projectDir, "artifacts", sub), 0755); err != nil {
			return "", fmt.Errorf("create artifacts dir %s: %w", sub, err)
		}
	}

	if templatesDir != "" {
		src := filepath.Join(templatesDir, spec.Template)
		if content, err := os.ReadFile(src); err == nil {
			dst := filepath.Join(projectDir, spec.Template)
			if err := os.WriteFile(dst, content, 0644); err != nil {
				return "", fmt.Errorf("copy engine template: %w", err)
			}
		}
	}

	rawInput := filepath.Join(projectDir, "artifacts", "requirements", "raw-input.md")
	if err := os.WriteFile(rawInput, []byte(requirements), 0644); err != nil {
		return "", fmt.Errorf("write requirements: %w", err)
	}

	// Git history is a convenience for the agent, not part of the
	// supervisor's contract; failures are ignored.
	gitInit(projectDir)

	return projectDir, nil
}

func gitInit(dir string) {
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"add", "."},
		{"commit", "-m", "Initial project setup"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		_ = cmd.Run()
	}
}
