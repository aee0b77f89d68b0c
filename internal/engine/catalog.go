// Package engine abstracts the external agent CLIs that execute pipeline
// runs, and owns the OS-level session lifecycle around them. The supervisor
// treats an engine as an opaque capability reachable only through its log
// stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrUnknownEngine is returned for an engine name not in the catalog.
var ErrUnknownEngine = errors.New("unknown engine")

// Spec describes one agent CLI capable of executing the pipeline.
type Spec struct {
	Name        string
	DisplayName string
	// Template is the instruction file copied into the project directory.
	Template string
	// StartCmd is the shell command sent into the session to begin the run.
	StartCmd string
	// CheckCmd verifies the CLI is installed.
	CheckCmd    string
	InstallHint string
}

var catalog = map[string]Spec{
	"claude": {
		Name:        "claude",
		DisplayName: "Claude Code",
		Template:    "CLAUDE.md",
		StartCmd:    `claude --dangerously-skip-permissions -p "Read CLAUDE.md and run /factory"`,
		CheckCmd:    "claude --version",
		InstallHint: "npm install -g @anthropic-ai/claude-code",
	},
	"gemini": {
		Name:        "gemini",
		DisplayName: "Gemini CLI",
		Template:    "GEMINI.md",
		StartCmd:    `gemini -p "Read GEMINI.md and run /factory"`,
		CheckCmd:    "gemini --version",
		InstallHint: "npm install -g @anthropic-ai/gemini-cli",
	},
	"opencode": {
		Name:        "opencode",
		DisplayName: "OpenCode",
		Template:    "OPENCODE.md",
		StartCmd:    "opencode",
		CheckCmd:    "opencode --version",
		InstallHint: "curl -fsSL https://opencode.ai/install | bash",
	},
	"aider": {
		Name:        "aider",
		DisplayName: "Aider",
		Template:    "aider.conf.yml",
		StartCmd:    "aider --yes-always",
		CheckCmd:    "aider --version",
		InstallHint: "pip install aider-chat",
	},
}

// Lookup resolves an engine name.
func Lookup(name string) (Spec, error) {
	spec, ok := catalog[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return spec, nil
}

// Names returns the catalog entries in stable order.
func Names() []string {
	return []string{"claude", "gemini", "opencode", "aider"}
}

// HealthStatus is the result of checking one engine installation.
type HealthStatus struct {
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// checkTimeout bounds how long a version probe may hang.
const checkTimeout = 10 * time.Second

// Check runs the engine's version command and reports whether the CLI is
// installed.
func Check(spec Spec) HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	parts := strings.Fields(spec.CheckCmd)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return HealthStatus{Installed: false, Error: msg}
	}
	version, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return HealthStatus{Installed: true, Version: version}
}

// CheckAll checks every cataloged engine.
func CheckAll() map[string]HealthStatus {
	results := make(map[string]HealthStatus, len(catalog))
	for name, spec := range catalog {
		results[name] = Check(spec)
	}
	return results
}
