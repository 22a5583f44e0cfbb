// Package bootstrap manages the workspace files that seed an agent's
// system prompt. The file list is deterministic and ordered; content is
// opaque to the core.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opengate-ai/opengate/internal/store"
)

// Workspace bootstrap files, in prompt-assembly order.
const (
	SoulFile         = "SOUL.md"
	InstructionsFile = "INSTRUCTIONS.md"
	HooksFile        = "HOOKS.md"
)

// Files returns the ordered bootstrap file list.
func Files() []string {
	return []string{SoulFile, InstructionsFile, HooksFile}
}

//go:embed templates/*.md
var templateFS embed.FS

// File is one bootstrap file with its content, as fed to the
// agent:bootstrap hook and the prompt builder.
type File struct {
	Name    string
	Content string
}

// Enumerate reads the bootstrap files present in workspaceDir, in the
// canonical order. Missing files are skipped, not errors.
func Enumerate(workspaceDir string) []File {
	var out []File
	for _, name := range Files() {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("bootstrap.read_failed", "file", name, "error", err)
			}
			continue
		}
		out = append(out, File{Name: name, Content: string(data)})
	}
	return out
}

// WorkspaceState tracks seeding history in workspace-state.json.
type WorkspaceState struct {
	SeededAt map[string]int64 `json:"seeded_at,omitempty"` // file → unix ms
}

// Seed writes any missing template files into workspaceDir and records
// their creation times in <stateDir>/workspace-state.json. Existing
// files are never overwritten. Returns the files created.
func Seed(workspaceDir, stateDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range Files() {
		ok, err := seedTemplate(workspaceDir, name)
		if err != nil {
			slog.Warn("bootstrap.seed_failed", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}

	if len(created) > 0 {
		statePath := filepath.Join(stateDir, "workspace-state.json")
		now := time.Now().UnixMilli()
		err := store.Update(statePath, func(ws *WorkspaceState) error {
			if ws.SeededAt == nil {
				ws.SeededAt = make(map[string]int64)
			}
			for _, name := range created {
				ws.SeededAt[name] = now
			}
			return nil
		})
		if err != nil {
			slog.Warn("bootstrap.state_write_failed", "error", err)
		}
	}

	return created, nil
}

// seedTemplate creates one file from its embedded template. O_EXCL so an
// existing file is left untouched.
func seedTemplate(workspaceDir, name string) (bool, error) {
	dst := filepath.Join(workspaceDir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
