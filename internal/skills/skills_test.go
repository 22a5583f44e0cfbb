package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, workspace, dir, content string) {
	t.Helper()
	path := filepath.Join(workspace, "skills", dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderReloadAndFilter(t *testing.T) {
	ws := t.TempDir()
	writeSkill(t, ws, "weather", "# weather\n\nFetch a weather report.\n")
	writeSkill(t, ws, "notes", "# notes\n\nManage the notes file.\n")

	l := NewLoader(ws)
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}

	all := l.Enabled(nil)
	if len(all) != 2 {
		t.Fatalf("got %d skills, want 2", len(all))
	}
	if all[0].Name != "notes" || all[1].Name != "weather" {
		t.Fatalf("unexpected order: %v", all)
	}
	if all[1].Description != "Fetch a weather report." {
		t.Fatalf("description = %q", all[1].Description)
	}

	none := l.Enabled([]string{})
	if len(none) != 0 {
		t.Fatalf("empty allow list should disable all, got %d", len(none))
	}

	some := l.Enabled([]string{"Weather"})
	if len(some) != 1 || some[0].Name != "weather" {
		t.Fatalf("case-insensitive filter failed: %v", some)
	}
}

func TestLoaderMissingDir(t *testing.T) {
	l := NewLoader(t.TempDir())
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := l.Enabled(nil); len(got) != 0 {
		t.Fatalf("expected no skills, got %v", got)
	}
}

func TestPromptSection(t *testing.T) {
	if PromptSection(nil) != "" {
		t.Fatal("empty set should render nothing")
	}
	out := PromptSection([]Skill{{Name: "weather", Description: "d", Location: "/w/skills/weather/SKILL.md"}})
	if !strings.Contains(out, "<available_skills>") || !strings.Contains(out, "read its location's file with `read`") {
		t.Fatalf("section missing required parts:\n%s", out)
	}
}
