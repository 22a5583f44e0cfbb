package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSeedCreatesMissingFiles(t *testing.T) {
	ws := t.TempDir()
	state := t.TempDir()

	created, err := Seed(ws, state)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != len(Files()) {
		t.Fatalf("created = %v", created)
	}
	for _, name := range Files() {
		if _, err := os.Stat(filepath.Join(ws, name)); err != nil {
			t.Fatalf("%s not seeded: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(state, "workspace-state.json")); err != nil {
		t.Fatalf("workspace-state.json missing: %v", err)
	}
}

func TestSeedNeverOverwrites(t *testing.T) {
	ws := t.TempDir()
	state := t.TempDir()
	custom := []byte("# my own soul\n")
	if err := os.WriteFile(filepath.Join(ws, SoulFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := Seed(ws, state)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range created {
		if name == SoulFile {
			t.Fatal("existing file reported as created")
		}
	}
	data, err := os.ReadFile(filepath.Join(ws, SoulFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(custom) {
		t.Fatal("existing file was overwritten")
	}
}

func TestEnumerateOrderAndSkips(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, HooksFile), []byte("hooks"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, SoulFile), []byte("soul"), 0o644); err != nil {
		t.Fatal(err)
	}

	files := Enumerate(ws)
	if len(files) != 2 {
		t.Fatalf("files = %+v", files)
	}
	// Canonical order regardless of creation order, missing file skipped.
	if files[0].Name != SoulFile || files[1].Name != HooksFile {
		t.Fatalf("order = %s, %s", files[0].Name, files[1].Name)
	}
}
