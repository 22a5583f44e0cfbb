// Package skills discovers workspace skills and formats them for the
// system prompt. A skill is a directory under <workspace>/skills
// containing a SKILL.md; the first heading is its name and the first
// paragraph its description. The core never interprets skill content —
// the model is told to read the file itself.
package skills

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const skillFile = "SKILL.md"

// Skill is one discovered skill.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

// Loader scans and caches the workspace skill set. Reload is explicit;
// callers re-scan when the prompt is invalidated.
type Loader struct {
	dir string

	mu     sync.RWMutex
	skills []Skill
}

// NewLoader creates a loader rooted at <workspaceDir>/skills.
func NewLoader(workspaceDir string) *Loader {
	return &Loader{dir: filepath.Join(workspaceDir, "skills")}
}

// Reload re-scans the skills directory. A missing directory yields an
// empty set, not an error.
func (l *Loader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.skills = nil
			l.mu.Unlock()
			return nil
		}
		return err
	}

	var found []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		location := filepath.Join(l.dir, e.Name(), skillFile)
		sk, err := parseSkill(location)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("skills.parse_failed", "dir", e.Name(), "error", err)
			}
			continue
		}
		if sk.Name == "" {
			sk.Name = e.Name()
		}
		sk.Location = location
		found = append(found, sk)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })

	l.mu.Lock()
	l.skills = found
	l.mu.Unlock()
	return nil
}

// Enabled returns the skill set, filtered by allowList when non-nil.
// nil allows everything; an empty list allows nothing.
func (l *Loader) Enabled(allowList []string) []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if allowList == nil {
		out := make([]Skill, len(l.skills))
		copy(out, l.skills)
		return out
	}
	allowed := make(map[string]bool, len(allowList))
	for _, n := range allowList {
		allowed[strings.ToLower(n)] = true
	}
	var out []Skill
	for _, sk := range l.skills {
		if allowed[strings.ToLower(sk.Name)] {
			out = append(out, sk)
		}
	}
	return out
}

// PromptSection renders the <available_skills> block, or "" when no
// skills are enabled.
func PromptSection(enabled []Skill) string {
	if len(enabled) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	b.WriteString("To use a skill, read its location's file with `read`, then follow it.\n")
	for _, sk := range enabled {
		fmt.Fprintf(&b, "- name: %s\n  description: %s\n  location: %s\n", sk.Name, sk.Description, sk.Location)
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// parseSkill extracts name and description from a SKILL.md: the first
// "# " heading names the skill, the first non-empty line after it
// describes it.
func parseSkill(path string) (Skill, error) {
	f, err := os.Open(path)
	if err != nil {
		return Skill{}, err
	}
	defer f.Close()

	var sk Skill
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if sk.Name == "" && strings.HasPrefix(line, "# ") {
			sk.Name = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			continue
		}
		if sk.Name != "" && !strings.HasPrefix(line, "#") {
			sk.Description = line
			break
		}
	}
	return sk, sc.Err()
}
