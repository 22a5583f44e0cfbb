package agent

import (
	"context"
	"strings"

	"github.com/opengate-ai/opengate/internal/bootstrap"
	"github.com/opengate-ai/opengate/internal/hooks"
	"github.com/opengate-ai/opengate/internal/skills"
)

// PromptBuilder assembles the system prompt from workspace bootstrap
// files, the agent:bootstrap hook, and the enabled skill set.
type PromptBuilder struct {
	WorkspaceDir string
	Hooks        *hooks.Registry
	Skills       *skills.Loader
}

// Build assembles the prompt for one session. Order: bootstrap files,
// skills section, then the user-supplied override (if any) trailing.
func (b *PromptBuilder) Build(ctx context.Context, sessionKey string, skillAllowList []string, override string) string {
	files := bootstrap.Enumerate(b.WorkspaceDir)

	// agent:bootstrap handlers may mutate, add, or drop files.
	if b.Hooks != nil && b.Hooks.Count(hooks.EventAgentBootstrap) > 0 {
		payload := map[string]any{
			"sessionKey": sessionKey,
			"files":      filesToPayload(files),
		}
		b.Hooks.Fire(ctx, hooks.EventAgentBootstrap, payload)
		files = filesFromPayload(payload["files"], files)
	}

	var parts []string
	for _, f := range files {
		if content := strings.TrimSpace(f.Content); content != "" {
			parts = append(parts, content)
		}
	}

	if b.Skills != nil {
		if section := skills.PromptSection(b.Skills.Enabled(skillAllowList)); section != "" {
			parts = append(parts, section)
		}
	}

	if override = strings.TrimSpace(override); override != "" {
		parts = append(parts, override)
	}

	return strings.Join(parts, "\n\n")
}

func filesToPayload(files []bootstrap.File) []map[string]any {
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]any{"name": f.Name, "content": f.Content})
	}
	return out
}

// filesFromPayload converts the hook-visible form back, falling back to
// the original list when a handler replaced it with something unusable.
func filesFromPayload(v any, fallback []bootstrap.File) []bootstrap.File {
	raw, ok := v.([]map[string]any)
	if !ok {
		return fallback
	}
	var out []bootstrap.File
	for _, m := range raw {
		name, _ := m["name"].(string)
		content, _ := m["content"].(string)
		if name != "" {
			out = append(out, bootstrap.File{Name: name, Content: content})
		}
	}
	return out
}
