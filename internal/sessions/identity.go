package sessions

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/opengate-ai/opengate/internal/store"
)

// IdentityLinks is the optional alias map: canonical-id → scoped ids
// such as "telegram:123". Routing consults it after peer bindings and
// before the default scope. Lookups are case-insensitive.
type IdentityLinks struct {
	path string

	mu      sync.RWMutex
	reverse map[string]string // scoped-id (lowercase) → canonical id
}

// NewIdentityLinks loads identity_links.json from stateDir. A missing
// file yields an empty map.
func NewIdentityLinks(stateDir string) (*IdentityLinks, error) {
	l := &IdentityLinks{
		path:    filepath.Join(stateDir, "identity_links.json"),
		reverse: make(map[string]string),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the backing file and rebuilds the reverse index.
func (l *IdentityLinks) Reload() error {
	var doc map[string][]string
	if err := store.Load(l.path, &doc); err != nil {
		return err
	}

	reverse := make(map[string]string)
	for canonical, scoped := range doc {
		for _, id := range scoped {
			reverse[strings.ToLower(id)] = canonical
		}
	}

	l.mu.Lock()
	l.reverse = reverse
	l.mu.Unlock()
	return nil
}

// Link adds a scoped id under a canonical id and persists the map.
func (l *IdentityLinks) Link(canonical, scopedID string) error {
	err := store.Update(l.path, func(doc *map[string][]string) error {
		if *doc == nil {
			*doc = make(map[string][]string)
		}
		for _, existing := range (*doc)[canonical] {
			if strings.EqualFold(existing, scopedID) {
				return nil
			}
		}
		(*doc)[canonical] = append((*doc)[canonical], scopedID)
		return nil
	})
	if err != nil {
		return err
	}
	return l.Reload()
}

// Lookup resolves the first matching candidate to its canonical id.
func (l *IdentityLinks) Lookup(candidates ...string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range candidates {
		if canonical, ok := l.reverse[strings.ToLower(c)]; ok {
			return canonical, true
		}
	}
	return "", false
}
