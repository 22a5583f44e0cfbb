package sessions

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/opengate-ai/opengate/internal/store"
)

// Store is the persistent SessionKey → Entry registry backed by
// sessions/store.json. All mutations go through Update; readers snapshot
// without locking.
type Store struct {
	path string
	now  func() time.Time
}

// NewStore creates a store rooted at stateDir.
func NewStore(stateDir string) *Store {
	return &Store{
		path: filepath.Join(stateDir, "sessions", "store.json"),
		now:  time.Now,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Update applies a mutator to one entry under the store lock, creating
// the entry if needed. SessionID is assigned exactly once; UpdatedAt is
// bumped monotonically after the mutator runs.
func (s *Store) Update(key string, mutator func(*Entry)) (*Entry, error) {
	var out Entry
	err := store.Update(s.path, func(doc *map[string]*Entry) error {
		if *doc == nil {
			*doc = make(map[string]*Entry)
		}
		entry, ok := (*doc)[key]
		if !ok {
			entry = &Entry{SessionID: uuid.NewString()}
			(*doc)[key] = entry
		}
		mutator(entry)
		if entry.SessionID == "" {
			entry.SessionID = uuid.NewString()
		}
		entry.Touch(s.now().UnixMilli())
		out = *entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", key, err)
	}
	return &out, nil
}

// UpdateAll applies a mutator to the whole map under the store lock.
func (s *Store) UpdateAll(mutator func(map[string]*Entry)) error {
	return store.Update(s.path, func(doc *map[string]*Entry) error {
		if *doc == nil {
			*doc = make(map[string]*Entry)
		}
		mutator(*doc)
		return nil
	})
}

// Ensure returns the entry for key, creating it with the given defaults
// on first sight. The init callback only runs for a fresh entry.
func (s *Store) Ensure(key string, init func(*Entry)) (*Entry, error) {
	var out Entry
	err := store.Update(s.path, func(doc *map[string]*Entry) error {
		if *doc == nil {
			*doc = make(map[string]*Entry)
		}
		entry, ok := (*doc)[key]
		if !ok {
			entry = &Entry{SessionID: uuid.NewString()}
			if init != nil {
				init(entry)
			}
			entry.Touch(s.now().UnixMilli())
			(*doc)[key] = entry
		}
		out = *entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ensure session %s: %w", key, err)
	}
	return &out, nil
}

// Get snapshots one entry without locking. The bool reports presence.
func (s *Store) Get(key string) (*Entry, bool, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, false, err
	}
	entry, ok := snap[key]
	return entry, ok, nil
}

// Snapshot reads the whole store without locking. The returned map is
// the caller's to keep; it never aliases live store state.
func (s *Store) Snapshot() (map[string]*Entry, error) {
	var doc map[string]*Entry
	if err := store.Load(s.path, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]*Entry)
	}
	return doc, nil
}

// Delete removes an entry. Returns whether it existed.
func (s *Store) Delete(key string) (bool, error) {
	existed := false
	err := store.Update(s.path, func(doc *map[string]*Entry) error {
		if *doc == nil {
			return nil
		}
		_, existed = (*doc)[key]
		delete(*doc, key)
		return nil
	})
	return existed, err
}

// Reset clears an entry's conversation-derived state but keeps the key.
// The session id is regenerated: a reset session is a new conversation.
func (s *Store) Reset(key string) error {
	_, err := s.Update(key, func(e *Entry) {
		*e = Entry{
			SessionID:       uuid.NewString(),
			ModelProvider:   e.ModelProvider,
			Model:           e.Model,
			Channel:         e.Channel,
			GroupActivation: e.GroupActivation,
			SendPolicy:      e.SendPolicy,
			QueueMode:       e.QueueMode,
		}
	})
	return err
}

// List returns the snapshot as key/entry pairs for the sessions.list RPC.
func (s *Store) List() ([]ListItem, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	items := make([]ListItem, 0, len(snap))
	for key, e := range snap {
		items = append(items, ListItem{Key: key, Entry: *e})
	}
	return items, nil
}

// ListItem pairs a session key with its entry for listings.
type ListItem struct {
	Key string `json:"key"`
	Entry
}
