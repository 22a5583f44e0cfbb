// Package store provides the file-state primitives shared by every
// persistent structure in the gateway: read-modify-write under an
// exclusive lock, with atomic write-temp-then-rename persistence.
//
// Locking uses a directory-sentinel lockfile next to the target (created
// with O_EXCL), paired with an in-process mutex per path. Readers never
// lock: they snapshot the file and may observe a slightly stale view,
// but never a torn write, because writers always rename over the target.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	fileMode = 0o600
	dirMode  = 0o700

	lockRetryInterval = 10 * time.Millisecond
	lockStaleAfter    = 30 * time.Second
	lockTimeout       = 10 * time.Second
)

// pathLocks serializes in-process writers per target path.
var pathLocks sync.Map // string → *sync.Mutex

func lockFor(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Update applies a mutator to the JSON document at path under an
// exclusive lock: read → decode → mutate → encode → fsync temp → rename.
// A missing file decodes to the zero value of T.
func Update[T any](path string, mutator func(*T) error) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	unlock, err := acquireSentinel(path)
	if err != nil {
		return err
	}
	defer unlock()

	var doc T
	if err := Load(path, &doc); err != nil {
		return err
	}
	if err := mutator(&doc); err != nil {
		return err
	}
	return writeAtomic(path, &doc)
}

// Load reads and decodes the JSON document at path into out. A missing
// file leaves out at its zero value and returns nil.
func Load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Save persists v at path atomically without the read-modify cycle.
// Used for documents the caller fully owns in memory.
func Save(path string, v any) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	cleanup = false
	return nil
}

// acquireSentinel takes the cross-process lockfile for path. A lockfile
// older than lockStaleAfter is assumed abandoned and broken.
func acquireSentinel(path string) (func(), error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			if mkErr := os.MkdirAll(filepath.Dir(path), dirMode); mkErr == nil {
				continue
			}
			return nil, fmt.Errorf("lock %s: %w", lockPath, err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: timed out", lockPath)
		}
		time.Sleep(lockRetryInterval)
	}
}
