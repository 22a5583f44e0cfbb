package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/opengate-ai/opengate/internal/store"
)

// runLogCap bounds each per-job run log.
const runLogCap = 500

// Store persists jobs in cron/jobs.json and run logs in
// cron/runs/<job_id>.jsonl under the state directory.
type Store struct {
	jobsPath string
	runsDir  string

	// runMu serializes the rewrite-on-append of one run log.
	runMu sync.Mutex
}

func NewStore(stateDir string) *Store {
	return &Store{
		jobsPath: filepath.Join(stateDir, "cron", "jobs.json"),
		runsDir:  filepath.Join(stateDir, "cron", "runs"),
	}
}

type jobsDoc struct {
	Jobs []*Job `json:"jobs"`
}

// List returns all jobs, sorted by creation time.
func (s *Store) List() ([]*Job, error) {
	var doc jobsDoc
	if err := store.Load(s.jobsPath, &doc); err != nil {
		return nil, err
	}
	sort.Slice(doc.Jobs, func(i, j int) bool { return doc.Jobs[i].CreatedAtMs < doc.Jobs[j].CreatedAtMs })
	return doc.Jobs, nil
}

// Get returns one job by id.
func (s *Store) Get(id string) (*Job, error) {
	jobs, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, fmt.Errorf("cron job %s not found", id)
}

// Put inserts or replaces a job.
func (s *Store) Put(job *Job) error {
	return store.Update(s.jobsPath, func(doc *jobsDoc) error {
		for i, j := range doc.Jobs {
			if j.ID == job.ID {
				doc.Jobs[i] = job
				return nil
			}
		}
		doc.Jobs = append(doc.Jobs, job)
		return nil
	})
}

// Mutate applies a mutator to one job under the store lock. Returns the
// updated job; a nil job from the lookup is reported as an error.
func (s *Store) Mutate(id string, mutator func(*Job)) (*Job, error) {
	var out *Job
	err := store.Update(s.jobsPath, func(doc *jobsDoc) error {
		for _, j := range doc.Jobs {
			if j.ID == id {
				mutator(j)
				cp := *j
				out = &cp
				return nil
			}
		}
		return fmt.Errorf("cron job %s not found", id)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes a job and its run log. Reports whether it existed.
func (s *Store) Remove(id string) (bool, error) {
	removed := false
	err := store.Update(s.jobsPath, func(doc *jobsDoc) error {
		kept := doc.Jobs[:0]
		for _, j := range doc.Jobs {
			if j.ID == id {
				removed = true
				continue
			}
			kept = append(kept, j)
		}
		doc.Jobs = kept
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		os.Remove(s.runLogPath(id))
	}
	return removed, nil
}

func (s *Store) runLogPath(jobID string) string {
	return filepath.Join(s.runsDir, jobID+".jsonl")
}

// AppendRun appends a run record, truncating the log to the newest
// runLogCap entries.
func (s *Store) AppendRun(jobID string, rec RunRecord) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	records, err := s.readRuns(jobID)
	if err != nil {
		return err
	}
	records = append(records, rec)
	if len(records) > runLogCap {
		records = records[len(records)-runLogCap:]
	}

	if err := os.MkdirAll(s.runsDir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.runsDir, jobID+".jsonl.tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
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
	return os.Rename(tmp.Name(), s.runLogPath(jobID))
}

// Runs returns the run log for a job, oldest first. A missing log is an
// empty slice.
func (s *Store) Runs(jobID string) ([]RunRecord, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.readRuns(jobID)
}

func (s *Store) readRuns(jobID string) ([]RunRecord, error) {
	f, err := os.Open(s.runLogPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // skip corrupt lines
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
