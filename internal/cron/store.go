package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// jobsFileVersion is bumped on breaking changes to the jobs file.
const jobsFileVersion = 1

type jobsFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// JobStore persists the job list as one JSON document, written
// atomically.
type JobStore struct {
	path string
}

func NewJobStore(path string) *JobStore {
	return &JobStore{path: path}
}

// Load reads all jobs. A missing file is an empty job list.
func (s *JobStore) Load() ([]Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs file: %w", err)
	}

	var f jobsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}
	return f.Jobs, nil
}

// Save writes the whole job list: temp file, sync, rename.
func (s *JobStore) Save(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	data, err := json.MarshalIndent(jobsFile{Version: jobsFileVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "jobs-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
