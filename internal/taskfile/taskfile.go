// Package taskfile loads pilot task definitions from a JSON file: an array
// of task records with load-time defaults applied. It produces descriptors
// for the engine and contains no scheduling logic.
package taskfile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/halverson/pilot/internal/core/domain"
)

// Load reads a JSON array of task records from path. Unknown fields are
// ignored; missing optional fields get their defaults (cores=1,
// priority=0, no timeout, empty env/tags, no retries). Tasks must have an
// id, a command and a non-negative core request, and ids must be unique
// within one file.
func Load(path string) ([]domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return nil, fmt.Errorf("task %d: id required", i)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.Command == "" {
			return nil, fmt.Errorf("task %q: command required", t.ID)
		}
		if t.Cores < 0 {
			return nil, fmt.Errorf("task %q: cores must be positive", t.ID)
		}
		if t.Cores == 0 {
			t.Cores = 1
		}
		if t.TimeoutSec < 0 {
			return nil, fmt.Errorf("task %q: timeout must not be negative", t.ID)
		}
		if t.MaxRetries < 0 {
			return nil, fmt.Errorf("task %q: max_retries must not be negative", t.ID)
		}
		if t.Retries < 0 || t.Retries > t.MaxRetries {
			return nil, fmt.Errorf("task %q: retries out of range", t.ID)
		}
		if t.Env == nil {
			t.Env = map[string]string{}
		}
		if t.Tags == nil {
			t.Tags = map[string]string{}
		}
	}
	return tasks, nil
}
