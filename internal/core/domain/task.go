package domain

import "time"

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// ReturnCodeFault is the reserved return code recorded for attempts that
// timed out or never produced an exit status (process launch failure,
// unwritable task directory, and the like).
const ReturnCodeFault = -1

// Task is a unit of work executed inside the pilot's allocation.
// The command is opaque to the scheduler; cores is the only resource
// dimension it arbitrates.
type Task struct {
	ID         string            `json:"id"`
	Command    string            `json:"command"`
	Cores      int               `json:"cores"`
	TimeoutSec int               `json:"timeout"` // wall clock bound in seconds, 0 = unbounded
	Priority   int               `json:"priority"`
	Workdir    string            `json:"workdir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	MaxRetries int               `json:"max_retries"`
	Retries    int               `json:"retries"`
}

// Timeout returns the task's wall clock bound as a duration, 0 when unbounded.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec) * time.Second
}

// Clone returns a deep copy so the coordinator and the execution layer never
// share mutable state across the dispatch boundary.
func (t *Task) Clone() Task {
	cp := *t
	if t.Env != nil {
		cp.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			cp.Env[k] = v
		}
	}
	if t.Tags != nil {
		cp.Tags = make(map[string]string, len(t.Tags))
		for k, v := range t.Tags {
			cp.Tags[k] = v
		}
	}
	return cp
}

// TaskResult is the outcome of one execution attempt.
type TaskResult struct {
	TaskID     string  `json:"task_id"`
	Success    bool    `json:"success"`
	ReturnCode int     `json:"returncode"`
	Duration   float64 `json:"duration"` // seconds
	StdoutFile string  `json:"stdout_file"`
	StderrFile string  `json:"stderr_file"`
}
