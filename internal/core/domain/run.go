package domain

import "time"

// RunInfo is the heartbeat payload a live pilot announces to the run
// registry so external tooling can watch allocations without attaching to
// the process.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	Hostname   string    `json:"hostname"`
	TotalCores int       `json:"total_cores"`
	FreeCores  int       `json:"free_cores"`
	QueueDepth int       `json:"queue_depth"`
	Running    int       `json:"running"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TaskEvent is one lifecycle transition published to the event stream.
type TaskEvent struct {
	EventID string      `json:"event_id"`
	TaskID  string      `json:"task_id"`
	Status  TaskStatus  `json:"status"`
	Retries int         `json:"retries"`
	Result  *TaskResult `json:"result,omitempty"`
	At      time.Time   `json:"at"`
}

// Summary is what a finished (or drained) run reports back to the caller.
type Summary struct {
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	WallTime  float64 `json:"wall_time"` // seconds
}
