// Package port provides behavior interfaces that connect the scheduler core
// to its storage, execution and observability adapters.
package port

import (
	"context"

	"github.com/halverson/pilot/internal/core/domain"
)

// TaskRecord is one persisted row: the task definition, its last known
// status and, once terminal (or retried after a failing attempt), the
// attempt result.
type TaskRecord struct {
	Task   domain.Task
	Status domain.TaskStatus
	Result *domain.TaskResult
}

// StateStore defines how task state is made durable. All writes are
// synchronous upserts keyed by task id; replaying a write is a no-op.
type StateStore interface {
	// Save upserts the task definition together with its status.
	Save(ctx context.Context, task *domain.Task, status domain.TaskStatus) error
	// SetStatus updates only the status column of an existing record.
	SetStatus(ctx context.Context, id string, status domain.TaskStatus) error
	// RecordAttempt persists the outcome of one execution attempt in a
	// single write: the (possibly retried) definition, the new status, the
	// attempt result, and the finish time when the status is terminal.
	RecordAttempt(ctx context.Context, task *domain.Task, status domain.TaskStatus, result *domain.TaskResult) error
	// All returns every persisted record, for resume.
	All(ctx context.Context) ([]TaskRecord, error)
	Close() error
}

// Executor runs one task attempt in isolation. It never returns an engine
// fault: timeouts and infrastructure errors are converted into a failed
// TaskResult so a single misbehaving task cannot crash the coordinator.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) domain.TaskResult
}

// EventPublisher defines how task lifecycle transitions are streamed to
// external consumers. Publishing is best effort; the scheduler logs and
// continues on error.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, event domain.TaskEvent) error
	Close() error
}

// RunRegistry defines how a live pilot announces itself for discovery.
type RunRegistry interface {
	Announce(ctx context.Context, info *domain.RunInfo) error
}
