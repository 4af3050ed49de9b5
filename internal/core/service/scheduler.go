// Package service implements the pilot scheduling engine: priority
// admission with backfill over a fixed core budget, a bounded worker pool,
// the retry state machine, durable persistence with crash resume, and the
// completion callback mechanism for adaptive workflows.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halverson/pilot/internal/core/domain"
	"github.com/halverson/pilot/internal/core/port"
)

var (
	// ErrTaskTerminal is returned when adding a task whose id already
	// reached completed or failed; terminal ids are never reintroduced.
	ErrTaskTerminal = errors.New("task id already terminal")
	// ErrTaskActive is returned when adding a task whose id is currently
	// dispatched to a worker.
	ErrTaskActive = errors.New("task id currently running")
	// ErrNoStore is returned by Resume when the scheduler has no
	// persistence configured.
	ErrNoStore = errors.New("no state store configured")
	// ErrOversized is returned for tasks requesting more cores than the
	// whole allocation; they could never be admitted.
	ErrOversized = errors.New("task requests more cores than the allocation")
	// ErrTaskInvalid is returned for malformed task definitions.
	ErrTaskInvalid = errors.New("invalid task definition")
)

// rejected reports whether an AddTask error is a validation rejection of
// the task itself, as opposed to a persistence fault.
func rejected(err error) bool {
	return errors.Is(err, ErrOversized) ||
		errors.Is(err, ErrTaskTerminal) ||
		errors.Is(err, ErrTaskActive) ||
		errors.Is(err, ErrTaskInvalid)
}

// StateView is the read-only snapshot handed to completion callbacks. The
// maps are copies: mutating them does not touch scheduler state.
type StateView struct {
	QueueDepth int
	TotalCores int
	FreeCores  int
	Running    map[string]domain.Task
	Completed  map[string]domain.TaskResult
	Failed     map[string]domain.TaskResult
}

// CompletionCallback is invoked after each fully processed completion.
// Returned tasks are injected through the normal add path before the next
// completion is processed.
type CompletionCallback func(task domain.Task, result domain.TaskResult, view StateView) []domain.Task

const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultHeartbeatInterval = 10 * time.Second
)

// Scheduler multiplexes many short-lived tasks inside one fixed core
// allocation. All scheduler state is owned by the goroutine running the
// Run loop; task bodies execute in isolated workers through the Executor
// port.
type Scheduler struct {
	runID      string
	totalCores int
	maxWorkers int
	poll       time.Duration
	beatEvery  time.Duration

	// mu guards the allocator and the running set: reserve at dispatch and
	// release at completion mutate both together. queue, completed and
	// failed are written only by the goroutine driving Run; Snapshot reads
	// them under mu for a coherent copy, but they are not safe to touch
	// from other goroutines.
	mu      sync.Mutex
	alloc   *allocator
	running map[string]domain.Task

	queue     *taskQueue
	completed map[string]domain.TaskResult
	failed    map[string]domain.TaskResult

	callbacks []CompletionCallback

	exec     port.Executor
	store    port.StateStore
	events   port.EventPublisher
	registry port.RunRegistry

	startedAt time.Time
	lastBeat  time.Time

	log *zap.Logger
}

// NewScheduler creates a scheduler for a fixed allocation of totalCores.
// maxWorkers bounds concurrently running attempts; zero or negative means
// one worker per core. store may be nil to run without persistence.
func NewScheduler(totalCores, maxWorkers int, exec port.Executor, store port.StateStore, log *zap.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = totalCores
	}
	return &Scheduler{
		runID:      uuid.NewString(),
		totalCores: totalCores,
		maxWorkers: maxWorkers,
		poll:       defaultPollInterval,
		beatEvery:  defaultHeartbeatInterval,
		alloc:      newAllocator(totalCores),
		running:    make(map[string]domain.Task),
		queue:      newTaskQueue(),
		completed:  make(map[string]domain.TaskResult),
		failed:     make(map[string]domain.TaskResult),
		exec:       exec,
		store:      store,
		log:        log,
	}
}

// WithEventPublisher streams task lifecycle events to the given publisher.
func (s *Scheduler) WithEventPublisher(p port.EventPublisher) *Scheduler {
	s.events = p
	return s
}

// WithRunRegistry announces the live run to the given registry.
func (s *Scheduler) WithRunRegistry(r port.RunRegistry) *Scheduler {
	s.registry = r
	return s
}

// RunID identifies this pilot run in events and registry announcements.
func (s *Scheduler) RunID() string { return s.runID }

// OnComplete registers a completion callback. Callbacks run synchronously
// in registration order; a panicking callback is logged and isolated.
func (s *Scheduler) OnComplete(cb CompletionCallback) {
	s.callbacks = append(s.callbacks, cb)
}

// AddTask queues a task and persists it as pending. Re-adding a pending id
// overwrites the queued entry and the stored record. Missing cores default
// to 1.
func (s *Scheduler) AddTask(ctx context.Context, task domain.Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: id required", ErrTaskInvalid)
	}
	if task.Cores <= 0 {
		task.Cores = 1
	}
	if task.Cores > s.totalCores {
		return fmt.Errorf("%w: %s wants %d of %d cores", ErrOversized, task.ID, task.Cores, s.totalCores)
	}
	if _, ok := s.completed[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskTerminal, task.ID)
	}
	if _, ok := s.failed[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskTerminal, task.ID)
	}
	s.mu.Lock()
	_, active := s.running[task.ID]
	s.mu.Unlock()
	if active {
		return fmt.Errorf("%w: %s", ErrTaskActive, task.ID)
	}

	s.queue.Push(task)
	if s.store != nil {
		if err := s.store.Save(ctx, &task, domain.TaskStatusPending); err != nil {
			return fmt.Errorf("persist task %s: %w", task.ID, err)
		}
	}
	return nil
}

// AddTasks queues a batch, stopping at the first error.
func (s *Scheduler) AddTasks(ctx context.Context, tasks []domain.Task) error {
	for _, t := range tasks {
		if err := s.AddTask(ctx, t); err != nil {
			return err
		}
	}
	if len(tasks) > 0 {
		s.log.Info("tasks added", zap.Int("count", len(tasks)))
	}
	return nil
}

// Resume reconstructs scheduler state from the store: pending and
// interrupted running records are re-enqueued (a record stuck in running is
// conservatively restarted from scratch), terminal records populate the
// completed and failed maps without re-execution. Call at most once, at
// startup, before adding new tasks.
func (s *Scheduler) Resume(ctx context.Context) (pending, done int, err error) {
	if s.store == nil {
		return 0, 0, ErrNoStore
	}
	records, err := s.store.All(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load state: %w", err)
	}
	for _, rec := range records {
		switch rec.Status {
		case domain.TaskStatusPending, domain.TaskStatusRunning:
			task := rec.Task
			if task.Cores <= 0 {
				task.Cores = 1
			}
			if task.Cores > s.totalCores {
				return pending, done, fmt.Errorf("%w: %s wants %d of %d cores", ErrOversized, task.ID, task.Cores, s.totalCores)
			}
			s.queue.Push(task)
			pending++
		case domain.TaskStatusCompleted:
			if rec.Result != nil {
				s.completed[rec.Task.ID] = *rec.Result
			}
			done++
		case domain.TaskStatusFailed:
			if rec.Result != nil {
				s.failed[rec.Task.ID] = *rec.Result
			}
			done++
		}
	}
	s.log.Info("resumed from store", zap.Int("pending", pending), zap.Int("done", done))
	return pending, done, nil
}

// Snapshot returns a copy of the current scheduler state.
func (s *Scheduler) Snapshot() StateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := StateView{
		QueueDepth: s.queue.Len(),
		TotalCores: s.totalCores,
		FreeCores:  s.alloc.free,
		Running:    make(map[string]domain.Task, len(s.running)),
		Completed:  make(map[string]domain.TaskResult, len(s.completed)),
		Failed:     make(map[string]domain.TaskResult, len(s.failed)),
	}
	for id, t := range s.running {
		view.Running[id] = t
	}
	for id, r := range s.completed {
		view.Completed[id] = r
	}
	for id, r := range s.failed {
		view.Failed[id] = r
	}
	return view
}

// Run drives the scheduling loop until the backlog and the in-flight set
// are both empty, the context is cancelled (graceful drain: no new
// admissions, in-flight attempts run to completion), or a persistence
// write fails. A summary is produced in every case.
func (s *Scheduler) Run(ctx context.Context) (domain.Summary, error) {
	s.startedAt = time.Now()
	results := make(chan domain.TaskResult, s.maxWorkers)
	// Dispatched attempts and their persistence writes must outlive a
	// cooperative stop, so everything downstream of admission uses a
	// detached context.
	detached := context.WithoutCancel(ctx)

	s.log.Info("pilot starting",
		zap.String("run_id", s.runID),
		zap.Int("cores", s.totalCores),
		zap.Int("max_workers", s.maxWorkers),
		zap.Int("pending", s.queue.Len()))

	var runErr error
	for runErr == nil && ctx.Err() == nil {
		if err := s.admit(detached, results); err != nil {
			runErr = err
			break
		}
		s.announce(detached)

		s.mu.Lock()
		inFlight := len(s.running)
		idle := s.queue.Empty() && inFlight == 0
		s.mu.Unlock()
		if idle {
			break
		}

		if inFlight == 0 {
			// Backlog present but nothing fits; wait for capacity changes
			// or cancellation.
			select {
			case <-time.After(s.poll):
			case <-ctx.Done():
			}
			continue
		}

		select {
		case res := <-results:
			runErr = s.complete(detached, res)
		case <-time.After(s.poll):
		case <-ctx.Done():
		}
	}

	if ctx.Err() != nil {
		s.log.Info("shutdown requested, draining in-flight tasks",
			zap.Int("in_flight", s.inFlight()))
	}
	for s.inFlight() > 0 {
		res := <-results
		if err := s.complete(detached, res); err != nil && runErr == nil {
			runErr = err
		}
	}

	summary := domain.Summary{
		Completed: len(s.completed),
		Failed:    len(s.failed),
		WallTime:  time.Since(s.startedAt).Seconds(),
	}
	s.log.Info("pilot finished",
		zap.String("run_id", s.runID),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Float64("wall_time", summary.WallTime))
	return summary, runErr
}

// admit performs one backfill pass: pop from the backlog while free cores
// and worker slots remain; tasks that do not currently fit are held aside
// so smaller tasks behind them can still start, then pushed back with
// priority and retry count untouched.
func (s *Scheduler) admit(ctx context.Context, results chan<- domain.TaskResult) error {
	var held []domain.Task
	defer func() {
		for _, t := range held {
			s.queue.Push(t)
		}
	}()

	for {
		s.mu.Lock()
		free := s.alloc.free
		slots := s.maxWorkers - len(s.running)
		s.mu.Unlock()
		if free <= 0 || slots <= 0 || s.queue.Empty() {
			return nil
		}

		task, ok := s.queue.Pop()
		if !ok {
			return nil
		}

		s.mu.Lock()
		if !s.alloc.fits(&task) {
			s.mu.Unlock()
			held = append(held, task)
			continue
		}
		s.alloc.reserve(&task)
		s.running[task.ID] = task
		freeNow := s.alloc.free
		s.mu.Unlock()

		if s.store != nil {
			if err := s.store.SetStatus(ctx, task.ID, domain.TaskStatusRunning); err != nil {
				// Not dispatched yet; roll back so the drain loop never
				// waits on a result that will not arrive.
				s.mu.Lock()
				delete(s.running, task.ID)
				s.alloc.release(&task)
				s.mu.Unlock()
				return fmt.Errorf("persist running %s: %w", task.ID, err)
			}
		}

		s.log.Info("task dispatched",
			zap.String("task_id", task.ID),
			zap.Int("cores", task.Cores),
			zap.Int("free_cores", freeNow))

		attempt := task.Clone()
		go func() {
			results <- s.exec.Execute(ctx, attempt)
		}()
	}
}

// complete fully processes one attempt result: release resources, classify
// through the retry state machine, persist in a single write, publish the
// lifecycle event, then run callbacks against the post-update state.
func (s *Scheduler) complete(ctx context.Context, res domain.TaskResult) error {
	s.mu.Lock()
	task, ok := s.running[res.TaskID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("result for unknown task dropped", zap.String("task_id", res.TaskID))
		return nil
	}
	delete(s.running, res.TaskID)
	s.alloc.release(&task)
	s.mu.Unlock()

	var status domain.TaskStatus
	switch {
	case res.Success:
		s.completed[task.ID] = res
		status = domain.TaskStatusCompleted
		s.log.Info("task completed",
			zap.String("task_id", task.ID),
			zap.Float64("duration", res.Duration))
	case task.Retries < task.MaxRetries:
		task.Retries++
		s.queue.Push(task)
		status = domain.TaskStatusPending
		s.log.Warn("task retrying",
			zap.String("task_id", task.ID),
			zap.Int("retry", task.Retries),
			zap.Int("max_retries", task.MaxRetries),
			zap.Int("returncode", res.ReturnCode))
	default:
		s.failed[task.ID] = res
		status = domain.TaskStatusFailed
		s.log.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("returncode", res.ReturnCode),
			zap.Int("retries", task.Retries))
	}

	if s.store != nil {
		if err := s.store.RecordAttempt(ctx, &task, status, &res); err != nil {
			return fmt.Errorf("persist result %s: %w", task.ID, err)
		}
	}

	s.publish(ctx, &task, status, &res)

	view := s.Snapshot()
	for i, cb := range s.callbacks {
		generated := s.invoke(i, cb, task, res, view)
		if len(generated) == 0 {
			continue
		}
		added := 0
		for _, gen := range generated {
			err := s.AddTask(ctx, gen)
			switch {
			case err == nil:
				added++
			case rejected(err):
				// A faulty listener must not take the run down; only a
				// persistence fault is fatal here.
				s.log.Warn("dropping invalid callback task",
					zap.Int("callback", i),
					zap.String("task_id", gen.ID),
					zap.Error(err))
			default:
				return fmt.Errorf("inject callback tasks for %s: %w", task.ID, err)
			}
		}
		if added > 0 {
			s.log.Info("callback generated tasks",
				zap.String("task_id", task.ID),
				zap.Int("count", added))
		}
	}
	return nil
}

// invoke runs one callback behind a recover boundary so a faulty listener
// cannot abort the run or skip the remaining listeners.
func (s *Scheduler) invoke(idx int, cb CompletionCallback, task domain.Task, res domain.TaskResult, view StateView) (generated []domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			generated = nil
			s.log.Error("callback panicked",
				zap.Int("callback", idx),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return cb(task, res, view)
}

// publish streams a lifecycle event; failures are logged, never fatal.
func (s *Scheduler) publish(ctx context.Context, task *domain.Task, status domain.TaskStatus, res *domain.TaskResult) {
	if s.events == nil {
		return
	}
	event := domain.TaskEvent{
		EventID: uuid.NewString(),
		TaskID:  task.ID,
		Status:  status,
		Retries: task.Retries,
		Result:  res,
		At:      time.Now(),
	}
	if err := s.events.PublishTaskEvent(ctx, event); err != nil {
		s.log.Warn("event publish failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// announce refreshes the run registry heartbeat at beatEvery granularity.
func (s *Scheduler) announce(ctx context.Context) {
	if s.registry == nil || time.Since(s.lastBeat) < s.beatEvery {
		return
	}
	hostname, _ := os.Hostname()
	view := s.Snapshot()
	info := &domain.RunInfo{
		RunID:      s.runID,
		Hostname:   hostname,
		TotalCores: view.TotalCores,
		FreeCores:  view.FreeCores,
		QueueDepth: view.QueueDepth,
		Running:    len(view.Running),
		Completed:  len(view.Completed),
		Failed:     len(view.Failed),
		StartedAt:  s.startedAt,
		UpdatedAt:  time.Now(),
	}
	if err := s.registry.Announce(ctx, info); err != nil {
		s.log.Warn("registry announce failed", zap.Error(err))
	}
	s.lastBeat = time.Now()
}

func (s *Scheduler) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
