package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/halverson/pilot/internal/core/domain"
)

func testScheduler(t *testing.T, cores, workers int, exec *fakeExec, store *memStore) *Scheduler {
	t.Helper()
	if exec == nil {
		exec = newFakeExec()
	}
	var s *Scheduler
	if store != nil {
		s = NewScheduler(cores, workers, exec, store, zap.NewNop())
	} else {
		s = NewScheduler(cores, workers, exec, nil, zap.NewNop())
	}
	return s
}

func TestFailureAccounting(t *testing.T) {
	exec := newFakeExec()
	exec.behavior = func(task domain.Task, attempt int) (bool, int) {
		if task.Tags["outcome"] == "fail" {
			return false, 2
		}
		return true, 0
	}
	s := testScheduler(t, 4, 0, exec, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.AddTask(ctx, domain.Task{ID: fmt.Sprintf("ok%d", i), Command: "true", Cores: 1}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		task := domain.Task{ID: fmt.Sprintf("bad%d", i), Command: "false", Cores: 1, Tags: map[string]string{"outcome": "fail"}}
		if err := s.AddTask(ctx, task); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != 2 || summary.Failed != 2 {
		t.Errorf("summary: got %d completed / %d failed, want 2 / 2", summary.Completed, summary.Failed)
	}

	view := s.Snapshot()
	for id := range view.Completed {
		if _, both := view.Failed[id]; both {
			t.Errorf("task %s in both terminal collections", id)
		}
	}
}

func TestResourceSafetyAndParallelism(t *testing.T) {
	exec := newFakeExec()
	s := testScheduler(t, 4, 0, exec, nil)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("t%d", i)
		exec.delay[id] = 100 * time.Millisecond
		if err := s.AddTask(ctx, domain.Task{ID: id, Command: "sleep", Cores: 2}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != 8 {
		t.Fatalf("completed: got %d, want 8", summary.Completed)
	}
	if peak := exec.peakWeighted(); peak > 4 {
		t.Errorf("core budget oversubscribed: peak weighted concurrency %d > 4", peak)
	} else if peak != 4 {
		t.Errorf("expected two 2-core tasks in flight at steady state, peak was %d", peak)
	}
	// Eight 100ms tasks two at a time should take roughly 400ms; anywhere
	// near the 800ms serial time means cycling broke.
	if summary.WallTime > 0.7 {
		t.Errorf("wall time %.2fs suggests serial execution", summary.WallTime)
	}
}

func TestBackfillSmallTasksStartBehindLarge(t *testing.T) {
	exec := newFakeExec()
	exec.delay["A"] = 300 * time.Millisecond
	exec.delay["B"] = 50 * time.Millisecond
	exec.delay["C"] = 50 * time.Millisecond
	s := testScheduler(t, 4, 0, exec, nil)

	ctx := context.Background()
	tasks := []domain.Task{
		{ID: "A", Command: "big", Cores: 3, Priority: 10},
		{ID: "B", Command: "small", Cores: 1, Priority: 5},
		{ID: "C", Command: "small", Cores: 1, Priority: 5},
	}
	if err := s.AddTasks(ctx, tasks); err != nil {
		t.Fatalf("add: %v", err)
	}

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != 3 {
		t.Fatalf("completed: got %d, want 3", summary.Completed)
	}
	if !exec.overlapped("A", "B") {
		t.Errorf("B should have backfilled alongside A")
	}
	if !exec.overlapped("A", "C") {
		t.Errorf("C should have run while A was still holding 3 cores")
	}
}

func TestRetryStateMachine(t *testing.T) {
	exec := newFakeExec()
	exec.behavior = func(task domain.Task, attempt int) (bool, int) {
		switch task.ID {
		case "flaky":
			// Succeeds on the third attempt.
			return attempt >= 3, 1
		case "doomed":
			return false, 7
		}
		return true, 0
	}
	store := newMemStore()
	s := testScheduler(t, 2, 0, exec, store)

	ctx := context.Background()
	if err := s.AddTask(ctx, domain.Task{ID: "flaky", Command: "sometimes", Cores: 1, MaxRetries: 2}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddTask(ctx, domain.Task{ID: "doomed", Command: "never", Cores: 1, MaxRetries: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != 1 || summary.Failed != 1 {
		t.Fatalf("summary: got %d/%d, want 1 completed, 1 failed", summary.Completed, summary.Failed)
	}
	if got := exec.attempts("flaky"); got != 3 {
		t.Errorf("flaky attempts: got %d, want 3", got)
	}
	if got := exec.attempts("doomed"); got != 2 {
		t.Errorf("doomed attempts: got %d, want 2 (1 + 1 retry)", got)
	}

	records, _ := store.All(ctx)
	for _, rec := range records {
		if rec.Task.Retries > rec.Task.MaxRetries {
			t.Errorf("task %s: retries %d exceeded max %d", rec.Task.ID, rec.Task.Retries, rec.Task.MaxRetries)
		}
	}
	if store.status("doomed") != domain.TaskStatusFailed {
		t.Errorf("doomed status: got %s, want failed", store.status("doomed"))
	}
}

func TestCallbackInjectsTasks(t *testing.T) {
	exec := newFakeExec()
	s := testScheduler(t, 2, 0, exec, nil)

	injected := 0
	const maxChildren = 2
	s.OnComplete(func(task domain.Task, result domain.TaskResult, view StateView) []domain.Task {
		if !result.Success || task.Tags["gen"] != "yes" || injected >= maxChildren {
			return nil
		}
		injected++
		return []domain.Task{{
			ID:      fmt.Sprintf("child-%d", injected),
			Command: "follow-up",
			Cores:   1,
		}}
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		task := domain.Task{
			ID:      fmt.Sprintf("seed%d", i),
			Command: "seed",
			Cores:   1,
			Tags:    map[string]string{"gen": "yes"},
		}
		if err := s.AddTask(ctx, task); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := 3 + maxChildren; summary.Completed != want {
		t.Errorf("terminal count: got %d, want %d (seeds + injected)", summary.Completed, want)
	}
	view := s.Snapshot()
	for i := 1; i <= maxChildren; i++ {
		if _, ok := view.Completed[fmt.Sprintf("child-%d", i)]; !ok {
			t.Errorf("injected task child-%d never reached a terminal state", i)
		}
	}
}

func TestCallbackObservesPostUpdateState(t *testing.T) {
	exec := newFakeExec()
	s := testScheduler(t, 1, 0, exec, nil)

	sawSelf := false
	s.OnComplete(func(task domain.Task, result domain.TaskResult, view StateView) []domain.Task {
		if _, ok := view.Completed[task.ID]; ok {
			sawSelf = true
		}
		if _, stillRunning := view.Running[task.ID]; stillRunning {
			t.Errorf("callback saw %s still in the running set", task.ID)
		}
		return nil
	})

	ctx := context.Background()
	if err := s.AddTask(ctx, domain.Task{ID: "only", Command: "x", Cores: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawSelf {
		t.Errorf("callback did not observe its task in the completed snapshot")
	}
}

func TestCallbackInvalidTasksDropped(t *testing.T) {
	exec := newFakeExec()
	s := testScheduler(t, 2, 0, exec, nil)

	s.OnComplete(func(task domain.Task, result domain.TaskResult, view StateView) []domain.Task {
		if task.ID != "t0" {
			return nil
		}
		// One task that can never be admitted, one colliding with a
		// terminal id, one without an id, and one valid follow-up.
		return []domain.Task{
			{ID: "huge", Command: "x", Cores: 99},
			{ID: "t0", Command: "x", Cores: 1},
			{Command: "x", Cores: 1},
			{ID: "extra", Command: "x", Cores: 1},
		}
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.AddTask(ctx, domain.Task{ID: fmt.Sprintf("t%d", i), Command: "x", Cores: 1}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run aborted by invalid callback tasks: %v", err)
	}
	if want := 3 + 1; summary.Completed != want {
		t.Errorf("completed: got %d, want %d (seeds + valid injection)", summary.Completed, want)
	}
	view := s.Snapshot()
	if _, ok := view.Completed["extra"]; !ok {
		t.Errorf("valid injected task was dropped with the invalid ones")
	}
	for _, id := range []string{"huge", ""} {
		if _, ok := view.Completed[id]; ok {
			t.Errorf("invalid task %q was admitted", id)
		}
		if _, ok := view.Failed[id]; ok {
			t.Errorf("invalid task %q reached a terminal state", id)
		}
	}
	if got := exec.attempts("t0"); got != 1 {
		t.Errorf("terminal id re-executed: %d attempts", got)
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	exec := newFakeExec()
	s := testScheduler(t, 1, 0, exec, nil)

	s.OnComplete(func(task domain.Task, result domain.TaskResult, view StateView) []domain.Task {
		panic("listener bug")
	})
	secondCalls := 0
	s.OnComplete(func(task domain.Task, result domain.TaskResult, view StateView) []domain.Task {
		secondCalls++
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.AddTask(ctx, domain.Task{ID: fmt.Sprintf("t%d", i), Command: "x", Cores: 1}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != 2 {
		t.Errorf("completed: got %d, want 2", summary.Completed)
	}
	if secondCalls != 2 {
		t.Errorf("second listener calls: got %d, want 2", secondCalls)
	}
}

func TestAddTaskValidation(t *testing.T) {
	exec := newFakeExec()
	s := testScheduler(t, 4, 0, exec, nil)
	ctx := context.Background()

	if err := s.AddTask(ctx, domain.Task{ID: "huge", Command: "x", Cores: 5}); !errors.Is(err, ErrOversized) {
		t.Errorf("oversized task: got %v, want ErrOversized", err)
	}
	if err := s.AddTask(ctx, domain.Task{Command: "x", Cores: 1}); err == nil {
		t.Errorf("missing id accepted")
	}

	if err := s.AddTask(ctx, domain.Task{ID: "done", Command: "x", Cores: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := s.AddTask(ctx, domain.Task{ID: "done", Command: "x", Cores: 1}); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("terminal id re-added: got %v, want ErrTaskTerminal", err)
	}
}

func TestPersistenceFaultAbortsRun(t *testing.T) {
	exec := newFakeExec()
	store := newMemStore()
	s := testScheduler(t, 2, 0, exec, store)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := s.AddTask(ctx, domain.Task{ID: fmt.Sprintf("t%d", i), Command: "x", Cores: 1}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// Let the adds through, then fail the next durable write.
	store.failAfter = store.writes + 1

	_, err := s.Run(ctx)
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("run with failing store: got %v, want errStoreDown", err)
	}
}

func TestResumeRestartsInterruptedRunning(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	// A prior pilot dispatched the task and died before any attempt
	// result was written: the record is stuck in running.
	task := domain.Task{ID: "stuck", Command: "x", Cores: 1, MaxRetries: 1}
	if err := store.Save(ctx, &task, domain.TaskStatusPending); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetStatus(ctx, "stuck", domain.TaskStatusRunning); err != nil {
		t.Fatalf("set status: %v", err)
	}

	exec := newFakeExec()
	s := testScheduler(t, 2, 0, exec, store)
	pending, done, err := s.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if pending != 1 || done != 0 {
		t.Fatalf("resume counts: got %d pending / %d done, want 1 / 0", pending, done)
	}

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("completed: got %d, want 1", summary.Completed)
	}
	if got := exec.attempts("stuck"); got != 1 {
		t.Errorf("interrupted task executed %d times, want exactly 1", got)
	}
	if store.status("stuck") != domain.TaskStatusCompleted {
		t.Errorf("status after restart: got %s, want completed", store.status("stuck"))
	}
}

func TestShutdownDrainsAndResumes(t *testing.T) {
	store := newMemStore()
	exec := newFakeExec()
	const total = 5
	for i := 0; i < total; i++ {
		exec.delay[fmt.Sprintf("t%d", i)] = 10 * time.Millisecond
	}

	s := testScheduler(t, 1, 1, exec, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completions := 0
	s.OnComplete(func(task domain.Task, result domain.TaskResult, view StateView) []domain.Task {
		completions++
		if completions == 2 {
			cancel() // cooperative shutdown mid-run
		}
		return nil
	})

	for i := 0; i < total; i++ {
		if err := s.AddTask(ctx, domain.Task{ID: fmt.Sprintf("t%d", i), Command: "x", Cores: 1}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("interrupted run: %v", err)
	}
	if summary.Completed != 2 {
		t.Fatalf("completed before shutdown: got %d, want 2", summary.Completed)
	}
	if got := store.count(domain.TaskStatusPending); got != total-2 {
		t.Fatalf("pending after drain: got %d, want %d", got, total-2)
	}

	// Fresh scheduler, same store: resume must pick up exactly the
	// unfinished tasks.
	exec2 := newFakeExec()
	s2 := testScheduler(t, 1, 1, exec2, store)
	pending, done, err := s2.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if pending != total-2 || done != 2 {
		t.Fatalf("resume counts: got %d pending / %d done, want %d / 2", pending, done, total-2)
	}
	summary2, err := s2.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if summary2.Completed != total {
		t.Errorf("after resume: got %d completed, want %d", summary2.Completed, total)
	}

	// A further resume cycle re-executes nothing and loses nothing.
	exec3 := newFakeExec()
	s3 := testScheduler(t, 1, 1, exec3, store)
	if _, _, err := s3.Resume(context.Background()); err != nil {
		t.Fatalf("second resume: %v", err)
	}
	summary3, err := s3.Run(context.Background())
	if err != nil {
		t.Fatalf("idle run: %v", err)
	}
	if summary3.Completed != total || summary3.Failed != 0 {
		t.Errorf("terminal records after resume cycles: got %d/%d, want %d/0",
			summary3.Completed, summary3.Failed, total)
	}
	for id, n := range exec3.runs {
		t.Errorf("task %s re-executed %d times after terminal state", id, n)
	}

	records, _ := store.All(context.Background())
	if len(records) != total {
		t.Errorf("store records: got %d, want exactly %d", len(records), total)
	}
}
