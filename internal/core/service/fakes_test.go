package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/halverson/pilot/internal/core/domain"
	"github.com/halverson/pilot/internal/core/port"
)

// fakeExec runs attempts in-process, recording per-task attempt counts,
// the peak core-weighted concurrency, and which tasks were in flight
// together.
type fakeExec struct {
	mu          sync.Mutex
	active      map[string]struct{}
	overlaps    map[string]map[string]bool
	runs        map[string]int
	weighted    int
	maxWeighted int

	// behavior decides the attempt outcome; nil means every attempt
	// succeeds with return code 0.
	behavior func(task domain.Task, attempt int) (bool, int)
	// delay holds per-task sleep durations simulating work.
	delay map[string]time.Duration
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		active:   make(map[string]struct{}),
		overlaps: make(map[string]map[string]bool),
		runs:     make(map[string]int),
		delay:    make(map[string]time.Duration),
	}
}

func (f *fakeExec) Execute(ctx context.Context, task domain.Task) domain.TaskResult {
	f.mu.Lock()
	f.runs[task.ID]++
	attempt := f.runs[task.ID]
	f.weighted += task.Cores
	if f.weighted > f.maxWeighted {
		f.maxWeighted = f.weighted
	}
	if f.overlaps[task.ID] == nil {
		f.overlaps[task.ID] = make(map[string]bool)
	}
	for other := range f.active {
		f.overlaps[task.ID][other] = true
		f.overlaps[other][task.ID] = true
	}
	f.active[task.ID] = struct{}{}
	d := f.delay[task.ID]
	f.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}

	success, rc := true, 0
	if f.behavior != nil {
		success, rc = f.behavior(task, attempt)
	}

	f.mu.Lock()
	delete(f.active, task.ID)
	f.weighted -= task.Cores
	f.mu.Unlock()

	return domain.TaskResult{
		TaskID:     task.ID,
		Success:    success,
		ReturnCode: rc,
		Duration:   d.Seconds(),
	}
}

func (f *fakeExec) attempts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

func (f *fakeExec) overlapped(a, b string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps[a][b]
}

func (f *fakeExec) peakWeighted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxWeighted
}

var errStoreDown = errors.New("store down")

// memStore is an in-memory StateStore with the same upsert semantics as
// the durable adapters.
type memStore struct {
	mu      sync.Mutex
	order   []string
	records map[string]*port.TaskRecord
	writes  int
	// failAfter injects a write fault once the given number of writes has
	// happened; 0 disables.
	failAfter int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*port.TaskRecord)}
}

func (m *memStore) write() error {
	m.writes++
	if m.failAfter > 0 && m.writes > m.failAfter {
		return errStoreDown
	}
	return nil
}

func (m *memStore) Save(ctx context.Context, task *domain.Task, status domain.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	if _, ok := m.records[task.ID]; !ok {
		m.order = append(m.order, task.ID)
	}
	m.records[task.ID] = &port.TaskRecord{Task: task.Clone(), Status: status}
	return nil
}

func (m *memStore) SetStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	if rec, ok := m.records[id]; ok {
		rec.Status = status
	}
	return nil
}

func (m *memStore) RecordAttempt(ctx context.Context, task *domain.Task, status domain.TaskStatus, result *domain.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	res := *result
	m.records[task.ID] = &port.TaskRecord{Task: task.Clone(), Status: status, Result: &res}
	return nil
}

func (m *memStore) All(ctx context.Context) ([]port.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]port.TaskRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.records[id])
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) status(id string) domain.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		return rec.Status
	}
	return ""
}

func (m *memStore) count(status domain.TaskStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.Status == status {
			n++
		}
	}
	return n
}
