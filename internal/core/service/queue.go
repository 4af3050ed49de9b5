package service

import (
	"container/heap"

	"github.com/halverson/pilot/internal/core/domain"
)

// queueItem pairs a task with the monotonic sequence number assigned at
// insertion. The sequence is the deterministic tie-break for equal
// priorities: first in, first admitted.
type queueItem struct {
	task  domain.Task
	seq   uint64
	index int
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// taskQueue is the pending backlog: a priority heap ordered by descending
// priority with FIFO ordering inside a priority band. Pushing an id that
// is already queued replaces the old entry, so a task id occupies at most
// one slot.
type taskQueue struct {
	heap itemHeap
	byID map[string]*queueItem
	seq  uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{byID: make(map[string]*queueItem)}
}

func (q *taskQueue) Push(task domain.Task) {
	if old, ok := q.byID[task.ID]; ok {
		heap.Remove(&q.heap, old.index)
		delete(q.byID, task.ID)
	}
	q.seq++
	item := &queueItem{task: task, seq: q.seq}
	heap.Push(&q.heap, item)
	q.byID[task.ID] = item
}

func (q *taskQueue) Pop() (domain.Task, bool) {
	if len(q.heap) == 0 {
		return domain.Task{}, false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.byID, item.task.ID)
	return item.task, true
}

func (q *taskQueue) Contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

func (q *taskQueue) Len() int { return len(q.heap) }

func (q *taskQueue) Empty() bool { return len(q.heap) == 0 }
