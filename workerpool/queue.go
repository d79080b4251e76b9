package workerpool

import (
	"container/heap"
)

const initialQueueCapacity = 64

// item is a queued task together with the bookkeeping the heap needs.
type item struct {
	task Task

	// seq is assigned at enqueue time. It breaks ties between tasks the
	// ordering treats as equal and identifies the item for Remove and
	// for the escalator's progress marker.
	seq uint64

	// index is the item's position in the heap, -1 once popped.
	index int
}

// Queued describes a task waiting in a pool's queue.
type Queued struct {
	Task Task
	Seq  uint64
}

// taskHeap implements heap.Interface ordered by less, then seq.
type taskHeap struct {
	items []*item
	less  Ordering
}

func (h *taskHeap) Len() int { return len(h.items) }

func (h *taskHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less != nil {
		if h.less(a.task, b.task) {
			return true
		}
		if h.less(b.task, a.task) {
			return false
		}
	}
	return a.seq < b.seq
}

func (h *taskHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *taskHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	return it
}

// taskQueue is the pool's work queue: a binary heap plus an index by
// sequence number so queued tasks can be removed out of order.
//
// It is not safe for concurrent use; the pool guards it with its mutex.
type taskQueue struct {
	h     taskHeap
	bySeq map[uint64]*item
	seq   uint64
}

func newTaskQueue(less Ordering) *taskQueue {
	q := &taskQueue{
		h:     taskHeap{items: make([]*item, 0, initialQueueCapacity), less: less},
		bySeq: make(map[uint64]*item, initialQueueCapacity),
	}
	heap.Init(&q.h)
	return q
}

// push enqueues t and returns its sequence number.
func (q *taskQueue) push(t Task) uint64 {
	q.seq++
	it := &item{task: t, seq: q.seq}
	heap.Push(&q.h, it)
	q.bySeq[it.seq] = it
	return it.seq
}

// pop removes the first task in queue order.
func (q *taskQueue) pop() (Task, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	it := heap.Pop(&q.h).(*item)
	delete(q.bySeq, it.seq)
	return it.task, true
}

// head returns the sequence number of the next task to be dequeued.
func (q *taskQueue) head() (uint64, bool) {
	if q.h.Len() == 0 {
		return 0, false
	}
	return q.h.items[0].seq, true
}

// remove drops the task with the given sequence number. It reports
// false when the task is no longer queued.
func (q *taskQueue) remove(seq uint64) (Task, bool) {
	it, ok := q.bySeq[seq]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.h, it.index)
	delete(q.bySeq, seq)
	return it.task, true
}

// drain empties the queue, returning tasks in queue order.
func (q *taskQueue) drain() []Task {
	out := make([]Task, 0, q.h.Len())
	for {
		t, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

// snapshot lists queued tasks in heap (not dequeue) order.
func (q *taskQueue) snapshot() []Queued {
	out := make([]Queued, len(q.h.items))
	for i, it := range q.h.items {
		out[i] = Queued{Task: it.task, Seq: it.seq}
	}
	return out
}

func (q *taskQueue) len() int { return q.h.Len() }
