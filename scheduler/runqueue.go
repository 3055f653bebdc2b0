package scheduler

import "container/heap"

// rqItem pairs a queued executor with the monotonic sequence number it was
// inserted with, so that executors with equal virtual runtime keep a stable,
// distinct order instead of comparing equal (the core spec's "identical
// executors compare equal, single-instance invariant" only applies to a
// genuinely repeated pointer, never to two distinct admissions).
type rqItem struct {
	exec Executor
	seq  uint64
}

type rqHeap []rqItem

func (h rqHeap) Len() int { return len(h) }

func (h rqHeap) Less(i, j int) bool {
	vi, vj := h[i].exec.VirtualRuntime(), h[j].exec.VirtualRuntime()
	if vi != vj {
		return vi < vj
	}
	return h[i].seq < h[j].seq
}

func (h rqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *rqHeap) Push(x any) {
	*h = append(*h, x.(rqItem))
}

func (h *rqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// runQueue is the ordered multiset of runnable executors keyed by virtual
// runtime ascending, tiebroken by insertion order. It is a plain
// container/heap min-heap: pop_min plus arbitrary insertion is all the core
// spec requires, since items are never reordered while queued (see the core
// spec's Design Notes on why a pairing heap would be insufficient but a
// binary heap is enough here).
//
// runQueue is not internally synchronized — every caller holds the
// scheduler's mutex, exactly as the core spec's concurrency model requires.
type runQueue struct {
	h       rqHeap
	nextSeq uint64
}

func newRunQueue() *runQueue {
	q := &runQueue{}
	heap.Init(&q.h)
	return q
}

// insert adds e to the queue. It does not touch e.OnQueue(); the caller
// (the scheduler façade) owns that transition.
func (q *runQueue) insert(e Executor) {
	heap.Push(&q.h, rqItem{exec: e, seq: q.nextSeq})
	q.nextSeq++
}

// popMin removes and returns the executor with the smallest virtual
// runtime. It does not touch e.OnQueue(); the caller owns that transition.
func (q *runQueue) popMin() (Executor, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.h).(rqItem)
	return item.exec, true
}

// min returns the executor with the smallest virtual runtime without
// removing it.
func (q *runQueue) min() (Executor, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return q.h[0].exec, true
}

// minVirtualRuntime returns the smallest virtual runtime currently queued.
func (q *runQueue) minVirtualRuntime() (int64, bool) {
	e, ok := q.min()
	if !ok {
		return 0, false
	}
	return e.VirtualRuntime(), true
}

func (q *runQueue) size() int { return q.h.Len() }

// drain empties the queue, returning the executors that were pending. Used
// by Stop to clear pending work without dispatching it.
func (q *runQueue) drain() []Executor {
	out := make([]Executor, 0, q.h.Len())
	for q.h.Len() > 0 {
		item := heap.Pop(&q.h).(rqItem)
		out = append(out, item.exec)
	}
	return out
}
