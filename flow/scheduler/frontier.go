// Package scheduler implements the Scheduler (C4): the central component
// driving execution — initialising state, scheduling ready nodes, reacting
// to completions, detecting terminal state, and processing the queue.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
)

// WorkItem is one schedulable node launch.
type WorkItem struct {
	ExecutionID string
	NodeID      string
	Layer       int
	Attempt     int
}

// Less implements the deterministic tie-break: ascending topological
// layer, then ascending node id.
func (w WorkItem) Less(other WorkItem) bool {
	if w.Layer != other.Layer {
		return w.Layer < other.Layer
	}
	return w.NodeID < other.NodeID
}

// workHeap implements heap.Interface, ordered by the layer+id tuple
// defined above.
type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].Less(h[j]) }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is a bounded, deterministically-ordered work queue: a priority
// heap for ordering combined with a buffered channel for bounded capacity
// and backpressure.
type Frontier struct {
	heap     workHeap
	queue    chan WorkItem
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

// NewFrontier returns a Frontier bounded to capacity work items.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{heap: make(workHeap, 0), queue: make(chan WorkItem, capacity), capacity: capacity}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds item to the frontier. Blocks (providing backpressure) once
// the queue reaches capacity, until space frees up or ctx is cancelled.
func (f *Frontier) Enqueue(ctx context.Context, item WorkItem) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		peak := f.peakQueueDepth.Load()
		if depth <= peak || f.peakQueueDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
	if depth >= int32(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- item:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue blocks until a work item is available or ctx is cancelled, then
// returns the item with the minimum (Layer, NodeID) key.
func (f *Frontier) Dequeue(ctx context.Context) (WorkItem, error) {
	var zero WorkItem
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(WorkItem)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

// Len returns the current queue depth.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// Metrics is a point-in-time snapshot of frontier counters.
type Metrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

// Metrics returns a snapshot of the frontier's counters.
func (f *Frontier) Metrics() Metrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()
	return Metrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
