// Package queue provides the bounded priority queue that sits between the
// filesystem listener and the event processor.
package queue

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/smartem/epuwatch/internal/epu/classify"
)

// ErrInvalidSize is returned when a queue is created with a non-positive capacity.
var ErrInvalidSize = errors.New("queue: max size must be positive")

// EvictionPolicy selects which pending event is dropped when the queue is full.
type EvictionPolicy int

const (
	// EvictHighestPriority removes the heap minimum, i.e. the most urgent
	// pending event. This is the historical behavior and the default.
	EvictHighestPriority EvictionPolicy = iota
	// EvictLowestPriority removes the least urgent pending event.
	EvictLowestPriority
)

// String returns the config name of the policy.
func (p EvictionPolicy) String() string {
	switch p {
	case EvictLowestPriority:
		return "lowest-priority"
	default:
		return "highest-priority"
	}
}

// ParseEvictionPolicy converts a config value into a policy.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch s {
	case "", "highest-priority":
		return EvictHighestPriority, nil
	case "lowest-priority":
		return EvictLowestPriority, nil
	default:
		return 0, errors.New("queue: unknown eviction policy " + s)
	}
}

// Options configures a Queue.
type Options struct {
	// MaxSize is the number of pending events held before eviction starts.
	MaxSize int
	// EnableRecovery keeps evicted events on a side list so they can be
	// re-inserted once capacity frees up.
	EnableRecovery bool
	// Eviction selects the eviction victim.
	Eviction EvictionPolicy
	// MaxRetained bounds the side list. Zero means MaxSize.
	MaxRetained int
}

// Queue is a bounded, mutex-guarded min-heap of classified events ordered
// by (priority, timestamp). No operation blocks.
type Queue struct {
	mu       sync.Mutex
	items    eventHeap
	opts     Options
	nextSeq  uint64
	evicted  []classify.ClassifiedEvent
	nEvicted int
	nDropped int
}

// New creates an empty queue.
func New(opts Options) (*Queue, error) {
	if opts.MaxSize <= 0 {
		return nil, ErrInvalidSize
	}
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = opts.MaxSize
	}
	return &Queue{
		items: make(eventHeap, 0, opts.MaxSize),
		opts:  opts,
	}, nil
}

// Enqueue inserts an event, evicting one pending event first if the queue
// is at capacity.
func (q *Queue) Enqueue(ev classify.ClassifiedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.opts.MaxSize {
		q.evictLocked()
	}
	q.pushLocked(ev)
}

// DequeueBatch pops up to n events in ascending (priority, timestamp) order.
// An empty queue yields an empty slice.
func (q *Queue) DequeueBatch(n int) []classify.ClassifiedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	n = min(n, len(q.items))
	if n <= 0 {
		return nil
	}
	batch := make([]classify.ClassifiedEvent, 0, n)
	for range n {
		batch = append(batch, heap.Pop(&q.items).(classify.ClassifiedEvent))
	}
	return batch
}

// RecoverEvictedEvents re-inserts retained evicted events, oldest first,
// while capacity allows. Events that do not fit stay retained.
func (q *Queue) RecoverEvictedEvents() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0
	for len(q.evicted) > 0 && len(q.items) < q.opts.MaxSize {
		ev := q.evicted[0]
		q.evicted = q.evicted[1:]
		q.pushLocked(ev)
		recovered++
	}
	return recovered
}

// Size returns the number of pending events.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all pending and retained events. Counters are kept.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	q.evicted = nil
}

// EvictedCount returns how many events have been evicted since creation.
func (q *Queue) EvictedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nEvicted
}

// RetainedCount returns how many evicted events await recovery.
func (q *Queue) RetainedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.evicted)
}

// DroppedCount returns how many retained events were discarded because the
// side list was full.
func (q *Queue) DroppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nDropped
}

func (q *Queue) pushLocked(ev classify.ClassifiedEvent) {
	q.nextSeq++
	heap.Push(&q.items, ev.WithSeq(q.nextSeq))
}

func (q *Queue) evictLocked() {
	if len(q.items) == 0 {
		return
	}

	var victim classify.ClassifiedEvent
	switch q.opts.Eviction {
	case EvictLowestPriority:
		victim = heap.Remove(&q.items, q.items.maxIndex()).(classify.ClassifiedEvent)
	default:
		victim = heap.Pop(&q.items).(classify.ClassifiedEvent)
	}
	q.nEvicted++

	if !q.opts.EnableRecovery {
		return
	}
	if len(q.evicted) >= q.opts.MaxRetained {
		q.evicted = q.evicted[1:]
		q.nDropped++
	}
	q.evicted = append(q.evicted, victim)
}

// eventHeap implements heap.Interface over classify.Less.
type eventHeap []classify.ClassifiedEvent

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return classify.Less(h[i], h[j]) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(classify.ClassifiedEvent))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}

// maxIndex returns the index of the largest element. In a binary min-heap
// the maximum is always a leaf, so only the second half is scanned.
func (h eventHeap) maxIndex() int {
	best := len(h) / 2
	for i := best + 1; i < len(h); i++ {
		if h.Less(best, i) {
			best = i
		}
	}
	return best
}
