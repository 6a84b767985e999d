// Package taskqueue implements a cooperative, single-threaded deferred
// work queue: a min-heap of (deadline, callback) pairs, driven from one
// event loop, with no background threads and no locks. Self-rescheduling
// tasks (the seek chains in ipmgr) re-post themselves on completion and
// check a liveness predicate before acting — that predicate, not an
// explicit cancel token, is how cancellation is modelled here.
package taskqueue

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
)

// Func is a unit of deferred work. It must not block: this is a
// single-threaded cooperative scheduler and a blocking Func stalls every
// other collaborator (the TUN reader, the special-IP sockets, the timer
// itself) until it returns.
type Func func()

// Handle identifies a scheduled task for explicit cancellation. Most
// self-rescheduling chains cancel themselves via their own liveness check
// instead, but an explicit handle keeps tests able to assert "this chain
// stopped rescheduling".
type Handle uint64

// task is an entry in the queue's heap.
type task struct {
	deadline time.Time
	fn       Func
	handle   Handle
	canceled bool
	index    int
}

// taskHeap implements container/heap.Interface ordered by deadline.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]

	return t
}

// Queue is a single-threaded min-heap task scheduler. A Queue must only be
// used from the goroutine running Run; Post and Cancel called from other
// goroutines are not safe — this is a cooperative, lock-free scheduler by
// design, not an oversight.
type Queue struct {
	logger *slog.Logger
	clock  timeutil.Clock
	heap   taskHeap
	byID   map[Handle]*task
	nextID Handle
	wake   chan struct{}
}

// New returns an empty Queue.
func New(logger *slog.Logger) (q *Queue) {
	return &Queue{
		logger: logger,
		clock:  timeutil.SystemClock{},
		byID:   map[Handle]*task{},
		wake:   make(chan struct{}, 1),
	}
}

// Post schedules fn to run after delay has elapsed, relative to now. fn runs
// on the Queue's Run goroutine, never concurrently with other tasks or with
// the rest of the event loop.
func (q *Queue) Post(delay time.Duration, fn Func) (h Handle) {
	q.nextID++
	h = q.nextID

	t := &task{
		deadline: q.clock.Now().Add(delay),
		fn:       fn,
		handle:   h,
	}

	heap.Push(&q.heap, t)
	q.byID[h] = t

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return h
}

// Cancel prevents a previously posted task from running, if it hasn't run
// yet. It is a no-op for unknown or already-fired handles.
func (q *Queue) Cancel(h Handle) {
	t, ok := q.byID[h]
	if !ok {
		return
	}

	t.canceled = true
	delete(q.byID, h)
}

// Run drives the queue until ctx is canceled. It is meant to be multiplexed
// alongside the TUN fd, special-IP sockets, and intercom sockets in the
// daemon's single event loop; here it's expressed as a self-contained timer
// loop so the rest of the core stays transport-agnostic and independently
// testable.
func (q *Queue) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.drainDue()

		var d time.Duration
		if len(q.heap) == 0 {
			d = time.Hour
		} else {
			d = q.heap[0].deadline.Sub(q.clock.Now())
			if d < 0 {
				d = 0
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-q.wake:
		}
	}
}

// drainDue runs every task whose deadline has passed.
func (q *Queue) drainDue() {
	now := q.clock.Now()

	for len(q.heap) > 0 && !q.heap[0].deadline.After(now) {
		t := heap.Pop(&q.heap).(*task)
		delete(q.byID, t.handle)

		if t.canceled {
			continue
		}

		t.fn()
	}
}

// Len returns the number of pending, non-canceled tasks. Mostly useful in
// tests asserting a chain stopped rescheduling itself.
func (q *Queue) Len() int {
	return len(q.byID)
}
