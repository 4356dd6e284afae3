package ingestion

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/casevault/core"
)

// workKey identifies one embedding job.
type workKey struct {
	OpinionID core.ID
	Model     string
}

// workItem is a unit of embedding work. A nil only means every chunk.
type workItem struct {
	key       workKey
	id        uuid.UUID
	only      []int
	round     int
	skipFresh bool
}

// merge folds another request for the same key into w.
func (w *workItem) merge(o *workItem) {
	if w.only == nil || o.only == nil {
		w.only = nil
		w.round = min(w.round, o.round)
	} else {
		w.only = append(w.only, o.only...)
		slices.Sort(w.only)
		w.only = slices.Compact(w.only)
		w.round = max(w.round, o.round)
	}
	w.skipFresh = w.skipFresh && o.skipFresh
}

// workQueue is a FIFO of embedding jobs de-duplicated by key. A key is
// claimed while it is processed; requests arriving for a claimed key are
// held and queued again once the claim is released.
type workQueue struct {
	mu          sync.Mutex
	order       []workKey
	queued      map[workKey]*workItem
	claimed     map[workKey]chan struct{}
	rerun       map[workKey]*workItem
	timers      map[*time.Timer]struct{}
	outstanding int
	idle        chan struct{}
	wake        chan struct{}
	closed      bool
}

func newWorkQueue() *workQueue {
	return &workQueue{
		queued:  make(map[workKey]*workItem),
		claimed: make(map[workKey]chan struct{}),
		rerun:   make(map[workKey]*workItem),
		timers:  make(map[*time.Timer]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// push adds item, merging it with a pending request for the same key.
// Returns false once the queue is closed.
func (q *workQueue) push(item *workItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pushLocked(item)
	return true
}

func (q *workQueue) pushLocked(item *workItem) {
	if _, busy := q.claimed[item.key]; busy {
		if r := q.rerun[item.key]; r != nil {
			r.merge(item)
			return
		}
		q.rerun[item.key] = item
		q.add()
		return
	}
	if existing := q.queued[item.key]; existing != nil {
		existing.merge(item)
		return
	}
	q.queued[item.key] = item
	q.order = append(q.order, item.key)
	q.add()
	q.signal()
}

// pushAfter pushes item once delay has elapsed. The item counts as
// outstanding while it waits.
func (q *workQueue) pushAfter(item *workItem, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.add()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t)
		if !q.closed {
			q.pushLocked(item)
		}
		q.done()
	})
	q.timers[t] = struct{}{}
}

// next blocks until an item can be claimed, ctx is done or the queue closes.
func (q *workQueue) next(ctx context.Context) (*workItem, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		for len(q.order) > 0 {
			key := q.order[0]
			q.order = q.order[1:]
			item := q.queued[key]
			delete(q.queued, key)
			if _, busy := q.claimed[key]; busy {
				// Claimed by a synchronous caller; run after it.
				if r := q.rerun[key]; r != nil {
					r.merge(item)
					q.done()
				} else {
					q.rerun[key] = item
				}
				continue
			}
			q.claimed[key] = make(chan struct{})
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// claim waits until key is free and claims it for a synchronous caller.
// Returns nil if ctx ends first.
func (q *workQueue) claim(ctx context.Context, key workKey) func() {
	for {
		q.mu.Lock()
		ch, busy := q.claimed[key]
		if !busy {
			q.claimed[key] = make(chan struct{})
			q.mu.Unlock()
			return func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				q.unclaimLocked(key)
			}
		}
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil
		}
	}
}

// finish releases the claim on key taken by next.
func (q *workQueue) finish(key workKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unclaimLocked(key)
	q.done()
}

func (q *workQueue) unclaimLocked(key workKey) {
	if ch, ok := q.claimed[key]; ok {
		close(ch)
		delete(q.claimed, key)
	}
	r := q.rerun[key]
	if r == nil {
		return
	}
	delete(q.rerun, key)
	if q.closed {
		q.done()
		return
	}
	q.queued[key] = r
	q.order = append(q.order, key)
	q.signal()
}

// close drops queued and delayed work. Returns false if already closed.
func (q *workQueue) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	for t := range q.timers {
		if t.Stop() {
			q.done()
		}
		delete(q.timers, t)
	}
	for key := range q.queued {
		delete(q.queued, key)
		q.done()
	}
	for key := range q.rerun {
		delete(q.rerun, key)
		q.done()
	}
	q.order = nil
	q.signal()
	return true
}

// idleChan returns a channel closed when no work is outstanding,
// or nil if there is none right now.
func (q *workQueue) idleChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding == 0 {
		return nil
	}
	return q.idle
}

func (q *workQueue) add() {
	if q.outstanding == 0 {
		q.idle = make(chan struct{})
	}
	q.outstanding++
}

func (q *workQueue) done() {
	q.outstanding--
	if q.outstanding == 0 {
		close(q.idle)
	}
}

func (q *workQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
