package dispatcher

import (
	"sync"

	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
	sectorcache "github.com/sushant-115/nvmehint/core/hint_engine/sector_cache"
)

// hintRequest is immutable once queued.
type hintRequest struct {
	page hinttypes.PageHandle
	flag hinttypes.Lifecycle
	loc  hinttypes.PageLocation
	// mapping is captured at submit time for EVICTED hints, whose cache
	// entry is invalidated before a worker gets to them.
	mapping *sectorcache.Mapping
}

// hintQueue is an unbounded FIFO. Producers never block; consumers wait on
// wake (one pending signal at most) or on done, which is closed when the
// queue stops accepting work.
type hintQueue struct {
	mu        sync.Mutex
	items     []hintRequest
	closed    bool
	consumers int

	wake chan struct{}
	done chan struct{}
}

func newHintQueue(consumers int) *hintQueue {
	return &hintQueue{
		consumers: consumers,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// push reports false when the queue no longer accepts work.
func (q *hintQueue) push(req hintRequest) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, req)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *hintQueue) pop() (hintRequest, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return hintRequest{}, false
	}
	req := q.items[0]
	q.items[0] = hintRequest{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Let the backing array go once drained.
		q.items = nil
	}
	more := len(q.items) > 0
	q.mu.Unlock()
	if more {
		// Hand the baton to another idle consumer.
		q.signal()
	}
	return req, true
}

func (q *hintQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// wait blocks until work may be available or the queue is closed.
func (q *hintQueue) wait() {
	select {
	case <-q.wake:
	case <-q.done:
	}
}

func (q *hintQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

func (q *hintQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// detach removes a consumer. When the last one leaves, the queue closes and
// the requests it still held are returned so they can be accounted for.
func (q *hintQueue) detach() []hintRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumers--
	if q.consumers > 0 {
		return nil
	}
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	orphans := q.items
	q.items = nil
	return orphans
}

func (q *hintQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
