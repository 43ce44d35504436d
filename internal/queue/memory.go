package queue

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/notification"
)

// item is one queued notification plus its scheduling key. Ordering is by
// (priority rank, ready time, sequence) so ties never depend on the payload.
type item struct {
	n          *notification.Notification
	rank       int
	readyAt    time.Time
	seq        uint64
	retryCount int
	index      int // heap index, -1 while in flight
	inFlight   bool
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue holds pending notifications in priority order, gates them on their
// ready time, re-enqueues failures with exponential backoff and demotes
// items to a dead-letter bucket once their retry budget is spent. All state
// lives in memory; every operation mutates the heap and its bookkeeping as
// one atomic unit under the queue lock.
type Queue struct {
	mu         sync.Mutex
	heap       itemHeap
	items      map[string]*item // live set: heap entries plus in-flight items
	dead       []*notification.Notification
	seq        uint64
	maxRetries int
	retryDelay time.Duration
	maxAge     time.Duration // 0 disables age-based expiry
	logger     *zap.Logger
}

// New creates a queue with the given retry bound, backoff base and maximum
// queued age.
func New(maxRetries int, retryDelay, maxAge time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		items:      make(map[string]*item),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		maxAge:     maxAge,
		logger:     logger,
	}
}

// Enqueue adds a notification to the queue. Its ready time is the
// scheduled-at time when set, otherwise now. Enqueueing an id that is
// already tracked is rejected and returns false.
func (q *Queue) Enqueue(n *notification.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[n.ID]; exists {
		return false
	}

	readyAt := time.Now()
	if n.ScheduledAt != nil && n.ScheduledAt.After(readyAt) {
		readyAt = *n.ScheduledAt
	}

	n.Status = notification.StatusQueued
	it := &item{
		n:       n,
		rank:    n.Priority.Rank(),
		readyAt: readyAt,
		seq:     q.seq,
	}
	q.seq++
	q.items[n.ID] = it
	heap.Push(&q.heap, it)

	q.logger.Debug("enqueued notification",
		zap.String("id", n.ID),
		zap.String("priority", string(n.Priority)),
		zap.Time("ready_at", readyAt),
	)
	return true
}

// Dequeue pops the best-ranked ready notification, marking it SENDING. It
// returns nil when the queue is empty or the best item is not yet ready.
// Expired items encountered at the top are dropped and marked EXPIRED
// instead of being returned.
func (q *Queue) Dequeue() *notification.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked(time.Now())
}

// GetBatch dequeues up to max ready notifications, stopping as soon as the
// best remaining item is not yet ready.
func (q *Queue) GetBatch(max int) []*notification.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*notification.Notification
	now := time.Now()
	for len(batch) < max {
		n := q.dequeueLocked(now)
		if n == nil {
			break
		}
		batch = append(batch, n)
	}
	return batch
}

func (q *Queue) dequeueLocked(now time.Time) *notification.Notification {
	for len(q.heap) > 0 {
		top := q.heap[0]
		if q.expiredLocked(top.n, now) {
			heap.Pop(&q.heap)
			q.expireLocked(top)
			continue
		}
		if top.readyAt.After(now) {
			return nil
		}
		heap.Pop(&q.heap)
		top.inFlight = true
		top.n.Status = notification.StatusSending
		return top.n
	}
	return nil
}

// MarkSuccess finalizes a delivered notification, removing it from live
// tracking and clearing its retry bookkeeping.
func (q *Queue) MarkSuccess(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return false
	}
	if !it.inFlight && it.index >= 0 {
		heap.Remove(&q.heap, it.index)
	}
	delete(q.items, id)
	return true
}

// MarkFailed records a delivery failure. While retries remain it increments
// the retry count, schedules the item at now + base*2^n and re-enqueues it,
// returning true. Once the retry budget is exhausted the item moves to the
// dead-letter bucket and is removed from live tracking, returning false.
func (q *Queue) MarkFailed(id string, sendErr error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return false
	}
	if sendErr != nil {
		it.n.LastError = sendErr.Error()
	}

	if it.retryCount < q.maxRetries {
		delay := q.retryDelay << uint(it.retryCount)
		it.retryCount++
		it.n.RetryCount = it.retryCount
		it.readyAt = time.Now().Add(delay)
		it.n.Status = notification.StatusQueued
		if it.inFlight {
			it.inFlight = false
			heap.Push(&q.heap, it)
		} else if it.index >= 0 {
			heap.Fix(&q.heap, it.index)
		}
		q.logger.Debug("scheduled retry",
			zap.String("id", id),
			zap.Int("retry", it.retryCount),
			zap.Duration("delay", delay),
		)
		return true
	}

	it.n.Status = notification.StatusFailed
	if !it.inFlight && it.index >= 0 {
		heap.Remove(&q.heap, it.index)
	}
	delete(q.items, id)
	q.dead = append(q.dead, it.n)
	q.logger.Warn("notification dead-lettered",
		zap.String("id", id),
		zap.Int("retries", it.retryCount),
		zap.String("last_error", it.n.LastError),
	)
	return false
}

// Cancel removes a still-pending notification. It has no effect once the
// item has been dequeued for sending: the in-flight attempt runs to
// completion.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok || it.inFlight {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.items, id)
	return true
}

// Discard drops an in-flight item from live tracking without consuming
// retry budget. The drain worker uses it after a non-retryable policy block
// (disabled category, quiet hours, rate limit, no devices).
func (q *Queue) Discard(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return false
	}
	if !it.inFlight && it.index >= 0 {
		heap.Remove(&q.heap, it.index)
	}
	delete(q.items, id)
	return true
}

// CleanupExpired sweeps all queued items, marking any past their expiry as
// EXPIRED and removing them. In-flight items are left to finish.
func (q *Queue) CleanupExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var expired []*item
	for _, it := range q.heap {
		if q.expiredLocked(it.n, now) {
			expired = append(expired, it)
		}
	}
	for _, it := range expired {
		heap.Remove(&q.heap, it.index)
		q.expireLocked(it)
	}
	return len(expired)
}

// RetryDeadLetter re-enqueues every dead-lettered notification as fresh
// pending work with its retry history cleared, returning how many were
// resurrected.
func (q *Queue) RetryDeadLetter() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead := q.dead
	q.dead = nil
	requeued := 0
	now := time.Now()
	for _, n := range dead {
		if _, exists := q.items[n.ID]; exists {
			continue
		}
		n.RetryCount = 0
		n.LastError = ""
		n.Status = notification.StatusQueued
		it := &item{
			n:       n,
			rank:    n.Priority.Rank(),
			readyAt: now,
			seq:     q.seq,
		}
		q.seq++
		q.items[n.ID] = it
		heap.Push(&q.heap, it)
		requeued++
	}
	if requeued > 0 {
		q.logger.Info("re-enqueued dead-lettered notifications", zap.Int("count", requeued))
	}
	return requeued
}

// DeadLetter returns a snapshot of the dead-letter bucket.
func (q *Queue) DeadLetter() []*notification.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*notification.Notification, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of items waiting in the queue (excluding in-flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// DeadLetterCount returns the size of the dead-letter bucket.
func (q *Queue) DeadLetterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

func (q *Queue) expiredLocked(n *notification.Notification, now time.Time) bool {
	if n.Expired(now) {
		return true
	}
	return q.maxAge > 0 && now.Sub(n.CreatedAt) > q.maxAge
}

func (q *Queue) expireLocked(it *item) {
	it.n.Status = notification.StatusExpired
	delete(q.items, it.n.ID)
	q.logger.Debug("notification expired", zap.String("id", it.n.ID))
}
