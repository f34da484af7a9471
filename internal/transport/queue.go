package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PendingMessage is a message waiting for the link to come back.
type PendingMessage struct {
	Text       string
	EnqueuedAt time.Time
}

// DrainResult summarises one Drain pass.
type DrainResult struct {
	Sent        int
	Dropped     int
	Interrupted bool  // a transient failure stopped the pass
	Err         error // the failure that interrupted the pass
}

// Queue is the in-memory FIFO of outbound messages that could not be sent.
// It lives for the process lifetime only. All methods are safe for
// concurrent use; the internal lock is never held while sending.
type Queue struct {
	mu     sync.Mutex
	items  []PendingMessage
	maxLen int // 0 = unbounded
	log    *zap.Logger
	now    func() time.Time
}

// NewQueue returns an empty queue. maxLen bounds memory when positive: the
// oldest message is discarded to make room.
func NewQueue(maxLen int, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{maxLen: maxLen, log: log, now: time.Now}
}

// Enqueue appends text to the tail.
func (q *Queue) Enqueue(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxLen > 0 && len(q.items) >= q.maxLen {
		q.log.Warn("queue: full, discarding oldest message",
			zap.Int("limit", q.maxLen),
			zap.Time("enqueued_at", q.items[0].EnqueuedAt),
		)
		q.items = q.items[1:]
	}
	q.items = append(q.items, PendingMessage{Text: text, EnqueuedAt: q.now().UTC()})
}

// Len returns the queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued messages, head first.
func (q *Queue) Snapshot() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingMessage, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) popFront() (PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return PendingMessage{}, false
	}
	m := q.items[0]
	q.items[0] = PendingMessage{}
	q.items = q.items[1:]
	return m, true
}

// pushFront reinserts m at the head. The bound is not applied: the message
// was already accounted for.
func (q *Queue) pushFront(m PendingMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]PendingMessage{m}, q.items...)
}

// Drain sends queued messages head first while connected reports true.
// A transient failure puts the message back at the head and stops the pass;
// a protocol failure drops the message and continues.
func (q *Queue) Drain(ctx context.Context, send func(context.Context, string) error, connected func() bool) DrainResult {
	var res DrainResult
	for connected() {
		if err := ctx.Err(); err != nil {
			res.Interrupted = true
			res.Err = err
			return res
		}
		m, ok := q.popFront()
		if !ok {
			return res
		}
		err := send(ctx, m.Text)
		switch Classify(err) {
		case KindNone:
			res.Sent++
		case KindProtocol:
			res.Dropped++
			q.log.Warn("queue: dropping undeliverable message",
				zap.Time("enqueued_at", m.EnqueuedAt),
				zap.Error(err),
			)
		default:
			q.pushFront(m)
			res.Interrupted = true
			res.Err = err
			return res
		}
	}
	return res
}
