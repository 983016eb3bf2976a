package channel

import (
	"context"
	"log"
	"sync"

	"github.com/dyluth/reo/internal/metrics"
	"github.com/dyluth/reo/pkg/message"
)

// DefaultQueueSize is the inbound queue capacity when none is configured.
const DefaultQueueSize = 256

// Queue holds inbound messages that no handler claimed. When full, the
// oldest message is evicted to make room for the newest.
type Queue struct {
	mu      sync.Mutex
	items   []*message.Message
	size    int
	dropped uint64
	notify  chan struct{}
}

// NewQueue returns a queue holding at most size messages.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		items:  make([]*message.Message, 0, size),
		size:   size,
		notify: make(chan struct{}, 1),
	}
}

// Push appends msg, evicting the oldest entry when the queue is full. It
// reports whether an entry was evicted.
func (q *Queue) Push(msg *message.Message) bool {
	q.mu.Lock()
	evicted := false
	if len(q.items) == q.size {
		old := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
		evicted = true
		log.Printf("[Channel] Inbound queue full, dropped oldest %s message %s", old.Type, old.ID)
		metrics.QueueDrops.Inc()
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// TryPoll removes and returns the oldest message without blocking.
func (q *Queue) TryPoll() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg, true
}

// Poll blocks until a message is available or ctx is done. The queue has a
// single consumer.
func (q *Queue) Poll(ctx context.Context) (*message.Message, error) {
	for {
		if msg, ok := q.TryPoll(); ok {
			return msg, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len is the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped is the number of messages evicted so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
