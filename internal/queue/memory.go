package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = eris.New("queue: broker closed")

// MemoryBroker is an in-process queue ordered by visibility time. It backs
// tests and single-binary deployments.
type MemoryBroker struct {
	mu     sync.Mutex
	items  messageHeap
	seq    uint64
	wake   chan struct{}
	closed bool

	now func() time.Time
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithClock replaces time.Now, letting tests step over delays.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{wake: make(chan struct{}, 1), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit enqueues a message.
func (b *MemoryBroker) Submit(_ context.Context, name string, payload any, opts ...Option) error {
	msg, err := newMessage(name, payload, b.now(), opts)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.seq++
	heap.Push(&b.items, &heapItem{msg: msg, seq: b.seq})
	select {
	case b.wake <- struct{}{}:
	default:
	}
	b.mu.Unlock()
	return nil
}

// Receive blocks until a message is visible.
func (b *MemoryBroker) Receive(ctx context.Context) (*Message, func() error, error) {
	for {
		msg, wait, err := b.next()
		if err != nil {
			return nil, nil, err
		}
		if msg != nil {
			return msg, noopAck, nil
		}

		var t *time.Timer
		var timer <-chan time.Time
		if wait > 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}
		select {
		case <-ctx.Done():
			stopTimer(t)
			return nil, nil, ctx.Err()
		case <-b.wake:
		case <-timer:
		}
		stopTimer(t)
	}
}

// TryReceive returns the next visible message without blocking, or nil.
func (b *MemoryBroker) TryReceive() *Message {
	msg, _, _ := b.next()
	return msg
}

// next pops the head if visible. Otherwise it returns how long until the
// head becomes visible (0 for an empty queue).
func (b *MemoryBroker) next() (*Message, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, 0, ErrClosed
	}
	if len(b.items) == 0 {
		return nil, 0, nil
	}
	head := b.items[0].msg
	if wait := head.VisibleAt.Sub(b.now()); wait > 0 {
		return nil, wait, nil
	}
	heap.Pop(&b.items)
	if len(b.items) > 0 {
		// Pass the baton so another idle receiver looks at the new head.
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return head, 0, nil
}

// Len returns the number of queued messages, visible or not.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Pending returns a snapshot of queued messages in delivery order.
func (b *MemoryBroker) Pending() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make(messageHeap, len(b.items))
	copy(cp, b.items)
	out := make([]Message, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, *heap.Pop(&cp).(*heapItem).msg)
	}
	return out
}

// Close drops queued messages and wakes blocked receivers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.items = nil
		close(b.wake)
	}
	return nil
}

func noopAck() error { return nil }

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type heapItem struct {
	msg *Message
	seq uint64
}

// messageHeap orders by VisibleAt, then by submission order.
type messageHeap []*heapItem

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if !h[i].msg.VisibleAt.Equal(h[j].msg.VisibleAt) {
		return h[i].msg.VisibleAt.Before(h[j].msg.VisibleAt)
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
