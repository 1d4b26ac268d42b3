package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type memMsg struct {
	msg       Message
	visibleAt time.Time
	locked    bool
}

// MemQueue is the in-memory bus used by tests and single-process
// development. It keeps the pgqueue semantics: scheduled visibility,
// claim-on-receive, explicit complete/abandon, nil when empty.
type MemQueue struct {
	mu     sync.Mutex
	queues map[string][]*memMsg
	nextID int64
	closed bool
}

// NewMemQueue builds an empty in-memory bus.
func NewMemQueue() *MemQueue {
	return &MemQueue{queues: make(map[string][]*memMsg)}
}

func (q *MemQueue) Send(ctx context.Context, queue string, body any, opts ...SendOption) error {
	o := applyOptions(opts)
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", queue, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("bus closed")
	}
	q.nextID++
	q.queues[queue] = append(q.queues[queue], &memMsg{
		msg: Message{
			ID:         q.nextID,
			Queue:      queue,
			Body:       payload,
			EnqueuedAt: time.Now(),
		},
		visibleAt: time.Now().Add(o.delay),
	})
	return nil
}

func (q *MemQueue) SendBatch(ctx context.Context, queue string, bodies []any) error {
	for _, body := range bodies {
		if err := q.Send(ctx, queue, body); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemQueue) Receive(ctx context.Context, queue string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, m := range q.queues[queue] {
		if m.locked || m.visibleAt.After(now) {
			continue
		}
		m.locked = true
		m.msg.Attempt++
		cp := m.msg
		return &cp, nil
	}
	return nil, nil
}

func (q *MemQueue) Complete(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.queues[msg.Queue]
	for i, m := range list {
		if m.msg.ID == msg.ID {
			q.queues[msg.Queue] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

// Abandon releases the claim with a short attempt-scaled delay, mirroring
// the pgqueue backoff so a poison message cannot spin a drain loop.
func (q *MemQueue) Abandon(ctx context.Context, msg *Message) error {
	delay := time.Duration(msg.Attempt) * 50 * time.Millisecond
	if delay > time.Second {
		delay = time.Second
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.queues[msg.Queue] {
		if m.msg.ID == msg.ID {
			m.locked = false
			m.visibleAt = time.Now().Add(delay)
			return nil
		}
	}
	return nil
}

func (q *MemQueue) Depth(ctx context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	now := time.Now()
	for _, m := range q.queues[queue] {
		if !m.locked && !m.visibleAt.After(now) {
			n++
		}
	}
	return n, nil
}

// Pending counts every message in the queue regardless of visibility,
// which lets tests wait for delayed messages.
func (q *MemQueue) Pending(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
