// Package bus is the message gateway between pipeline stages. Delivery is
// at-least-once with no ordering guarantee; consumers are idempotent.
// Payloads are small JSON coordinates, never supplier items.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names.
const (
	QueueWorkItems   = "work_items"
	QueueWorkDone    = "work_done"
	QueueConsolidate = "consolidate"
)

// Message is one in-flight delivery. Complete removes it; Abandon returns
// it to the queue for redelivery.
type Message struct {
	ID         int64
	Queue      string
	Body       json.RawMessage
	Attempt    int
	EnqueuedAt time.Time
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

type sendOptions struct {
	delay time.Duration
}

// SendOption adjusts one enqueue.
type SendOption func(*sendOptions)

// WithDelay schedules the message to become visible after d.
func WithDelay(d time.Duration) SendOption {
	return func(o *sendOptions) { o.delay = d }
}

// Bus sends and receives queue messages. Receive returns (nil, nil) when
// the queue has nothing visible.
type Bus interface {
	Send(ctx context.Context, queue string, body any, opts ...SendOption) error
	SendBatch(ctx context.Context, queue string, bodies []any) error
	Receive(ctx context.Context, queue string) (*Message, error)
	Complete(ctx context.Context, msg *Message) error
	Abandon(ctx context.Context, msg *Message) error
	Depth(ctx context.Context, queue string) (int64, error)
	Close() error
}

func applyOptions(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
