// Package queue moves pipeline jobs between the webhook surface, the
// scheduler and the workers. Payloads carry ids only; handlers reload state
// from the store.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Message is one queued job.
type Message struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	VisibleAt  time.Time       `json:"visible_at"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return eris.Errorf("queue: %s: empty payload", m.Name)
	}
	return eris.Wrapf(json.Unmarshal(m.Payload, v), "queue: decode %s payload", m.Name)
}

// Submitter is the only queue surface the pipeline depends on.
type Submitter interface {
	Submit(ctx context.Context, name string, payload any, opts ...Option) error
}

// Receiver hands out messages to workers. Receive blocks until a message is
// visible or ctx is done. ack must be called once the handler returns.
type Receiver interface {
	Receive(ctx context.Context) (msg *Message, ack func() error, err error)
}

// Broker is a queue backend that both accepts and delivers messages.
type Broker interface {
	Submitter
	Receiver
	Close() error
}

type options struct {
	delay time.Duration
	id    string
}

// Option adjusts a single Submit call.
type Option func(*options)

// WithDelay makes the message visible only after d.
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithID sets the message id instead of a random one.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// newMessage builds a message from a Submit call.
func newMessage(name string, payload any, now time.Time, opts []Option) (*Message, error) {
	if name == "" {
		return nil, eris.New("queue: job name is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: marshal %s payload", name)
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	return &Message{
		ID:         id,
		Name:       name,
		Payload:    body,
		VisibleAt:  now.Add(o.delay),
		EnqueuedAt: now,
	}, nil
}
