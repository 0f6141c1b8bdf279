// Package clarify lets an automated caller block on a human answer to a
// clarifying question. One question round is pending at a time; asking again
// cancels the previous round.
package clarify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"cryocore/pkg/domain"
)

// Question is one prompt shown to the human.
type Question struct {
	Header   string   `json:"header" validate:"required"`
	Question string   `json:"question" validate:"required"`
	Options  []string `json:"options,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
}

// Pending is an unanswered question round.
type Pending struct {
	ID        string     `json:"question_id"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"created_at"`

	done      chan struct{}
	once      sync.Once
	answers   []string
	cancelled bool
}

func (p *Pending) resolve(answers []string, cancelled bool) bool {
	resolved := false
	p.once.Do(func() {
		p.answers = append([]string(nil), answers...)
		p.cancelled = cancelled
		close(p.done)
		resolved = true
	})
	return resolved
}

// Wait blocks until the round is answered or cancelled, or ctx ends.
func (p *Pending) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
	}
	if p.cancelled {
		return nil, domain.NewError(domain.CodeQuestionCancelled, "question was cancelled").
			WithContext("question_id", p.ID)
	}
	return append([]string(nil), p.answers...), nil
}

// Done is closed once the round is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Observer is told about each new round after the broker lock is released.
type Observer func(*Pending)

// Broker owns the single pending slot.
type Broker struct {
	mu       sync.Mutex
	current  *Pending
	now      func() time.Time
	observer Observer
}

// Option configures a Broker.
type Option func(*Broker)

// WithObserver registers a callback for new rounds.
func WithObserver(o Observer) Option {
	return func(b *Broker) { b.observer = o }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker returns an idle broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ask opens a new question round, cancelling any round still pending.
func (b *Broker) Ask(questions []Question) (*Pending, error) {
	if len(questions) == 0 {
		return nil, domain.NewError(domain.CodeNoQuestions, "at least one question is required")
	}
	for i, q := range questions {
		if q.Header == "" || q.Question == "" {
			return nil, domain.Errorf(domain.CodeInvalidToolInput, "question %d missing 'header' or 'question'", i)
		}
	}
	p := &Pending{
		ID:        uuid.NewString(),
		Questions: append([]Question(nil), questions...),
		CreatedAt: b.now().UTC(),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	prev := b.current
	b.current = p
	observer := b.observer
	b.mu.Unlock()

	if prev != nil {
		prev.resolve(nil, true)
	}
	if observer != nil {
		observer(p)
	}
	return p, nil
}

// Current returns the pending round, if any.
func (b *Broker) Current() (*Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.current != nil
}

// Answer resolves the round id with answers.
func (b *Broker) Answer(id string, answers []string) error {
	p, err := b.take(id)
	if err != nil {
		return err
	}
	p.resolve(answers, false)
	return nil
}

// Cancel resolves the round id without an answer.
func (b *Broker) Cancel(id string) error {
	p, err := b.take(id)
	if err != nil {
		return err
	}
	p.resolve(nil, true)
	return nil
}

func (b *Broker) take(id string) (*Pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.ID != id {
		return nil, domain.Errorf(domain.CodeInvalidToolInput, "no pending question %q", id).
			WithHint("the question may have been answered, cancelled or replaced")
	}
	p := b.current
	b.current = nil
	return p, nil
}
