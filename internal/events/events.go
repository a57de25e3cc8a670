// Package events publishes order lifecycle notifications after the owning
// transaction has committed.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderCreated   = "order.created"
	OrderPaid      = "order.paid"
	OrderCompleted = "order.completed"
	OrderCancelled = "order.cancelled"
	OrderReturned  = "order.returned"
)

type OrderEvent struct {
	Type        string          `json:"type"`
	OrderID     string          `json:"order_id"`
	BranchID    string          `json:"branch_id"`
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Actor       string          `json:"actor,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ OrderEvent) error {
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (r *Recorder) Publish(_ context.Context, event OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OrderEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
