package handoff

import (
	"context"
	"fmt"

	"github.com/inflo-ai/relay/internal/types"
)

const defaultQueueSize = 64

// HumanQueue is the bounded feed of escalation tickets awaiting human
// pickup. It is a live notification channel, not the system of record:
// tickets persist in SQLite before they are enqueued, so a full or drained
// queue never loses an escalation, only its push notification.
type HumanQueue struct {
	ch chan types.EscalationTicket
}

// NewHumanQueue creates a queue holding up to size tickets. Non-positive
// sizes use the default.
func NewHumanQueue(size int) *HumanQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &HumanQueue{
		ch: make(chan types.EscalationTicket, size),
	}
}

// Enqueue offers a ticket without blocking. A full queue returns a
// retryable UNAVAILABLE error; the caller decides whether the notification
// is worth retrying.
func (q *HumanQueue) Enqueue(ticket types.EscalationTicket) error {
	select {
	case q.ch <- ticket:
		return nil
	default:
		return types.NewRetryableError(types.UNAVAILABLE,
			fmt.Sprintf("human queue full (%d tickets pending)", cap(q.ch)))
	}
}

// Dequeue blocks until a ticket arrives or ctx is done.
func (q *HumanQueue) Dequeue(ctx context.Context) (types.EscalationTicket, error) {
	select {
	case ticket := <-q.ch:
		return ticket, nil
	case <-ctx.Done():
		return types.EscalationTicket{}, ctx.Err()
	}
}

// Chan exposes the underlying channel for select-based consumers.
func (q *HumanQueue) Chan() <-chan types.EscalationTicket {
	return q.ch
}

// Len reports how many tickets are waiting.
func (q *HumanQueue) Len() int {
	return len(q.ch)
}
