package usecase

import (
	"context"
	"sync"
)

// TurnQueue serializes work per conversation in strict FIFO order. A
// continuation turn may only dispatch once the turn that preceded it has
// fully settled; the queue is what enforces that ordering for human
// messages and synthetic continuation turns alike.
type TurnQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	depth map[string]int
}

// NewTurnQueue creates an empty queue.
func NewTurnQueue() *TurnQueue {
	return &TurnQueue{
		tails: make(map[string]chan struct{}),
		depth: make(map[string]int),
	}
}

// Do runs fn once every task enqueued before it for the same conversation
// has finished. It blocks the caller until fn returns or ctx is cancelled
// while still waiting for a slot. Tasks for different conversations never
// wait on each other.
func (q *TurnQueue) Do(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	q.mu.Lock()
	prev := q.tails[conversationID]
	cur := make(chan struct{})
	q.tails[conversationID] = cur
	q.depth[conversationID]++
	q.mu.Unlock()

	finish := func() {
		close(cur)
		q.mu.Lock()
		q.depth[conversationID]--
		if q.depth[conversationID] == 0 {
			delete(q.tails, conversationID)
			delete(q.depth, conversationID)
		}
		q.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Keep ordering intact: the slot is only released to the
			// successor after the predecessor has finished.
			go func() {
				<-prev
				finish()
			}()
			return ctx.Err()
		}
	}

	defer finish()
	return fn(ctx)
}

// Depth returns the number of queued or running tasks for a conversation.
// Intended for testing.
func (q *TurnQueue) Depth(conversationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth[conversationID]
}
