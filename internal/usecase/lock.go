package usecase

import (
	"sync"

	"carely/internal/domain"
)

// ConversationLocker provides operation-level mutual exclusion per
// conversation. A conversation has at most one turn in flight; a second
// concurrent HandleTurn against the same conversation is rejected rather
// than queued, since ordering is the TurnQueue's job.
type ConversationLocker struct {
	mu    sync.Mutex
	inUse map[string]struct{}
}

// NewConversationLocker creates a new conversation locker.
func NewConversationLocker() *ConversationLocker {
	return &ConversationLocker{
		inUse: make(map[string]struct{}),
	}
}

// TryLock attempts to acquire the lock for the given conversation without
// blocking. It returns domain.ErrTurnInFlight if another turn holds it.
// The returned unlock function MUST be called when the turn completes.
func (cl *ConversationLocker) TryLock(conversationID string) (unlock func(), err error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, held := cl.inUse[conversationID]; held {
		return nil, domain.NewDomainError("ConversationLocker.TryLock", domain.ErrTurnInFlight, conversationID)
	}
	cl.inUse[conversationID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Lock()
			delete(cl.inUse, conversationID)
			cl.mu.Unlock()
		})
	}, nil
}

// ActiveCount returns the number of conversations with a turn in flight.
// Intended for testing.
func (cl *ConversationLocker) ActiveCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.inUse)
}
