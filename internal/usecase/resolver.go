package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"carely/internal/domain"
	"carely/internal/infra/tracer"
)

// ResolutionStatus tracks the local lifecycle of one interactive tool call
// between human action and durable recording.
type ResolutionStatus string

const (
	ResolutionIdle          ResolutionStatus = "idle"
	ResolutionAwaitingInput ResolutionStatus = "awaiting-input"
	ResolutionResolving     ResolutionStatus = "resolving"
	ResolutionResolved      ResolutionStatus = "resolved"
)

// PendingResolution is the ephemeral record for an interactive call that
// has been surfaced but not yet durably resolved. It is owned by the
// resolver and torn down once the call reaches resolved.
type PendingResolution struct {
	ConversationID string           `json:"conversation_id"`
	ToolCallID     string           `json:"tool_call_id"`
	ToolName       string           `json:"tool_name"`
	Status         ResolutionStatus `json:"status"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
}

// ResolverDeps holds injected dependencies for the resolver.
type ResolverDeps struct {
	Store      domain.TranscriptStore
	Controller *TurnController
	Queue      *TurnQueue
	Handlers   map[string]InteractiveHandler
	Logger     *slog.Logger
	Bus        domain.EventBus // optional
}

// Resolver is the interactive-tool state machine plus the continuation
// trigger and the interruption/skip policy. It owns the idempotency guard
// that makes resolution exactly-once under duplicate events, and the arena
// of PendingResolution records.
type Resolver struct {
	deps ResolverDeps

	mu      sync.Mutex
	guard   map[string]struct{} // toolCallIDs with a resolution in flight or done
	pending map[string]*PendingResolution
}

// NewResolver creates a resolver.
func NewResolver(deps ResolverDeps) *Resolver {
	if deps.Queue == nil {
		deps.Queue = NewTurnQueue()
	}
	if deps.Handlers == nil {
		deps.Handlers = DefaultInteractiveHandlers()
	}
	return &Resolver{
		deps:    deps,
		guard:   make(map[string]struct{}),
		pending: make(map[string]*PendingResolution),
	}
}

// Surface registers a freshly surfaced interactive call in the arena,
// moving it straight to awaiting-input. The record remembers which
// conversation surfaced the call so callers can scope lookups.
func (r *Resolver) Surface(conversationID string, call *domain.ToolCallPart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.guard[call.ToolCallID]; done {
		return
	}
	if _, ok := r.pending[call.ToolCallID]; ok {
		return
	}
	r.pending[call.ToolCallID] = &PendingResolution{
		ConversationID: conversationID,
		ToolCallID:     call.ToolCallID,
		ToolName:       call.ToolName,
		Status:         ResolutionAwaitingInput,
	}
}

// Pending returns a snapshot of the arena record for a tool call, or nil.
func (r *Resolver) Pending(toolCallID string) *PendingResolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[toolCallID]
	if !ok {
		return nil
	}
	snapshot := *p
	return &snapshot
}

// acquire inserts toolCallID into the guard set atomically. A false return
// means a resolution is already in flight or recorded for this id.
func (r *Resolver) acquire(toolCallID string, payload json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.guard[toolCallID]; taken {
		return false
	}
	r.guard[toolCallID] = struct{}{}
	p, ok := r.pending[toolCallID]
	if !ok {
		p = &PendingResolution{ToolCallID: toolCallID}
		r.pending[toolCallID] = p
	}
	p.Status = ResolutionResolving
	p.Payload = payload
	return true
}

// release backs out a failed resolution attempt: the guard entry is removed
// and the arena record reverts to awaiting-input so the human can retry.
func (r *Resolver) release(toolCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guard, toolCallID)
	if p, ok := r.pending[toolCallID]; ok {
		p.Status = ResolutionAwaitingInput
		p.Payload = nil
	}
}

// finish tears down the arena record for a durably resolved call. The guard
// entry stays so late duplicate events remain no-ops.
func (r *Resolver) finish(toolCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, toolCallID)
}

// ResolveInteractiveTool records a human decision for one interactive tool
// call and dispatches the continuation turn. Duplicate attempts, including
// concurrent ones, are benign no-ops: the first recorded value wins.
func (r *Resolver) ResolveInteractiveTool(ctx context.Context, conversationID string, principal domain.Principal, toolCallID string, value json.RawMessage) error {
	const op = "Resolver.ResolveInteractiveTool"

	ctx, span := tracer.StartSpan(ctx, "resolver.resolve_tool",
		trace.WithAttributes(tracer.StringAttr("tool_call.id", toolCallID)),
	)
	defer span.End()

	if !r.acquire(toolCallID, value) {
		// Re-entrant UI event or network retry; logged, not surfaced.
		r.deps.Logger.Debug("duplicate resolution attempt ignored", "tool_call_id", toolCallID)
		return nil
	}

	call, err := r.findCall(ctx, conversationID, principal.ID, toolCallID)
	if err != nil {
		r.release(toolCallID)
		tracer.RecordError(span, err)
		return domain.WrapOp(op, err)
	}
	if call.State == domain.ToolCallResolved {
		r.finish(toolCallID)
		r.deps.Logger.Debug("tool call already resolved", "tool_call_id", toolCallID)
		return nil
	}

	if err := r.deps.Store.ResolveToolCall(ctx, conversationID, principal.ID, toolCallID, value, false); err != nil {
		if errors.Is(err, domain.ErrDuplicateResolution) {
			// Lost a race with another writer; first value stands.
			r.finish(toolCallID)
			r.deps.Logger.Debug("resolution already recorded", "tool_call_id", toolCallID)
			return nil
		}
		// Durable recording failed: revert so the human can retry. The call
		// must never look resolved locally while still requested in the store.
		r.release(toolCallID)
		tracer.RecordError(span, err)
		return domain.WrapOp(op, err)
	}

	r.finish(toolCallID)
	domain.PublishEvent(ctx, r.deps.Bus, domain.EventToolCallResolved, conversationID, domain.ToolCallEventPayload{
		ToolCallID: toolCallID,
		ToolName:   call.ToolName,
		Success:    true,
	})

	r.dispatchContinuation(ctx, conversationID, principal, call, value)
	tracer.SetOK(span)
	return nil
}

// dispatchContinuation synthesizes the human-role turn for a resolution and
// enqueues it behind any in-flight turn. It runs detached: the resolution
// is already durable, and continuation failures only get logged.
func (r *Resolver) dispatchContinuation(ctx context.Context, conversationID string, principal domain.Principal, call *domain.ToolCallPart, value json.RawMessage) {
	handler, ok := r.deps.Handlers[call.ToolName]
	if !ok {
		return
	}
	text, hidden, ok := handler.Continuation(call.Input, value)
	if !ok {
		return
	}

	turn := domain.Turn{
		ID:        NewTurnID(),
		Role:      domain.RoleHuman,
		Parts:     []domain.Part{domain.TextPart(text)},
		Hidden:    hidden,
		CreatedAt: time.Now(),
	}
	domain.PublishEvent(ctx, r.deps.Bus, domain.EventContinuation, conversationID, map[string]any{
		"tool_call_id": call.ToolCallID,
		"hidden":       hidden,
	})

	bg := context.WithoutCancel(ctx)
	go func() {
		err := r.deps.Queue.Do(bg, conversationID, func(ctx context.Context) error {
			_, err := r.deps.Controller.HandleTurnStream(ctx, conversationID, principal, turn)
			return err
		})
		if err != nil {
			r.deps.Logger.Error("continuation turn failed",
				"conversation_id", conversationID,
				"tool_call_id", call.ToolCallID,
				"error", err,
			)
		}
	}()
}

// SubmitHumanMessage applies the interruption policy and dispatches the
// human's turn. Every interactive call still requested is resolved with its
// tool-specific skip value before the new turn enters the controller, so no
// call is left dangling.
func (r *Resolver) SubmitHumanMessage(ctx context.Context, conversationID string, principal domain.Principal, text string, attachments []domain.Attachment) (*TurnResult, error) {
	const op = "Resolver.SubmitHumanMessage"

	ctx, span := tracer.StartSpan(ctx, "resolver.submit_message")
	defer span.End()

	turns, err := r.deps.Store.Read(ctx, conversationID, principal.ID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	for _, call := range pendingInteractiveCalls(turns, r.deps.Handlers) {
		if err := r.skipCall(ctx, conversationID, principal, call); err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp(op, err)
		}
	}

	turn := domain.Turn{
		ID:          NewTurnID(),
		Role:        domain.RoleHuman,
		Parts:       []domain.Part{domain.TextPart(text)},
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}

	var result *TurnResult
	err = r.deps.Queue.Do(ctx, conversationID, func(ctx context.Context) error {
		var err error
		result, err = r.deps.Controller.HandleTurnStream(ctx, conversationID, principal, turn)
		return err
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	// Newly surfaced interactive calls enter the arena awaiting input.
	for _, call := range result.Pending {
		r.Surface(conversationID, call)
	}

	tracer.SetOK(span)
	return result, nil
}

// skipCall resolves one abandoned interactive call with its skip value.
func (r *Resolver) skipCall(ctx context.Context, conversationID string, principal domain.Principal, call *domain.ToolCallPart) error {
	handler := r.deps.Handlers[call.ToolName]
	skip := handler.SkipValue(call.Input)

	if !r.acquire(call.ToolCallID, skip) {
		return nil
	}

	if err := r.deps.Store.ResolveToolCall(ctx, conversationID, principal.ID, call.ToolCallID, skip, false); err != nil {
		if errors.Is(err, domain.ErrDuplicateResolution) {
			r.finish(call.ToolCallID)
			return nil
		}
		r.release(call.ToolCallID)
		return err
	}

	r.finish(call.ToolCallID)
	r.deps.Logger.Info("pending tool call skipped",
		"conversation_id", conversationID,
		"tool_call_id", call.ToolCallID,
		"tool", call.ToolName,
	)
	domain.PublishEvent(ctx, r.deps.Bus, domain.EventToolCallSkipped, conversationID, domain.ToolCallEventPayload{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Skipped:    true,
	})
	return nil
}

// findCall locates a tool call part in the conversation transcript.
func (r *Resolver) findCall(ctx context.Context, conversationID, principalID, toolCallID string) (*domain.ToolCallPart, error) {
	turns, err := r.deps.Store.Read(ctx, conversationID, principalID)
	if err != nil {
		return nil, err
	}
	for i := range turns {
		for _, call := range turns[i].ToolCalls() {
			if call.ToolCallID == toolCallID {
				return call, nil
			}
		}
	}
	return nil, domain.NewDomainError("Resolver.findCall", domain.ErrUnknownToolCall, toolCallID)
}

// pendingInteractiveCalls returns every interactive call still requested,
// in transcript order.
func pendingInteractiveCalls(turns []domain.Turn, handlers map[string]InteractiveHandler) []*domain.ToolCallPart {
	var pending []*domain.ToolCallPart
	for i := range turns {
		for _, call := range turns[i].ToolCalls() {
			if call.State != domain.ToolCallRequested {
				continue
			}
			if _, interactive := handlers[call.ToolName]; !interactive {
				continue
			}
			pending = append(pending, call)
		}
	}
	return pending
}
