package usecase

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"carely/internal/domain"
	"carely/internal/infra/logger"
	"carely/internal/infra/tracer"
)

// Model call retry constants.
const (
	maxModelRetries = 3
	baseRetryDelay  = 500 * time.Millisecond
	maxRetryDelay   = 10 * time.Second
)

// ControllerDeps holds injected dependencies for the turn controller.
type ControllerDeps struct {
	Provider       domain.ModelProvider
	Tools          domain.ToolExecutor
	Store          domain.TranscriptStore
	History        domain.HistoryStore // optional, nil = no history section
	ContextBuilder *ContextBuilder
	Labeler        *Labeler // optional, nil = no label derivation
	Logger         *slog.Logger
	Bus            domain.EventBus // optional, nil = no events
	Locker         *ConversationLocker
	StepBudget     int
}

// TurnController runs the model invocation loop for one submitted turn:
// call the model, execute autonomous tool calls inline, feed their results
// back, and stop when the model settles, an interactive call is pending, or
// the step budget runs out.
type TurnController struct {
	deps ControllerDeps
}

// TurnResult is what a completed controller invocation produced.
type TurnResult struct {
	// Turns are the newly appended assistant turns, in order.
	Turns []domain.Turn
	// Pending lists interactive tool calls awaiting human resolution.
	Pending []*domain.ToolCallPart
	// Steps is the number of model invocations consumed.
	Steps int
	// BudgetExhausted reports that the loop stopped because the step budget
	// ran out. This is a normal terminal condition, not an error.
	BudgetExhausted bool
	Usage           domain.Usage
}

// NewTurnController creates a controller with the given dependencies.
func NewTurnController(deps ControllerDeps) *TurnController {
	if deps.StepBudget <= 0 {
		deps.StepBudget = 5
	}
	if deps.Locker == nil {
		deps.Locker = NewConversationLocker()
	}
	return &TurnController{deps: deps}
}

// NewTurnID returns a fresh lexicographically sortable turn id.
func NewTurnID() string {
	return ulid.Make().String()
}

// HandleTurn processes one human turn through the controller loop.
func (c *TurnController) HandleTurn(ctx context.Context, conversationID string, principal domain.Principal, humanTurn domain.Turn) (*TurnResult, error) {
	return c.handleTurn(ctx, conversationID, principal, humanTurn, nil)
}

// HandleTurnStream is HandleTurn with token-by-token streaming. It publishes
// EventStreamDelta events for each model chunk. If the provider does not
// implement StreamingModelProvider it falls back to the synchronous path and
// emits a single EventStreamCompleted with the full response.
func (c *TurnController) HandleTurnStream(ctx context.Context, conversationID string, principal domain.Principal, humanTurn domain.Turn) (*TurnResult, error) {
	sp, canStream := c.deps.Provider.(domain.StreamingModelProvider)
	if !canStream {
		result, err := c.HandleTurn(ctx, conversationID, principal, humanTurn)
		if err == nil && len(result.Turns) > 0 {
			last := result.Turns[len(result.Turns)-1]
			c.publishEvent(ctx, domain.EventStreamCompleted, conversationID, domain.StreamCompletedPayload{
				TurnID:  last.ID,
				Content: last.Text(),
				Usage:   &result.Usage,
			})
		}
		return result, err
	}
	return c.handleTurn(ctx, conversationID, principal, humanTurn, sp)
}

// handleTurn is the shared loop for both sync and streaming modes. When sp
// is non-nil the model is called via ChatStream and deltas are published as
// they arrive.
func (c *TurnController) handleTurn(ctx context.Context, conversationID string, principal domain.Principal, humanTurn domain.Turn, sp domain.StreamingModelProvider) (*TurnResult, error) {
	streaming := sp != nil

	spanName := "controller.handle_turn"
	opName := "TurnController.HandleTurn"
	if streaming {
		spanName = "controller.handle_turn_stream"
		opName = "TurnController.HandleTurnStream"
	}

	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.ConversationAttr(conversationID)),
	)
	defer span.End()

	unlock, err := c.deps.Locker.TryLock(conversationID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	ctx = domain.ContextWithConversationID(ctx, conversationID)
	log := logger.WithConversation(c.deps.Logger, conversationID)

	conv, err := c.deps.Store.Get(ctx, conversationID, principal.ID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(opName, err)
	}

	turns, err := c.deps.Store.Read(ctx, conversationID, principal.ID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(opName, err)
	}

	c.publishEvent(ctx, domain.EventTurnSubmitted, conversationID, nil)

	var historyFacts []string
	if c.deps.History != nil {
		historyFacts, err = c.deps.History.Facts(ctx, principal.ID)
		if err != nil {
			log.Warn("history lookup failed", "error", err)
			historyFacts = nil
		}
	}

	if streaming {
		c.publishEvent(ctx, domain.EventStreamStarted, conversationID, nil)
	}

	turns = append(turns, humanTurn)

	result := &TurnResult{}
	settled := false

	for !settled && result.Steps < c.deps.StepBudget {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		step := result.Steps
		span.AddEvent("controller.step", trace.WithAttributes(tracer.IntAttr("step", step)))

		req := c.deps.ContextBuilder.Build(conversationID, principal, historyFacts, turns, c.deps.Tools.Schemas())

		c.publishEvent(ctx, domain.EventModelCallStarted, conversationID, nil)
		modelTurn, usage, modelErr := c.callModelWithRetry(ctx, conversationID, req, sp, step)
		if modelErr != nil {
			if streaming {
				c.publishEvent(ctx, domain.EventStreamError, conversationID, domain.StreamErrorPayload{
					Error: modelErr.Error(),
				})
			}
			tracer.RecordError(span, modelErr)
			// No partial persistence: the transcript is exactly as it was
			// before this invocation.
			return nil, domain.WrapOp(opName, modelErr)
		}
		c.publishEvent(ctx, domain.EventModelCallDone, conversationID, nil)
		result.Steps++

		result.Usage.PromptTokens += usage.PromptTokens
		result.Usage.CompletionTokens += usage.CompletionTokens
		result.Usage.TotalTokens += usage.TotalTokens

		assistantTurn := turnFromModel(modelTurn)
		calls := assistantTurn.ToolCalls()

		log.Debug("model response",
			"step", step,
			"tool_calls", len(calls),
			"tokens", usage.TotalTokens,
		)

		executed, pending := c.executeToolCalls(ctx, conversationID, calls)

		result.Turns = append(result.Turns, assistantTurn)
		turns = append(turns, assistantTurn)
		result.Pending = append(result.Pending, pending...)

		// An unresolved interactive call halts the loop; it is surfaced
		// as-is and the conversation resumes via a continuation turn.
		// A step with no autonomous execution means the model settled on
		// a final text turn.
		settled = len(pending) > 0 || executed == 0
	}
	// Running out of budget mid-chain is a normal terminal condition, not
	// an error: whatever text and tool state accumulated is returned.
	result.BudgetExhausted = !settled

	batch := append([]domain.Turn{humanTurn}, result.Turns...)
	if err := c.deps.Store.Append(ctx, conversationID, principal.ID, batch); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(opName, err)
	}

	if streaming && len(result.Turns) > 0 {
		last := result.Turns[len(result.Turns)-1]
		c.publishEvent(ctx, domain.EventStreamCompleted, conversationID, domain.StreamCompletedPayload{
			TurnID:  last.ID,
			Content: last.Text(),
			Usage:   &result.Usage,
		})
	}
	c.publishEvent(ctx, domain.EventTurnCompleted, conversationID, nil)

	c.maybeDeriveLabel(ctx, conv, turns)

	tracer.SetOK(span)
	return result, nil
}

// executeToolCalls runs the autonomous calls of one step in parallel and
// returns how many executed plus the interactive calls left requested.
// Sibling autonomous calls still execute even when an interactive call is
// pending in the same step.
func (c *TurnController) executeToolCalls(ctx context.Context, conversationID string, calls []*domain.ToolCallPart) (executed int, pending []*domain.ToolCallPart) {
	var autonomous []*domain.ToolCallPart
	for _, call := range calls {
		tool, err := c.deps.Tools.Get(call.ToolName)
		if err == nil && tool.Mode() == domain.ToolModeInteractive {
			pending = append(pending, call)
			continue
		}
		autonomous = append(autonomous, call)
	}

	var wg sync.WaitGroup
	for _, call := range autonomous {
		wg.Add(1)
		go func(call *domain.ToolCallPart) {
			defer wg.Done()
			c.executeToolCall(ctx, conversationID, call)
		}(call)
	}
	wg.Wait()

	return len(autonomous), pending
}

// executeToolCall executes a single autonomous call and resolves the part in
// place. Failures are folded into an error-carrying tool result so the model
// can acknowledge them in natural language; they never abort the turn.
func (c *TurnController) executeToolCall(ctx context.Context, conversationID string, call *domain.ToolCallPart) {
	ctx, span := tracer.StartSpan(ctx, "controller.execute_tool",
		trace.WithAttributes(tracer.ToolAttr(call.ToolName)),
	)
	defer span.End()

	resolve := func(result *domain.ToolResult) {
		call.State = domain.ToolCallResolved
		call.Output = result.Output
		call.IsError = result.IsError
	}

	tool, err := c.deps.Tools.Get(call.ToolName)
	if err != nil {
		tracer.RecordError(span, err)
		resolve(domain.ErrorResult(err.Error()))
		return
	}

	c.publishEvent(ctx, domain.EventToolCallStarted, conversationID, domain.ToolCallEventPayload{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
	})

	result, err := tool.Execute(ctx, call.Input)
	if err != nil {
		tracer.RecordError(span, err)
		resolve(domain.ErrorResult(err.Error()))
	} else {
		tracer.SetOK(span)
		resolve(result)
	}

	c.publishEvent(ctx, domain.EventToolCallCompleted, conversationID, domain.ToolCallEventPayload{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Success:    !call.IsError,
	})
}

// maybeDeriveLabel fires the best-effort label derivation for a conversation
// that has none yet. It runs detached from the request: a labeling failure
// or slow call must never block or fail the main turn.
func (c *TurnController) maybeDeriveLabel(ctx context.Context, conv *domain.Conversation, turns []domain.Turn) {
	if c.deps.Labeler == nil || conv.Label != "" {
		return
	}
	var firstHumanText string
	for _, t := range turns {
		if t.Role == domain.RoleHuman && !t.Hidden && strings.TrimSpace(t.Text()) != "" {
			firstHumanText = strings.TrimSpace(t.Text())
			break
		}
	}
	if firstHumanText == "" {
		return
	}
	go c.deps.Labeler.DeriveAndStore(context.WithoutCancel(ctx), conv.ID, firstHumanText)
}

// callModelWithRetry performs the model call with retry for transient
// failures, in both sync and streaming modes.
func (c *TurnController) callModelWithRetry(
	ctx context.Context,
	conversationID string,
	req domain.ChatRequest,
	sp domain.StreamingModelProvider,
	step int,
) (domain.ModelTurn, domain.Usage, error) {
	streaming := sp != nil

	var lastErr error
	for attempt := 0; attempt < maxModelRetries; attempt++ {
		var modelTurn domain.ModelTurn
		var usage domain.Usage
		var callErr error

		if streaming {
			llmCtx, llmSpan := tracer.StartSpan(ctx, "controller.model_stream")
			deltaCh, err := sp.ChatStream(llmCtx, req)
			llmSpan.End()

			if err != nil {
				callErr = err
			} else {
				acc := newStreamAccumulator()
				for delta := range deltaCh {
					acc.addDelta(delta)
					c.publishEvent(ctx, domain.EventStreamDelta, conversationID, domain.StreamDeltaPayload{
						Content:   delta.Content,
						ToolCalls: delta.ToolCalls,
						Done:      delta.Done,
						Step:      step,
					})
				}
				modelTurn, usage = acc.build()
			}
		} else {
			llmCtx, llmSpan := tracer.StartSpan(ctx, "controller.model_call")
			resp, err := c.deps.Provider.Chat(llmCtx, req)
			llmSpan.End()

			if err != nil {
				callErr = err
			} else {
				modelTurn = resp.Message
				usage = resp.Usage
			}
		}

		if callErr == nil {
			return modelTurn, usage, nil
		}
		lastErr = callErr

		if !domain.IsRetryableError(callErr) {
			return domain.ModelTurn{}, domain.Usage{}, lastErr
		}
		if attempt < maxModelRetries-1 {
			delay := retryBackoff(attempt)
			c.deps.Logger.Info("retrying model call after error",
				"attempt", attempt+1, "delay", delay, "error", callErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.ModelTurn{}, domain.Usage{}, ctx.Err()
			}
		}
	}

	return domain.ModelTurn{}, domain.Usage{}, lastErr
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// publishEvent publishes a domain event on the bus if it is configured.
func (c *TurnController) publishEvent(ctx context.Context, eventType domain.EventType, conversationID string, payload any) {
	domain.PublishEvent(ctx, c.deps.Bus, eventType, conversationID, payload)
}

// turnFromModel converts a completed model response into an assistant turn
// with all tool calls in requested state.
func turnFromModel(mt domain.ModelTurn) domain.Turn {
	turn := domain.Turn{
		ID:        NewTurnID(),
		Role:      domain.RoleAssistant,
		CreatedAt: time.Now(),
	}
	if mt.Content != "" {
		turn.Parts = append(turn.Parts, domain.TextPart(mt.Content))
	}
	for _, tc := range mt.ToolCalls {
		if tc.ID == "" && tc.Name == "" {
			continue
		}
		turn.Parts = append(turn.Parts, domain.Part{
			Type: domain.PartToolCall,
			ToolCall: &domain.ToolCallPart{
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Input:      append([]byte(nil), tc.Arguments...),
				State:      domain.ToolCallRequested,
			},
		})
	}
	return turn
}

// maxToolCallSlots bounds how many tool call slots the accumulator will
// allocate from a single stream; indices beyond it are dropped.
const maxToolCallSlots = 50

// streamAccumulator collects incremental deltas into a complete model turn.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.WireToolCall // accumulated by index
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta merges one streaming delta. Tool calls are tracked by their
// provider-assigned slot index, not by position within the delta: parallel
// calls usually arrive as single-element slices distinguished only by
// Index. The first fragment for a slot provides ID and Name, subsequent
// fragments append to Arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for _, tc := range delta.ToolCalls {
		idx := tc.Index
		if idx < 0 || idx >= maxToolCallSlots {
			continue
		}

		for len(acc.toolCalls) <= idx {
			acc.toolCalls = append(acc.toolCalls, domain.WireToolCall{})
		}

		existing := &acc.toolCalls[idx]
		existing.Index = idx
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			existing.Arguments = append(existing.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// build returns the accumulated model turn and usage.
func (acc *streamAccumulator) build() (domain.ModelTurn, domain.Usage) {
	return domain.ModelTurn{
		Content:   acc.content.String(),
		ToolCalls: acc.toolCalls,
	}, acc.usage
}
