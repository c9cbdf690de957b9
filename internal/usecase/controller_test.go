package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"carely/internal/domain"
)

func newTestController(provider domain.ModelProvider, tools *mockToolExecutor, store *memStore, opts ...func(*ControllerDeps)) *TurnController {
	deps := ControllerDeps{
		Provider:       provider,
		Tools:          tools,
		Store:          store,
		ContextBuilder: NewContextBuilder("You are a test assistant.", "test-model", 0),
		Logger:         newTestLogger(),
		StepBudget:     5,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return NewTurnController(deps)
}

func createConversation(t *testing.T, store *memStore) string {
	t.Helper()
	conv, err := store.Create(context.Background(), testPrincipal().ID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv.ID
}

func TestFinalTextTurn(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{responses: []domain.ChatResponse{textResponse("hello there")}}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	ctrl := newTestController(provider, tools, store)
	convID := createConversation(t, store)

	result, err := ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("hi"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if provider.calls() != 1 {
		t.Errorf("model calls = %d, want 1", provider.calls())
	}
	if len(result.Turns) != 1 || result.Turns[0].Text() != "hello there" {
		t.Errorf("unexpected turns: %+v", result.Turns)
	}
	if result.BudgetExhausted {
		t.Error("budget should not be exhausted")
	}
	if store.turnCount(convID) != 2 {
		t.Errorf("persisted turns = %d, want 2 (human + assistant)", store.turnCount(convID))
	}
}

func TestStepBudgetTermination(t *testing.T) {
	store := newMemStore()
	// A model that always wants one more autonomous tool call.
	var responses []domain.ChatResponse
	for i := 0; i < 20; i++ {
		responses = append(responses, toolCallResponse(
			"call-"+string(rune('a'+i)), "lookup", `{}`,
		))
	}
	provider := &mockProvider{responses: responses}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{
		"lookup": &staticTool{name: "lookup", mode: domain.ToolModeAutonomous, result: "ok"},
	}}
	ctrl := newTestController(provider, tools, store, func(d *ControllerDeps) { d.StepBudget = 3 })
	convID := createConversation(t, store)

	result, err := ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("go"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if provider.calls() != 3 {
		t.Errorf("model calls = %d, want exactly the budget of 3", provider.calls())
	}
	if !result.BudgetExhausted {
		t.Error("expected BudgetExhausted to be reported")
	}
	if len(result.Turns) != 3 {
		t.Errorf("assistant turns = %d, want 3", len(result.Turns))
	}
}

func TestToolFailureFoldedIntoResult(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{responses: []domain.ChatResponse{
		toolCallResponse("call-1", "broken", `{}`),
		textResponse("sorry, that did not work"),
	}}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{
		"broken": &errorTool{name: "broken"},
	}}
	ctrl := newTestController(provider, tools, store)
	convID := createConversation(t, store)

	result, err := ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("try it"))
	if err != nil {
		t.Fatalf("tool failure must not abort the turn: %v", err)
	}
	if provider.calls() != 2 {
		t.Errorf("model calls = %d, want 2 (failure fed back to model)", provider.calls())
	}

	calls := result.Turns[0].ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].State != domain.ToolCallResolved || !calls[0].IsError {
		t.Errorf("call = %+v, want resolved error result", calls[0])
	}
}

func TestUnknownToolFoldedIntoResult(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{responses: []domain.ChatResponse{
		toolCallResponse("call-1", "no_such_tool", `{}`),
		textResponse("done"),
	}}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	ctrl := newTestController(provider, tools, store)
	convID := createConversation(t, store)

	_, err := ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("x"))
	if err != nil {
		t.Fatalf("unknown tool must not abort the turn: %v", err)
	}
	if provider.calls() != 2 {
		t.Errorf("model calls = %d, want 2", provider.calls())
	}
}

func TestInteractiveCallHaltsLoopSiblingsExecute(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{responses: []domain.ChatResponse{
		{
			Message: domain.ModelTurn{
				Content: "let me check",
				ToolCalls: []domain.WireToolCall{
					{ID: "call-loc", Name: "getUserLocation", Arguments: []byte(`{"reason":"find clinics"}`)},
					{ID: "call-hot", Name: "hotlines", Arguments: []byte(`{}`)},
				},
			},
		},
	}}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{
		"getUserLocation": &staticTool{name: "getUserLocation", mode: domain.ToolModeInteractive},
		"hotlines":        &staticTool{name: "hotlines", mode: domain.ToolModeAutonomous, result: "shown"},
	}}
	ctrl := newTestController(provider, tools, store)
	convID := createConversation(t, store)

	result, err := ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("where can I go"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if provider.calls() != 1 {
		t.Errorf("model calls = %d, want 1 (pending interactive call halts the loop)", provider.calls())
	}
	if len(result.Pending) != 1 || result.Pending[0].ToolCallID != "call-loc" {
		t.Fatalf("pending = %+v, want the location call", result.Pending)
	}
	if result.Pending[0].State != domain.ToolCallRequested {
		t.Error("interactive call must stay requested")
	}

	for _, call := range result.Turns[0].ToolCalls() {
		if call.ToolCallID == "call-hot" && call.State != domain.ToolCallResolved {
			t.Error("sibling autonomous call must still execute")
		}
	}
}

func TestModelErrorLeavesTranscriptUntouched(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{errs: []error{domain.ErrProviderError}}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	ctrl := newTestController(provider, tools, store)
	convID := createConversation(t, store)

	_, err := ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("hi"))
	if !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("err = %v, want ErrProviderError", err)
	}
	if store.turnCount(convID) != 0 {
		t.Errorf("persisted turns = %d, want 0 (no partial persistence)", store.turnCount(convID))
	}
}

func TestRetryableModelErrorIsRetried(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{
		errs:      []error{domain.ErrRateLimit},
		responses: []domain.ChatResponse{textResponse("ignored"), textResponse("recovered")},
	}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	ctrl := newTestController(provider, tools, store)
	convID := createConversation(t, store)

	result, err := ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("hi"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if result.Turns[0].Text() != "recovered" {
		t.Errorf("text = %q, want %q", result.Turns[0].Text(), "recovered")
	}
	if provider.calls() != 2 {
		t.Errorf("model calls = %d, want 2", provider.calls())
	}
}

func TestConcurrentTurnRejected(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	ctrl := newTestController(provider, tools, store)
	convID := createConversation(t, store)

	unlock, err := ctrl.deps.Locker.TryLock(convID)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer unlock()

	_, err = ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("hi"))
	if !errors.Is(err, domain.ErrTurnInFlight) {
		t.Fatalf("err = %v, want ErrTurnInFlight", err)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	ctrl := newTestController(provider, tools, store)
	convID := createConversation(t, store)

	intruder := domain.Principal{ID: "someone-else"}
	_, err := ctrl.HandleTurn(context.Background(), convID, intruder, humanTurn("hi"))
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestLabelDerivedOnFirstTurn(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{responses: []domain.ChatResponse{textResponse("that sounds rough")}}
	labelProvider := &mockProvider{responses: []domain.ChatResponse{textResponse("Headache")}}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	ctrl := newTestController(provider, tools, store, func(d *ControllerDeps) {
		d.Labeler = NewLabeler(labelProvider, store, newTestLogger(), "label-model")
	})
	convID := createConversation(t, store)

	_, err := ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("I have a headache"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.label(convID) == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.label(convID); got != "Headache" {
		t.Errorf("label = %q, want %q", got, "Headache")
	}
}

func TestLabelFailureNeverBlocksTurn(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{responses: []domain.ChatResponse{textResponse("ok")}}
	labelProvider := &mockProvider{errs: []error{domain.ErrProviderError, domain.ErrProviderError, domain.ErrProviderError}}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	ctrl := newTestController(provider, tools, store, func(d *ControllerDeps) {
		d.Labeler = NewLabeler(labelProvider, store, newTestLogger(), "label-model")
	})
	convID := createConversation(t, store)

	if _, err := ctrl.HandleTurn(context.Background(), convID, testPrincipal(), humanTurn("I have a headache")); err != nil {
		t.Fatalf("labeling failure must not surface: %v", err)
	}
}

func TestIdempotentAppendViaRetriedBatch(t *testing.T) {
	store := newMemStore()
	convID := createConversation(t, store)
	p := testPrincipal()

	batch := []domain.Turn{humanTurn("hello"), {
		ID: "turn-a", Role: domain.RoleAssistant,
		Parts: []domain.Part{domain.TextPart("hi")}, CreatedAt: time.Now(),
	}}
	if err := store.Append(context.Background(), convID, p.ID, batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(context.Background(), convID, p.ID, batch); err != nil {
		t.Fatalf("retried append: %v", err)
	}
	if store.turnCount(convID) != 2 {
		t.Errorf("turns = %d, want 2 after retried identical append", store.turnCount(convID))
	}
}

func TestHiddenTurnsReachTheModel(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{responses: []domain.ChatResponse{textResponse("noted")}}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	ctrl := newTestController(provider, tools, store)
	convID := createConversation(t, store)
	p := testPrincipal()

	hidden := humanTurn("I'm located in Springfield.")
	hidden.Hidden = true
	if _, err := ctrl.HandleTurn(context.Background(), convID, p, hidden); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	var sawHiddenText bool
	for _, msg := range provider.requests[0].Messages {
		if msg.Role == domain.RoleHuman && msg.Content == "I'm located in Springfield." {
			sawHiddenText = true
		}
	}
	if !sawHiddenText {
		t.Error("hidden turn text must be part of the model prompt")
	}
}

func TestStreamAccumulatorParallelToolCalls(t *testing.T) {
	acc := newStreamAccumulator()

	// Parallel calls stream as single-element delta slices distinguished
	// only by their slot index.
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.WireToolCall{
		{Index: 0, ID: "call_A", Name: "displayEmergencyHotlines"},
	}})
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.WireToolCall{
		{Index: 0, Arguments: []byte(`{"types":["suicide"]}`)},
	}})
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.WireToolCall{
		{Index: 1, ID: "call_B", Name: "addToHistory"},
	}})
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.WireToolCall{
		{Index: 1, Arguments: []byte(`{"facts":["x"],`)},
	}})
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.WireToolCall{
		{Index: 1, Arguments: []byte(`"userId":"u1"}`)},
	}})

	turn, _ := acc.build()
	if len(turn.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2: %+v", len(turn.ToolCalls), turn.ToolCalls)
	}
	first, second := turn.ToolCalls[0], turn.ToolCalls[1]
	if first.ID != "call_A" || first.Name != "displayEmergencyHotlines" {
		t.Errorf("first call: %+v", first)
	}
	if !json.Valid(first.Arguments) || !json.Valid(second.Arguments) {
		t.Errorf("arguments must be valid JSON: %s / %s", first.Arguments, second.Arguments)
	}
	if second.ID != "call_B" || string(second.Arguments) != `{"facts":["x"],"userId":"u1"}` {
		t.Errorf("second call: %+v", second)
	}
}

func TestStreamAccumulatorDropsOutOfRangeSlots(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.WireToolCall{
		{Index: -1, ID: "call_neg", Name: "displayEmergencyHotlines"},
		{Index: maxToolCallSlots, ID: "call_over", Name: "addToHistory"},
		{Index: 0, ID: "call_ok", Name: "findNearbyHealthcare"},
	}})

	turn, _ := acc.build()
	if len(turn.ToolCalls) != 1 || turn.ToolCalls[0].ID != "call_ok" {
		t.Errorf("tool calls = %+v, want only call_ok", turn.ToolCalls)
	}
}
