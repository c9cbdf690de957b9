package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carely/internal/domain"
)

// --- Mocks ---

// mockProvider replays scripted responses, then falls back to plain text.
type mockProvider struct {
	mu        sync.Mutex
	responses []domain.ChatResponse
	errs      []error
	callIdx   int
	requests  []domain.ChatRequest
}

func (m *mockProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	idx := m.callIdx
	m.callIdx++
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx >= len(m.responses) {
		return &domain.ChatResponse{
			Message: domain.ModelTurn{Content: "fallback"},
		}, nil
	}
	resp := m.responses[idx]
	return &resp, nil
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIdx
}

// toolCallResponse builds a scripted response requesting one tool call.
func toolCallResponse(id, name, args string) domain.ChatResponse {
	return domain.ChatResponse{
		Message: domain.ModelTurn{
			ToolCalls: []domain.WireToolCall{
				{ID: id, Name: name, Arguments: []byte(args)},
			},
		},
	}
}

func textResponse(text string) domain.ChatResponse {
	return domain.ChatResponse{Message: domain.ModelTurn{Content: text}}
}

type mockToolExecutor struct {
	tools map[string]domain.Tool
}

func (m *mockToolExecutor) Get(name string) (domain.Tool, error) {
	t, ok := m.tools[name]
	if !ok {
		return nil, domain.ErrToolNotFound
	}
	return t, nil
}

func (m *mockToolExecutor) Schemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(m.tools))
	for _, t := range m.tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}

type staticTool struct {
	name   string
	mode   domain.ToolMode
	result string
}

func (t *staticTool) Name() string          { return t.name }
func (t *staticTool) Description() string   { return "static test tool" }
func (t *staticTool) Mode() domain.ToolMode { return t.mode }
func (t *staticTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description()}
}
func (t *staticTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	if t.mode == domain.ToolModeInteractive {
		return nil, domain.ErrInteractiveTool
	}
	out, _ := json.Marshal(map[string]string{"result": t.result})
	return &domain.ToolResult{Output: out}, nil
}

type errorTool struct {
	name string
}

func (t *errorTool) Name() string          { return t.name }
func (t *errorTool) Description() string   { return "error test tool" }
func (t *errorTool) Mode() domain.ToolMode { return domain.ToolModeAutonomous }
func (t *errorTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name}
}
func (t *errorTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	return nil, fmt.Errorf("tool execution failed")
}

// memStore is an in-memory TranscriptStore honoring the real contract:
// ownership checks, idempotent atomic append, exactly-once resolution.
type memStore struct {
	mu          sync.Mutex
	convs       map[string]*domain.Conversation
	resolutions map[string]domain.ToolResult
	resolveErr  error // injected failure for the next ResolveToolCall
	nextID      int
}

func newMemStore() *memStore {
	return &memStore{
		convs:       make(map[string]*domain.Conversation),
		resolutions: make(map[string]domain.ToolResult),
	}
}

func (s *memStore) Create(_ context.Context, principalID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	conv := &domain.Conversation{
		ID:          fmt.Sprintf("conv-%d", s.nextID),
		PrincipalID: principalID,
		CreatedAt:   time.Now(),
	}
	s.convs[conv.ID] = conv
	return &domain.Conversation{ID: conv.ID, PrincipalID: conv.PrincipalID, CreatedAt: conv.CreatedAt}, nil
}

func (s *memStore) lookup(conversationID, principalID string) (*domain.Conversation, error) {
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	if conv.PrincipalID != principalID {
		return nil, domain.ErrForbidden
	}
	return conv, nil
}

func (s *memStore) Get(_ context.Context, conversationID, principalID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookup(conversationID, principalID)
	if err != nil {
		return nil, err
	}
	return &domain.Conversation{
		ID:          conv.ID,
		PrincipalID: conv.PrincipalID,
		Label:       conv.Label,
		CreatedAt:   conv.CreatedAt,
		UpdatedAt:   conv.UpdatedAt,
	}, nil
}

func (s *memStore) Append(_ context.Context, conversationID, principalID string, turns []domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookup(conversationID, principalID)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(conv.Turns))
	for _, t := range conv.Turns {
		existing[t.ID] = true
	}
	for _, t := range turns {
		if existing[t.ID] {
			continue
		}
		conv.Turns = append(conv.Turns, copyTurn(t))
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) Read(_ context.Context, conversationID, principalID string) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookup(conversationID, principalID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Turn, 0, len(conv.Turns))
	for _, t := range conv.Turns {
		turn := copyTurn(t)
		for _, call := range turn.ToolCalls() {
			if res, ok := s.resolutions[call.ToolCallID]; ok {
				call.State = domain.ToolCallResolved
				call.Output = res.Output
				call.IsError = res.IsError
			}
		}
		out = append(out, turn)
	}
	return out, nil
}

func (s *memStore) ResolveToolCall(_ context.Context, conversationID, principalID, toolCallID string, output json.RawMessage, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolveErr != nil {
		err := s.resolveErr
		s.resolveErr = nil
		return err
	}
	conv, err := s.lookup(conversationID, principalID)
	if err != nil {
		return err
	}
	var found *domain.ToolCallPart
	for i := range conv.Turns {
		for _, call := range conv.Turns[i].ToolCalls() {
			if call.ToolCallID == toolCallID {
				found = call
			}
		}
	}
	if found == nil {
		return domain.ErrUnknownToolCall
	}
	if _, dup := s.resolutions[toolCallID]; dup || found.State == domain.ToolCallResolved {
		return domain.ErrDuplicateResolution
	}
	s.resolutions[toolCallID] = domain.ToolResult{
		ToolCallID: toolCallID,
		Output:     append(json.RawMessage(nil), output...),
		IsError:    isError,
	}
	return nil
}

func (s *memStore) SetLabel(_ context.Context, conversationID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	conv.Label = label
	return nil
}

func (s *memStore) resolution(toolCallID string) (domain.ToolResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resolutions[toolCallID]
	return res, ok
}

func (s *memStore) label(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[conversationID]; ok {
		return conv.Label
	}
	return ""
}

func (s *memStore) turnCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[conversationID]; ok {
		return len(conv.Turns)
	}
	return 0
}

func copyTurn(t domain.Turn) domain.Turn {
	out := t
	out.Parts = make([]domain.Part, len(t.Parts))
	for i, p := range t.Parts {
		out.Parts[i] = p
		if p.ToolCall != nil {
			call := *p.ToolCall
			out.Parts[i].ToolCall = &call
		}
	}
	return out
}

type memHistory struct {
	mu    sync.Mutex
	facts map[string][]string
}

func newMemHistory() *memHistory {
	return &memHistory{facts: make(map[string][]string)}
}

func (h *memHistory) AddFacts(_ context.Context, principalID string, facts []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.facts[principalID] = append(h.facts[principalID], facts...)
	return nil
}

func (h *memHistory) Facts(_ context.Context, principalID string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.facts[principalID]...), nil
}

func newTestLogger() *slog.Logger { return slog.Default() }

func testPrincipal() domain.Principal {
	return domain.Principal{ID: "user-1", Name: "Pat Doe", Email: "pat@example.com"}
}

func humanTurn(text string) domain.Turn {
	return domain.Turn{
		ID:        NewTurnID(),
		Role:      domain.RoleHuman,
		Parts:     []domain.Part{domain.TextPart(text)},
		CreatedAt: time.Now(),
	}
}
