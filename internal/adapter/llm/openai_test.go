package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"carely/internal/domain"
	"carely/internal/infra/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIProvider(config.LLMConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o",
	}, testLogger())
}

func TestChatText(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q", req.Model)
		}
		json.NewEncoder(w).Encode(openaiResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []openaiChoice{{
				Message: openaiMessage{Role: "assistant", Content: "How can I help?"},
			}},
			Usage: openaiUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.WireMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "How can I help?" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d", resp.Usage.TotalTokens)
	}
}

func TestChatToolCalls(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openaiResponse{
			Choices: []openaiChoice{{
				Message: openaiMessage{
					Role: "assistant",
					ToolCalls: []openaiToolCall{{
						ID:   "call-1",
						Type: "function",
						Function: openaiToolCallFunction{
							Name:      "displayEmergencyHotlines",
							Arguments: `{"types":["poison"]}`,
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
		})
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.WireMessage{{Role: "user", Content: "my kid drank cleaner"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call-1" || call.Name != "displayEmergencyHotlines" {
		t.Errorf("call = %+v", call)
	}
	if string(call.Arguments) != `{"types":["poison"]}` {
		t.Errorf("Arguments = %s", call.Arguments)
	}
}

func TestChatSendsToolResults(t *testing.T) {
	var captured openaiRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(openaiResponse{
			Choices: []openaiChoice{{Message: openaiMessage{Role: "assistant", Content: "done"}}},
		})
	})

	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.WireMessage{
			{Role: "assistant", ToolCalls: []domain.WireToolCall{{
				ID: "call-1", Name: "addToHistory", Arguments: []byte(`{"facts":["x"]}`),
			}}},
			{Role: "tool", ToolCallID: "call-1", Content: `{"success":true}`},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("len(messages) = %d", len(captured.Messages))
	}
	if captured.Messages[0].ToolCalls[0].Function.Name != "addToHistory" {
		t.Errorf("assistant tool call lost: %+v", captured.Messages[0])
	}
	if captured.Messages[1].ToolCallID != "call-1" {
		t.Errorf("tool result message lost tool_call_id: %+v", captured.Messages[1])
	}
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusTooManyRequests, "slow down", domain.ErrRateLimit},
		{http.StatusUnauthorized, "bad key", domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, "too big", domain.ErrContextOverflow},
		{http.StatusBadRequest, `{"error":{"code":"context_length_exceeded"}}`, domain.ErrContextOverflow},
		{http.StatusBadGateway, "upstream down", domain.ErrProviderError},
	}
	for _, tc := range cases {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		})
		_, err := p.Chat(context.Background(), domain.ChatRequest{})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestChatStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.WireMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	var done bool
	for delta := range ch {
		content += delta.Content
		if delta.Done {
			done = true
		}
	}
	if content != "Hello" {
		t.Errorf("content = %q", content)
	}
	if !done {
		t.Error("expected Done delta")
	}
}

func TestChatStreamFragmentedToolCall(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"id":"call-1","function":{"name":"getUserLocation","arguments":""}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"{\"reason\":"}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"find care\"}"}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`+"\n\n")
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}

	var deltas []domain.StreamDelta
	for delta := range ch {
		deltas = append(deltas, delta)
	}
	if len(deltas) < 3 {
		t.Fatalf("len(deltas) = %d", len(deltas))
	}
	if deltas[0].ToolCalls[0].ID != "call-1" || deltas[0].ToolCalls[0].Name != "getUserLocation" {
		t.Errorf("first fragment: %+v", deltas[0].ToolCalls)
	}
	if string(deltas[1].ToolCalls[0].Arguments) != `{"reason":` {
		t.Errorf("second fragment: %s", deltas[1].ToolCalls[0].Arguments)
	}
	if !deltas[len(deltas)-1].Done {
		t.Error("final delta should be Done")
	}
}

func TestChatStreamParallelToolCallIndexes(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_A","function":{"name":"displayEmergencyHotlines","arguments":""}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_B","function":{"name":"addToHistory","arguments":""}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{\"facts\":[\"x\"],\"userId\":\"u1\"}"}}]}}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}

	var fragments []domain.WireToolCall
	for delta := range ch {
		fragments = append(fragments, delta.ToolCalls...)
	}
	if len(fragments) != 3 {
		t.Fatalf("fragments = %d, want 3: %+v", len(fragments), fragments)
	}
	if fragments[0].Index != 0 || fragments[0].ID != "call_A" {
		t.Errorf("first fragment: %+v", fragments[0])
	}
	// The second call's fragments must carry slot index 1 so the
	// accumulator keeps them apart from the first call's.
	if fragments[1].Index != 1 || fragments[1].ID != "call_B" {
		t.Errorf("second fragment: %+v", fragments[1])
	}
	if fragments[2].Index != 1 || string(fragments[2].Arguments) != `{"facts":["x"],"userId":"u1"}` {
		t.Errorf("third fragment: %+v", fragments[2])
	}
}
