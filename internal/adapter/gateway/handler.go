package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"carely/internal/adapter/tool"
	"carely/internal/domain"
	"carely/internal/usecase"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Store    domain.TranscriptStore
	Resolver *usecase.Resolver
	Tools    *tool.Registry
	Bus      domain.EventBus
	Logger   *slog.Logger
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("conversation.create", conversationCreateHandler(deps))
	s.RegisterHandler("conversation.get", conversationGetHandler(deps))
	s.RegisterHandler("chat.submit", chatSubmitHandler(deps))
	s.RegisterHandler("tool.resolve", toolResolveHandler(deps))
	s.RegisterHandler("tool.pending", toolPendingHandler(deps))
	s.RegisterHandler("tool.list", toolListHandler(deps))
	s.RegisterHandler("transcript.read", transcriptReadHandler(deps))
}

// --- conversations ---

func conversationCreateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		conv, err := usecase.StartConversation(ctx, deps.Store, client.Principal.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(conv)
	}
}

type conversationGetRequest struct {
	ConversationID string `json:"conversation_id"`
}

func conversationGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req conversationGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ConversationID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		conv, err := deps.Store.Get(ctx, req.ConversationID, client.Principal.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(conv)
	}
}

// --- chat ---

type chatSubmitRequest struct {
	ConversationID string              `json:"conversation_id"`
	Message        string              `json:"message"`
	Attachments    []domain.Attachment `json:"attachments,omitempty"`
}

type chatSubmitResponse struct {
	Turns           []domain.Turn          `json:"turns"`
	Pending         []*domain.ToolCallPart `json:"pending,omitempty"`
	Steps           int                    `json:"steps"`
	BudgetExhausted bool                   `json:"budget_exhausted"`
	Usage           domain.Usage           `json:"usage"`
}

// chatSubmitHandler runs the full agentic turn synchronously. Streaming
// deltas and tool events arrive through the event bus while it runs, so a
// client that watches the conversation sees progress before the response.
func chatSubmitHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatSubmitRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ConversationID == "" || req.Message == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		result, err := deps.Resolver.SubmitHumanMessage(ctx, req.ConversationID, client.Principal, req.Message, req.Attachments)
		if err != nil {
			return nil, err
		}
		return json.Marshal(chatSubmitResponse{
			Turns:           result.Turns,
			Pending:         result.Pending,
			Steps:           result.Steps,
			BudgetExhausted: result.BudgetExhausted,
			Usage:           result.Usage,
		})
	}
}

// --- tools ---

type toolResolveRequest struct {
	ConversationID string          `json:"conversation_id"`
	ToolCallID     string          `json:"tool_call_id"`
	Value          json.RawMessage `json:"value"`
}

func toolResolveHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req toolResolveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ConversationID == "" || req.ToolCallID == "" || len(req.Value) == 0 {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Resolver.ResolveInteractiveTool(ctx, req.ConversationID, client.Principal, req.ToolCallID, req.Value); err != nil {
			return nil, err
		}
		return okResult(), nil
	}
}

type toolPendingRequest struct {
	ConversationID string `json:"conversation_id"`
	ToolCallID     string `json:"tool_call_id"`
}

// toolPendingHandler reports the arena status of one interactive call. The
// lookup is scoped to a conversation the caller owns; a guessed tool_call_id
// from someone else's conversation reads as unknown.
func toolPendingHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req toolPendingRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ConversationID == "" || req.ToolCallID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if _, err := deps.Store.Get(ctx, req.ConversationID, client.Principal.ID); err != nil {
			return nil, err
		}
		p := deps.Resolver.Pending(req.ToolCallID)
		if p == nil || p.ConversationID != req.ConversationID {
			return nil, domain.ErrUnknownToolCall
		}
		return json.Marshal(p)
	}
}

func toolListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Tools.Schemas())
	}
}

// --- transcript ---

type transcriptReadRequest struct {
	ConversationID string `json:"conversation_id"`
	IncludeHidden  bool   `json:"include_hidden"`
}

// transcriptReadHandler returns the conversation transcript. Hidden turns
// are part of the model's view but not the human's, so they are filtered
// out unless the client asks for them.
func transcriptReadHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req transcriptReadRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ConversationID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		turns, err := deps.Store.Read(ctx, req.ConversationID, client.Principal.ID)
		if err != nil {
			return nil, err
		}
		if !req.IncludeHidden {
			visible := make([]domain.Turn, 0, len(turns))
			for _, t := range turns {
				if t.Hidden {
					continue
				}
				visible = append(visible, t)
			}
			turns = visible
		}
		return json.Marshal(turns)
	}
}
