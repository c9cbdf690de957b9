package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"carely/internal/domain"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// OwnershipChecker reports whether the principal may watch a conversation.
// A non-nil error denies the events.watch request.
type OwnershipChecker func(ctx context.Context, conversationID, principalID string) error

// clientConn tracks a single WebSocket connection and the set of
// conversations it is watching for events.
type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	watched map[string]struct{}
}

func (cc *clientConn) watch(conversationID string) {
	cc.mu.Lock()
	cc.watched[conversationID] = struct{}{}
	cc.mu.Unlock()
}

func (cc *clientConn) unwatch(conversationID string) {
	cc.mu.Lock()
	delete(cc.watched, conversationID)
	cc.mu.Unlock()
}

func (cc *clientConn) watching(conversationID string) bool {
	cc.mu.Lock()
	_, ok := cc.watched[conversationID]
	cc.mu.Unlock()
	return ok
}

// Server is the WebSocket gateway that exposes RPC methods and forwards
// conversation events to watching clients.
type Server struct {
	bus        domain.EventBus
	clients    sync.Map // connID (uint64) -> *clientConn
	auth       Authenticator
	ownership  OwnershipChecker
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	logger     *slog.Logger
	addr       string
	httpSrv    *http.Server
	boundAddr  string
	nextID     atomic.Uint64
	unsubAll   func()
	httpRoutes []httpRoute // additional HTTP routes
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server. ownership may be nil, which restricts
// event forwarding to events without a conversation id.
func NewServer(bus domain.EventBus, auth Authenticator, ownership OwnershipChecker, addr string, logger *slog.Logger) *Server {
	return &Server{
		bus:       bus,
		auth:      auth,
		ownership: ownership,
		handlers:  make(map[string]RPCHandler),
		logger:    logger,
		addr:      addr,
	}
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start begins accepting WebSocket connections. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: mux}

	// Forward bus events to clients watching the event's conversation.
	// Events without a conversation id go to every client.
	unsub := s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		frame := Frame{
			Type:    FrameTypeEvent,
			Payload: payload,
		}
		s.clients.Range(func(_, value any) bool {
			cc := value.(*clientConn)
			if event.ConversationID != "" && !cc.watching(event.ConversationID) {
				return true
			}
			select {
			case cc.sendCh <- frame:
			default:
				s.logger.Warn("gateway: dropped event for slow client")
			}
			return true
		})
	})
	s.unsubAll = unsub

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	clientInfo, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Localhost only unless served same-origin.
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		info:    clientInfo,
		ws:      ws,
		sendCh:  make(chan Frame, 64),
		done:    make(chan struct{}),
		watched: make(map[string]struct{}),
	}
	s.clients.Store(connID, cc)

	s.logger.Info("gateway client connected", "conn_id", connID, "principal", clientInfo.Principal.ID)

	go s.writeLoop(cc)

	// Read loop (blocking).
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		err := wsjson.Read(ctx, cc.ws, &frame)
		if err != nil {
			return // connection closed or error
		}

		if frame.Type != FrameTypeRequest {
			continue
		}

		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

type watchRequest struct {
	ConversationID string `json:"conversation_id"`
}

// handleWatch implements events.watch and events.unwatch. Watch requests are
// connection-scoped, so they are handled here rather than in an RPCHandler.
func (s *Server) handleWatch(ctx context.Context, cc *clientConn, req Frame) {
	var wr watchRequest
	if err := json.Unmarshal(req.Payload, &wr); err != nil || wr.ConversationID == "" {
		s.sendResponse(cc, req.ID, nil, domain.ErrRPCInvalidPayload)
		return
	}

	if req.Method == "events.unwatch" {
		cc.unwatch(wr.ConversationID)
		s.sendResponse(cc, req.ID, okResult(), nil)
		return
	}

	if s.ownership == nil {
		s.sendResponse(cc, req.ID, nil, domain.ErrForbidden)
		return
	}
	if err := s.ownership(ctx, wr.ConversationID, cc.info.Principal.ID); err != nil {
		s.sendResponse(cc, req.ID, nil, err)
		return
	}
	cc.watch(wr.ConversationID)
	s.sendResponse(cc, req.ID, okResult(), nil)
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	if req.Method == "events.watch" || req.Method == "events.unwatch" {
		s.handleWatch(ctx, cc, req)
		return
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, req.ID, nil, domain.ErrRPCMethodNotFound)
		return
	}

	result, err := handler(ctx, cc.info, req.Payload)
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	select {
	case cc.sendCh <- resp:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", id)
	}
}

func okResult() json.RawMessage {
	return json.RawMessage(`{"ok":true}`)
}
