package wire

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/stream"
)

// AgentCardFunc supplies the node's discovery document for the
// well-known endpoint.
type AgentCardFunc func() any

// HelloInfoFunc supplies the answering node's identity for hello
// responses. The role can change over the node's lifetime, so this is
// a callback rather than a static value.
type HelloInfoFunc func() HelloResponse

// Server accepts wire protocol connections over WebSocket, serves
// one-shot RPC over HTTP POST, and streams events over SSE. Method
// semantics live in the MethodRegistry, which the node layer
// populates; the server only moves frames.
type Server struct {
	registry *MethodRegistry
	conns    *ConnectionManager
	auth     Authenticator
	broker   *stream.Broker
	logger   *slog.Logger

	basePath     string
	defaultCodec Codec
	helloInfo    HelloInfoFunc
	agentCard    AgentCardFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuth sets the authenticator. Defaults to NoopAuthenticator.
func WithAuth(auth Authenticator) ServerOption {
	return func(s *Server) { s.auth = auth }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithBasePath sets the URL path prefix for the protocol endpoints.
// Defaults to "/fabric".
func WithBasePath(path string) ServerOption {
	return func(s *Server) { s.basePath = strings.TrimSuffix(path, "/") }
}

// WithBroker sets the stream broker used for subscriptions. Without a
// broker, subscribe requests are rejected.
func WithBroker(broker *stream.Broker) ServerOption {
	return func(s *Server) { s.broker = broker }
}

// WithAgentCard sets the discovery document supplier for the
// /.well-known/agent.json endpoint.
func WithAgentCard(fn AgentCardFunc) ServerOption {
	return func(s *Server) { s.agentCard = fn }
}

// WithHelloInfo sets the supplier for the local node's hello identity.
func WithHelloInfo(fn HelloInfoFunc) ServerOption {
	return func(s *Server) { s.helloInfo = fn }
}

// WithDefaultCodec sets the codec used before format negotiation.
func WithDefaultCodec(codec Codec) ServerOption {
	return func(s *Server) { s.defaultCodec = codec }
}

// NewServer creates a wire server around a method registry.
func NewServer(registry *MethodRegistry, opts ...ServerOption) *Server {
	s := &Server{
		registry:     registry,
		conns:        NewConnectionManager(),
		auth:         &NoopAuthenticator{},
		logger:       slog.Default(),
		basePath:     "/fabric",
		defaultCodec: &JSONCodec{},
		helloInfo:    func() HelloResponse { return HelloResponse{} },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connections returns the connection manager, letting the node layer
// push frames to connected peers.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Handler returns the HTTP handler serving all protocol endpoints:
//
//	{base}/ws      WebSocket (full protocol)
//	{base}/rpc     one-shot request/response over POST
//	{base}/events  server-sent events (read-only)
//	/.well-known/agent.json  discovery document
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.basePath+"/ws", s.handleWS)
	mux.HandleFunc(s.basePath+"/rpc", s.handleRPC)
	mux.HandleFunc(s.basePath+"/events", s.handleSSE)
	mux.HandleFunc("/.well-known/agent.json", s.handleAgentCard)
	return mux
}

// Shutdown closes all live connections.
func (s *Server) Shutdown(_ context.Context) error {
	s.conns.CloseAll()
	return nil
}

// ── WebSocket ───────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	go s.serveConn(raw)
}

// serveConn runs the per-connection loop: hello handshake first, then
// request dispatch until the connection drops.
func (s *Server) serveConn(raw net.Conn) {
	conn := NewConnection(s.conns.NextConnID(), raw, s.defaultCodec)
	defer func() {
		s.conns.Remove(conn.ConnID)
		if s.broker != nil {
			s.broker.RemoveSubscriber(conn.ConnID)
		}
		conn.Close()
	}()

	if err := s.handshake(conn, raw); err != nil {
		s.logger.Debug("handshake failed", slog.String("error", err.Error()))
		return
	}
	s.conns.Add(conn)
	s.logger.Info("connection established",
		slog.String("conn_id", conn.ConnID),
		slog.String("node_id", conn.NodeID.String()),
		slog.String("codec", conn.Codec().Name()))

	if s.broker != nil {
		sub := s.broker.Subscribe(conn.ConnID)
		go s.forwardEvents(conn, sub)
	}

	ctx := context.Background()
	for {
		data, err := readMessage(raw)
		if err != nil {
			return
		}
		frame, err := conn.Codec().Decode(data)
		if err != nil {
			conn.Send(NewErrorFrame("", ErrCodeBadRequest, "malformed frame"))
			continue
		}

		switch frame.Type {
		case FramePing:
			conn.Send(&Frame{ID: GenerateFrameID(), Type: FramePong, CorrelID: frame.ID, Timestamp: time.Now().UTC()})
		case FrameRequest:
			if resp := s.dispatch(ctx, conn, frame); resp != nil {
				conn.Send(resp)
			}
		default:
			// Responses and events from the remote are not expected on
			// accepted connections; outbound requests go through Client.
		}
	}
}

// handshake reads and validates the hello frame. The handshake is
// always JSON; the negotiated codec takes effect afterwards.
func (s *Server) handshake(conn *Connection, raw net.Conn) error {
	raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, err := readMessage(raw)
	raw.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}

	jsonCodec := &JSONCodec{}
	frame, err := jsonCodec.Decode(data)
	if err != nil || frame.Type != FrameRequest || frame.Method != MethodHello {
		conn.Send(NewErrorFrame("", ErrCodeBadRequest, "expected hello frame"))
		return ErrUnauthorized
	}

	var hello HelloRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &hello); err != nil {
			conn.Send(NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid hello payload"))
			return err
		}
	}

	token := hello.Token
	if token == "" {
		token = frame.Token
	}
	identity, err := s.auth.Authenticate(context.Background(), token)
	if err != nil {
		conn.Send(NewErrorFrame(frame.ID, ErrCodeUnauthorized, "authentication failed"))
		return err
	}
	conn.Identity = identity
	conn.RemoteAddr = hello.Addr

	if hello.NodeID != "" {
		nodeID, err := id.ParseNodeID(hello.NodeID)
		if err != nil {
			conn.Send(NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid node id"))
			return err
		}
		conn.NodeID = nodeID
	}

	resp := s.helloInfo()
	resp.SessionID = conn.ConnID
	resp.Format = GetCodec(hello.Format).Name()

	// Respond in JSON, then switch to the negotiated codec.
	respFrame, err := NewResponseFrame(frame.ID, resp)
	if err != nil {
		return err
	}
	if err := conn.Send(respFrame); err != nil {
		return err
	}
	conn.SetCodec(GetCodec(hello.Format))
	return nil
}

// dispatch authorizes and routes a request frame. Subscription methods
// are handled here because they touch connection state; everything
// else goes through the registry.
func (s *Server) dispatch(ctx context.Context, conn *Connection, frame *Frame) *Frame {
	if scope := RequiredScope(frame.Method); scope != "" {
		if conn.Identity == nil || !conn.Identity.HasScope(scope) {
			return NewErrorFrame(frame.ID, ErrCodeForbidden, "missing scope: "+scope)
		}
	}

	switch frame.Method {
	case MethodSubscribe:
		return s.handleSubscribe(conn, frame)
	case MethodUnsubscribe:
		return s.handleUnsubscribe(conn, frame)
	}
	return s.registry.Handle(ctx, frame, conn)
}

func (s *Server) handleSubscribe(conn *Connection, frame *Frame) *Frame {
	if s.broker == nil {
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "subscriptions not enabled")
	}
	var req SubscribeRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid subscribe payload")
		}
	}
	if req.Channel == "" {
		req.Channel = frame.Channel
	}
	if err := stream.ValidateTopic(req.Channel); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}

	s.broker.SubscribeTo(conn.ConnID, req.Channel)
	conn.AddSubscription(req.Channel)

	credits := int64(req.Credits) + int64(frame.Credits)
	if credits > 0 {
		if sub, ok := s.broker.GetSubscriber(conn.ConnID); ok {
			sub.AddCredits(credits)
		}
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "subscribed", "channel": req.Channel})
}

func (s *Server) handleUnsubscribe(conn *Connection, frame *Frame) *Frame {
	if s.broker == nil {
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "subscriptions not enabled")
	}
	var req UnsubscribeRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid unsubscribe payload")
		}
	}
	if req.Channel == "" {
		req.Channel = frame.Channel
	}

	s.broker.Unsubscribe(conn.ConnID, req.Channel)
	conn.RemoveSubscription(req.Channel)
	return mustResponseFrame(frame.ID, map[string]string{"status": "unsubscribed", "channel": req.Channel})
}

// forwardEvents pumps broker events to the connection as event frames.
// Exits when the subscriber channel closes or the connection breaks.
func (s *Server) forwardEvents(conn *Connection, sub *stream.Subscriber) {
	for evt := range sub.C() {
		frame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if err := conn.Send(frame); err != nil {
			return
		}
	}
}

// readMessage reads the next text or binary message, answering control
// frames along the way.
func readMessage(raw net.Conn) ([]byte, error) {
	for {
		data, op, err := wsutil.ReadClientData(raw)
		if err != nil {
			return nil, err
		}
		if op == ws.OpText || op == ws.OpBinary {
			return data, nil
		}
	}
}

// ── One-shot RPC ────────────────────────────────────

// handleRPC serves a single request frame over HTTP POST. The token
// comes from the Authorization header or the frame itself.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	jsonCodec := &JSONCodec{}
	frame, err := jsonCodec.Decode(body)
	if err != nil {
		writeFrame(w, NewErrorFrame("", ErrCodeBadRequest, "malformed frame"))
		return
	}

	token := frame.Token
	if auth := r.Header.Get("Authorization"); auth != "" {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeFrame(w, NewErrorFrame(frame.ID, ErrCodeUnauthorized, "authentication failed"))
		return
	}

	conn := &Connection{ConnID: "rpc", Identity: identity, ConnectedAt: time.Now().UTC()}
	if scope := RequiredScope(frame.Method); scope != "" && !identity.HasScope(scope) {
		writeFrame(w, NewErrorFrame(frame.ID, ErrCodeForbidden, "missing scope: "+scope))
		return
	}
	if frame.Method == MethodSubscribe || frame.Method == MethodUnsubscribe {
		writeFrame(w, NewErrorFrame(frame.ID, ErrCodeBadRequest, "subscriptions require a streaming transport"))
		return
	}

	resp := s.registry.Handle(r.Context(), frame, conn)
	writeFrame(w, resp)
}

func writeFrame(w http.ResponseWriter, frame *Frame) {
	w.Header().Set("Content-Type", "application/json")
	if frame.Type == FrameErr && frame.Error != nil {
		w.WriteHeader(httpStatus(frame.Error.Code))
	}
	json.NewEncoder(w).Encode(frame)
}

// httpStatus maps wire error codes onto HTTP status codes. They share
// numbering for the common cases.
func httpStatus(code int) int {
	switch code {
	case ErrCodeBadRequest, ErrCodeUnauthorized, ErrCodeForbidden, ErrCodeNotFound, ErrCodeConflict:
		return code
	case ErrCodeMethodNotFound:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// ── Server-sent events ──────────────────────────────

// handleSSE streams topic events as SSE. Topics come from the "topics"
// query parameter, comma-separated. Read-only: no requests flow in.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		http.Error(w, "subscriptions not enabled", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil || !identity.HasScope(ScopeSubscribe) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	topics := strings.Split(r.URL.Query().Get("topics"), ",")
	valid := topics[:0]
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if err := stream.ValidateTopic(t); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		valid = append(valid, t)
	}
	if len(valid) == 0 {
		valid = append(valid, stream.TopicFirehose)
	}

	subID := "sse-" + s.conns.NextConnID()
	sub := s.broker.Subscribe(subID, valid...)
	defer s.broker.RemoveSubscriber(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + string(evt.Type) + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ── Discovery ───────────────────────────────────────

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if s.agentCard == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.agentCard())
}
