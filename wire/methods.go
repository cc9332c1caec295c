package wire

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/hivemesh/fabric"
)

// HandlerFunc is a type-erased wire method handler. Typed handlers are
// converted to HandlerFuncs at registration time by closing over JSON
// unmarshal + the typed function.
type HandlerFunc func(ctx context.Context, conn *Connection, frame *Frame) *Frame

// MethodRegistry maps method names to handlers. The node layer
// registers its operations here at construction time; the server
// dispatches every request frame through the registry, so there is no
// central method switch to keep in sync. Safe for concurrent use.
type MethodRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMethodRegistry creates an empty method registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterMethod registers a typed request handler for a method. The
// request payload is JSON-unmarshaled into Req before the handler is
// called; the returned value becomes the response frame's data.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterMethod[Req any](r *MethodRegistry, method string, fn func(ctx context.Context, conn *Connection, req Req) (any, error)) {
	handler := func(ctx context.Context, conn *Connection, frame *Frame) *Frame {
		var req Req
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
			}
		}

		result, err := fn(ctx, conn, req)
		if err != nil {
			return NewErrorFrame(frame.ID, errorCode(err), err.Error())
		}
		if result == nil {
			result = map[string]string{"status": "ok"}
		}
		return mustResponseFrame(frame.ID, result)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// RegisterRaw registers a pre-erased handler for a method.
func (r *MethodRegistry) RegisterRaw(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Handle dispatches a request frame to its registered handler.
// Unknown methods yield a method-not-found error frame.
func (r *MethodRegistry) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	r.mu.RLock()
	h, ok := r.handlers[frame.Method]
	r.mu.RUnlock()

	if !ok {
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
	return h(ctx, conn, frame)
}

// Methods returns all registered method names, sorted.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// mustResponseFrame creates a response frame, returning an error frame
// on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errorCode maps well-known fabric errors to wire error codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, fabric.ErrTaskNotFound),
		errors.Is(err, fabric.ErrNodeNotFound),
		errors.Is(err, fabric.ErrServiceNotFound),
		errors.Is(err, fabric.ErrMemberNotFound),
		errors.Is(err, fabric.ErrScheduleNotFound),
		errors.Is(err, fabric.ErrHistoryNotFound):
		return ErrCodeNotFound
	case errors.Is(err, fabric.ErrInvalidState),
		errors.Is(err, fabric.ErrQueueClosed),
		errors.Is(err, fabric.ErrDuplicateSchedule),
		errors.Is(err, fabric.ErrServiceExists),
		errors.Is(err, fabric.ErrNotCoordinator):
		return ErrCodeConflict
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized
	default:
		return ErrCodeInternal
	}
}
