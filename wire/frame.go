// Package wire implements the fabric wire protocol, a message-based
// protocol for node↔node and client↔node communication. It is
// transported over WebSocket (primary), SSE (read-only fallback), and
// HTTP (one-shot RPC).
package wire

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the wire protocol envelope. Every message exchanged over
// the protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "task.submit").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries auth credentials (typically only on the hello frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel identifies the subscription channel for event/subscribe frames.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes flow-control credits (backpressure).
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details string `json:"details,omitempty" msgpack:"details,omitempty"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Handshake. The first frame on every connection.
	MethodHello = "hello"

	// Task methods.
	MethodTaskSubmit   = "task.submit"
	MethodTaskGet      = "task.get"
	MethodTaskNext     = "task.next"
	MethodTaskAssign   = "task.assign"
	MethodTaskComplete = "task.complete"
	MethodTaskFail     = "task.fail"
	MethodTaskProgress = "task.progress"

	// Node methods (node-to-node).
	MethodNodeInfo  = "node.info"
	MethodHeartbeat = "node.heartbeat"
	MethodPeerList  = "node.peers"
	MethodLeave     = "node.leave"

	// Discovery methods.
	MethodDiscoveryList     = "discovery.list"
	MethodDiscoveryRegister = "discovery.register"
	MethodTopology          = "topology.get"

	// Service cluster methods.
	MethodServiceList     = "service.list"
	MethodServiceRegister = "service.register"
	MethodServiceInvite   = "service.invite"
	MethodServiceReport   = "service.report"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// Admin methods.
	MethodStats = "stats"
)

// Event channels used for server-initiated pushes on node connections,
// distinct from the subscription topics the stream broker serves.
const (
	ChannelAssign   = "assign"
	ChannelPeerList = "peers"
	ChannelShutdown = "shutdown"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeForbidden      = 403
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeInternal       = 500
)

// ── Handshake payloads ──────────────────────────────

// HelloRequest is the first frame sent on every connection. It
// identifies the dialing node and negotiates the wire format.
type HelloRequest struct {
	// NodeID is the dialer's node ID. Empty for plain clients.
	NodeID string `json:"node_id,omitempty"`

	// Addr is the dialer's own listen address, so the receiving node
	// can dial back.
	Addr string `json:"addr,omitempty"`

	// Role is the dialer's current role ("coordinator" or "worker").
	Role string `json:"role,omitempty"`

	// Capabilities lists the task types the dialer can execute.
	Capabilities []string `json:"capabilities,omitempty"`

	// Token carries auth credentials.
	Token string `json:"token,omitempty"`

	// Format selects the wire codec: "json" (default) or "msgpack".
	Format string `json:"format,omitempty"`
}

// HelloResponse is returned after a successful handshake. It carries
// the answering node's identity so the dialer learns who it reached.
type HelloResponse struct {
	NodeID    string `json:"node_id"`
	Role      string `json:"role"`
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
}

// ── Task payloads ───────────────────────────────────

// TaskSubmitRequest submits a new task to the receiving node's queue.
type TaskSubmitRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
}

// TaskSubmitResponse confirms task creation.
type TaskSubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskGetRequest retrieves a task by ID.
type TaskGetRequest struct {
	TaskID string `json:"task_id"`
}

// TaskNextRequest asks a coordinator for the next available task the
// requester is capable of executing.
type TaskNextRequest struct {
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// TaskAssignRequest pushes a task to a worker for execution.
type TaskAssignRequest struct {
	TaskID      string          `json:"task_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
}

// TaskAssignResponse acknowledges (or declines) an assignment.
type TaskAssignResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// TaskCompleteRequest reports a successful task result to its owner.
type TaskCompleteRequest struct {
	TaskID string          `json:"task_id"`
	NodeID string          `json:"node_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskFailRequest reports a failed attempt to the task's owner.
type TaskFailRequest struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

// TaskProgressRequest streams a partial result to the task's owner.
type TaskProgressRequest struct {
	TaskID  string          `json:"task_id"`
	NodeID  string          `json:"node_id"`
	Partial json.RawMessage `json:"partial"`
}

// ── Node payloads ───────────────────────────────────

// HeartbeatRequest is a periodic liveness signal between nodes. It
// carries the sender's full self-description; the first heartbeat on a
// connection doubles as peer registration.
type HeartbeatRequest struct {
	NodeID       string   `json:"node_id"`
	Addr         string   `json:"addr,omitempty"`
	Role         string   `json:"role"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities,omitempty"`
	Pending      int      `json:"pending"`
	Running      int      `json:"running"`
	Completed    int      `json:"completed"`
	Failed       int      `json:"failed"`
}

// HeartbeatResponse acknowledges a heartbeat with the answering node's
// current peer roster, so workers keep a full view of the fabric.
type HeartbeatResponse struct {
	Status string          `json:"status"`
	NodeID string          `json:"node_id"`
	Peers  json.RawMessage `json:"peers,omitempty"`
}

// PeerListRequest asks a node for its known-peer roster.
type PeerListRequest struct {
	NodeID string `json:"node_id,omitempty"`
}

// LeaveRequest announces a graceful departure from the mesh.
type LeaveRequest struct {
	NodeID string `json:"node_id"`
}

// ── Service payloads ────────────────────────────────

// ServiceInviteRequest invites a node to join a service cluster.
type ServiceInviteRequest struct {
	ServiceID   string   `json:"service_id"`
	ServiceName string   `json:"service_name"`
	TaskTypes   []string `json:"task_types,omitempty"`
}

// ServiceInviteResponse accepts or declines an invitation.
type ServiceInviteResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ServiceReportRequest reports a member's provisioning state to the
// service manager.
type ServiceReportRequest struct {
	ServiceID string `json:"service_id"`
	NodeID    string `json:"node_id"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
}

// ── Subscription payloads ───────────────────────────

// SubscribeRequest subscribes to a topic channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	Credits int    `json:"credits,omitempty"` // Initial credits (0 = use default)
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// ── Frame constructors ──────────────────────────────

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription channel.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// frameSeq disambiguates frames generated within the same nanosecond.
var frameSeq atomic.Uint64

// GenerateFrameID returns a frame ID unique within the process.
func GenerateFrameID() string {
	return time.Now().UTC().Format("20060102150405.000000000") + "-" + strconv.FormatUint(frameSeq.Add(1), 36)
}
