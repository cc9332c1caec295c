// Package stream provides a real-time event broker for fabric lifecycle
// events. It bridges the hook system to connected clients via
// topic-based pub/sub, backing the node's server-sent event feed.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Task events.
	EventTaskSubmitted  EventType = "task.submitted"
	EventTaskDispatched EventType = "task.dispatched"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"
	EventTaskRetrying   EventType = "task.retrying"
	EventTaskReassigned EventType = "task.reassigned"

	// Node events.
	EventPeerJoined  EventType = "node.joined"
	EventPeerLost    EventType = "node.lost"
	EventRoleChanged EventType = "node.role_changed"

	// Service cluster events.
	EventMemberStateChanged EventType = "service.member_state_changed"

	// Schedule events.
	EventScheduleFired EventType = "schedule.fired"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity-specific channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// TaskEventData is the payload for task lifecycle events.
type TaskEventData struct {
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	NodeID    string `json:"node_id,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

// NodeEventData is the payload for node membership events.
type NodeEventData struct {
	NodeID       string   `json:"node_id"`
	Addr         string   `json:"addr,omitempty"`
	Role         string   `json:"role,omitempty"`
	PreviousRole string   `json:"previous_role,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ServiceEventData is the payload for service cluster events.
type ServiceEventData struct {
	ServiceID string `json:"service_id"`
	NodeID    string `json:"node_id"`
	State     string `json:"state"`
}

// ScheduleEventData is the payload for schedule events.
type ScheduleEventData struct {
	ScheduleName string `json:"schedule_name"`
	TaskID       string `json:"task_id"`
}
