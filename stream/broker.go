package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/hook"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

// Compile-time interface checks.
var (
	_ hook.Hook               = (*Broker)(nil)
	_ hook.TaskSubmitted      = (*Broker)(nil)
	_ hook.TaskDispatched     = (*Broker)(nil)
	_ hook.TaskCompleted      = (*Broker)(nil)
	_ hook.TaskFailed         = (*Broker)(nil)
	_ hook.TaskRetrying       = (*Broker)(nil)
	_ hook.TaskReassigned     = (*Broker)(nil)
	_ hook.PeerJoined         = (*Broker)(nil)
	_ hook.PeerLost           = (*Broker)(nil)
	_ hook.RoleChanged        = (*Broker)(nil)
	_ hook.MemberStateChanged = (*Broker)(nil)
	_ hook.ScheduleFired      = (*Broker)(nil)
	_ hook.Shutdown           = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the hook
// interfaces to receive lifecycle events and fans them out to
// subscribers via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements hook.Hook.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., the wire
// server's SSE endpoint).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// publish creates an event and broadcasts it to all matching topics.
func (b *Broker) publish(evt *Event) {
	topics := resolveTopics(evt)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── Task lifecycle hooks ────────────────────────────

func (b *Broker) OnTaskSubmitted(_ context.Context, t *task.Task) error {
	b.publish(&Event{
		Type:      EventTaskSubmitted,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data: mustMarshal(TaskEventData{
			TaskID:   t.ID.String(),
			TaskType: t.Type,
		}),
	})
	return nil
}

func (b *Broker) OnTaskDispatched(_ context.Context, t *task.Task, nodeID id.NodeID) error {
	b.publish(&Event{
		Type:      EventTaskDispatched,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data: mustMarshal(TaskEventData{
			TaskID:   t.ID.String(),
			TaskType: t.Type,
			NodeID:   nodeID.String(),
			Attempt:  t.Attempts + 1,
		}),
	})
	return nil
}

func (b *Broker) OnTaskCompleted(_ context.Context, t *task.Task, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventTaskCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data: mustMarshal(TaskEventData{
			TaskID:    t.ID.String(),
			TaskType:  t.Type,
			NodeID:    t.AssignedNodeID.String(),
			ElapsedMs: elapsed.Milliseconds(),
		}),
	})
	return nil
}

func (b *Broker) OnTaskFailed(_ context.Context, t *task.Task, taskErr error) error {
	b.publish(&Event{
		Type:      EventTaskFailed,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data: mustMarshal(TaskEventData{
			TaskID:   t.ID.String(),
			TaskType: t.Type,
			Error:    taskErr.Error(),
			Attempt:  t.Attempts,
		}),
	})
	return nil
}

func (b *Broker) OnTaskRetrying(_ context.Context, t *task.Task, attempt int) error {
	b.publish(&Event{
		Type:      EventTaskRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data: mustMarshal(TaskEventData{
			TaskID:   t.ID.String(),
			TaskType: t.Type,
			Error:    t.Error,
			Attempt:  attempt,
		}),
	})
	return nil
}

func (b *Broker) OnTaskReassigned(_ context.Context, t *task.Task, lostNode id.NodeID) error {
	b.publish(&Event{
		Type:      EventTaskReassigned,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data: mustMarshal(TaskEventData{
			TaskID:   t.ID.String(),
			TaskType: t.Type,
			NodeID:   lostNode.String(),
		}),
	})
	return nil
}

// ── Membership hooks ────────────────────────────────

func (b *Broker) OnPeerJoined(_ context.Context, peer *fabric.NodeInfo) error {
	b.publish(&Event{
		Type:      EventPeerJoined,
		Timestamp: time.Now().UTC(),
		Topic:     NodeTopic(peer.ID.String()),
		Data: mustMarshal(NodeEventData{
			NodeID:       peer.ID.String(),
			Addr:         peer.Addr,
			Role:         string(peer.Role),
			Capabilities: peer.Capabilities,
		}),
	})
	return nil
}

func (b *Broker) OnPeerLost(_ context.Context, peer *fabric.NodeInfo) error {
	b.publish(&Event{
		Type:      EventPeerLost,
		Timestamp: time.Now().UTC(),
		Topic:     NodeTopic(peer.ID.String()),
		Data: mustMarshal(NodeEventData{
			NodeID: peer.ID.String(),
			Addr:   peer.Addr,
			Role:   string(peer.Role),
		}),
	})
	return nil
}

func (b *Broker) OnRoleChanged(_ context.Context, from, to fabric.Role) error {
	b.publish(&Event{
		Type:      EventRoleChanged,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(NodeEventData{
			Role:         string(to),
			PreviousRole: string(from),
		}),
	})
	return nil
}

// ── Service cluster hooks ───────────────────────────

func (b *Broker) OnMemberStateChanged(_ context.Context, serviceID id.ServiceID, nodeID id.NodeID, state string) error {
	b.publish(&Event{
		Type:      EventMemberStateChanged,
		Timestamp: time.Now().UTC(),
		Topic:     ServiceTopic(serviceID.String()),
		Data: mustMarshal(ServiceEventData{
			ServiceID: serviceID.String(),
			NodeID:    nodeID.String(),
			State:     state,
		}),
	})
	return nil
}

// ── Schedule hooks ──────────────────────────────────

func (b *Broker) OnScheduleFired(_ context.Context, scheduleName string, taskID id.TaskID) error {
	b.publish(&Event{
		Type:      EventScheduleFired,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(ScheduleEventData{
			ScheduleName: scheduleName,
			TaskID:       taskID.String(),
		}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
