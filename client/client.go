// Package client is the fabric SDK: a typed client for driving a
// remote node over the wire protocol's WebSocket surface.
//
// Usage:
//
//	c, err := client.Dial("ws://coordinator:9000/fabric/ws")
//	defer c.Close()
//
//	// Submit a task and poll it.
//	receipt, err := c.SubmitTask(ctx, "render", payload)
//	t, err := c.Task(ctx, receipt.TaskID)
//
//	// Watch its lifecycle events.
//	ch, err := c.Watch(ctx, receipt.TaskID)
//	for evt := range ch {
//	    fmt.Println(evt.Type)
//	}
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hivemesh/fabric/backoff"
	"github.com/hivemesh/fabric/stream"
	"github.com/hivemesh/fabric/wire"
)

// Client drives a remote fabric node. It holds one WebSocket
// connection; calls are correlated request/response pairs and
// subscription events are fanned out to per-topic channels.
type Client struct {
	token   string
	format  string
	logger  *slog.Logger
	retry   backoff.Strategy
	timeout time.Duration

	wc *wire.Client

	mu     sync.Mutex
	subs   map[string]chan *stream.Event
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the authentication token sent on the handshake.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithFormat requests a wire codec: "json" (default) or "msgpack".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect enables automatic reconnection with the given backoff
// strategy.
func WithReconnect(strategy backoff.Strategy) Option {
	return func(c *Client) { c.retry = strategy }
}

// WithCallTimeout sets the default per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to a node's WebSocket endpoint, e.g.
// "ws://host:port/fabric/ws".
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects with a context governing the handshake.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		format: wire.CodecNameJSON,
		logger: slog.Default(),
		subs:   make(map[string]chan *stream.Event),
	}
	for _, opt := range opts {
		opt(c)
	}

	wireOpts := []wire.ClientOption{
		wire.WithClientLogger(c.logger),
		wire.OnEvent(c.routeEvent),
	}
	if c.retry != nil {
		wireOpts = append(wireOpts, wire.WithReconnect(c.retry))
	}
	if c.timeout > 0 {
		wireOpts = append(wireOpts, wire.WithCallTimeout(c.timeout))
	}

	c.wc = wire.NewClient(url, wire.HelloRequest{
		Token:  c.token,
		Format: c.format,
	}, wireOpts...)

	if err := c.wc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	return c, nil
}

// Remote returns the identity of the node the client reached.
func (c *Client) Remote() wire.HelloResponse { return c.wc.Remote() }

// Connected reports whether the connection is live.
func (c *Client) Connected() bool { return c.wc.Connected() }

// Close tears down the connection and closes all subscription
// channels.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for topic, ch := range c.subs {
		close(ch)
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	return c.wc.Close()
}

// call performs a typed request/response exchange, decoding the
// response payload into out when out is non-nil.
func (c *Client) call(ctx context.Context, method string, req, out any) error {
	raw, err := c.wc.Call(ctx, method, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", method, err)
	}
	return nil
}

// Subscribe subscribes to a topic and returns its event channel. The
// channel closes on Unsubscribe or Close. Topics follow the stream
// conventions: "task:<id>", "tasks", "nodes", "services", "firehose".
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan *stream.Event, error) {
	if err := c.wc.Subscribe(ctx, topic, 0); err != nil {
		return nil, fmt.Errorf("client: subscribe %q: %w", topic, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subs[topic]; ok {
		return ch, nil
	}
	ch := make(chan *stream.Event, 64)
	c.subs[topic] = ch
	return ch, nil
}

// Unsubscribe drops a topic subscription and closes its channel.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	err := c.wc.Unsubscribe(ctx, topic)

	c.mu.Lock()
	if ch, ok := c.subs[topic]; ok {
		close(ch)
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	return err
}

// Watch subscribes to the lifecycle events of one task.
func (c *Client) Watch(ctx context.Context, taskID string) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, stream.TaskTopic(taskID))
}

// routeEvent delivers a pushed event frame to every matching
// subscription channel. Slow subscribers drop events rather than
// stalling the read loop.
func (c *Client) routeEvent(frame *wire.Frame) {
	if frame.Channel == "" {
		return
	}
	var evt stream.Event
	if err := json.Unmarshal(frame.Data, &evt); err != nil {
		c.logger.Warn("client: malformed event", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, ch := range c.subs {
		if !topicMatches(topic, frame.Channel) {
			continue
		}
		select {
		case ch <- &evt:
		default:
		}
	}
}

// topicMatches reports whether an event on eventTopic belongs to a
// subscription. Aggregate topics cover their per-entity topics; the
// firehose covers everything.
func topicMatches(subscribed, eventTopic string) bool {
	if subscribed == eventTopic || subscribed == stream.TopicFirehose {
		return true
	}
	switch subscribed {
	case stream.TopicTasks:
		return strings.HasPrefix(eventTopic, "task:")
	case stream.TopicNodes:
		return strings.HasPrefix(eventTopic, "node:")
	case stream.TopicServices:
		return strings.HasPrefix(eventTopic, "service:")
	}
	return false
}
