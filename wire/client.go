package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/hivemesh/fabric/backoff"
)

// DefaultCallTimeout bounds how long Call waits for a response when
// the caller's context has no earlier deadline.
const DefaultCallTimeout = 10 * time.Second

// CallError is the error returned when the remote answers with an
// error frame.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("wire: remote error %d: %s", e.Code, e.Message)
}

// Client is a wire protocol client over WebSocket. Nodes use it for
// peer links; the SDK uses it for client connections. In-flight calls
// are correlated to responses through a pending map keyed by frame ID.
type Client struct {
	url   string
	hello HelloRequest

	codec       Codec
	binary      bool
	logger      *slog.Logger
	reconnect   backoff.Strategy
	callTimeout time.Duration

	onEvent      func(*Frame)
	onConnect    func(HelloResponse)
	onDisconnect func(error)

	mu     sync.Mutex
	conn   net.Conn
	remote HelloResponse

	writeMu   sync.Mutex
	pending   sync.Map // frame ID → chan *Frame
	connected atomic.Bool
	closed    atomic.Bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithClientCodec requests a wire format ("json" or "msgpack").
func WithClientCodec(name string) ClientOption {
	return func(c *Client) { c.hello.Format = name }
}

// WithCallTimeout sets the default per-call timeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithReconnect enables automatic reconnection with the given backoff
// strategy. Without it, a dropped connection stays dropped.
func WithReconnect(strategy backoff.Strategy) ClientOption {
	return func(c *Client) { c.reconnect = strategy }
}

// OnEvent sets the handler for event frames pushed by the remote.
func OnEvent(fn func(*Frame)) ClientOption {
	return func(c *Client) { c.onEvent = fn }
}

// OnConnect sets the handler invoked after each successful handshake,
// including reconnects.
func OnConnect(fn func(HelloResponse)) ClientOption {
	return func(c *Client) { c.onConnect = fn }
}

// OnDisconnect sets the handler invoked when the connection drops.
func OnDisconnect(fn func(error)) ClientOption {
	return func(c *Client) { c.onDisconnect = fn }
}

// NewClient creates a client for the given WebSocket URL. The hello
// request identifies the caller; zero-value is fine for plain clients.
func NewClient(url string, hello HelloRequest, opts ...ClientOption) *Client {
	c := &Client{
		url:         url,
		hello:       hello,
		codec:       &JSONCodec{},
		logger:      slog.Default(),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the remote and completes the hello handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", c.url, err)
	}

	remote, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.remote = remote
	c.mu.Unlock()
	c.codec = GetCodec(remote.Format)
	c.binary = c.codec.Name() == CodecNameMsgpack
	c.connected.Store(true)

	go c.readLoop(conn)

	c.logger.Info("wire connected",
		slog.String("url", c.url),
		slog.String("remote_node", remote.NodeID),
		slog.String("codec", c.codec.Name()))
	if c.onConnect != nil {
		c.onConnect(remote)
	}
	return nil
}

// handshake sends the hello frame and waits for the response. Both
// sides speak JSON until the format is negotiated.
func (c *Client) handshake(conn net.Conn) (HelloResponse, error) {
	frame, err := NewRequestFrame(GenerateFrameID(), MethodHello, c.hello)
	if err != nil {
		return HelloResponse{}, err
	}
	frame.Token = c.hello.Token

	jsonCodec := &JSONCodec{}
	data, err := jsonCodec.Encode(frame)
	if err != nil {
		return HelloResponse{}, err
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return HelloResponse{}, fmt.Errorf("wire: send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	raw, err := readServerMessage(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return HelloResponse{}, fmt.Errorf("wire: read hello response: %w", err)
	}

	resp, err := jsonCodec.Decode(raw)
	if err != nil {
		return HelloResponse{}, fmt.Errorf("wire: decode hello response: %w", err)
	}
	if resp.Type == FrameErr && resp.Error != nil {
		return HelloResponse{}, &CallError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var hello HelloResponse
	if err := json.Unmarshal(resp.Data, &hello); err != nil {
		return HelloResponse{}, fmt.Errorf("wire: decode hello payload: %w", err)
	}
	return hello, nil
}

// Connected reports whether the connection is live.
func (c *Client) Connected() bool { return c.connected.Load() }

// Remote returns the remote node's hello identity.
func (c *Client) Remote() HelloResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Call sends a request and waits for the correlated response.
func (c *Client) Call(ctx context.Context, method string, data any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("wire: %s: not connected", method)
	}

	frame, err := NewRequestFrame(GenerateFrameID(), method, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Frame, 1)
	c.pending.Store(frame.ID, ch)
	defer c.pending.Delete(frame.ID)

	if err := c.send(frame); err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wire: %s: %w", method, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("wire: %s: connection lost", method)
		}
		if resp.Type == FrameErr && resp.Error != nil {
			return nil, &CallError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Data, nil
	}
}

// Subscribe subscribes to a topic channel. Events arrive through the
// OnEvent handler.
func (c *Client) Subscribe(ctx context.Context, channel string, credits int) error {
	_, err := c.Call(ctx, MethodSubscribe, SubscribeRequest{Channel: channel, Credits: credits})
	return err
}

// Unsubscribe removes a topic subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	_, err := c.Call(ctx, MethodUnsubscribe, UnsubscribeRequest{Channel: channel})
	return err
}

// Ping sends a ping frame. Fire and forget; liveness shows up as a
// read error if the remote is gone.
func (c *Client) Ping() error {
	return c.send(&Frame{ID: GenerateFrameID(), Type: FramePing, Timestamp: time.Now().UTC()})
}

// Close shuts the client down. No reconnection is attempted after.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.connected.Store(false)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.failPending()
	return nil
}

func (c *Client) send(frame *Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wire: not connected")
	}

	data, err := c.codec.Encode(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.binary {
		return wsutil.WriteClientBinary(conn, data)
	}
	return wsutil.WriteClientText(conn, data)
}

// readLoop routes inbound frames: responses to their pending calls,
// events to the event handler. Exits on read error and hands off to
// the reconnect path.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, err := readServerMessage(conn)
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		frame, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case FrameResponse, FrameErr:
			// LoadAndDelete makes delivery exclusive with failPending,
			// so a frame is never sent into a closed channel.
			if ch, ok := c.pending.LoadAndDelete(frame.CorrelID); ok {
				ch.(chan *Frame) <- frame
			}
		case FrameEvent:
			if c.onEvent != nil {
				c.onEvent(frame)
			}
		case FramePing:
			c.send(&Frame{ID: GenerateFrameID(), Type: FramePong, CorrelID: frame.ID, Timestamp: time.Now().UTC()})
		case FramePong:
			// Liveness confirmed; nothing to route.
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	c.failPending()

	if c.closed.Load() {
		return
	}
	c.logger.Warn("wire disconnected", slog.String("url", c.url), slog.String("error", err.Error()))
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
	if c.reconnect != nil {
		go c.reconnectLoop()
	}
}

// failPending closes all in-flight call channels so callers unblock
// with a connection-lost error.
func (c *Client) failPending() {
	c.pending.Range(func(key, _ any) bool {
		if v, ok := c.pending.LoadAndDelete(key); ok {
			close(v.(chan *Frame))
		}
		return true
	})
}

func (c *Client) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		if c.closed.Load() {
			return
		}
		time.Sleep(c.reconnect.Delay(attempt))
		if c.closed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Debug("reconnect attempt failed",
			slog.String("url", c.url),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
}

// readServerMessage reads the next data message from a server,
// answering control frames along the way.
func readServerMessage(conn net.Conn) ([]byte, error) {
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return nil, err
		}
		if op == ws.OpText || op == ws.OpBinary {
			return data, nil
		}
	}
}
