package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/stream"
	"github.com/hivemesh/fabric/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()

	reg := NewMethodRegistry()
	RegisterMethod(reg, MethodTaskGet, func(_ context.Context, _ *Connection, req TaskGetRequest) (any, error) {
		if req.TaskID == "task_missing" {
			return nil, fabric.ErrTaskNotFound
		}
		return TaskSubmitResponse{TaskID: req.TaskID, Status: "running"}, nil
	})
	RegisterMethod(reg, MethodHeartbeat, func(_ context.Context, conn *Connection, req HeartbeatRequest) (any, error) {
		return HeartbeatResponse{Status: "ok", NodeID: req.NodeID}, nil
	})

	opts = append([]ServerOption{WithServerLogger(discardLogger())}, opts...)
	srv := NewServer(reg, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
	})
	return srv, ts
}

func postFrame(t *testing.T, url string, frame *Frame) *Frame {
	t.Helper()
	body, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	resp, err := http.Post(url+"/fabric/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var out Frame
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func TestServerRPC(t *testing.T) {
	_, ts := newTestServer(t)

	frame, _ := NewRequestFrame("f-1", MethodTaskGet, TaskGetRequest{TaskID: "task_abc"})
	resp := postFrame(t, ts.URL, frame)

	if resp.Type != FrameResponse {
		t.Fatalf("Type = %q, want %q (error: %+v)", resp.Type, FrameResponse, resp.Error)
	}
	var out TaskSubmitResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.TaskID != "task_abc" || out.Status != "running" {
		t.Errorf("got %+v", out)
	}
}

func TestServerRPCNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	frame, _ := NewRequestFrame("f-2", MethodTaskGet, TaskGetRequest{TaskID: "task_missing"})
	resp := postFrame(t, ts.URL, frame)

	if resp.Type != FrameErr {
		t.Fatalf("Type = %q, want %q", resp.Type, FrameErr)
	}
	if resp.Error.Code != ErrCodeNotFound {
		t.Errorf("Code = %d, want %d", resp.Error.Code, ErrCodeNotFound)
	}
}

func TestServerRPCScopeEnforcement(t *testing.T) {
	auth := NewAPIKeyAuthenticator(APIKeyEntry{
		Token:    "read-only",
		Identity: Identity{Subject: "viewer", Scopes: []string{ScopeTaskRead}},
	})
	_, ts := newTestServer(t, WithAuth(auth))

	// task.get is within scope.
	frame, _ := NewRequestFrame("f-3", MethodTaskGet, TaskGetRequest{TaskID: "task_abc"})
	frame.Token = "read-only"
	if resp := postFrame(t, ts.URL, frame); resp.Type != FrameResponse {
		t.Errorf("task.get: Type = %q, want response", resp.Type)
	}

	// node.heartbeat needs the peer scope.
	frame, _ = NewRequestFrame("f-4", MethodHeartbeat, HeartbeatRequest{NodeID: "node_x"})
	frame.Token = "read-only"
	resp := postFrame(t, ts.URL, frame)
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeForbidden {
		t.Errorf("heartbeat: got %+v, want forbidden error", resp)
	}

	// Bad token fails outright.
	frame, _ = NewRequestFrame("f-5", MethodTaskGet, TaskGetRequest{TaskID: "task_abc"})
	frame.Token = "wrong"
	resp = postFrame(t, ts.URL, frame)
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeUnauthorized {
		t.Errorf("bad token: got %+v, want unauthorized error", resp)
	}
}

func TestServerAgentCard(t *testing.T) {
	card := map[string]any{"name": "fabric-node", "version": "1.0"}
	_, ts := newTestServer(t, WithAgentCard(func() any { return card }))

	resp, err := http.Get(ts.URL + "/.well-known/agent.json")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["name"] != "fabric-node" {
		t.Errorf("name = %v, want fabric-node", got["name"])
	}
}

func TestServerAgentCardMissing(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/.well-known/agent.json")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/fabric/ws"
}

func TestServerWebSocketCall(t *testing.T) {
	localID := id.NewNodeID()
	_, ts := newTestServer(t, WithHelloInfo(func() HelloResponse {
		return HelloResponse{NodeID: localID.String(), Role: "coordinator"}
	}))

	client := NewClient(wsURL(ts), HelloRequest{}, WithClientLogger(discardLogger()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if got := client.Remote().NodeID; got != localID.String() {
		t.Errorf("Remote().NodeID = %q, want %q", got, localID.String())
	}

	data, err := client.Call(ctx, MethodTaskGet, TaskGetRequest{TaskID: "task_ws"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var out TaskSubmitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.TaskID != "task_ws" {
		t.Errorf("TaskID = %q, want %q", out.TaskID, "task_ws")
	}

	// Errors come back as CallError.
	if _, err := client.Call(ctx, MethodTaskGet, TaskGetRequest{TaskID: "task_missing"}); err == nil {
		t.Error("Call for missing task: want error")
	}
}

func TestServerWebSocketAuthRejected(t *testing.T) {
	auth := NewAPIKeyAuthenticator(APIKeyEntry{
		Token:    "valid",
		Identity: Identity{Subject: "node", Scopes: []string{"*"}},
	})
	_, ts := newTestServer(t, WithAuth(auth))

	client := NewClient(wsURL(ts), HelloRequest{Token: "invalid"}, WithClientLogger(discardLogger()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Connect(ctx)
	if err == nil {
		client.Close()
		t.Fatal("Connect with bad token should fail")
	}
}

func TestServerWebSocketEvents(t *testing.T) {
	broker := stream.NewBroker(discardLogger())
	_, ts := newTestServer(t, WithBroker(broker))

	events := make(chan *Frame, 8)
	client := NewClient(wsURL(ts), HelloRequest{},
		WithClientLogger(discardLogger()),
		OnEvent(func(f *Frame) { events <- f }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if err := client.Subscribe(ctx, stream.TopicTasks, 100); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	tsk := &task.Task{ID: id.NewTaskID(), Type: "render"}
	if err := broker.OnTaskSubmitted(ctx, tsk); err != nil {
		t.Fatalf("OnTaskSubmitted: %v", err)
	}

	select {
	case frame := <-events:
		var evt stream.Event
		if err := json.Unmarshal(frame.Data, &evt); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if evt.Type != stream.EventTaskSubmitted {
			t.Errorf("event type = %q, want %q", evt.Type, stream.EventTaskSubmitted)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event frame")
	}
}

func TestServerSSE(t *testing.T) {
	broker := stream.NewBroker(discardLogger())
	_, ts := newTestServer(t, WithBroker(broker))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/fabric/events?topics=tasks", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// Give the handler a moment to register its subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for broker.Stats().SubscriberCount == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	tsk := &task.Task{ID: id.NewTaskID(), Type: "render"}
	if err := broker.OnTaskSubmitted(ctx, tsk); err != nil {
		t.Fatalf("OnTaskSubmitted: %v", err)
	}

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read SSE stream: %v", err)
	}
	body := string(buf[:n])
	if !strings.Contains(body, "event: "+string(stream.EventTaskSubmitted)) {
		t.Errorf("SSE payload missing event line: %q", body)
	}
}
