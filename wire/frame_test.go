package wire

import (
	"sync"
	"testing"
)

func TestNewRequestFrame(t *testing.T) {
	frame, err := NewRequestFrame("f-1", MethodTaskSubmit, TaskSubmitRequest{
		Type:     "render",
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}

	if frame.ID != "f-1" {
		t.Errorf("ID = %q, want %q", frame.ID, "f-1")
	}
	if frame.Type != FrameRequest {
		t.Errorf("Type = %q, want %q", frame.Type, FrameRequest)
	}
	if frame.Method != MethodTaskSubmit {
		t.Errorf("Method = %q, want %q", frame.Method, MethodTaskSubmit)
	}
	if frame.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestNewResponseFrame(t *testing.T) {
	frame, err := NewResponseFrame("req-9", TaskSubmitResponse{TaskID: "task_x", Status: "pending"})
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}

	if frame.Type != FrameResponse {
		t.Errorf("Type = %q, want %q", frame.Type, FrameResponse)
	}
	if frame.CorrelID != "req-9" {
		t.Errorf("CorrelID = %q, want %q", frame.CorrelID, "req-9")
	}
	if frame.ID == "" {
		t.Error("response frame has no ID")
	}
}

func TestNewErrorFrame(t *testing.T) {
	frame := NewErrorFrame("req-3", ErrCodeNotFound, "no such task")

	if frame.Type != FrameErr {
		t.Errorf("Type = %q, want %q", frame.Type, FrameErr)
	}
	if frame.Error == nil {
		t.Fatal("Error detail missing")
	}
	if frame.Error.Code != ErrCodeNotFound {
		t.Errorf("Code = %d, want %d", frame.Error.Code, ErrCodeNotFound)
	}
	if frame.Error.Message != "no such task" {
		t.Errorf("Message = %q", frame.Error.Message)
	}
}

func TestGenerateFrameIDUnique(t *testing.T) {
	const n = 1000
	var mu sync.Mutex
	seen := make(map[string]bool, n)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/10; j++ {
				id := GenerateFrameID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate frame ID %q", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestCodecRoundTrip(t *testing.T) {
	original, err := NewRequestFrame("f-42", MethodHeartbeat, HeartbeatRequest{
		NodeID:       "node_abc",
		Role:         "worker",
		Status:       "ready",
		Capabilities: []string{"render"},
		Pending:      3,
		Running:      2,
	})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	original.Channel = "nodes"
	original.Credits = 100

	codecs := []Codec{&JSONCodec{}, &MsgpackCodec{}}
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Encode(original)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if decoded.ID != original.ID {
				t.Errorf("ID = %q, want %q", decoded.ID, original.ID)
			}
			if decoded.Method != original.Method {
				t.Errorf("Method = %q, want %q", decoded.Method, original.Method)
			}
			if decoded.Channel != original.Channel {
				t.Errorf("Channel = %q, want %q", decoded.Channel, original.Channel)
			}
			if decoded.Credits != original.Credits {
				t.Errorf("Credits = %d, want %d", decoded.Credits, original.Credits)
			}
		})
	}
}

func TestGetCodec(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"json", CodecNameJSON},
		{"msgpack", CodecNameMsgpack},
		{"", CodecNameJSON},
		{"protobuf", CodecNameJSON},
	}

	for _, tt := range tests {
		if got := GetCodec(tt.name).Name(); got != tt.want {
			t.Errorf("GetCodec(%q).Name() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
