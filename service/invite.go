package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hivemesh/fabric/wire"
)

// RPCInviter delivers invitations over a peer's one-shot HTTP RPC
// endpoint. Every fabric node serves one, so no extra listener is
// needed on the member side.
type RPCInviter struct {
	client *http.Client
	token  string
}

// RPCInviterOption configures an RPCInviter.
type RPCInviterOption func(*RPCInviter)

// WithInviteToken attaches an auth token to outgoing invitations.
func WithInviteToken(token string) RPCInviterOption {
	return func(i *RPCInviter) { i.token = token }
}

// WithInviteClient replaces the HTTP client.
func WithInviteClient(c *http.Client) RPCInviterOption {
	return func(i *RPCInviter) { i.client = c }
}

// NewRPCInviter creates an inviter.
func NewRPCInviter(opts ...RPCInviterOption) *RPCInviter {
	i := &RPCInviter{client: http.DefaultClient}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invite posts a service.invite frame to the peer at addr.
func (i *RPCInviter) Invite(ctx context.Context, addr string, req wire.ServiceInviteRequest) (wire.ServiceInviteResponse, error) {
	var resp wire.ServiceInviteResponse

	frame, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodServiceInvite, req)
	if err != nil {
		return resp, err
	}
	frame.Token = i.token

	body, err := json.Marshal(frame)
	if err != nil {
		return resp, err
	}

	url := "http://" + strings.TrimPrefix(addr, "http://") + "/fabric/rpc"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return resp, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := i.client.Do(httpReq)
	if err != nil {
		return resp, fmt.Errorf("invite %s: %w", addr, err)
	}
	defer httpResp.Body.Close()

	var reply wire.Frame
	if err := json.NewDecoder(httpResp.Body).Decode(&reply); err != nil {
		return resp, fmt.Errorf("invite %s: decode reply: %w", addr, err)
	}
	if reply.Type == wire.FrameErr {
		msg := "invite rejected"
		if reply.Error != nil {
			msg = reply.Error.Message
		}
		return resp, fmt.Errorf("invite %s: %s", addr, msg)
	}
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return resp, fmt.Errorf("invite %s: decode response: %w", addr, err)
	}
	return resp, nil
}
