package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/wire"
)

type fakePeers struct {
	mu    sync.Mutex
	peers []*fabric.NodeInfo
}

func (f *fakePeers) List() []*fabric.NodeInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fabric.NodeInfo(nil), f.peers...)
}

func (f *fakePeers) add(p *fabric.NodeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = append(f.peers, p)
}

func (f *fakePeers) age(nodeID id.NodeID, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.peers {
		if p.ID == nodeID {
			p.LastHeartbeat = time.Now().UTC().Add(-by)
		}
	}
}

type fakeInviter struct {
	mu      sync.Mutex
	decline bool
	fail    bool
	invites []wire.ServiceInviteRequest
}

func (f *fakeInviter) Invite(_ context.Context, _ string, req wire.ServiceInviteRequest) (wire.ServiceInviteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, req)
	if f.fail {
		return wire.ServiceInviteResponse{}, errors.New("unreachable")
	}
	if f.decline {
		return wire.ServiceInviteResponse{Accepted: false, Reason: "busy"}, nil
	}
	return wire.ServiceInviteResponse{Accepted: true}, nil
}

func (f *fakeInviter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites)
}

func healthyPeer(caps ...string) *fabric.NodeInfo {
	return &fabric.NodeInfo{
		ID:            id.NewNodeID(),
		Role:          fabric.RoleWorker,
		Status:        fabric.NodeReady,
		Capabilities:  caps,
		LastHeartbeat: time.Now().UTC(),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(peers PeerSource, inviter Inviter) *Manager {
	return NewManager(peers, inviter,
		WithLogger(quietLogger()),
		WithHealthThreshold(time.Minute),
	)
}

func renderDef(min, preferred int) Definition {
	return Definition{
		Name: "render-farm",
		Type: "batch",
		Requirements: Requirements{
			MinNodes:         min,
			PreferredNodes:   preferred,
			NodeCapabilities: []string{"render"},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{"valid", renderDef(1, 0), false},
		{"valid with preferred", renderDef(2, 4), false},
		{"missing name", Definition{Requirements: Requirements{MinNodes: 1}}, true},
		{"zero min nodes", Definition{Name: "x"}, true},
		{"preferred below min", renderDef(3, 2), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate returned nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

// One qualifying peer cannot satisfy minNodes=2: the cluster stays
// provisioning until a second qualifying peer appears.
func TestProvisioningUntilMinNodes(t *testing.T) {
	peers := &fakePeers{}
	peers.add(healthyPeer("render"))
	peers.add(healthyPeer("transcode")) // does not qualify
	inviter := &fakeInviter{}
	m := newTestManager(peers, inviter)

	entry, err := m.Register(context.Background(), renderDef(2, 0))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if entry.Status != StatusProvisioning {
		t.Errorf("Status = %s, want provisioning", entry.Status)
	}
	if len(entry.Members) != 1 {
		t.Errorf("len(Members) = %d, want 1", len(entry.Members))
	}

	second := healthyPeer("render")
	peers.add(second)
	m.manageOnce(context.Background())

	entry, _ = m.Get(entry.Definition.ID)
	if entry.Status != StatusReady {
		t.Errorf("Status after second peer = %s, want ready", entry.Status)
	}
	if len(entry.Members) != 2 {
		t.Errorf("len(Members) = %d, want 2", len(entry.Members))
	}
	if !entry.HasMember(second.ID) {
		t.Error("second peer not in members")
	}
}

func TestDeclinedInviteLeavesNoMember(t *testing.T) {
	peers := &fakePeers{}
	peers.add(healthyPeer("render"))
	inviter := &fakeInviter{decline: true}
	m := newTestManager(peers, inviter)

	entry, err := m.Register(context.Background(), renderDef(1, 0))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(entry.Members) != 0 {
		t.Errorf("len(Members) = %d, want 0 after decline", len(entry.Members))
	}
	if inviter.count() == 0 {
		t.Error("no invite was sent")
	}
}

func TestFailedInviteLeavesNoMember(t *testing.T) {
	peers := &fakePeers{}
	peers.add(healthyPeer("render"))
	m := newTestManager(peers, &fakeInviter{fail: true})

	entry, _ := m.Register(context.Background(), renderDef(1, 0))
	if len(entry.Members) != 0 {
		t.Errorf("len(Members) = %d, want 0 after transport failure", len(entry.Members))
	}
}

// Registration staffs only to MinNodes; the management cycle tops up
// toward PreferredNodes afterward.
func TestPreferredTopUp(t *testing.T) {
	peers := &fakePeers{}
	for i := 0; i < 3; i++ {
		peers.add(healthyPeer("render"))
	}
	m := newTestManager(peers, &fakeInviter{})

	entry, err := m.Register(context.Background(), renderDef(1, 3))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(entry.Members) != 1 {
		t.Fatalf("len(Members) after Register = %d, want 1", len(entry.Members))
	}

	m.manageOnce(context.Background())
	entry, _ = m.Get(entry.Definition.ID)
	if len(entry.Members) != 3 {
		t.Errorf("len(Members) after top-up = %d, want 3", len(entry.Members))
	}
	if entry.Status != StatusReady {
		t.Errorf("Status = %s, want ready", entry.Status)
	}
}

func TestHealthStates(t *testing.T) {
	peers := &fakePeers{}
	a := healthyPeer("render")
	b := healthyPeer("render")
	peers.add(a)
	peers.add(b)
	m := newTestManager(peers, &fakeInviter{})

	entry, _ := m.Register(context.Background(), renderDef(2, 0))
	if entry.Status != StatusReady {
		t.Fatalf("Status = %s, want ready", entry.Status)
	}

	// One member going stale degrades the cluster.
	peers.age(a.ID, 10*time.Minute)
	m.manageOnce(context.Background())
	entry, _ = m.Get(entry.Definition.ID)
	if entry.Status != StatusDegraded {
		t.Errorf("Status with one stale member = %s, want degraded", entry.Status)
	}

	// Both stale: failed, not provisioning, because the members are
	// still on the roster.
	peers.age(b.ID, 10*time.Minute)
	m.manageOnce(context.Background())
	entry, _ = m.Get(entry.Definition.ID)
	if entry.Status != StatusFailed {
		t.Errorf("Status with all members stale = %s, want failed", entry.Status)
	}
}

func TestPeerLostShrinksCluster(t *testing.T) {
	peers := &fakePeers{}
	a := healthyPeer("render")
	b := healthyPeer("render")
	peers.add(a)
	peers.add(b)
	m := newTestManager(peers, &fakeInviter{})

	entry, _ := m.Register(context.Background(), renderDef(2, 0))
	if entry.Status != StatusReady {
		t.Fatalf("Status = %s, want ready", entry.Status)
	}

	m.PeerLost(context.Background(), a.ID)
	entry, _ = m.Get(entry.Definition.ID)
	if len(entry.Members) != 1 {
		t.Errorf("len(Members) = %d, want 1", len(entry.Members))
	}
	if entry.Status != StatusProvisioning {
		t.Errorf("Status below min = %s, want provisioning", entry.Status)
	}
}

func TestLeaveAndReport(t *testing.T) {
	peers := &fakePeers{}
	a := healthyPeer("render")
	peers.add(a)
	m := newTestManager(peers, &fakeInviter{})

	entry, _ := m.Register(context.Background(), renderDef(1, 0))
	serviceID := entry.Definition.ID

	if err := m.Report(context.Background(), serviceID, a.ID, "serving"); err != nil {
		t.Errorf("Report: %v", err)
	}
	if err := m.Report(context.Background(), serviceID, id.NewNodeID(), "serving"); !errors.Is(err, fabric.ErrMemberNotFound) {
		t.Errorf("Report for stranger: err = %v, want ErrMemberNotFound", err)
	}

	if err := m.Leave(context.Background(), serviceID, a.ID); err != nil {
		t.Errorf("Leave: %v", err)
	}
	if err := m.Leave(context.Background(), serviceID, a.ID); !errors.Is(err, fabric.ErrMemberNotFound) {
		t.Errorf("second Leave: err = %v, want ErrMemberNotFound", err)
	}
}

func TestDuplicateServiceName(t *testing.T) {
	m := newTestManager(&fakePeers{}, &fakeInviter{})

	if _, err := m.Register(context.Background(), renderDef(1, 0)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := m.Register(context.Background(), renderDef(1, 0)); !errors.Is(err, fabric.ErrServiceExists) {
		t.Errorf("duplicate Register: err = %v, want ErrServiceExists", err)
	}
}

func TestGetByName(t *testing.T) {
	m := newTestManager(&fakePeers{}, &fakeInviter{})
	m.Register(context.Background(), renderDef(1, 0))

	if _, err := m.GetByName("render-farm"); err != nil {
		t.Errorf("GetByName: %v", err)
	}
	if _, err := m.GetByName("nope"); !errors.Is(err, fabric.ErrServiceNotFound) {
		t.Errorf("GetByName(nope): err = %v, want ErrServiceNotFound", err)
	}
}
