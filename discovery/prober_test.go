package discovery

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hivemesh/fabric"
)

func cardServer(t *testing.T, card AgentCard) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WellKnownPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(card)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestProberProbe(t *testing.T) {
	want := sampleCard()
	srv := cardServer(t, want)

	p := NewProber(NewRegistry(""), WithProberLogger(testLogger()))
	got, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Name != want.Name || got.Version != want.Version {
		t.Errorf("card = %s/%s, want %s/%s", got.Name, got.Version, want.Name, want.Version)
	}
}

func TestProberProbeRejectsInvalidCard(t *testing.T) {
	bad := sampleCard()
	bad.Name = ""
	srv := cardServer(t, bad)

	p := NewProber(NewRegistry(""), WithProberLogger(testLogger()))
	if _, err := p.Probe(context.Background(), srv.URL); err == nil {
		t.Error("Probe accepted a card with no name")
	}
}

func TestProberSweep(t *testing.T) {
	cardA := sampleCard()
	srvA := cardServer(t, cardA)
	cardB := sampleCard()
	cardB.Name = "other"
	srvB := cardServer(t, cardB)

	reg := NewRegistry("")
	p := NewProber(reg, WithProberLogger(testLogger()))

	// One dead endpoint in the sweep must not abort the census.
	urls := []string{srvA.URL, "http://127.0.0.1:1", srvB.URL}
	fresh := p.Sweep(context.Background(), urls)

	if len(fresh) != 2 {
		t.Fatalf("len(fresh) = %d, want 2", len(fresh))
	}
	if reg.Count() != 2 {
		t.Errorf("registry Count = %d, want 2", reg.Count())
	}

	// A second sweep finds nothing new.
	if fresh := p.Sweep(context.Background(), urls); len(fresh) != 0 {
		t.Errorf("second sweep returned %d fresh cards, want 0", len(fresh))
	}
}

func TestBuildTopology(t *testing.T) {
	roster := []*fabric.NodeInfo{
		{Role: fabric.RoleCoordinator, Addr: "10.0.0.1:7946", Status: fabric.NodeReady},
		{Role: fabric.RoleWorker, Addr: "10.0.0.2:7946", Status: fabric.NodeReady},
		{Role: fabric.RoleWorker, Addr: "10.0.0.3:7946", Status: fabric.NodeBusy},
	}

	topo := BuildTopology(roster)
	if len(topo.Coordinators) != 1 {
		t.Errorf("len(Coordinators) = %d, want 1", len(topo.Coordinators))
	}
	if len(topo.Workers) != 2 {
		t.Errorf("len(Workers) = %d, want 2", len(topo.Workers))
	}
	if len(topo.Edges) != 2 {
		t.Fatalf("len(Edges) = %d, want 2", len(topo.Edges))
	}
	for _, e := range topo.Edges {
		if e.To != topo.Coordinators[0].NodeID {
			t.Errorf("edge %v does not point at the coordinator", e)
		}
	}
	if topo.BuiltAt.IsZero() {
		t.Error("BuiltAt not stamped")
	}
}

func TestRefreshPrunes(t *testing.T) {
	reg := NewRegistry("")
	reg.Upsert(cardAt("http://stale"))
	reg.mu.Lock()
	reg.entries["http://stale"].LastSeen = time.Now().UTC().Add(-10 * time.Minute)
	reg.mu.Unlock()

	Refresh(reg, nil, 5*time.Minute)
	if got := reg.Count(); got != 0 {
		t.Errorf("Count after Refresh = %d, want 0", got)
	}
}
