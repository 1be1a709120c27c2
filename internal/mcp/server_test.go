package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/sidecarhost/hostd/internal/health"
	"github.com/sidecarhost/hostd/internal/hostconfig"
	"github.com/sidecarhost/hostd/internal/procinspect"
	"github.com/sidecarhost/hostd/internal/project"
	"github.com/sidecarhost/hostd/internal/registry"
	"github.com/sidecarhost/hostd/internal/sidecar"
	"github.com/sidecarhost/hostd/internal/transport"
)

type fakeHost struct {
	identity  *project.Identity
	embedding *sidecar.Supervisor
	cot       *sidecar.Supervisor
	monitor   *health.Monitor
	instances *registry.Registry
	broadcast *registry.Broadcaster
	transport *transport.ResilientTransport
}

func (f *fakeHost) Identity() *project.Identity                    { return f.identity }
func (f *fakeHost) Sidecar(kind project.Kind) *sidecar.Supervisor {
	if kind == project.Embedding {
		return f.embedding
	}
	return f.cot
}
func (f *fakeHost) Monitor() *health.Monitor                      { return f.monitor }
func (f *fakeHost) Broadcast() *registry.Broadcaster              { return f.broadcast }
func (f *fakeHost) Transport() *transport.ResilientTransport      { return f.transport }

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	identity, err := project.New(t.TempDir())
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}
	inspector := procinspect.New()
	embedding := sidecar.New(identity, inspector, sidecar.Config{
		Kind:          project.Embedding,
		ResolveRecipe: func() (sidecar.LaunchRecipe, error) { return sidecar.LaunchRecipe{}, nil },
		Supervisor:    hostconfig.SupervisorConfig{},
	}, nil)
	cot := sidecar.New(identity, inspector, sidecar.Config{
		Kind:          project.CoT,
		ResolveRecipe: func() (sidecar.LaunchRecipe, error) { return sidecar.LaunchRecipe{}, nil },
		Supervisor:    hostconfig.SupervisorConfig{},
	}, nil)
	monitor := health.New(hostconfig.HealthMonitorConfig{}, nil, nil, nil)
	instances := registry.New(identity.VarDir()+"/instances.json", 1, identity.ProjectKey())
	broadcast := registry.NewBroadcaster(instances, nil, nil)
	tr := transport.New(transport.Config{}, transport.Callbacks{}, nil, nil)

	return &fakeHost{
		identity:  identity,
		embedding: embedding,
		cot:       cot,
		monitor:   monitor,
		instances: instances,
		broadcast: broadcast,
		transport: tr,
	}
}

func TestHandleHostStatusReportsProjectKeyAndTransportState(t *testing.T) {
	host := newFakeHost(t)
	s := &Server{host: host, startedAt: time.Now().Add(-5 * time.Second)}

	_, out, err := s.handleHostStatus(context.Background(), nil, HostStatusInput{})
	if err != nil {
		t.Fatalf("handleHostStatus: %v", err)
	}
	if out.ProjectKey != host.identity.ProjectKey() {
		t.Fatalf("ProjectKey = %q, want %q", out.ProjectKey, host.identity.ProjectKey())
	}
	if out.TransportState != "initializing" {
		t.Fatalf("TransportState = %q, want initializing", out.TransportState)
	}
	if out.UptimeSeconds < 1 {
		t.Fatalf("UptimeSeconds = %d, want >= 1", out.UptimeSeconds)
	}
}

func TestHandleSidecarStatusReportsIdleForFreshSupervisor(t *testing.T) {
	host := newFakeHost(t)
	s := &Server{host: host}

	_, out, err := s.handleSidecarStatus(context.Background(), nil, SidecarStatusInput{Kind: "embedding"})
	if err != nil {
		t.Fatalf("handleSidecarStatus: %v", err)
	}
	if out.State != "idle" {
		t.Fatalf("State = %q, want idle", out.State)
	}
	if out.Kind != "embedding" {
		t.Fatalf("Kind = %q, want embedding", out.Kind)
	}
}

func TestHandleSidecarStatusRejectsUnknownKind(t *testing.T) {
	host := newFakeHost(t)
	s := &Server{host: host}

	if _, _, err := s.handleSidecarStatus(context.Background(), nil, SidecarStatusInput{Kind: "bogus"}); err == nil {
		t.Fatal("expected an error for an unrecognized sidecar kind")
	}
}

func TestHandleReloadDaemonReportsZeroPeersWhenAlone(t *testing.T) {
	host := newFakeHost(t)
	s := &Server{host: host}

	if err := host.instances.Register(nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, out, err := s.handleReloadDaemon(context.Background(), nil, ReloadDaemonInput{Reason: "test"})
	if err != nil {
		t.Fatalf("handleReloadDaemon: %v", err)
	}
	if out.Signaled != 0 {
		t.Fatalf("Signaled = %d, want 0 when no peers are registered", out.Signaled)
	}
}
