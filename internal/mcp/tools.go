package mcp

import (
	"context"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sidecarhost/hostd/internal/project"
	"github.com/sidecarhost/hostd/internal/registry"
)

// HostStatusInput takes no parameters; it is present so the tool has a
// concrete input type for gomcp's schema generation.
type HostStatusInput struct{}

// HostStatusOutput is host_status's result (§4.11).
type HostStatusOutput struct {
	ProjectKey     string `json:"project_key"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	TransportState string `json:"transport_state"`
}

func (s *Server) handleHostStatus(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input HostStatusInput,
) (*gomcp.CallToolResult, HostStatusOutput, error) {
	out := HostStatusOutput{
		ProjectKey:     s.host.Identity().ProjectKey(),
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		TransportState: s.host.Transport().State().String(),
	}
	return nil, out, nil
}

// SidecarStatusInput selects which sidecar to report on.
type SidecarStatusInput struct {
	Kind string `json:"kind"` // "embedding" or "cot"
}

// SidecarStatusOutput mirrors sidecar.Status as a stable wire shape.
type SidecarStatusOutput struct {
	Kind                string    `json:"kind"`
	State               string    `json:"state"`
	PID                 int       `json:"pid,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RestartCount        int       `json:"restart_count"`
	LastRestartAt       time.Time `json:"last_restart_at,omitempty"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	StoppedByUser       bool      `json:"stopped_by_user"`
	QueueDepth          int       `json:"queue_depth,omitempty"`
	QueueDropped        int       `json:"queue_dropped,omitempty"`
}

func (s *Server) handleSidecarStatus(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SidecarStatusInput,
) (*gomcp.CallToolResult, SidecarStatusOutput, error) {
	kind, err := parseKind(input.Kind)
	if err != nil {
		return nil, SidecarStatusOutput{}, err
	}

	status := s.host.Sidecar(kind).GetStatus()
	out := SidecarStatusOutput{
		Kind:                kind.String(),
		State:               status.State.String(),
		PID:                 status.PID,
		ConsecutiveFailures: status.ConsecutiveFailures,
		RestartCount:        status.RestartCount,
		LastRestartAt:       status.LastRestartAt,
		StartedAt:           status.StartedAt,
		StoppedByUser:       status.StoppedByUser,
		QueueDepth:          status.QueueDepth,
		QueueDropped:        status.QueueDropped,
	}
	return nil, out, nil
}

func parseKind(raw string) (project.Kind, error) {
	switch raw {
	case "embedding":
		return project.Embedding, nil
	case "cot", "minicot":
		return project.CoT, nil
	default:
		return project.Embedding, fmt.Errorf("mcp: unknown sidecar kind %q", raw)
	}
}

// ReloadDaemonInput carries the caller's reason for the reload, logged by
// the broadcaster.
type ReloadDaemonInput struct {
	Reason string `json:"reason"`
}

// ReloadDaemonOutput tallies the broadcast outcome.
type ReloadDaemonOutput struct {
	Signaled int `json:"signaled"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

func (s *Server) handleReloadDaemon(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ReloadDaemonInput,
) (*gomcp.CallToolResult, ReloadDaemonOutput, error) {
	result, err := s.host.Broadcast().BroadcastReload(input.Reason, registry.BroadcastOptions{SameProjectOnly: true})
	if err != nil {
		return nil, ReloadDaemonOutput{}, fmt.Errorf("reload_daemon: %w", err)
	}
	return nil, ReloadDaemonOutput{Signaled: result.Signaled, Failed: result.Failed, Skipped: result.Skipped}, nil
}
