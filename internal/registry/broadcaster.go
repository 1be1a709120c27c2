package registry

import (
	"log/slog"
	"os"
	"syscall"
)

// BroadcastOptions controls one broadcastReload call. Peers are filtered to
// the caller's own project unless SameProjectOnly is false AND an explicit
// AllowedProjects set is given — the zero value stays same-project-only, the
// hard safety rule from §4.7.
type BroadcastOptions struct {
	SameProjectOnly  bool
	IncludeSelf      bool
	AllowedProjects  map[string]bool // only consulted when SameProjectOnly is false
}

// BroadcastResult tallies the outcome of one broadcast.
type BroadcastResult struct {
	Signaled int
	Failed   int
	Skipped  int
}

// EventFunc receives a named coordination event. Emission failures never
// fail the broadcast itself.
type EventFunc func(event string, detail map[string]any)

// Broadcaster sends the reload signal to peer host instances.
type Broadcaster struct {
	registry *Registry
	onEvent  EventFunc
	log      *slog.Logger
}

// NewBroadcaster builds a Broadcaster over registry.
func NewBroadcaster(registry *Registry, onEvent EventFunc, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{registry: registry, onEvent: onEvent, log: log.With("component", "reload_broadcaster")}
}

func (b *Broadcaster) emit(event string, detail map[string]any) {
	if b.onEvent != nil {
		b.onEvent(event, detail)
	}
}

// BroadcastReload enumerates peers, filters per opts, and signals each live
// peer with ReloadSignal.
func (b *Broadcaster) BroadcastReload(reason string, opts BroadcastOptions) (BroadcastResult, error) {
	b.emit("reload_requested", map[string]any{"reason": reason})

	records, err := b.registry.List()
	if err != nil {
		return BroadcastResult{}, err
	}

	var result BroadcastResult
	b.emit("reload_draining", map[string]any{"candidates": len(records)})

	for _, rec := range records {
		if !opts.IncludeSelf && rec.PID == b.registry.selfPID {
			continue
		}
		if opts.SameProjectOnly || opts.AllowedProjects == nil {
			if rec.ProjectKey != b.registry.selfKey {
				result.Skipped++
				continue
			}
		} else if !opts.AllowedProjects[rec.ProjectKey] {
			result.Skipped++
			continue
		}

		if !processAlive(rec.PID) {
			result.Skipped++
			continue
		}

		proc, err := os.FindProcess(rec.PID)
		if err != nil {
			result.Failed++
			continue
		}
		if err := proc.Signal(ReloadSignal); err != nil {
			result.Failed++
			continue
		}
		result.Signaled++
	}

	b.emit("reload_complete", map[string]any{
		"signaled": result.Signaled,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
	})
	return result, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
