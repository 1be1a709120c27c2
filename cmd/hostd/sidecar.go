package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidecarhost/hostd/internal/hostconfig"
	"github.com/sidecarhost/hostd/internal/launchrecipe"
	"github.com/sidecarhost/hostd/internal/procinspect"
	"github.com/sidecarhost/hostd/internal/project"
	"github.com/sidecarhost/hostd/internal/sidecar"
	"github.com/sidecarhost/hostd/internal/sidecarproto"
)

func sidecarCmd() *cobra.Command {
	var flagKind string

	cmd := &cobra.Command{
		Use:   "sidecar",
		Short: "Inspect or manage one sidecar (embedding or cot)",
	}
	cmd.PersistentFlags().StringVar(&flagKind, "kind", "", "Sidecar kind: embedding or cot")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether the sidecar's PID file points at a live process and whether its socket answers a health probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sidecarStatus(flagProject, flagKind)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Launch the sidecar detached from this CLI invocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sidecarStart(flagProject, flagKind)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the sidecar and mark it user-stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sidecarStop(flagProject, flagKind)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "Stop then start the sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sidecarStop(flagProject, flagKind); err != nil {
				return err
			}
			return sidecarStart(flagProject, flagKind)
		},
	})

	return cmd
}

func parseCLIKind(raw string) (project.Kind, error) {
	switch raw {
	case "embedding":
		return project.Embedding, nil
	case "cot", "minicot":
		return project.CoT, nil
	default:
		return project.Embedding, fmt.Errorf("unknown sidecar kind %q (want embedding or cot)", raw)
	}
}

// readSidecarPIDFile reads the "<pid>:<unix-ms>" file a managed start
// writes, mirroring internal/sidecar's own format so a standalone CLI
// invocation can inspect state left behind by a separate host process.
func readSidecarPIDFile(path string) (pid int, ok bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
	if len(parts) == 0 {
		return 0, false
	}
	pid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return pid, true
}

func sidecarStatus(projectPath, kindFlag string) error {
	identity, err := project.New(projectPath)
	if err != nil {
		return err
	}
	kind, err := parseCLIKind(kindFlag)
	if err != nil {
		return err
	}

	inspect := procinspect.New()
	pid, havePID := readSidecarPIDFile(identity.PIDPath(kind))
	alive := havePID && inspect.IsAlive(pid)

	if _, err := os.Stat(identity.StoppedFlagPath(kind)); err == nil {
		fmt.Printf("%s: stopped by user\n", kind.String())
		return nil
	}
	if !alive {
		fmt.Printf("%s: not running\n", kind.String())
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := sidecarproto.RoundTrip(ctx, identity.SocketPath(kind), 5*time.Second, sidecarproto.HealthRequest())
	if err != nil {
		fmt.Printf("%s: running (PID %d), socket unresponsive: %v\n", kind.String(), pid, err)
		return nil
	}
	fmt.Printf("%s: running (PID %d), healthy: %v\n", kind.String(), pid, resp)
	return nil
}

func sidecarStart(projectPath, kindFlag string) error {
	identity, err := project.New(projectPath)
	if err != nil {
		return err
	}
	kind, err := parseCLIKind(kindFlag)
	if err != nil {
		return err
	}

	_ = os.Remove(identity.StoppedFlagPath(kind))

	supervisorCfg := hostconfig.LoadEmbeddingSupervisorConfig("")
	if kind == project.CoT {
		supervisorCfg = hostconfig.LoadCoTSupervisorConfig("")
	}

	inspect := procinspect.New()
	cfg := sidecar.Config{
		Kind:       kind,
		Supervisor: supervisorCfg,
		ResolveRecipe: func() (sidecar.LaunchRecipe, error) {
			var r launchrecipe.Recipe
			var err error
			if kind == project.Embedding {
				r, err = launchrecipe.ResolveEmbedding(identity)
			} else {
				r, err = launchrecipe.ResolveCoT(identity)
			}
			if err != nil {
				return sidecar.LaunchRecipe{}, err
			}
			return sidecar.LaunchRecipe{Path: r.Path, Args: r.Args, Env: r.Env}, nil
		},
	}
	sup := sidecar.New(identity, inspect, cfg, newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Initialize(ctx); err != nil {
		return fmt.Errorf("start %s sidecar: %w", kind.String(), err)
	}

	status := sup.GetStatus()
	fmt.Printf("%s: started (PID %d)\n", kind.String(), status.PID)
	return nil
}

func sidecarStop(projectPath, kindFlag string) error {
	identity, err := project.New(projectPath)
	if err != nil {
		return err
	}
	kind, err := parseCLIKind(kindFlag)
	if err != nil {
		return err
	}

	inspect := procinspect.New()
	if pid, ok := readSidecarPIDFile(identity.PIDPath(kind)); ok && inspect.IsAlive(pid) {
		if inspect.OwnsSocket(pid, identity.SocketPath(kind)) {
			_ = syscall.Kill(pid, syscall.SIGTERM)
			time.Sleep(500 * time.Millisecond)
			if inspect.IsAlive(pid) {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
		}
	}

	_ = os.Remove(identity.SocketPath(kind))
	_ = os.Remove(identity.PIDPath(kind))
	if err := os.WriteFile(identity.StoppedFlagPath(kind), []byte{}, 0o600); err != nil {
		return fmt.Errorf("write stopped flag: %w", err)
	}

	fmt.Printf("%s: stopped\n", kind.String())
	return nil
}
