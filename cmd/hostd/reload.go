package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidecarhost/hostd/internal/project"
	"github.com/sidecarhost/hostd/internal/registry"
)

func reloadCmd() *cobra.Command {
	var flagReason string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Broadcast a reload signal to this project's registered host instances",
		Long: `reload signals every live peer host process registered for this
project (SIGUSR1), telling each to cold-restart its sidecars in place
without tearing down the host itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return reloadPeers(flagProject, flagReason)
		},
	}
	cmd.Flags().StringVar(&flagReason, "reason", "hostd reload", "Reason recorded in the reload broadcast log")

	return cmd
}

func reloadPeers(projectPath, reason string) error {
	identity, err := project.New(projectPath)
	if err != nil {
		return err
	}

	instances := registry.New(identity.VarDir()+"/instances.json", 0, identity.ProjectKey())
	broadcaster := registry.NewBroadcaster(instances, nil, newLogger())

	result, err := broadcaster.BroadcastReload(reason, registry.BroadcastOptions{SameProjectOnly: true})
	if err != nil {
		return fmt.Errorf("broadcast reload: %w", err)
	}

	fmt.Printf("signaled %d peer(s), %d failed, %d skipped\n", result.Signaled, result.Failed, result.Skipped)
	return nil
}
