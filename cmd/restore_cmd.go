package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arklane/arkbackup/internal/restore"
)

var (
	restoreSubvolume string
	restoreTimestamp string
	restoreTarget    string
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a subvolume's archive chain into a target directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if restoreSubvolume == "" || restoreTarget == "" {
			return fmt.Errorf("--subvolume and --target are required")
		}

		agent, err := buildAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer agent.Close()

		sel := restore.Selector{Subvolume: restoreSubvolume}
		if restoreTimestamp != "" {
			ts, err := time.Parse(time.RFC3339, restoreTimestamp)
			if err != nil {
				return fmt.Errorf("parse --snapshot-timestamp: %w", err)
			}
			sel.SnapshotTimestamp = &ts
		}

		desc, err := agent.Controller.StartRestore(cmd.Context(), sel, restoreTarget)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		fmt.Printf("restored %s into %s (%d archives applied)\n", desc.Subvolume, desc.TargetDir, len(desc.Chain))
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreSubvolume, "subvolume", "", "subvolume to restore")
	restoreCmd.Flags().StringVar(&restoreTimestamp, "snapshot-timestamp", "", "RFC3339 timestamp to restore to (defaults to latest)")
	restoreCmd.Flags().StringVar(&restoreTarget, "target", "", "directory to receive the restored subvolume")
}
