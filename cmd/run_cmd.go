package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arklane/arkbackup/internal/controller"
	"github.com/arklane/arkbackup/internal/lineage"
)

var forceFull bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a backup run across configured subvolumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := buildAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer agent.Close()

		desc, err := agent.Controller.StartBackup(controller.Request{ForceFull: forceFull, Subvolumes: args})
		if err != nil {
			return fmt.Errorf("start backup: %w", err)
		}
		fmt.Printf("run %s started at %s\n", desc.RunID, desc.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active run, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := buildAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer agent.Close()

		if err := agent.Controller.CancelBackup(); err != nil {
			return fmt.Errorf("cancel backup: %w", err)
		}
		fmt.Println("cancel requested")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active run, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := buildAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer agent.Close()

		desc := agent.Controller.BackupStatus()
		if desc.RunID == "" {
			fmt.Println("no active run")
			return nil
		}
		fmt.Printf("run %s: %s\n", desc.RunID, desc.Outcome)
		if desc.Subvolume != "" {
			fmt.Printf("  subvolume=%s stage=%s bytes_out=%d\n", desc.Subvolume, desc.Progress.Stage, desc.Progress.BytesOut)
		}
		for sv, outcome := range desc.PerSubvol {
			fmt.Printf("  %s: %s\n", sv, outcome)
		}
		return nil
	},
}

var (
	runsLimit  int
	runsOffset int
	runsFilter string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List past runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := buildAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer agent.Close()

		runs, err := agent.Controller.ListRuns(runsLimit, runsOffset, lineage.Outcome(runsFilter))
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		for _, r := range runs {
			fmt.Printf("%s\t%s\t%s\n", r.RunID, r.StartedAt.Format("2006-01-02T15:04:05Z07:00"), r.Outcome)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&forceFull, "force-full", false, "force a full run regardless of policy")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum runs to list")
	runsCmd.Flags().IntVar(&runsOffset, "offset", 0, "pagination offset")
	runsCmd.Flags().StringVar(&runsFilter, "outcome", "", "filter by outcome (success, partial, failed, cancelled)")
}
