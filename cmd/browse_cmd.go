package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var browseMonth string

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse committed archives by month",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := buildAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer agent.Close()

		months, archives, err := agent.Controller.BrowseArchives(browseMonth)
		if err != nil {
			return fmt.Errorf("browse archives: %w", err)
		}

		if browseMonth == "" {
			for _, m := range months {
				fmt.Printf("%s\t%d archives\n", m.Month, m.Count)
			}
			return nil
		}
		for _, a := range archives {
			fmt.Printf("%s\t%s\t%s\t%s\n", a.Subvolume, a.SnapshotTimestamp.Format("2006-01-02T15:04:05Z07:00"), a.Kind, a.RemotePath)
		}
		return nil
	},
}

func init() {
	browseCmd.Flags().StringVar(&browseMonth, "month", "", "month bucket to list (YYYYMM); omit to list month summaries")
}
