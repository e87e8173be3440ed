package cmd

import (
	"github.com/spf13/cobra"

	"github.com/arklane/arkbackup/internal/logger"
)

// ConfigFile is the path to the YAML configuration.
var (
	ConfigFile string
	// rootCmd is the base command for arkbackup.
	rootCmd = &cobra.Command{
		Use:   "arkbackup",
		Short: "CLI tool for btrfs subvolume backup and restore",
		Long: `arkbackup snapshots, encrypts, and streams btrfs subvolumes to a
remote archival host based on your YAML configuration file.`,
	}
)

// Execute runs the root command.
func Execute() {
	log, err := logger.Init()
	if err != nil {
		panic(err)
	}
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", "error", err.Error())
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "./configs/config.yaml", "path to YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(restoreCmd)
}
