package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deco-sec/tower/internal/version"
)

var cmdVersion = &cobra.Command{
	Use:   "version",
	Short: "Print Tower version along with dependency information.",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf(
			"commit: %s\nbranch: %s\ngit summary: %s\nbuildDate: %s\nversion: %s\nGo version: %s\nstateswitch version: %s\nnats version: %s\n",
			version.GitCommit, version.GitBranch, version.GitSummary, version.BuildDate, version.AppVersion, version.GoVersion, version.StateswitchVersion, version.NatsVersion)
	},
}

func init() {
	rootCmd.AddCommand(cmdVersion)
}
