package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel int
)

var rootCmd = &cobra.Command{
	Use:   "tower",
	Short: "Tower is the control plane for a fleet of remote scanning agents",
}

// Execute runs the root command.
func Execute() {
	// local .env overrides for development setups, missing file is fine
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file (default is $HOME/.tower.yml)")
	rootCmd.PersistentFlags().IntVar(&logLevel, "log-level", 0, "set logging level - 0: info, 1: debug, 2: trace")
}
