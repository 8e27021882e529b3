package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/deco-sec/tower/internal/app"
	"github.com/deco-sec/tower/internal/model"
)

var cmdSweep = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim zombie jobs and expire stale assets once, then exit",
	Run: func(cmd *cobra.Command, _ []string) {
		runSweep(cmd.Context())
	},
}

func runSweep(ctx context.Context) {
	tower, err := app.New(model.AppKindSweeper, cfgFile, logLevel)
	if err != nil {
		log.Fatal(err)
	}

	repository, err := initStore(tower.Config)
	if err != nil {
		tower.Logger.Fatal(err)
	}
	defer repository.Close()

	core := wireCore(repository, initPublisher(tower.Config, tower.Logger), tower.Config, tower.Logger)

	reclaimed, err := core.scheduler.ReclaimZombies(ctx)
	if err != nil {
		tower.Logger.WithField("err", err.Error()).Error("zombie sweep error")
	}

	tower.Logger.WithField("reclaimed", reclaimed).Info("zombie sweep complete")

	if err := core.lifecycle.SweepAllTenants(ctx); err != nil {
		tower.Logger.WithField("err", err.Error()).Error("stale asset sweep error")
	}

	tower.Logger.Info("stale asset sweep complete")
}

func init() {
	rootCmd.AddCommand(cmdSweep)
}
