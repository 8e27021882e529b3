package cmd

import (
	"context"
	"log"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deco-sec/tower/internal/app"
	"github.com/deco-sec/tower/internal/enrich"
	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/ingest"
	"github.com/deco-sec/tower/internal/lifecycle"
	"github.com/deco-sec/tower/internal/metrics"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/registry"
	"github.com/deco-sec/tower/internal/remediate"
	"github.com/deco-sec/tower/internal/scheduler"
	"github.com/deco-sec/tower/internal/store"
	"github.com/deco-sec/tower/internal/version"

	// nolint:gosec // profiling endpoint listens on localhost.
	_ "net/http/pprof"
)

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Run the tower control plane with its background sweeps",
	Run: func(cmd *cobra.Command, _ []string) {
		runServer(cmd.Context())
	},
}

var ErrEntityStore = errors.New("entity store error")

func runServer(ctx context.Context) {
	tower, err := app.New(model.AppKindServer, cfgFile, logLevel)
	if err != nil {
		log.Fatal(err)
	}

	// serve metrics endpoint
	metrics.ListenAndServe()
	version.ExportBuildInfoMetric()

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	// routine listens for termination signal and cancels the context
	go func() {
		<-tower.TermCh
		tower.Logger.Info("got TERM signal, exiting...")
		cancelFunc()
	}()

	repository, err := initStore(tower.Config)
	if err != nil {
		tower.Logger.Fatal(err)
	}
	defer repository.Close()

	publisher := initPublisher(tower.Config, tower.Logger)
	defer publisher.Close()

	core := wireCore(repository, publisher, tower.Config, tower.Logger)

	tower.SyncWG.Add(2)

	go func() {
		defer tower.SyncWG.Done()
		core.scheduler.RunSweeper(ctx, tower.Config.ZombieSweepInterval)
	}()

	go func() {
		defer tower.SyncWG.Done()
		core.lifecycle.RunSweeper(ctx, tower.Config.StaleSweepInterval)
	}()

	v := version.Current()
	tower.Logger.WithFields(logrus.Fields{
		"version": v.AppVersion,
		"commit":  v.GitCommit,
		"branch":  v.GitBranch,
		"store":   tower.Config.StoreKind,
	}).Info("tower control plane running")

	<-ctx.Done()
	tower.SyncWG.Wait()
}

// core bundles the wired engines, also reused by the sweep command.
type core struct {
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	lifecycle *lifecycle.Engine
	enricher  *enrich.Enricher
	remediate *remediate.Engine
	pipeline  *ingest.Pipeline
}

func wireCore(repository store.Repository, publisher events.Publisher, cfg *model.Config, logger *logrus.Logger) *core {
	sched := scheduler.New(repository, publisher, cfg, logger)

	lifecycleEngine := lifecycle.NewEngine(repository, publisher, cfg, logger)

	cache := enrich.NewCache(repository, cfg.CacheTTL)
	provider := enrich.NewNVDProvider(cfg.Nvd.Endpoint, cfg.Nvd.APIKey)
	enricher := enrich.NewEnricher(repository, cache, provider, publisher, logger)

	remediateEngine := remediate.NewEngine(repository, sched, publisher, logger)

	pipeline := ingest.NewPipeline(lifecycleEngine, enricher, remediateEngine, logger)
	sched.SetResultHandler(pipeline)

	return &core{
		scheduler: sched,
		registry:  registry.New(repository, sched, cfg, logger),
		lifecycle: lifecycleEngine,
		enricher:  enricher,
		remediate: remediateEngine,
		pipeline:  pipeline,
	}
}

func initStore(cfg *model.Config) (store.Repository, error) {
	switch cfg.StoreKind {
	case model.StoreKindMem:
		return store.NewMemStore(), nil
	case model.StoreKindSqlite:
		return store.OpenSqlite(cfg.SqliteFile)
	}

	return nil, errors.Wrap(ErrEntityStore, "expected a valid store kind parameter")
}

func initPublisher(cfg *model.Config, logger *logrus.Logger) events.Publisher {
	if cfg.NatsURL == "" {
		return events.NoopPublisher{}
	}

	publisher, err := events.NewNatsPublisher(cfg.NatsURL, logger)
	if err != nil {
		logger.WithField("err", err.Error()).Warn("event bus unavailable, events disabled")
		return events.NoopPublisher{}
	}

	return publisher
}

func init() {
	rootCmd.AddCommand(cmdRun)
}
