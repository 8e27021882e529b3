package scheduler

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel"
)

const pkgName = "internal/scheduler"

// RunSweeper reclaims zombie jobs on the given interval until the
// context is canceled. Store failures back the loop off instead of
// hammering a broken database.
func (s *Scheduler) RunSweeper(ctx context.Context, interval time.Duration) {
	delay := &backoff.Backoff{
		Min:    interval,
		Max:    10 * interval,
		Factor: 2,
		Jitter: true,
	}

	timer := time.NewTimer(delay.Duration())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sweepCtx, span := otel.Tracer(pkgName).Start(ctx, "ReclaimZombies")

		reclaimed, err := s.ReclaimZombies(sweepCtx)

		span.End()

		if err != nil {
			s.logger.WithField("err", err.Error()).Error("zombie sweep error")
			timer.Reset(delay.Duration())

			continue
		}

		if reclaimed > 0 {
			s.logger.WithField("reclaimed", reclaimed).Info("zombie sweep complete")
		}

		delay.Reset()
		timer.Reset(interval)
	}
}
