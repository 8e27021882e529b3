// Package lifecycle maintains the network asset inventory. Discovery
// observations are merged into assets keyed by (tenant, address) and
// pushed through the lifecycle state machine; every state change leaves
// an append-only audit history entry.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/store"
)

const pkgName = "internal/lifecycle"

const (
	reasonCreated     = "created"
	reasonPromoted    = "promoted"
	reasonReappeared  = "reappeared"
	reasonAtRisk      = "critical service exposed"
	reasonRiskCleared = "risk resolved"
	reasonSweepGone   = "not found in scan"
	reasonStaleGone   = "not seen within threshold"
)

var ErrObservation = errors.New("error processing observation batch")

type Engine struct {
	repository      store.Repository
	machine         *AssetStateMachine
	publisher       events.Publisher
	promotionWindow time.Duration
	staleThreshold  time.Duration
	atRiskPorts     []int
	logger          *logrus.Logger
}

func NewEngine(repository store.Repository, publisher events.Publisher, cfg *model.Config, logger *logrus.Logger) *Engine {
	return &Engine{
		repository:      repository,
		machine:         NewAssetStateMachine(repository, publisher),
		publisher:       publisher,
		promotionWindow: cfg.PromotionWindow,
		staleThreshold:  cfg.StaleAssetThreshold,
		atRiskPorts:     cfg.AtRiskPorts,
		logger:          logger,
	}
}

func (e *Engine) StateMachine() *AssetStateMachine { return e.machine }

// ProcessObservationBatch merges one discovery batch into the tenant's
// inventory. Upserts happen first for every device; only then, and only
// for a full sweep of the network, are unobserved assets marked gone.
// Partial scans never make anything disappear.
func (e *Engine) ProcessObservationBatch(ctx context.Context, tenantID string, agentID uuid.UUID, devices []model.ObservedDevice, fullSweep bool) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "ProcessObservationBatch")
	defer span.End()

	now := time.Now().UTC()
	observed := map[string]bool{}

	var batchErr *multierror.Error

	for i := range devices {
		device := devices[i]

		if device.Address == "" {
			e.logger.WithFields(logrus.Fields{
				"tenant":   tenantID,
				"hostname": device.Hostname,
			}).Warn("observed device without address dropped")

			continue
		}

		observed[device.Address] = true

		if err := e.observeDevice(ctx, tenantID, agentID, device, now); err != nil {
			batchErr = multierror.Append(batchErr, err)
		}
	}

	if fullSweep {
		if err := e.markUnobservedGone(ctx, tenantID, observed, now); err != nil {
			batchErr = multierror.Append(batchErr, err)
		}
	}

	if err := batchErr.ErrorOrNil(); err != nil {
		return errors.Wrap(ErrObservation, err.Error())
	}

	return nil
}

func (e *Engine) observeDevice(ctx context.Context, tenantID string, agentID uuid.UUID, device model.ObservedDevice, now time.Time) error {
	asset, err := e.repository.AssetByAddress(ctx, tenantID, device.Address)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		return e.createAsset(ctx, tenantID, agentID, device, now)
	}

	mergeObservation(asset, agentID, device, now)

	if asset.State == model.AssetStateGone {
		if err := e.machine.Transition(ctx, asset, TransitionReappear, reasonReappeared, now); err != nil {
			return err
		}
	}

	if asset.State == model.AssetStateNew && e.promotable(asset, now) {
		if err := e.machine.Transition(ctx, asset, TransitionPromote, reasonPromoted, now); err != nil {
			return err
		}
	}

	if err := e.applyRiskOverlay(ctx, asset, now); err != nil {
		return err
	}

	// The observation itself always counts, whatever state the asset
	// lands in.
	return e.repository.UpdateAsset(ctx, asset, true)
}

func (e *Engine) createAsset(ctx context.Context, tenantID string, agentID uuid.UUID, device model.ObservedDevice, now time.Time) error {
	asset := &model.Asset{
		ID:              uuid.New(),
		TenantID:        tenantID,
		AgentID:         &agentID,
		Address:         device.Address,
		MAC:             device.MAC,
		MACVendor:       device.MACVendor,
		Hostname:        device.Hostname,
		OSGuess:         device.OSGuess,
		DeviceType:      device.DeviceType,
		OpenPorts:       device.OpenPorts,
		State:           model.AssetStateNew,
		TimesObserved:   1,
		ConfidenceScore: 0.5,
		FirstSeen:       now,
		LastSeen:        now,
	}

	if err := e.repository.AddAsset(ctx, asset); err != nil {
		// Another instance got there first, fold into its record.
		if errors.Is(err, store.ErrConflict) {
			return e.observeDevice(ctx, tenantID, agentID, device, now)
		}

		return err
	}

	if err := recordAssetChange(ctx, e.repository, e.publisher, asset, "", model.AssetStateNew, reasonCreated, now); err != nil {
		return err
	}

	if err := e.applyRiskOverlay(ctx, asset, now); err != nil {
		return err
	}

	if asset.State != model.AssetStateNew {
		return e.repository.UpdateAsset(ctx, asset, false)
	}

	return nil
}

// mergeObservation refreshes the asset from the observation. Observed
// empty fields never erase known values.
func mergeObservation(asset *model.Asset, agentID uuid.UUID, device model.ObservedDevice, now time.Time) {
	asset.AgentID = &agentID
	asset.LastSeen = now

	if device.MAC != "" {
		asset.MAC = device.MAC
	}

	if device.MACVendor != "" {
		asset.MACVendor = device.MACVendor
	}

	if device.Hostname != "" {
		asset.Hostname = device.Hostname
	}

	if device.OSGuess != "" {
		asset.OSGuess = device.OSGuess
	}

	if device.DeviceType != "" {
		asset.DeviceType = device.DeviceType
	}

	if len(device.OpenPorts) > 0 {
		asset.OpenPorts = device.OpenPorts
	}
}

func (e *Engine) promotable(asset *model.Asset, now time.Time) bool {
	// TimesObserved holds the pre-increment count here. An identical
	// re-submission of a fresh asset must be a pure refresh, so the
	// counter alone promotes only from the third sighting on.
	return asset.TimesObserved > 1 || now.Sub(asset.FirstSeen) > e.promotionWindow
}

func (e *Engine) applyRiskOverlay(ctx context.Context, asset *model.Asset, now time.Time) error {
	exposed := asset.HasOpenPort(e.atRiskPorts...)

	switch {
	case exposed && (asset.State == model.AssetStateNew || asset.State == model.AssetStateStable):
		return e.machine.Transition(ctx, asset, TransitionEnterAtRisk, reasonAtRisk, now)
	case !exposed && asset.State == model.AssetStateAtRisk:
		return e.machine.Transition(ctx, asset, TransitionClearAtRisk, reasonRiskCleared, now)
	}

	return nil
}

func (e *Engine) markUnobservedGone(ctx context.Context, tenantID string, observed map[string]bool, now time.Time) error {
	assets, err := e.repository.AssetsByTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	var sweepErr *multierror.Error

	for _, asset := range assets {
		if observed[asset.Address] || asset.State == model.AssetStateGone {
			continue
		}

		if err := e.machine.Transition(ctx, asset, TransitionMarkGone, reasonSweepGone, now); err != nil {
			sweepErr = multierror.Append(sweepErr, err)
			continue
		}

		if err := e.repository.UpdateAsset(ctx, asset, false); err != nil {
			sweepErr = multierror.Append(sweepErr, err)
		}
	}

	return sweepErr.ErrorOrNil()
}

// ExpireStale marks assets unseen for longer than the stale threshold
// as gone, for devices that silently left the network between full
// sweeps.
func (e *Engine) ExpireStale(ctx context.Context, tenantID string) (int, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "ExpireStale")
	defer span.End()

	now := time.Now().UTC()
	cutoff := now.Add(-e.staleThreshold)

	assets, err := e.repository.AssetsByTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	expired := 0

	var sweepErr *multierror.Error

	for _, asset := range assets {
		if asset.State == model.AssetStateGone || asset.LastSeen.After(cutoff) {
			continue
		}

		if err := e.machine.Transition(ctx, asset, TransitionMarkGone, reasonStaleGone, now); err != nil {
			sweepErr = multierror.Append(sweepErr, err)
			continue
		}

		if err := e.repository.UpdateAsset(ctx, asset, false); err != nil {
			sweepErr = multierror.Append(sweepErr, err)
			continue
		}

		expired++
	}

	return expired, sweepErr.ErrorOrNil()
}

// RunSweeper expires stale assets for every known tenant on the given
// interval until the context is canceled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
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

		if err := e.SweepAllTenants(ctx); err != nil {
			e.logger.WithField("err", err.Error()).Error("stale asset sweep error")
			timer.Reset(delay.Duration())

			continue
		}

		delay.Reset()
		timer.Reset(interval)
	}
}

// SweepAllTenants expires stale assets for every known tenant once.
func (e *Engine) SweepAllTenants(ctx context.Context) error {
	tenants, err := e.repository.Tenants(ctx)
	if err != nil {
		return err
	}

	var sweepErr *multierror.Error

	for _, tenant := range tenants {
		expired, err := e.ExpireStale(ctx, tenant)
		if err != nil {
			sweepErr = multierror.Append(sweepErr, err)
			continue
		}

		if expired > 0 {
			e.logger.WithFields(logrus.Fields{
				"tenant":  tenant,
				"expired": expired,
			}).Info("stale assets expired")
		}
	}

	return sweepErr.ErrorOrNil()
}
