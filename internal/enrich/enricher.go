// Package enrich resolves discovered assets into known vulnerability
// findings. Assets are classified into platform identifiers, each
// identifier resolved through a TTL cache backed by an external
// provider, and the findings persisted deduplicated per (asset, CVE).
package enrich

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/metrics"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/store"
)

const pkgName = "internal/enrich"

var ErrEnrich = errors.New("error enriching asset")

type Enricher struct {
	repository store.Repository
	cache      *Cache
	provider   Provider
	publisher  events.Publisher
	logger     *logrus.Logger
}

func NewEnricher(repository store.Repository, cache *Cache, provider Provider, publisher events.Publisher, logger *logrus.Logger) *Enricher {
	return &Enricher{
		repository: repository,
		cache:      cache,
		provider:   provider,
		publisher:  publisher,
		logger:     logger,
	}
}

// EnrichAsset resolves and persists the asset's vulnerabilities,
// returning the count of newly recorded findings. A provider failure on
// one platform identifier never aborts the others; re-running over an
// unchanged asset records nothing new.
func (e *Enricher) EnrichAsset(ctx context.Context, asset *model.Asset) (int, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "EnrichAsset")
	defer span.End()

	var lookupErr *multierror.Error

	newFindings := 0

	for _, platformID := range Classify(asset) {
		records, err := e.resolve(ctx, platformID)
		if err != nil {
			lookupErr = multierror.Append(lookupErr, err)

			e.logger.WithFields(logrus.Fields{
				"tenant":     asset.TenantID,
				"address":    asset.Address,
				"platformID": platformID,
				"err":        err.Error(),
			}).Warn("platform lookup failed")

			continue
		}

		for i := range records {
			recorded, err := e.persist(ctx, asset, platformID, records[i])
			if err != nil {
				lookupErr = multierror.Append(lookupErr, err)
				continue
			}

			if recorded {
				newFindings++
			}
		}
	}

	return newFindings, lookupErr.ErrorOrNil()
}

// EnrichTenant runs enrichment for every asset of the tenant that is
// still on the network.
func (e *Enricher) EnrichTenant(ctx context.Context, tenantID string) (int, error) {
	assets, err := e.repository.AssetsByTenant(ctx, tenantID)
	if err != nil {
		return 0, errors.Wrap(ErrEnrich, err.Error())
	}

	var tenantErr *multierror.Error

	newFindings := 0

	for _, asset := range assets {
		if asset.State == model.AssetStateGone {
			continue
		}

		count, err := e.EnrichAsset(ctx, asset)
		if err != nil {
			tenantErr = multierror.Append(tenantErr, err)
		}

		newFindings += count
	}

	return newFindings, tenantErr.ErrorOrNil()
}

// resolve goes through the cache; one miss costs at most one provider
// round trip for the identifier.
func (e *Enricher) resolve(ctx context.Context, platformID string) ([]model.VulnRecord, error) {
	records, hit, err := e.cache.Get(ctx, platformID)
	if err != nil {
		return nil, err
	}

	if hit {
		metrics.VulnLookups.WithLabelValues("cache").Inc()
		return records, nil
	}

	metrics.VulnLookups.WithLabelValues("provider").Inc()

	records, err = e.provider.Lookup(ctx, platformID)
	if err != nil {
		return nil, err
	}

	if err := e.cache.Put(ctx, platformID, records); err != nil {
		return nil, err
	}

	return records, nil
}

// persist dedups by (asset, CVE): an existing finding only gets its
// last-detected timestamp refreshed.
func (e *Enricher) persist(ctx context.Context, asset *model.Asset, platformID string, record model.VulnRecord) (bool, error) {
	now := time.Now().UTC()

	existing, err := e.repository.VulnerabilityByCVE(ctx, asset.ID, record.CVE)
	if err == nil {
		return false, e.repository.TouchVulnerability(ctx, existing.ID, now)
	}

	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	vuln := &model.Vulnerability{
		ID:               uuid.New(),
		TenantID:         asset.TenantID,
		AssetID:          asset.ID,
		PlatformID:       platformID,
		CVE:              record.CVE,
		Severity:         record.Severity,
		CVSSScore:        record.CVSSScore,
		Description:      record.Description,
		ExploitAvailable: record.ExploitAvailable,
		FirstDetected:    now,
		LastDetected:     now,
	}

	if err := e.repository.AddVulnerability(ctx, vuln); err != nil {
		// Concurrent enrichment recorded it first.
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}

		return false, err
	}

	metrics.VulnsDiscovered.WithLabelValues(asset.TenantID, string(vuln.Severity)).Inc()

	_ = e.publisher.Publish(&events.Event{
		Kind:     events.KindVulnDetected,
		TenantID: asset.TenantID,
		Subject:  asset.Address,
		Data: map[string]any{
			"cve":      vuln.CVE,
			"severity": string(vuln.Severity),
		},
		Timestamp: now,
	})

	return true, nil
}
