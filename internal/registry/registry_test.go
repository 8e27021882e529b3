package registry

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/fixtures"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/scheduler"
	"github.com/deco-sec/tower/internal/store"
)

func testRegistry(t *testing.T, cfg *model.Config) (*Registry, *scheduler.Scheduler, store.Repository) {
	t.Helper()

	repository := store.NewMemStore()
	logger := logrus.New()
	logger.Out = io.Discard

	sched := scheduler.New(repository, events.NoopPublisher{}, cfg, logger)

	return New(repository, sched, cfg, logger), sched, repository
}

func TestRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	registry, _, _ := testRegistry(t, fixtures.Config())

	first, err := registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)

	again, err := registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.5.0", "linux", []model.JobType{model.JobTypeDiscovery})
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "1.5.0", again.Version)
	assert.Equal(t, []model.JobType{model.JobTypeDiscovery}, again.Capabilities)

	// same hostname in another tenant is a distinct agent
	other, err := registry.Register(ctx, fixtures.TenantOther, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

// racingStore misses the hostname lookup a set number of times,
// simulating a concurrent first registration landing between the read
// and the write.
type racingStore struct {
	store.Repository
	misses int
}

func (s *racingStore) AgentByHostname(ctx context.Context, tenantID, hostname string) (*model.Agent, error) {
	if s.misses > 0 {
		s.misses--
		return nil, errors.Wrap(store.ErrNotFound, "agent: "+tenantID+"/"+hostname)
	}

	return s.Repository.AgentByHostname(ctx, tenantID, hostname)
}

func TestRegisterResolvesConcurrentRegistration(t *testing.T) {
	ctx := context.Background()

	repository := &racingStore{Repository: store.NewMemStore()}
	logger := logrus.New()
	logger.Out = io.Discard

	cfg := fixtures.Config()
	sched := scheduler.New(repository, events.NoopPublisher{}, cfg, logger)
	registry := New(repository, sched, cfg, logger)

	winner, err := registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)

	// the loser read before the winner's row landed, its write must
	// fold into the winner's identity instead of minting a second one
	repository.misses = 1

	loser, err := registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.1", "linux", nil)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, loser.ID)
	assert.Equal(t, "1.4.1", loser.Version)

	agents, err := repository.AgentsByTenant(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestHeartbeatRefreshesAndListsJobs(t *testing.T) {
	ctx := context.Background()
	registry, sched, repository := testRegistry(t, fixtures.Config())

	agent, err := registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-time.Hour)
	agent.LastSeenAt = stale
	require.NoError(t, repository.SaveAgent(ctx, agent))

	job, err := sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{"cidr": "10.0.0.0/24"}, nil)
	require.NoError(t, err)

	eligible, err := registry.Heartbeat(ctx, agent.ID, model.HeartbeatInfo{
		LocalIP: "10.0.0.9",
		Version: "1.4.1",
	})
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, job.ID, eligible[0].ID)

	refreshed, err := repository.AgentByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, refreshed.LastSeenAt.After(stale))
	assert.Equal(t, "10.0.0.9", refreshed.LocalIP)
	assert.Equal(t, "1.4.1", refreshed.Version)
}

func TestHeartbeatKeepsFieldsWhenOmitted(t *testing.T) {
	ctx := context.Background()
	registry, _, repository := testRegistry(t, fixtures.Config())

	agent, err := registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)

	agent.LocalIP = "10.0.0.2"
	require.NoError(t, repository.SaveAgent(ctx, agent))

	_, err = registry.Heartbeat(ctx, agent.ID, model.HeartbeatInfo{})
	require.NoError(t, err)

	refreshed, err := repository.AgentByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", refreshed.LocalIP)
	assert.Equal(t, "1.4.0", refreshed.Version)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	ctx := context.Background()
	registry, _, _ := testRegistry(t, fixtures.Config())

	_, err := registry.Heartbeat(ctx, uuid.New(), model.HeartbeatInfo{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeartbeat)
}

func TestOnline(t *testing.T) {
	registry, _, _ := testRegistry(t, fixtures.Config())

	agent := fixtures.Agent(fixtures.TenantAcme)
	assert.True(t, registry.Online(agent))

	agent.LastSeenAt = time.Now().UTC().Add(-time.Hour)
	assert.False(t, registry.Online(agent))
}

func TestOutdated(t *testing.T) {
	cfg := fixtures.Config()
	cfg.MinAgentVersion = "1.4.0"

	registry, _, _ := testRegistry(t, cfg)

	cases := []struct {
		name     string
		version  string
		outdated bool
	}{
		{"older", "1.3.9", true},
		{"equal", "1.4.0", false},
		{"newer", "2.0.0", false},
		{"unparseable", "devbuild", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agent := fixtures.Agent(fixtures.TenantAcme)
			agent.Version = tc.version

			assert.Equal(t, tc.outdated, registry.Outdated(agent))
		})
	}
}

func TestOutdatedWithoutMinimum(t *testing.T) {
	registry, _, _ := testRegistry(t, fixtures.Config())

	agent := fixtures.Agent(fixtures.TenantAcme)
	agent.Version = "0.0.1"

	assert.False(t, registry.Outdated(agent))
}
