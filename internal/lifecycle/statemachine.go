package lifecycle

import (
	"context"
	"time"

	sw "github.com/filanov/stateswitch"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/metrics"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/store"
)

const (
	StateNew    sw.State = sw.State(model.AssetStateNew)
	StateStable sw.State = sw.State(model.AssetStateStable)
	StateAtRisk sw.State = sw.State(model.AssetStateAtRisk)
	StateGone   sw.State = sw.State(model.AssetStateGone)

	TransitionPromote     sw.TransitionType = "promote"
	TransitionReappear    sw.TransitionType = "reappear"
	TransitionEnterAtRisk sw.TransitionType = "enterAtRisk"
	TransitionClearAtRisk sw.TransitionType = "clearAtRisk"
	TransitionMarkGone    sw.TransitionType = "markGone"
)

var (
	ErrInvalidTransitionArgs = errors.New("expected a transitionArgs{} type")
	ErrAssetTransition       = errors.New("error in asset state transition")
)

// assetSwitch adapts an asset to the state machine.
type assetSwitch struct {
	asset *model.Asset
}

func (a *assetSwitch) State() sw.State {
	return sw.State(a.asset.State)
}

func (a *assetSwitch) SetState(state sw.State) error {
	a.asset.State = model.AssetState(state)
	return nil
}

type transitionArgs struct {
	ctx      context.Context
	reason   string
	now      time.Time
	oldState model.AssetState
}

// AssetStateMachine enforces the asset lifecycle. Every executed
// transition appends one audit history entry; refreshes that change no
// state leave no trace.
type AssetStateMachine struct {
	sm         sw.StateMachine
	repository store.Repository
	publisher  events.Publisher
}

func NewAssetStateMachine(repository store.Repository, publisher events.Publisher) *AssetStateMachine {
	m := &AssetStateMachine{
		sm:         sw.NewStateMachine(),
		repository: repository,
		publisher:  publisher,
	}

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionPromote,
		SourceStates:     sw.States{StateNew},
		DestinationState: StateStable,
		PostTransition:   m.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionReappear,
		SourceStates:     sw.States{StateGone},
		DestinationState: StateStable,
		PostTransition:   m.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionEnterAtRisk,
		SourceStates:     sw.States{StateNew, StateStable},
		DestinationState: StateAtRisk,
		PostTransition:   m.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionClearAtRisk,
		SourceStates:     sw.States{StateAtRisk},
		DestinationState: StateStable,
		PostTransition:   m.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionMarkGone,
		SourceStates:     sw.States{StateNew, StateStable, StateAtRisk},
		DestinationState: StateGone,
		PostTransition:   m.recordTransition,
	})

	return m
}

// Transition runs one lifecycle transition on the asset, in memory. The
// caller persists the asset, the audit entry is written here.
func (m *AssetStateMachine) Transition(ctx context.Context, asset *model.Asset, transition sw.TransitionType, reason string, now time.Time) error {
	args := &transitionArgs{ctx: ctx, reason: reason, now: now, oldState: asset.State}

	if err := m.sm.Run(transition, &assetSwitch{asset: asset}, args); err != nil {
		return errors.Wrap(ErrAssetTransition, err.Error())
	}

	return nil
}

func (m *AssetStateMachine) recordTransition(s sw.StateSwitch, args sw.TransitionArgs) error {
	a, ok := s.(*assetSwitch)
	if !ok {
		return ErrAssetTransition
	}

	targs, ok := args.(*transitionArgs)
	if !ok {
		return ErrInvalidTransitionArgs
	}

	return recordAssetChange(targs.ctx, m.repository, m.publisher, a.asset, targs.oldState, a.asset.State, targs.reason, targs.now)
}

// DescribeAsJSON returns a JSON output describing the lifecycle statemachine.
func (m *AssetStateMachine) DescribeAsJSON() ([]byte, error) {
	return m.sm.AsJSON()
}

func recordAssetChange(ctx context.Context, repository store.Repository, publisher events.Publisher, asset *model.Asset, oldState, newState model.AssetState, reason string, now time.Time) error {
	entry := &model.AssetHistoryEntry{
		ID:        uuid.New(),
		AssetID:   asset.ID,
		OldState:  oldState,
		NewState:  newState,
		Reason:    reason,
		ChangedAt: now,
	}

	if err := repository.AppendAssetHistory(ctx, entry); err != nil {
		return err
	}

	metrics.AssetTransitions.WithLabelValues(asset.TenantID, string(oldState), string(newState)).Inc()

	_ = publisher.Publish(&events.Event{
		Kind:     events.KindAssetTransitioned,
		TenantID: asset.TenantID,
		Subject:  asset.Address,
		Data: map[string]any{
			"from":   string(oldState),
			"to":     string(newState),
			"reason": reason,
		},
		Timestamp: now,
	})

	return nil
}
