package remediate

import (
	"context"

	sw "github.com/filanov/stateswitch"
	"github.com/pkg/errors"

	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/store"
)

const (
	StateDraft     sw.State = sw.State(model.PlaybookStateDraft)
	StateApproved  sw.State = sw.State(model.PlaybookStateApproved)
	StateExecuting sw.State = sw.State(model.PlaybookStateExecuting)
	StateDone      sw.State = sw.State(model.PlaybookStateDone)
	StateFailed    sw.State = sw.State(model.PlaybookStateFailed)

	TransitionApprove sw.TransitionType = "approve"
	TransitionExecute sw.TransitionType = "execute"
	TransitionFinish  sw.TransitionType = "finish"
	TransitionFail    sw.TransitionType = "fail"
)

var ErrPlaybookTransition = errors.New("error in playbook state transition")

type playbookSwitch struct {
	playbook *model.Playbook
}

func (p *playbookSwitch) State() sw.State {
	return sw.State(p.playbook.State)
}

func (p *playbookSwitch) SetState(state sw.State) error {
	p.playbook.State = model.PlaybookState(state)
	return nil
}

// PlaybookStateMachine enforces the approval workflow. The machine
// validates the transition in memory; the store compare-and-set on the
// playbook row is what makes it safe across instances.
type PlaybookStateMachine struct {
	sm         sw.StateMachine
	repository store.Repository
}

func NewPlaybookStateMachine(repository store.Repository) *PlaybookStateMachine {
	m := &PlaybookStateMachine{
		sm:         sw.NewStateMachine(),
		repository: repository,
	}

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionApprove,
		SourceStates:     sw.States{StateDraft},
		DestinationState: StateApproved,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionExecute,
		SourceStates:     sw.States{StateApproved},
		DestinationState: StateExecuting,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionFinish,
		SourceStates:     sw.States{StateExecuting},
		DestinationState: StateDone,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionFail,
		SourceStates:     sw.States{StateExecuting},
		DestinationState: StateFailed,
	})

	return m
}

// Transition validates and persists one workflow step. The conditional
// store update decides races; a playbook already moved on fails with
// store.ErrConflict.
func (m *PlaybookStateMachine) Transition(ctx context.Context, playbook *model.Playbook, transition sw.TransitionType) error {
	from := playbook.State

	if err := m.sm.Run(transition, &playbookSwitch{playbook: playbook}, nil); err != nil {
		return errors.Wrap(ErrPlaybookTransition, err.Error())
	}

	if err := m.repository.TransitionPlaybook(ctx, playbook.ID, from, playbook.State); err != nil {
		// Roll the in-memory copy back so the caller sees stored truth.
		playbook.State = from
		return err
	}

	return nil
}

// DescribeAsJSON returns a JSON output describing the playbook statemachine.
func (m *PlaybookStateMachine) DescribeAsJSON() ([]byte, error) {
	return m.sm.AsJSON()
}
