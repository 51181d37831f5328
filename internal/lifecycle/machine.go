// Package lifecycle is the run state machine. Apply is a pure function:
// it inspects a run and an event and returns the state change plus the
// effects the caller must execute. Nothing in here touches storage or the
// network, which keeps every edge directly testable.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/kilnd/kiln/internal/models"
)

// ErrInvalidTransition rejects an event the current state does not accept.
// Callers treat it as a no-op: duplicate agent reports are expected under
// retry and must never crash or re-open a run.
var ErrInvalidTransition = errors.New("invalid transition")

type EventKind int

const (
	EventStart EventKind = iota + 1
	EventCancel
	EventProgress
	EventFinish
	EventHalt
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventCancel:
		return "cancel"
	case EventProgress:
		return "progress"
	case EventFinish:
		return "finish"
	case EventHalt:
		return "halt"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind

	// Start.
	AgentID    string
	GPUIndices []int
	// Reserved marks a GPU set that was already reserved when the run was
	// queued, so the start edge must not reserve it again.
	Reserved bool

	// Progress. A nil Metric means the report carried no monitored value.
	Epoch       int
	TotalEpochs int
	Metric      *float64

	// Finish.
	Success bool

	// Halt. The checkpoint predicate is external (checkpoint-store
	// dependent) and is passed in rather than inferred here.
	HasCheckpoint bool
}

func Start(agentID string, gpuIndices []int, reserved bool) Event {
	return Event{Kind: EventStart, AgentID: agentID, GPUIndices: gpuIndices, Reserved: reserved}
}

func Cancel() Event { return Event{Kind: EventCancel} }

func Progress(epoch, totalEpochs int, metric *float64) Event {
	return Event{Kind: EventProgress, Epoch: epoch, TotalEpochs: totalEpochs, Metric: metric}
}

func Finish(success bool) Event { return Event{Kind: EventFinish, Success: success} }

func Halt(hasCheckpoint bool) Event { return Event{Kind: EventHalt, HasCheckpoint: hasCheckpoint} }

type Effect int

const (
	EffectReserveGPUs Effect = iota + 1
	EffectReleaseGPUs
	EffectEmitUpdated
)

// Change describes what the caller must persist and execute. The run itself
// is never mutated here.
type Change struct {
	State   models.RunState
	Effects []Effect

	// Field updates, applied alongside the state.
	AgentID       string
	GPUIndices    []int
	SetStartedAt  bool
	SetFinishedAt bool
	Epoch         *int
	TotalEpochs   *int
	BestValue     *float64
}

func (c Change) Has(e Effect) bool {
	for _, eff := range c.Effects {
		if eff == e {
			return true
		}
	}
	return false
}

// Apply maps (current state, event) to (next state, effects). Every pair
// outside the transition table returns ErrInvalidTransition and an empty
// change.
func Apply(run models.Run, ev Event) (Change, error) {
	switch run.State {
	case models.RunStateQueued:
		switch ev.Kind {
		case EventStart:
			change := Change{
				State:        models.RunStateRunning,
				AgentID:      ev.AgentID,
				GPUIndices:   ev.GPUIndices,
				SetStartedAt: true,
				Effects:      []Effect{EffectEmitUpdated},
			}
			if !ev.Reserved {
				change.Effects = append([]Effect{EffectReserveGPUs}, change.Effects...)
			}
			return change, nil
		case EventCancel:
			change := Change{
				State:         models.RunStateCanceled,
				SetFinishedAt: true,
				Effects:       []Effect{EffectEmitUpdated},
			}
			if run.Bound() {
				// A queued run may hold a queue-time reservation.
				change.Effects = append([]Effect{EffectReleaseGPUs}, change.Effects...)
			}
			return change, nil
		}

	case models.RunStateRunning:
		switch ev.Kind {
		case EventProgress:
			epoch, total := ev.Epoch, ev.TotalEpochs
			change := Change{
				State:       models.RunStateRunning,
				Epoch:       &epoch,
				TotalEpochs: &total,
				BestValue:   bestValue(run, ev.Metric),
				Effects:     []Effect{EffectEmitUpdated},
			}
			return change, nil
		case EventFinish:
			return terminal(stateForSuccess(ev.Success)), nil
		case EventHalt:
			return terminal(stateForSuccess(ev.HasCheckpoint)), nil
		case EventCancel:
			return terminal(models.RunStateCanceled), nil
		}
	}

	return Change{}, fmt.Errorf("%w: %s event in state %s", ErrInvalidTransition, ev.Kind, run.State)
}

func stateForSuccess(ok bool) models.RunState {
	if ok {
		return models.RunStateSucceeded
	}
	return models.RunStateFailed
}

func terminal(state models.RunState) Change {
	return Change{
		State:         state,
		SetFinishedAt: true,
		Effects:       []Effect{EffectReleaseGPUs, EffectEmitUpdated},
	}
}

// bestValue applies the monitor rule: the first reported value always
// sets the best, afterwards max keeps the larger and min keeps the
// smaller. A report without a value leaves the best untouched.
func bestValue(run models.Run, metric *float64) *float64 {
	if metric == nil {
		return run.BestValue
	}
	if run.BestValue == nil {
		return metric
	}
	current := *run.BestValue
	if run.MonitorMode == models.MonitorModeMin {
		if *metric < current {
			return metric
		}
	} else {
		if *metric > current {
			return metric
		}
	}
	return run.BestValue
}
