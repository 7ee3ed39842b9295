package engine

import (
	"context"

	"github.com/hoidn/BMAD-METHOD/internal/audit"
	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// validRunTransitions defines the allowed run lifecycle transitions.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
		schema.RunStatusError,
	},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {schema.RunStatusRunning}, // resume retries a failed run
	schema.RunStatusCancelled: {},
	schema.RunStatusError:     {},
}

// validStepTransitions defines the allowed step lifecycle transitions.
var validStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {schema.StepStatusRunning}, // resume or loop re-entry
	schema.StepStatusSkipped:   {schema.StepStatusRunning}, // when gate may pass on resume
}

// fsm validates lifecycle transitions and mirrors them into the audit log.
type fsm struct {
	events *audit.Log
}

func (f *fsm) runTransition(ctx context.Context, from, to schema.RunStatus) error {
	if !contains(validRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeTransition,
			"invalid run transition: %s -> %s", from, to)
	}
	if f.events != nil {
		payload := map[string]any{"from": string(from), "to": string(to)}
		if err := f.events.Append(ctx, audit.EventTransition, "", payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *fsm) stepTransition(ctx context.Context, step string, from, to schema.StepStatus) error {
	if !contains(validStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeTransition,
			"invalid step transition: %s -> %s", from, to).WithStep(step)
	}
	if f.events != nil {
		eventType := stepEventType(to)
		if eventType != "" {
			payload := map[string]any{"from": string(from), "to": string(to)}
			if err := f.events.Append(ctx, eventType, step, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return audit.EventStepStarted
	case schema.StepStatusCompleted, schema.StepStatusFailed:
		return audit.EventStepFinished
	case schema.StepStatusSkipped:
		return audit.EventStepSkipped
	default:
		return ""
	}
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
