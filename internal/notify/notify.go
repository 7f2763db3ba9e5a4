// Package notify queues engine side-effect events during a mutation
// and dispatches them to external collaborators only after the
// transaction commits. Delivery is fire-and-forget, at-least-once;
// dispatch failures never roll the workflow state back.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Kind identifies an event type.
type Kind string

const (
	TaskAssigned      Kind = "task-assigned"
	TaskUnassigned    Kind = "task-unassigned"
	TaskReturned      Kind = "task-returned"
	DueDateChanged    Kind = "due-date-changed"
	WorkflowCompleted Kind = "workflow-completed"
	WorkflowResumed   Kind = "workflow-resumed"
	WorkflowDelayed   Kind = "workflow-delayed"
)

// Event is one notification handed to the external collaborator.
type Event struct {
	Kind       Kind                   `json:"kind"`
	WorkflowID string                 `json:"workflow_id"`
	TaskID     string                 `json:"task_id,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Dispatcher delivers events to the outside world.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []Event) error
}

// Queue collects events during one engine operation. The caller
// flushes it through a Dispatcher after a successful commit and drops
// it on rollback.
type Queue struct {
	events []Event
}

// NewQueue creates an empty event queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Add appends an event.
func (q *Queue) Add(e Event) {
	q.events = append(q.events, e)
}

// Events returns the queued events in emit order.
func (q *Queue) Events() []Event {
	return q.events
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Flush hands all queued events to the dispatcher and clears the
// queue. Errors are logged by the caller; the state change that
// produced the events stands regardless.
func (q *Queue) Flush(ctx context.Context, d Dispatcher) error {
	if len(q.events) == 0 {
		return nil
	}
	events := q.events
	q.events = nil
	return d.Dispatch(ctx, events)
}

// NopDispatcher discards events. Used by tests and by setups running
// without Redis.
type NopDispatcher struct{}

// Dispatch discards the events.
func (NopDispatcher) Dispatch(context.Context, []Event) error { return nil }

// Fanout dispatches to several sinks; a failing sink is logged and
// does not stop the others.
type Fanout struct {
	sinks  []Dispatcher
	logger *zap.Logger
}

// NewFanout creates a fanout over the given sinks.
func NewFanout(logger *zap.Logger, sinks ...Dispatcher) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

// Dispatch forwards the events to every sink.
func (f *Fanout) Dispatch(ctx context.Context, events []Event) error {
	for _, s := range f.sinks {
		if err := s.Dispatch(ctx, events); err != nil {
			f.logger.Warn("notification sink failed", zap.Error(err))
		}
	}
	return nil
}
