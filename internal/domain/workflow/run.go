// Package workflow defines the workflow run entity, its state machine and
// the data-driven step templates interpreted by the orchestrator.
package workflow

import (
	"fmt"
	"time"

	"github.com/suhlabs/provisioner/internal/domain"
)

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaitingExternal Status = "waiting_external"
	StatusPaused          Status = "paused"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusRolledBack      Status = "rolled_back"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// runTransitions is the legal edge set of the run state machine.
var runTransitions = map[Status][]Status{
	StatusPending:         {StatusRunning, StatusPaused, StatusCancelled},
	StatusRunning:         {StatusWaitingExternal, StatusPaused, StatusSucceeded, StatusFailed, StatusRolledBack, StatusCancelled},
	StatusWaitingExternal: {StatusRunning, StatusFailed, StatusRolledBack, StatusCancelled},
	StatusPaused:          {StatusRunning, StatusFailed, StatusCancelled},
}

// ValidateTransition returns ErrConflict for an edge outside the table.
func ValidateTransition(from, to Status) error {
	for _, next := range runTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("workflow run %s -> %s: %w", from, to, domain.ErrConflict)
}

// StepStatus is the per-step execution state.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepSucceeded  StepStatus = "succeeded"
	StepFailed     StepStatus = "failed"
	StepRolledBack StepStatus = "rolled_back"
)

// stepRank orders step statuses for the monotonic-advance invariant.
// RolledBack is the only permitted regression target, and only from
// Running or Failed.
var stepRank = map[StepStatus]int{
	StepPending:   0,
	StepRunning:   1,
	StepSucceeded: 2,
	StepFailed:    2,
}

// ValidStepAdvance reports whether a per-step status change is legal.
func ValidStepAdvance(from, to StepStatus) bool {
	if to == StepRolledBack {
		return from == StepRunning || from == StepFailed || from == StepSucceeded
	}
	return stepRank[to] > stepRank[from]
}

// Run is one execution of a workflow template on behalf of a session.
// At most one non-terminal run exists per session.
type Run struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	TenantID         string            `json:"tenant_id"`
	TemplateID       string            `json:"template_id"`
	Status           Status            `json:"status"`
	CurrentStepIndex int               `json:"current_step_index"`
	StepStatuses     []StepStatus      `json:"step_statuses"`
	RetriesUsed      int               `json:"retries_used"`
	Params           map[string]string `json:"params"`
	LastError        string            `json:"last_error,omitempty"`
	CancelRequested  bool              `json:"cancel_requested"`
	Version          int               `json:"version"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// SucceededSteps returns the indexes of steps that completed, in order.
func (r *Run) SucceededSteps() []int {
	var out []int
	for i, st := range r.StepStatuses {
		if st == StepSucceeded {
			out = append(out, i)
		}
	}
	return out
}
