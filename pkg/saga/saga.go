package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status represents the current status of a saga
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	// StatusFailed means a step failed and at least one compensation failed too
	StatusFailed Status = "failed"
)

// StepStatus represents the status of a saga step
type StepStatus string

const (
	StepStatusCompleted   StepStatus = "completed"
	StepStatusFailed      StepStatus = "failed"
	StepStatusCompensated StepStatus = "compensated"
	// StepStatusCompensationFailed keeps the step's effect in place
	StepStatusCompensationFailed StepStatus = "compensation_failed"
)

// ExecuteFunc performs a step's forward action
type ExecuteFunc func(ctx context.Context) error

// CompensateFunc undoes a completed step's forward action
type CompensateFunc func(ctx context.Context) error

// Step represents a single step in a saga. Compensate may be nil for
// steps with no side effect to undo.
type Step struct {
	Name       string
	Execute    ExecuteFunc
	Compensate CompensateFunc
	Timeout    time.Duration
	Retries    int
}

// StepResult represents the result of executing a step
type StepResult struct {
	StepName string
	Status   StepStatus
	Attempts int
	Err      error
	Duration time.Duration
}

// Definition is an ordered list of steps run as one unit
type Definition struct {
	Name    string
	Steps   []*Step
	Timeout time.Duration
}

// NewDefinition creates a new saga definition
func NewDefinition(name string) *Definition {
	return &Definition{
		Name:  name,
		Steps: make([]*Step, 0, 8),
	}
}

// AddStep appends steps to the definition; nil steps are ignored
func (d *Definition) AddStep(steps ...*Step) *Definition {
	for _, step := range steps {
		if step != nil {
			d.Steps = append(d.Steps, step)
		}
	}
	return d
}

// WithTimeout bounds the forward run of the whole saga. Compensation is
// not bounded by it.
func (d *Definition) WithTimeout(timeout time.Duration) *Definition {
	d.Timeout = timeout
	return d
}

// Instance records one run of a definition
type Instance struct {
	ID           string
	DefinitionID string
	Status       Status
	StepResults  []*StepResult
	StartedAt    time.Time
	FinishedAt   time.Time
}

func newInstance(definitionID string) *Instance {
	return &Instance{
		ID:           uuid.New().String(),
		DefinitionID: definitionID,
		Status:       StatusPending,
		StartedAt:    time.Now(),
	}
}

// Completed returns the names of steps whose forward action took effect
// and was not undone.
func (i *Instance) Completed() []string {
	var names []string
	for _, r := range i.StepResults {
		if r.Status == StepStatusCompleted || r.Status == StepStatusCompensationFailed {
			names = append(names, r.StepName)
		}
	}
	return names
}
