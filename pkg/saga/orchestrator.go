package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Logger interface for saga logging. Fields are alternating key/value pairs.
type Logger interface {
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})
}

// NoOpLogger is a no-op logger implementation
type NoOpLogger struct{}

func (NoOpLogger) InfoContext(ctx context.Context, msg string, fields ...interface{})  {}
func (NoOpLogger) WarnContext(ctx context.Context, msg string, fields ...interface{})  {}
func (NoOpLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {}

// StepError is returned by Run when a step fails. It wraps the step's
// error, so errors.Is and errors.As see through it.
type StepError struct {
	SagaID string
	Step   string
	Err    error
	// CompensationErrs holds failures from undoing earlier steps
	CompensationErrs []error
}

func (e *StepError) Error() string {
	if len(e.CompensationErrs) > 0 {
		return fmt.Sprintf("saga step %s failed: %v (%d compensation failures)", e.Step, e.Err, len(e.CompensationErrs))
	}
	return fmt.Sprintf("saga step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// OrchestratorConfig holds configuration for the orchestrator
type OrchestratorConfig struct {
	Logger Logger
	// RetryBackoff is the base wait between step retries (default 20ms)
	RetryBackoff time.Duration
}

// Orchestrator runs saga definitions and compensates on failure
type Orchestrator struct {
	logger  Logger
	backoff time.Duration
}

// NewOrchestrator creates a new saga orchestrator
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{logger: NoOpLogger{}, backoff: 20 * time.Millisecond}
	if cfg == nil {
		return o
	}
	if cfg.Logger != nil {
		o.logger = cfg.Logger
	}
	if cfg.RetryBackoff > 0 {
		o.backoff = cfg.RetryBackoff
	}
	return o
}

// Run executes the steps of def in order. When a step fails, every step
// that completed before it is compensated in reverse order and a
// *StepError is returned.
func (o *Orchestrator) Run(ctx context.Context, def *Definition) (*Instance, error) {
	instance := newInstance(def.Name)
	instance.Status = StatusRunning

	runCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	for _, step := range def.Steps {
		result := o.executeStep(runCtx, instance, step)
		instance.StepResults = append(instance.StepResults, result)

		if result.Err != nil {
			o.logger.WarnContext(ctx, "Saga step failed",
				"saga_id", instance.ID, "saga", def.Name, "step", step.Name, "error", result.Err)
			return instance, o.compensate(ctx, def, instance, step.Name, result.Err)
		}
	}

	instance.Status = StatusCompleted
	instance.FinishedAt = time.Now()
	return instance, nil
}

func (o *Orchestrator) executeStep(ctx context.Context, instance *Instance, step *Step) *StepResult {
	start := time.Now()
	result := &StepResult{StepName: step.Name}

	attempts := step.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			o.logger.InfoContext(ctx, "Retrying saga step",
				"saga_id", instance.ID, "step", step.Name, "attempt", attempt+1)
			if werr := wait(ctx, time.Duration(attempt)*o.backoff); werr != nil {
				err = werr
				break
			}
		}

		result.Attempts = attempt + 1
		err = runWithTimeout(ctx, step.Timeout, step.Execute)
		if err == nil {
			break
		}
	}

	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StepStatusFailed
		result.Err = err
		return result
	}
	result.Status = StepStatusCompleted
	return result
}

// compensate undoes completed steps in reverse order. It runs detached
// from ctx cancellation so a cancelled caller does not leave partial state.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, instance *Instance, failedStep string, cause error) error {
	instance.Status = StatusCompensating
	compCtx := context.WithoutCancel(ctx)

	steps := make(map[string]*Step, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.Name] = s
	}

	var compErrs []error
	for i := len(instance.StepResults) - 1; i >= 0; i-- {
		result := instance.StepResults[i]
		if result.Status != StepStatusCompleted {
			continue
		}

		step := steps[result.StepName]
		if step == nil || step.Compensate == nil {
			result.Status = StepStatusCompensated
			continue
		}

		if err := runWithTimeout(compCtx, step.Timeout, step.Compensate); err != nil {
			result.Status = StepStatusCompensationFailed
			compErrs = append(compErrs, fmt.Errorf("compensate %s: %w", step.Name, err))
			o.logger.ErrorContext(ctx, "Saga compensation failed",
				"saga_id", instance.ID, "step", step.Name, "error", err)
			continue
		}
		result.Status = StepStatusCompensated
	}

	instance.FinishedAt = time.Now()
	if len(compErrs) > 0 {
		instance.Status = StatusFailed
	} else {
		instance.Status = StatusCompensated
	}

	return &StepError{
		SagaID:           instance.ID,
		Step:             failedStep,
		Err:              cause,
		CompensationErrs: compErrs,
	}
}

func runWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("step has no function")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
