// Package pipeline runs the ordered data-collection steps of one request
// and aggregates their results. Step outcomes are tagged values instead
// of booleans with a shared mutable error slot: a step either succeeds,
// soft-fails (expected data unavailable), or fails fatally.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/portald/internal/portal"
)

// StepStatus classifies a step outcome.
type StepStatus int

const (
	// StatusOK means the step produced its data.
	StatusOK StepStatus = iota
	// StatusSoftFailure means no fatal error occurred but the expected
	// data was unavailable.
	StatusSoftFailure
	// StatusFatal means the step hit an unexpected automation failure.
	StatusFatal
)

// Outcome is a step's tagged result.
type Outcome struct {
	Status StepStatus
	Detail string
	Err    error
}

// OK reports a successful step.
func OK() Outcome {
	return Outcome{Status: StatusOK}
}

// SoftFailure reports missing data with a classified detail message.
func SoftFailure(detail string) Outcome {
	return Outcome{Status: StatusSoftFailure, Detail: detail}
}

// Fatal reports an unexpected failure.
func Fatal(err error) Outcome {
	return Outcome{Status: StatusFatal, Err: err}
}

// Step is one named unit of the pipeline.
type Step struct {
	Name string
	Run  func(ctx context.Context, res *Result) Outcome
}

// Policy decides what a soft failure does to the rest of the pipeline.
// The original system mixed both behaviours across steps; here one policy
// applies uniformly.
type Policy int

const (
	// PolicyContinue records the failure and proceeds to the next step.
	PolicyContinue Policy = iota
	// PolicyAbort stops the pipeline at the first soft failure.
	PolicyAbort
)

// ParsePolicy maps the configuration strings to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return PolicyContinue, nil
	case "abort":
		return PolicyAbort, nil
	}
	return PolicyContinue, fmt.Errorf("pipeline: unknown step policy %q", s)
}

// Result aggregates the output of one request. Per-step errors hold only
// classified messages; raw automation errors never reach the client.
type Result struct {
	Schedule     *portal.Schedule     `json:"schedule,omitempty"`
	Profile      *portal.Profile      `json:"profile,omitempty"`
	ExamSchedule *portal.ExamSchedule `json:"examSchedule,omitempty"`
	Tuition      *portal.Tuition      `json:"tuition,omitempty"`
	Errors       map[string]string    `json:"errors,omitempty"`
}

// SetError records a classified per-step error message.
func (r *Result) SetError(step, detail string) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[step] = detail
}

// StepError is returned by Run when the pipeline stops early.
type StepError struct {
	Step   string
	Detail string
	Err    error
	Fatal  bool
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline: step %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("pipeline: step %s: %s", e.Step, e.Detail)
}

// Unwrap exposes the underlying cause for errors.Is inspection.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Orchestrator executes steps in order under one policy.
type Orchestrator struct {
	policy Policy
	logger pslog.Logger
}

// New constructs an Orchestrator.
func New(policy Policy, logger pslog.Logger) *Orchestrator {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Orchestrator{policy: policy, logger: logger}
}

// Run executes the steps against res. A fatal outcome always stops the
// pipeline; a soft failure is recorded on res and either stops it
// (PolicyAbort) or lets it continue (PolicyContinue). The returned
// StepError is nil when the pipeline reached the end, even with recorded
// soft failures.
func (o *Orchestrator) Run(ctx context.Context, steps []Step, res *Result) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step.Name, Err: err, Fatal: true}
		}
		out := step.Run(ctx, res)
		switch out.Status {
		case StatusOK:
			o.logger.Debug("pipeline.step.ok", "step", step.Name)
		case StatusSoftFailure:
			o.logger.Warn("pipeline.step.soft_failure", "step", step.Name, "detail", out.Detail)
			res.SetError(step.Name, out.Detail)
			if o.policy == PolicyAbort {
				return &StepError{Step: step.Name, Detail: out.Detail}
			}
		case StatusFatal:
			o.logger.Error("pipeline.step.fatal", "step", step.Name, "error", out.Err)
			return &StepError{Step: step.Name, Err: out.Err, Fatal: true}
		}
	}
	return nil
}
