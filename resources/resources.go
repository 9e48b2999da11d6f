package resources

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/genesis32/labsetup/config"
)

// Outcome is what a successful step did to the project.
type Outcome int

const (
	// Changed means the step wrote to the project.
	Changed Outcome = iota
	// AlreadySatisfied means the project was already in the desired state.
	AlreadySatisfied
)

func (o Outcome) String() string {
	switch o {
	case Changed:
		return "changed"
	case AlreadySatisfied:
		return "already satisfied"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type OperationMetadata map[string]interface{}

type OperationResult struct {
	Outcome            Outcome
	AuditMetadata      OperationMetadata
	AuditHumanReadable string
}

func NewOperationResult() *OperationResult {
	return &OperationResult{Outcome: AlreadySatisfied, AuditMetadata: make(OperationMetadata)}
}

// MarkChanged records that the step wrote something. A step that wrote
// anything is Changed even if other parts were already satisfied.
func (r *OperationResult) MarkChanged() {
	r.Outcome = Changed
}

// Environment carries the run's inputs and the identifiers later steps need
// from earlier ones.
type Environment struct {
	Plan     *config.Plan
	Settings *config.Settings
	Logger   zerolog.Logger

	RoleName            string
	ServiceAccountEmail string
	KeyName             string
	KeyFilePath         string
}

func NewEnvironment(plan *config.Plan, settings *config.Settings, logger zerolog.Logger) *Environment {
	return &Environment{Plan: plan, Settings: settings, Logger: logger}
}

// ProvisioningStep is one named, idempotent operation of a run.
// Execute returns either a result or an error; ClassifyError decides whether
// the error is retried.
type ProvisioningStep interface {
	Name() string
	InternalKey() string
	Execute(ctx context.Context, env *Environment) (*OperationResult, error)
}

// FindStep returns the step registered under internalKey, or nil.
func FindStep(steps []ProvisioningStep, internalKey string) ProvisioningStep {
	for _, v := range steps {
		if internalKey == v.InternalKey() {
			return v
		}
	}
	return nil
}
