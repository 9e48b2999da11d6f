// Package provisioner runs provisioning steps in order, retrying the ones
// that fail on propagation delays and stopping at the first fatal error.
package provisioner

import (
	"context"
	"fmt"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/genesis32/labsetup/config"
	"github.com/genesis32/labsetup/resources"
)

// StepError is the fatal error of a run. It names the step that failed.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
func (e *StepError) Cause() error  { return e.Err }

// StepReport describes how one step ended.
type StepReport struct {
	Name     string
	Outcome  resources.Outcome
	Attempts int
	Message  string
	Duration time.Duration
}

type Report struct {
	Steps []StepReport
}

// Changed reports whether any step wrote to the project.
func (r *Report) Changed() bool {
	for _, s := range r.Steps {
		if s.Outcome == resources.Changed {
			return true
		}
	}
	return false
}

type Provisioner struct {
	steps    []resources.ProvisioningStep
	settings *config.Settings
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) error
}

func New(steps []resources.ProvisioningStep, settings *config.Settings, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		steps:    steps,
		settings: settings,
		logger:   logger,
		sleep:    gax.Sleep,
	}
}

// Run executes every step against env. On failure the returned report holds
// the steps that completed and the error is a *StepError. Nothing is rolled
// back; running again resumes from the project's current state.
func (p *Provisioner) Run(ctx context.Context, env *resources.Environment) (*Report, error) {
	report := &Report{}

	for i, step := range p.steps {
		logger := p.logger.With().Str("step", step.Name()).Logger()
		logger.Info().Msgf("[%d/%d] %s", i+1, len(p.steps), step.Name())

		start := time.Now()
		result, attempts, err := p.runStep(ctx, logger, step, env)
		if err != nil {
			logger.Error().Err(err).Int("attempts", attempts).Str("provider", resources.ProviderMessage(err)).Msg("step failed, aborting")
			return report, &StepError{Step: step.Name(), Attempts: attempts, Err: err}
		}

		logger.Info().Str("outcome", result.Outcome.String()).Msg(result.AuditHumanReadable)
		report.Steps = append(report.Steps, StepReport{
			Name:     step.Name(),
			Outcome:  result.Outcome,
			Attempts: attempts,
			Message:  result.AuditHumanReadable,
			Duration: time.Since(start),
		})
	}
	return report, nil
}

func (p *Provisioner) runStep(ctx context.Context, logger zerolog.Logger, step resources.ProvisioningStep, env *resources.Environment) (*resources.OperationResult, int, error) {
	bo := gax.Backoff{
		Initial:    p.settings.InitialBackoff,
		Max:        p.settings.MaxBackoff,
		Multiplier: p.settings.Multiplier,
	}

	for attempt := 1; ; attempt++ {
		result, err := step.Execute(ctx, env)
		if err == nil {
			if result == nil {
				result = resources.NewOperationResult()
			}
			return result, attempt, nil
		}

		if resources.ClassifyError(err) != resources.Retryable {
			return nil, attempt, err
		}
		if attempt >= p.settings.MaxAttempts {
			return nil, attempt, errors.Wrapf(err, "still failing after %d attempts", attempt)
		}

		pause := bo.Pause()
		logger.Warn().Err(err).Int("attempt", attempt).Dur("pause", pause).Msg("transient failure, retrying")
		if err := p.sleep(ctx, pause); err != nil {
			return nil, attempt, errors.Wrap(err, "interrupted while waiting to retry")
		}
	}
}
