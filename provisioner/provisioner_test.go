package provisioner

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/genesis32/labsetup/config"
	"github.com/genesis32/labsetup/resources"
)

type scriptedStep struct {
	name    string
	errs    []error
	outcome resources.Outcome
	calls   int
}

func (s *scriptedStep) Name() string        { return s.name }
func (s *scriptedStep) InternalKey() string { return "test." + s.name }

func (s *scriptedStep) Execute(ctx context.Context, env *resources.Environment) (*resources.OperationResult, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	result := resources.NewOperationResult()
	result.Outcome = s.outcome
	result.AuditHumanReadable = s.name + " done"
	return result, nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func newTestProvisioner(steps ...resources.ProvisioningStep) (*Provisioner, *[]time.Duration) {
	p := New(steps, testSettings(), zerolog.Nop())
	var pauses []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return ctx.Err()
	}
	return p, &pauses
}

func testEnv() *resources.Environment {
	return resources.NewEnvironment(config.NewLabPlan("lab-1"), testSettings(), zerolog.Nop())
}

func TestRunExecutesStepsInOrder(t *testing.T) {
	first := &scriptedStep{name: "first", outcome: resources.Changed}
	second := &scriptedStep{name: "second", outcome: resources.AlreadySatisfied}
	p, pauses := newTestProvisioner(first, second)

	report, err := p.Run(context.Background(), testEnv())
	require.NoError(t, err)

	require.Len(t, report.Steps, 2)
	assert.Equal(t, "first", report.Steps[0].Name)
	assert.Equal(t, resources.Changed, report.Steps[0].Outcome)
	assert.Equal(t, "second", report.Steps[1].Name)
	assert.Equal(t, resources.AlreadySatisfied, report.Steps[1].Outcome)
	assert.True(t, report.Changed())
	assert.Empty(t, *pauses)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	flaky := &scriptedStep{
		name: "flaky",
		errs: []error{
			&googleapi.Error{Code: http.StatusServiceUnavailable},
			resources.Transient(errors.New("not visible yet")),
		},
		outcome: resources.Changed,
	}
	p, pauses := newTestProvisioner(flaky)

	report, err := p.Run(context.Background(), testEnv())
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 3, report.Steps[0].Attempts)
	assert.Len(t, *pauses, 2)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	stuck := &scriptedStep{
		name: "stuck",
		errs: []error{
			&googleapi.Error{Code: http.StatusTooManyRequests},
			&googleapi.Error{Code: http.StatusTooManyRequests},
			&googleapi.Error{Code: http.StatusTooManyRequests},
			&googleapi.Error{Code: http.StatusTooManyRequests},
		},
	}
	never := &scriptedStep{name: "never"}
	p, _ := newTestProvisioner(stuck, never)

	report, err := p.Run(context.Background(), testEnv())
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "stuck", stepErr.Step)
	assert.Equal(t, 3, stepErr.Attempts)
	assert.Equal(t, 3, stuck.calls)
	assert.Zero(t, never.calls)
	assert.Empty(t, report.Steps)
}

func TestRunAbortsOnFatalError(t *testing.T) {
	ok := &scriptedStep{name: "ok", outcome: resources.AlreadySatisfied}
	denied := &scriptedStep{
		name: "denied",
		errs: []error{errors.Wrap(&googleapi.Error{Code: http.StatusForbidden, Message: "Permission denied"}, "enable")},
	}
	never := &scriptedStep{name: "never"}
	p, pauses := newTestProvisioner(ok, denied, never)

	report, err := p.Run(context.Background(), testEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "denied" failed`)
	assert.Contains(t, err.Error(), "Permission denied")
	assert.Equal(t, 1, denied.calls)
	assert.Zero(t, never.calls)
	assert.Empty(t, *pauses)
	require.Len(t, report.Steps, 1)
	assert.False(t, report.Changed())
}

func TestRunStopsWhenContextIsCancelled(t *testing.T) {
	flaky := &scriptedStep{
		name: "flaky",
		errs: []error{&googleapi.Error{Code: http.StatusServiceUnavailable}},
	}
	p, _ := newTestProvisioner(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, testEnv())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, flaky.calls)
}
