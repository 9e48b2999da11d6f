// Package quotas blocks Vertex AI models a lab must not use by setting their
// per-model consumer quota to zero.
package quotas

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	serviceusagebeta "google.golang.org/api/serviceusage/v1beta1"

	"github.com/genesis32/labsetup/config"
	"github.com/genesis32/labsetup/resources"
	"github.com/genesis32/labsetup/utils"
)

const (
	VertexAIService    = "aiplatform.googleapis.com"
	BaseModelDimension = "base_model"
)

// Decision is what the restrictor concluded for one quota bucket.
type Decision int

const (
	// Blocked buckets get a zero override (or would, in a dry run).
	Blocked Decision = iota
	SkippedOverride
	SkippedAllowed
	SkippedZero
)

func (d Decision) String() string {
	switch d {
	case Blocked:
		return "blocked"
	case SkippedOverride:
		return "override exists"
	case SkippedAllowed:
		return "allowed"
	case SkippedZero:
		return "limit is already 0"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Finding is one base_model quota bucket and what happened to it.
type Finding struct {
	Metric         string
	Limit          string
	Model          string
	Dimensions     map[string]string
	EffectiveLimit int64
	Decision       Decision
	// Applied is set once a zero override was created for a Blocked bucket.
	Applied bool
}

type Report struct {
	ProjectID string
	DryRun    bool
	Findings  []Finding
}

// Count returns the number of findings with decision d.
func (r *Report) Count(d Decision) int {
	n := 0
	for _, f := range r.Findings {
		if f.Decision == d {
			n++
		}
	}
	return n
}

// Applied returns the number of zero overrides created.
func (r *Report) Applied() int {
	n := 0
	for _, f := range r.Findings {
		if f.Applied {
			n++
		}
	}
	return n
}

type Restrictor struct {
	metrics  *serviceusagebeta.ServicesConsumerQuotaMetricsService
	settings *config.Settings
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) error
}

func NewRestrictor(ctx context.Context, settings *config.Settings, logger zerolog.Logger, opts ...option.ClientOption) (*Restrictor, error) {
	service, err := serviceusagebeta.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "serviceusage.NewService failed")
	}
	return &Restrictor{
		metrics:  service.Services.ConsumerQuotaMetrics,
		settings: settings,
		logger:   logger,
		sleep:    gax.Sleep,
	}, nil
}

// scan carries the state of one Restrict call.
type scan struct {
	report   *Report
	allowed  map[string]bool
	failures *multierror.Error
}

// Restrict scans every Vertex AI consumer quota of the project and, unless
// dryRun is set, creates a zero override for each base_model bucket whose
// model is not in allowed. Buckets that already carry an override with the
// same dimensions, or whose limit is already 0, are left alone. A failed
// override does not stop the scan; all failures come back as one error
// together with the full report.
func (r *Restrictor) Restrict(ctx context.Context, projectID string, allowed []string, dryRun bool) (*Report, error) {
	models := utils.SortedUnique(allowed)
	s := &scan{
		report:  &Report{ProjectID: projectID, DryRun: dryRun},
		allowed: make(map[string]bool),
	}
	for _, model := range models {
		s.allowed[model] = true
	}

	r.logger.Info().
		Str("project", projectID).
		Strs("allowed", models).
		Bool("dryRun", dryRun).
		Msg("scanning Vertex AI model quotas")

	parent := utils.ServiceResourceName(projectID, VertexAIService)
	err := r.metrics.List(parent).Pages(ctx, func(page *serviceusagebeta.ListConsumerQuotaMetricsResponse) error {
		for _, metric := range page.Metrics {
			display := metric.DisplayName
			if display == "" {
				display = metric.Name
			}
			for _, limit := range metric.ConsumerQuotaLimits {
				if err := r.restrictLimit(ctx, s, display, limit); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if resources.HasErrorCode(err, http.StatusForbidden) {
			err = errors.Wrap(err, "listing quotas needs the Service Usage Consumer and Quota Administrator roles")
		}
		return s.report, errors.Wrapf(err, "failed to list consumer quota metrics of %s", parent)
	}

	r.logger.Info().
		Int("blocked", s.report.Count(Blocked)).
		Int("applied", s.report.Applied()).
		Int("allowed", s.report.Count(SkippedAllowed)).
		Int("overridden", s.report.Count(SkippedOverride)).
		Int("zero", s.report.Count(SkippedZero)).
		Msg("quota scan finished")
	return s.report, s.failures.ErrorOrNil()
}

// restrictLimit handles the base_model buckets of one limit. Only context
// cancellation is returned; override failures are collected in s.
func (r *Restrictor) restrictLimit(ctx context.Context, s *scan, display string, limit *serviceusagebeta.ConsumerQuotaLimit) error {
	overrides := r.existingOverrides(ctx, limit.Name)

	for _, bucket := range limit.QuotaBuckets {
		model, ok := bucket.Dimensions[BaseModelDimension]
		if !ok {
			continue
		}

		finding := Finding{
			Metric:         display,
			Limit:          limit.Name,
			Model:          model,
			Dimensions:     bucket.Dimensions,
			EffectiveLimit: bucket.EffectiveLimit,
		}
		logger := r.logger.With().Str("model", model).Str("metric", display).Logger()

		switch {
		case hasOverride(overrides, bucket.Dimensions):
			finding.Decision = SkippedOverride
			logger.Info().Msg("skipping, override exists")
		case s.allowed[model]:
			finding.Decision = SkippedAllowed
			logger.Debug().Msg("model allowed")
		case bucket.EffectiveLimit == 0:
			finding.Decision = SkippedZero
			logger.Info().Msg("skipping, limit is already 0")
		default:
			finding.Decision = Blocked
			logger.Info().Int64("currentLimit", bucket.EffectiveLimit).Msg("blocking model")
			if !s.report.DryRun {
				if err := r.createZeroOverride(ctx, limit.Name, bucket.Dimensions); err != nil {
					logger.Error().Err(err).Msg("failed to create override")
					s.failures = multierror.Append(s.failures, err)
				} else {
					finding.Applied = true
				}
				if err := r.sleep(ctx, r.settings.QuotaCreatePause); err != nil {
					s.report.Findings = append(s.report.Findings, finding)
					return errors.Wrap(err, "interrupted between override creations")
				}
			}
		}
		s.report.Findings = append(s.report.Findings, finding)
	}
	return nil
}

// existingOverrides lists the consumer overrides of a limit. Some limits do
// not support overrides at all, so a failure reads as none.
func (r *Restrictor) existingOverrides(ctx context.Context, limitName string) []*serviceusagebeta.QuotaOverride {
	var overrides []*serviceusagebeta.QuotaOverride
	err := r.metrics.Limits.ConsumerOverrides.List(limitName).Pages(ctx, func(page *serviceusagebeta.ListConsumerOverridesResponse) error {
		overrides = append(overrides, page.Overrides...)
		return nil
	})
	if err != nil {
		r.logger.Debug().Err(err).Str("limit", limitName).Msg("cannot list overrides, assuming none")
		return nil
	}
	return overrides
}

// createZeroOverride forces the override because the API refuses large
// decreases otherwise.
func (r *Restrictor) createZeroOverride(ctx context.Context, limitName string, dimensions map[string]string) error {
	override := &serviceusagebeta.QuotaOverride{
		OverrideValue:   0,
		Dimensions:      dimensions,
		ForceSendFields: []string{"OverrideValue"},
	}
	op, err := r.metrics.Limits.ConsumerOverrides.Create(limitName, override).Force(true).Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "override of %s for %s failed", utils.LastSegment(limitName), dimensions[BaseModelDimension])
	}
	if op.Done && op.Error != nil {
		return errors.Errorf("override of %s for %s failed: %d: %s", utils.LastSegment(limitName), dimensions[BaseModelDimension], op.Error.Code, op.Error.Message)
	}
	return nil
}

func hasOverride(overrides []*serviceusagebeta.QuotaOverride, dimensions map[string]string) bool {
	for _, o := range overrides {
		if maps.Equal(o.Dimensions, dimensions) {
			return true
		}
	}
	return false
}
