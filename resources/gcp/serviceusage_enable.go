package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/pkg/errors"
	serviceusage "google.golang.org/api/serviceusage/v1"

	"github.com/genesis32/labsetup/resources"
	"github.com/genesis32/labsetup/utils"
)

// APIEnableStep turns on every API of the plan. Already enabled APIs are
// left alone.
type APIEnableStep struct {
	serviceUsage *serviceusage.Service
}

func (g *APIEnableStep) Name() string {
	return "enable APIs"
}

func (g *APIEnableStep) InternalKey() string {
	return APIEnableInternalKey
}

func (g *APIEnableStep) Execute(ctx context.Context, env *resources.Environment) (*resources.OperationResult, error) {
	projectID := env.Plan.ProjectID
	result := resources.NewOperationResult()

	var enabled []string
	for _, api := range env.Plan.APIs {
		name := utils.ServiceResourceName(projectID, api)

		service, err := g.serviceUsage.Services.Get(name).Context(ctx).Do()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read state of %s", api)
		}
		if service.State == serviceStateEnabled {
			env.Logger.Debug().Str("api", api).Msg("API already enabled")
			continue
		}

		env.Logger.Info().Str("api", api).Msg("enabling API")
		operation, err := g.serviceUsage.Services.Enable(name, &serviceusage.EnableServiceRequest{}).Context(ctx).Do()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to enable %s", api)
		}
		if err := g.waitForOperation(ctx, operation, env.Settings.OperationPollInterval); err != nil {
			return nil, errors.Wrapf(err, "failed to enable %s", api)
		}

		enabled = append(enabled, api)
		result.MarkChanged()
	}

	result.AuditMetadata["enabled"] = enabled
	if len(enabled) == 0 {
		result.AuditHumanReadable = fmt.Sprintf("all %d APIs already enabled", len(env.Plan.APIs))
	} else {
		result.AuditHumanReadable = fmt.Sprintf("enabled %s", strings.Join(enabled, ", "))
	}
	return result, nil
}

func (g *APIEnableStep) waitForOperation(ctx context.Context, operation *serviceusage.Operation, interval time.Duration) error {
	var err error
	for !operation.Done {
		if err := gax.Sleep(ctx, interval); err != nil {
			return err
		}

		operation, err = g.serviceUsage.Operations.Get(operation.Name).Context(ctx).Do()
		if err != nil {
			return errors.Wrap(err, "failed to poll operation status")
		}
	}

	if operation.Error != nil {
		return errors.Errorf("operation %s failed: %d: %s", operation.Name, operation.Error.Code, operation.Error.Message)
	}
	return nil
}
