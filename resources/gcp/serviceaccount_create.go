package gcp

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/api/iam/v1"

	"github.com/genesis32/labsetup/resources"
	"github.com/genesis32/labsetup/utils"
)

type ServiceAccountCreateStep struct {
	iam *iam.Service
}

func (g *ServiceAccountCreateStep) Name() string {
	return "create service account"
}

func (g *ServiceAccountCreateStep) InternalKey() string {
	return ServiceAccountCreateInternalKey
}

func (g *ServiceAccountCreateStep) Execute(ctx context.Context, env *resources.Environment) (*resources.OperationResult, error) {
	spec := env.Plan.ServiceAccount
	email := utils.ServiceAccountEmail(env.Plan.ProjectID, spec.AccountID)
	resourceName := utils.ServiceAccountResourceName(email)
	result := resources.NewOperationResult()

	request := &iam.CreateServiceAccountRequest{
		AccountId: spec.AccountID,
		ServiceAccount: &iam.ServiceAccount{
			DisplayName: spec.DisplayName,
			Description: spec.Description,
		},
	}

	serviceAccount, err := g.iam.Projects.ServiceAccounts.Create(utils.ProjectResourceName(env.Plan.ProjectID), request).Context(ctx).Do()
	switch {
	case err == nil:
		env.Logger.Info().Str("email", serviceAccount.Email).Msg("created service account")
		result.MarkChanged()
	case resources.IsAlreadyExists(err):
		env.Logger.Info().Str("email", email).Msg("service account already exists")
		serviceAccount, err = g.iam.Projects.ServiceAccounts.Get(resourceName).Context(ctx).Do()
		if resources.IsNotFound(err) {
			return nil, resources.Transient(errors.Wrapf(err, "service account %s reported as existing but is not visible yet", email))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "GetServiceAccount %s failed", email)
		}
	default:
		return nil, errors.Wrapf(err, "CreateServiceAccount failed")
	}

	if serviceAccount.Disabled {
		env.Logger.Info().Str("email", email).Msg("enabling disabled service account")
		_, err = g.iam.Projects.ServiceAccounts.Enable(resourceName, &iam.EnableServiceAccountRequest{}).Context(ctx).Do()
		if err != nil {
			return nil, errors.Wrapf(err, "EnableServiceAccount %s failed", email)
		}
		result.MarkChanged()
	}

	if serviceAccount.Email != "" {
		email = serviceAccount.Email
	}
	env.ServiceAccountEmail = email
	result.AuditMetadata["email"] = email
	result.AuditMetadata["uniqueId"] = serviceAccount.UniqueId
	result.AuditHumanReadable = fmt.Sprintf("service account %s ready", email)
	return result, nil
}
