package gcp

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/iam/v1"
	"google.golang.org/api/option"
	orgpolicy "google.golang.org/api/orgpolicy/v2"
	serviceusage "google.golang.org/api/serviceusage/v1"

	"github.com/genesis32/labsetup/resources"
)

// Services bundles the Google API clients a provisioning run talks to.
type Services struct {
	IAM             *iam.Service
	ResourceManager *cloudresourcemanager.Service
	ServiceUsage    *serviceusage.Service
	OrgPolicy       *orgpolicy.Service
}

func NewServices(ctx context.Context, opts ...option.ClientOption) (*Services, error) {
	iamService, err := iam.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "iam.NewService failed")
	}

	crmService, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "cloudresourcemanager.NewService failed")
	}

	serviceUsage, err := serviceusage.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "serviceusage.NewService failed")
	}

	orgPolicy, err := orgpolicy.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "orgpolicy.NewService failed")
	}

	return &Services{
		IAM:             iamService,
		ResourceManager: crmService,
		ServiceUsage:    serviceUsage,
		OrgPolicy:       orgPolicy,
	}, nil
}

// LabSteps returns the provisioning steps in the order they must run.
func LabSteps(s *Services) []resources.ProvisioningStep {
	return []resources.ProvisioningStep{
		&ProjectVerifyStep{crm: s.ResourceManager},
		&APIEnableStep{serviceUsage: s.ServiceUsage},
		&OrgPolicyUpdateStep{orgPolicy: s.OrgPolicy},
		&CustomRoleCreateStep{iam: s.IAM},
		&ServiceAccountCreateStep{iam: s.IAM},
		&RoleBindingStep{crm: s.ResourceManager},
		&ServiceAccountKeyCreateStep{iam: s.IAM},
	}
}
