package gcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"google.golang.org/api/cloudresourcemanager/v1"

	"github.com/genesis32/labsetup/resources"
	"github.com/genesis32/labsetup/utils"
)

// RoleBindingStep grants the custom role, plus any additional roles, to the
// service account with a read-modify-write of the project IAM policy.
type RoleBindingStep struct {
	crm *cloudresourcemanager.Service
}

func (g *RoleBindingStep) Name() string {
	return "bind roles"
}

func (g *RoleBindingStep) InternalKey() string {
	return RoleBindingInternalKey
}

func (g *RoleBindingStep) Execute(ctx context.Context, env *resources.Environment) (*resources.OperationResult, error) {
	if env.ServiceAccountEmail == "" || env.RoleName == "" {
		return nil, errors.New("service account and custom role must be provisioned before binding")
	}

	projectID := env.Plan.ProjectID
	member := utils.ServiceAccountMember(env.ServiceAccountEmail)
	roles := append([]string{env.RoleName}, env.Plan.AdditionalRoles...)
	result := resources.NewOperationResult()

	getRequest := &cloudresourcemanager.GetIamPolicyRequest{
		Options: &cloudresourcemanager.GetPolicyOptions{RequestedPolicyVersion: conditionalPolicyVersion},
	}
	policy, err := g.crm.Projects.GetIamPolicy(projectID, getRequest).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "GetIamPolicy %s failed", projectID)
	}

	var granted []string
	for _, role := range roles {
		if AddBinding(policy, role, member) {
			granted = append(granted, role)
		}
	}
	result.AuditMetadata["member"] = member
	result.AuditMetadata["granted"] = granted

	if len(granted) == 0 {
		env.Logger.Info().Str("member", member).Msg("member already holds every role, no changes needed")
		result.AuditHumanReadable = fmt.Sprintf("%s already bound to %d roles", member, len(roles))
		return result, nil
	}

	_, err = g.crm.Projects.SetIamPolicy(projectID, &cloudresourcemanager.SetIamPolicyRequest{Policy: policy}).Context(ctx).Do()
	if resources.HasErrorCode(err, http.StatusConflict) {
		return nil, resources.Transient(errors.Wrap(err, "project IAM policy changed concurrently"))
	}
	if resources.HasErrorCode(err, http.StatusBadRequest) && resources.ErrorMentions(err, "does not exist") {
		// A freshly created service account is not yet visible to IAM.
		return nil, resources.Transient(errors.Wrapf(err, "%s not visible to IAM yet", member))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "SetIamPolicy %s failed", projectID)
	}

	for _, role := range granted {
		env.Logger.Info().Str("member", member).Str("role", role).Msg("granted project-level IAM role")
	}
	result.MarkChanged()
	result.AuditHumanReadable = fmt.Sprintf("granted %d roles to %s", len(granted), member)
	return result, nil
}

// AddBinding adds member to the unconditional binding for role, appending a
// new binding if there is none. Other bindings are never touched. It reports
// whether the policy changed.
func AddBinding(policy *cloudresourcemanager.Policy, role, member string) bool {
	var binding *cloudresourcemanager.Binding
	for _, b := range policy.Bindings {
		if b.Role == role && b.Condition == nil {
			binding = b
			break
		}
	}

	if binding == nil {
		policy.Bindings = append(policy.Bindings, &cloudresourcemanager.Binding{Role: role, Members: []string{member}})
	} else if utils.ContainsString(binding.Members, member) {
		return false
	} else {
		binding.Members = append(binding.Members, member)
	}

	if policy.Version < conditionalPolicyVersion && hasConditions(policy) {
		policy.Version = conditionalPolicyVersion
	}
	return true
}

func hasConditions(policy *cloudresourcemanager.Policy) bool {
	for _, b := range policy.Bindings {
		if b.Condition != nil {
			return true
		}
	}
	return false
}
