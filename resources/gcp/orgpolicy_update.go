package gcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	orgpolicy "google.golang.org/api/orgpolicy/v2"

	"github.com/genesis32/labsetup/config"
	"github.com/genesis32/labsetup/resources"
	"github.com/genesis32/labsetup/utils"
)

// OrgPolicyUpdateStep sets each project-level policy of the plan to a
// single unconditional rule.
type OrgPolicyUpdateStep struct {
	orgPolicy *orgpolicy.Service
}

func (g *OrgPolicyUpdateStep) Name() string {
	return "update org policies"
}

func (g *OrgPolicyUpdateStep) InternalKey() string {
	return OrgPolicyUpdateInternalKey
}

func (g *OrgPolicyUpdateStep) Execute(ctx context.Context, env *resources.Environment) (*resources.OperationResult, error) {
	result := resources.NewOperationResult()

	var updated []string
	for _, rule := range env.Plan.Policies {
		changed, err := g.apply(ctx, env, rule)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to set %s", rule)
		}
		if changed {
			updated = append(updated, rule.String())
			result.MarkChanged()
		}
	}

	result.AuditMetadata["updated"] = updated
	result.AuditHumanReadable = fmt.Sprintf("%d of %d policies updated", len(updated), len(env.Plan.Policies))
	return result, nil
}

func (g *OrgPolicyUpdateStep) apply(ctx context.Context, env *resources.Environment, rule config.PolicyRule) (bool, error) {
	parent := utils.ProjectResourceName(env.Plan.ProjectID)
	name := utils.PolicyResourceName(env.Plan.ProjectID, rule.Constraint)
	logger := env.Logger.With().Str("constraint", rule.Constraint).Logger()

	current, err := g.orgPolicy.Projects.Policies.Get(name).Context(ctx).Do()
	if resources.IsNotFound(err) {
		logger.Info().Str("rule", rule.String()).Msg("creating org policy")
		_, err = g.orgPolicy.Projects.Policies.Create(parent, DesiredPolicy(name, rule)).Context(ctx).Do()
		if resources.IsAlreadyExists(err) {
			// Created concurrently; the retry will patch it.
			return false, resources.Transient(err)
		}
		if err != nil {
			return false, errors.Wrap(err, "create failed")
		}
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "get failed")
	}

	if PolicySatisfies(current, rule) {
		logger.Debug().Msg("org policy already in desired state")
		return false, nil
	}

	logger.Info().Str("rule", rule.String()).Msg("updating org policy")
	desired := DesiredPolicy(name, rule)
	desired.Etag = current.Etag
	_, err = g.orgPolicy.Projects.Policies.Patch(name, desired).Context(ctx).Do()
	if resources.HasErrorCode(err, http.StatusConflict) || resources.HasErrorCode(err, http.StatusPreconditionFailed) {
		return false, resources.Transient(errors.Wrap(err, "policy changed while updating"))
	}
	if err != nil {
		return false, errors.Wrap(err, "patch failed")
	}
	return true, nil
}

// DesiredPolicy builds the policy for rule. Boolean rules always send
// enforce, since false is the value that matters here and the JSON encoder
// would drop it.
func DesiredPolicy(name string, rule config.PolicyRule) *orgpolicy.GoogleCloudOrgpolicyV2Policy {
	policyRule := &orgpolicy.GoogleCloudOrgpolicyV2PolicySpecPolicyRule{}
	switch rule.Kind {
	case config.BooleanPolicy:
		policyRule.Enforce = rule.Enforce
		policyRule.ForceSendFields = []string{"Enforce"}
	case config.ListPolicy:
		policyRule.AllowAll = rule.AllowAll
		policyRule.DenyAll = rule.DenyAll
	}

	return &orgpolicy.GoogleCloudOrgpolicyV2Policy{
		Name: name,
		Spec: &orgpolicy.GoogleCloudOrgpolicyV2PolicySpec{
			Rules: []*orgpolicy.GoogleCloudOrgpolicyV2PolicySpecPolicyRule{policyRule},
		},
	}
}

// PolicySatisfies reports whether policy already consists of exactly the
// single unconditional rule described by rule.
func PolicySatisfies(policy *orgpolicy.GoogleCloudOrgpolicyV2Policy, rule config.PolicyRule) bool {
	if policy == nil || policy.Spec == nil || policy.Spec.Reset || policy.Spec.InheritFromParent {
		return false
	}
	if len(policy.Spec.Rules) != 1 {
		return false
	}

	r := policy.Spec.Rules[0]
	if r.Condition != nil || r.Values != nil {
		return false
	}
	switch rule.Kind {
	case config.BooleanPolicy:
		return r.Enforce == rule.Enforce && !r.AllowAll && !r.DenyAll
	case config.ListPolicy:
		return r.AllowAll == rule.AllowAll && r.DenyAll == rule.DenyAll && !r.Enforce
	}
	return false
}
