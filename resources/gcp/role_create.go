package gcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"google.golang.org/api/iam/v1"

	"github.com/genesis32/labsetup/config"
	"github.com/genesis32/labsetup/resources"
	"github.com/genesis32/labsetup/utils"
)

// CustomRoleCreateStep creates the project's custom role, or brings an
// existing (possibly soft-deleted) role back to exactly the planned shape.
type CustomRoleCreateStep struct {
	iam *iam.Service
}

func (g *CustomRoleCreateStep) Name() string {
	return "create custom role"
}

func (g *CustomRoleCreateStep) InternalKey() string {
	return CustomRoleCreateInternalKey
}

func (g *CustomRoleCreateStep) Execute(ctx context.Context, env *resources.Environment) (*resources.OperationResult, error) {
	spec := env.Plan.Role
	parent := utils.ProjectResourceName(env.Plan.ProjectID)
	name := utils.RoleResourceName(env.Plan.ProjectID, spec.ID)
	logger := env.Logger.With().Str("role", name).Logger()
	result := resources.NewOperationResult()

	request := &iam.CreateRoleRequest{RoleId: spec.ID, Role: desiredRole(spec)}
	role, err := g.iam.Projects.Roles.Create(parent, request).Context(ctx).Do()
	switch {
	case err == nil:
		logger.Info().Msg("created custom role")
		result.MarkChanged()
	case resources.IsAlreadyExists(err), g.softDeleted(ctx, name, err):
		logger.Info().Msg("custom role already exists, reconciling")
		role, err = g.reconcile(ctx, env, name, result)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(err, "CreateRole %s failed", spec.ID)
	}

	env.RoleName = role.Name
	result.AuditMetadata["role"] = role.Name
	result.AuditMetadata["permissions"] = role.IncludedPermissions
	result.AuditHumanReadable = fmt.Sprintf("role %s has %d permissions", role.Name, len(role.IncludedPermissions))
	return result, nil
}

func (g *CustomRoleCreateStep) reconcile(ctx context.Context, env *resources.Environment, name string, result *resources.OperationResult) (*iam.Role, error) {
	spec := env.Plan.Role

	role, err := g.iam.Projects.Roles.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "GetRole %s failed", name)
	}

	if role.Deleted {
		env.Logger.Info().Str("role", name).Msg("undeleting soft-deleted custom role")
		role, err = g.iam.Projects.Roles.Undelete(name, &iam.UndeleteRoleRequest{Etag: role.Etag}).Context(ctx).Do()
		if resources.HasErrorCode(err, http.StatusConflict) {
			return nil, resources.Transient(errors.Wrapf(err, "role %s changed while undeleting", name))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "UndeleteRole %s failed", name)
		}
		result.MarkChanged()
	}

	if RoleMatches(role, spec) {
		return role, nil
	}

	patch := desiredRole(spec)
	patch.Etag = role.Etag
	role, err = g.iam.Projects.Roles.Patch(name, patch).UpdateMask(roleUpdateMask).Context(ctx).Do()
	if resources.HasErrorCode(err, http.StatusConflict) {
		return nil, resources.Transient(errors.Wrapf(err, "role %s changed while updating", name))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "UpdateRole %s failed", name)
	}
	env.Logger.Info().Str("role", name).Msg("updated custom role")
	result.MarkChanged()
	return role, nil
}

func desiredRole(spec config.RoleSpec) *iam.Role {
	return &iam.Role{
		Title:               spec.Title,
		Description:         spec.Description,
		Stage:               spec.Stage,
		IncludedPermissions: append([]string(nil), spec.Permissions...),
	}
}

// RoleMatches reports whether role is live and carries exactly the planned
// title, description, stage and permission set.
func RoleMatches(role *iam.Role, spec config.RoleSpec) bool {
	return !role.Deleted &&
		role.Title == spec.Title &&
		role.Description == spec.Description &&
		role.Stage == spec.Stage &&
		utils.SameStringSet(role.IncludedPermissions, spec.Permissions)
}

// softDeleted reports whether a 400 from CreateRole was caused by a
// soft-deleted role holding the id. The error text varies, so the role is read.
func (g *CustomRoleCreateStep) softDeleted(ctx context.Context, name string, err error) bool {
	if !resources.HasErrorCode(err, http.StatusBadRequest) {
		return false
	}
	role, getErr := g.iam.Projects.Roles.Get(name).Context(ctx).Do()
	return getErr == nil && role.Deleted
}
