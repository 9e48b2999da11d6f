package gcp

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/api/cloudresourcemanager/v1"

	"github.com/genesis32/labsetup/resources"
)

// ProjectVerifyStep fails fast when the project is missing, unreadable or
// being deleted, before anything is written.
type ProjectVerifyStep struct {
	crm *cloudresourcemanager.Service
}

func (g *ProjectVerifyStep) Name() string {
	return "verify project"
}

func (g *ProjectVerifyStep) InternalKey() string {
	return ProjectVerifyInternalKey
}

func (g *ProjectVerifyStep) Execute(ctx context.Context, env *resources.Environment) (*resources.OperationResult, error) {
	projectID := env.Plan.ProjectID
	result := resources.NewOperationResult()

	project, err := g.crm.Projects.Get(projectID).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "project %s does not exist or the caller lacks permission", projectID)
	}
	if project.LifecycleState != projectStateActive {
		return nil, errors.Errorf("project %s is %s", projectID, project.LifecycleState)
	}

	result.AuditMetadata["projectNumber"] = project.ProjectNumber
	result.AuditHumanReadable = fmt.Sprintf("project %s (%d) is active", projectID, project.ProjectNumber)
	return result, nil
}
