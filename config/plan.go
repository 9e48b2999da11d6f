package config

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	KeyCreationConstraint        = "iam.disableServiceAccountKeyCreation"
	ManagedKeyCreationConstraint = "iam.managed.disableServiceAccountKeyCreation"
	LifetimeExtensionConstraint  = "iam.allowServiceAccountCredentialLifetimeExtension"

	LabRunnerRoleID          = "dlai_lab_runner"
	LabRunnerRoleTitle       = "DLAI Lab Runner Role"
	LabRunnerRoleDescription = "Invoke Vertex AI endpoints and mint tokens for the lab service account"
	LabRunnerRoleStage       = "GA"

	LabServiceAccountID          = "dlai-lab-sa"
	LabServiceAccountDisplayName = "DLAI Lab Service Account"
	LabServiceAccountDescription = "Service account used by the DLAI lab notebooks"

	CredentialsFileName = "credentials.json"
)

// RequiredAPIs are enabled on the project before anything else.
var RequiredAPIs = []string{
	"iam.googleapis.com",
	"aiplatform.googleapis.com",
	"cloudresourcemanager.googleapis.com",
	"serviceusage.googleapis.com",
}

var LabRunnerPermissions = []string{
	"aiplatform.endpoints.get",
	"aiplatform.endpoints.predict",
	"iam.serviceAccounts.get",
	"iam.serviceAccounts.getAccessToken",
	"iam.serviceAccounts.getOpenIdToken",
}

// PolicyKind is the shape of an organization policy value.
type PolicyKind int

const (
	// BooleanPolicy constraints are either enforced or not.
	BooleanPolicy PolicyKind = iota
	// ListPolicy constraints carry allowed/denied values; only allow-all and
	// deny-all are supported here.
	ListPolicy
)

func (k PolicyKind) String() string {
	switch k {
	case BooleanPolicy:
		return "boolean"
	case ListPolicy:
		return "list"
	default:
		return fmt.Sprintf("PolicyKind(%d)", int(k))
	}
}

// PolicyRule is the desired single rule of a project-level org policy.
type PolicyRule struct {
	Constraint string
	Kind       PolicyKind
	Enforce    bool
	AllowAll   bool
	DenyAll    bool
}

func (r PolicyRule) String() string {
	switch r.Kind {
	case BooleanPolicy:
		if r.Enforce {
			return r.Constraint + "=enforce"
		}
		return r.Constraint + "=not-enforced"
	case ListPolicy:
		if r.DenyAll {
			return r.Constraint + "=deny-all"
		}
		return r.Constraint + "=allow-all"
	}
	return r.Constraint
}

func (r PolicyRule) Validate() error {
	if r.Constraint == "" {
		return errors.New("policy rule has no constraint")
	}
	switch r.Kind {
	case BooleanPolicy:
		if r.AllowAll || r.DenyAll {
			return errors.Errorf("boolean constraint %s cannot carry allow-all/deny-all", r.Constraint)
		}
	case ListPolicy:
		if r.Enforce {
			return errors.Errorf("list constraint %s cannot be enforced", r.Constraint)
		}
		if r.AllowAll == r.DenyAll {
			return errors.Errorf("list constraint %s needs exactly one of allow-all/deny-all", r.Constraint)
		}
	default:
		return errors.Errorf("constraint %s has unknown kind %v", r.Constraint, r.Kind)
	}
	return nil
}

type RoleSpec struct {
	ID          string
	Title       string
	Description string
	Stage       string
	Permissions []string
}

type ServiceAccountSpec struct {
	AccountID   string
	DisplayName string
	Description string
}

// Plan is everything a run provisions into one project.
type Plan struct {
	ProjectID       string
	APIs            []string
	Policies        []PolicyRule
	Role            RoleSpec
	ServiceAccount  ServiceAccountSpec
	AdditionalRoles []string
	KeyFile         string
}

// NewLabPlan returns the fixed lab plan for projectID.
func NewLabPlan(projectID string) *Plan {
	return &Plan{
		ProjectID: projectID,
		APIs:      append([]string(nil), RequiredAPIs...),
		Policies: []PolicyRule{
			{Constraint: KeyCreationConstraint, Kind: BooleanPolicy, Enforce: false},
			{Constraint: ManagedKeyCreationConstraint, Kind: BooleanPolicy, Enforce: false},
			{Constraint: LifetimeExtensionConstraint, Kind: ListPolicy, AllowAll: true},
		},
		Role: RoleSpec{
			ID:          LabRunnerRoleID,
			Title:       LabRunnerRoleTitle,
			Description: LabRunnerRoleDescription,
			Stage:       LabRunnerRoleStage,
			Permissions: append([]string(nil), LabRunnerPermissions...),
		},
		ServiceAccount: ServiceAccountSpec{
			AccountID:   LabServiceAccountID,
			DisplayName: LabServiceAccountDisplayName,
			Description: LabServiceAccountDescription,
		},
		KeyFile: CredentialsFileName,
	}
}

func (p *Plan) Validate() error {
	if p.ProjectID == "" {
		return errors.New("project id is required")
	}
	if p.Role.ID == "" || len(p.Role.Permissions) == 0 {
		return errors.New("custom role needs an id and at least one permission")
	}
	if p.ServiceAccount.AccountID == "" {
		return errors.New("service account id is required")
	}
	if p.KeyFile == "" {
		return errors.New("key file name is required")
	}
	for _, rule := range p.Policies {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}
