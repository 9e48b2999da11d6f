package gcp

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orgpolicy "google.golang.org/api/orgpolicy/v2"

	"github.com/genesis32/labsetup/auth"
	"github.com/genesis32/labsetup/config"
	"github.com/genesis32/labsetup/fakegcp"
	"github.com/genesis32/labsetup/provisioner"
	"github.com/genesis32/labsetup/resources"
	"github.com/genesis32/labsetup/utils"
)

type fixture struct {
	fake     *fakegcp.Server
	project  *fakegcp.Project
	steps    []resources.ProvisioningStep
	plan     *config.Plan
	settings *config.Settings
}

// newFixture starts a fake control plane holding one project, lab-1, whose
// organization enforces the key creation constraint.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{fake: fakegcp.New()}
	f.project = f.fake.AddProject("lab-1")
	f.project.Inherited[config.KeyCreationConstraint] = true

	server := f.fake.Start()
	t.Cleanup(server.Close)

	ctx := context.Background()
	opts, err := auth.ClientOptions(ctx, server.URL)
	require.NoError(t, err)
	services, err := NewServices(ctx, opts...)
	require.NoError(t, err)
	f.steps = LabSteps(services)

	f.plan = config.NewLabPlan("lab-1")
	f.plan.KeyFile = filepath.Join(t.TempDir(), config.CredentialsFileName)

	f.settings = config.DefaultSettings()
	f.settings.InitialBackoff = time.Millisecond
	f.settings.MaxBackoff = 5 * time.Millisecond
	f.settings.OperationPollInterval = time.Millisecond
	return f
}

func (f *fixture) run() (*provisioner.Report, *resources.Environment, error) {
	env := resources.NewEnvironment(f.plan, f.settings, zerolog.Nop())
	report, err := provisioner.New(f.steps, f.settings, zerolog.Nop()).Run(context.Background(), env)
	return report, env, err
}

func outcomes(report *provisioner.Report) map[string]resources.Outcome {
	out := make(map[string]resources.Outcome)
	for _, s := range report.Steps {
		out[s.Name] = s.Outcome
	}
	return out
}

func attempts(report *provisioner.Report, name string) int {
	for _, s := range report.Steps {
		if s.Name == name {
			return s.Attempts
		}
	}
	return 0
}

var (
	labEmail  = utils.ServiceAccountEmail("lab-1", config.LabServiceAccountID)
	labMember = utils.ServiceAccountMember(labEmail)
	labRole   = utils.RoleResourceName("lab-1", config.LabRunnerRoleID)
)

func TestLabStepsOrder(t *testing.T) {
	var names []string
	for _, s := range LabSteps(&Services{}) {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{
		"verify project",
		"enable APIs",
		"update org policies",
		"create custom role",
		"create service account",
		"bind roles",
		"create service account key",
	}, names)
	assert.NotNil(t, resources.FindStep(LabSteps(&Services{}), RoleBindingInternalKey))
}

func TestFreshProject(t *testing.T) {
	f := newFixture(t)

	report, env, err := f.run()
	require.NoError(t, err)

	assert.Equal(t, map[string]resources.Outcome{
		"verify project":             resources.AlreadySatisfied,
		"enable APIs":                resources.Changed,
		"update org policies":        resources.Changed,
		"create custom role":         resources.Changed,
		"create service account":     resources.Changed,
		"bind roles":                 resources.Changed,
		"create service account key": resources.Changed,
	}, outcomes(report))

	for _, api := range config.RequiredAPIs {
		assert.Equal(t, "ENABLED", f.project.ServiceState(api), api)
	}

	assert.False(t, f.project.Enforced(config.KeyCreationConstraint))
	assert.False(t, f.project.Enforced(config.ManagedKeyCreationConstraint))
	lifetime := f.project.Policies[config.LifetimeExtensionConstraint]
	require.NotNil(t, lifetime)
	require.Len(t, lifetime.Spec.Rules, 1)
	assert.True(t, lifetime.Spec.Rules[0].AllowAll)

	role := f.project.Roles[config.LabRunnerRoleID]
	require.NotNil(t, role)
	assert.ElementsMatch(t, config.LabRunnerPermissions, role.IncludedPermissions)
	assert.Equal(t, config.LabRunnerRoleTitle, role.Title)
	assert.Equal(t, labRole, env.RoleName)

	sa := f.project.ServiceAccounts[labEmail]
	require.NotNil(t, sa)
	assert.Equal(t, config.LabServiceAccountDisplayName, sa.DisplayName)
	assert.Equal(t, labEmail, env.ServiceAccountEmail)

	assert.Equal(t, []string{labMember}, f.project.Members(labRole))
	assert.Equal(t, []string{fakegcp.OwnerMember}, f.project.Members("roles/owner"))

	info, err := os.Stat(f.plan.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	data, err := os.ReadFile(f.plan.KeyFile)
	require.NoError(t, err)
	key, err := auth.ParseServiceAccountKey(data)
	require.NoError(t, err)
	assert.Equal(t, labEmail, key.ClientEmail)
	assert.Equal(t, f.plan.KeyFile, env.KeyFilePath)
	assert.Equal(t, utils.LastSegment(env.KeyName), key.PrivateKeyID)
	assert.Len(t, f.project.Keys[labEmail], 1)
}

func TestRerunIsIdempotentButMintsANewKey(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.run()
	require.NoError(t, err)
	first, err := os.ReadFile(f.plan.KeyFile)
	require.NoError(t, err)

	report, _, err := f.run()
	require.NoError(t, err)

	assert.Equal(t, map[string]resources.Outcome{
		"verify project":             resources.AlreadySatisfied,
		"enable APIs":                resources.AlreadySatisfied,
		"update org policies":        resources.AlreadySatisfied,
		"create custom role":         resources.AlreadySatisfied,
		"create service account":     resources.AlreadySatisfied,
		"bind roles":                 resources.AlreadySatisfied,
		"create service account key": resources.Changed,
	}, outcomes(report))

	assert.Equal(t, len(config.RequiredAPIs), f.fake.CountRequests(":enable"))
	assert.Equal(t, 1, f.fake.CountRequests(":setIamPolicy"))
	assert.Zero(t, f.fake.CountRequests("PATCH "))
	assert.Equal(t, []string{labMember}, f.project.Members(labRole))

	assert.Len(t, f.project.Keys[labEmail], 2)
	second, err := os.ReadFile(f.plan.KeyFile)
	require.NoError(t, err)
	assert.NotEqual(t, string(first), string(second), "credentials file is replaced by the new key")
}

func TestSoftDeletedRoleIsRestored(t *testing.T) {
	f := newFixture(t)
	f.project.AddRole(config.LabRunnerRoleID, []string{"storage.buckets.list"}, true)

	report, _, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, resources.Changed, outcomes(report)["create custom role"])

	role := f.project.Roles[config.LabRunnerRoleID]
	assert.False(t, role.Deleted)
	assert.ElementsMatch(t, config.LabRunnerPermissions, role.IncludedPermissions)
	assert.Equal(t, config.LabRunnerRoleStage, role.Stage)
	assert.Equal(t, 1, f.fake.CountRequests(":undelete"))
	assert.Equal(t, 1, f.fake.CountRequests("PATCH /v1/projects/lab-1/roles/"))
	assert.Contains(t, f.fake.Requests(), "POST /v1/projects/lab-1/roles", "create is tried before the role is read")
}

func TestRoleCreateRejectionIsFatalForALiveID(t *testing.T) {
	f := newFixture(t)
	f.fake.FailNext(fakegcp.RouteRoleCreate, http.StatusBadRequest, "Permission foo.bar is not valid.", 1)

	_, _, err := f.run()
	require.Error(t, err)

	var stepErr *provisioner.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "create custom role", stepErr.Step)
	assert.Equal(t, 1, stepErr.Attempts)
	assert.Contains(t, err.Error(), "Permission foo.bar is not valid.")
	assert.Equal(t, 1, f.fake.CountRequests("GET /v1/projects/lab-1/roles/"))
	assert.Zero(t, f.fake.CountRequests(":undelete"))
}

func TestDriftedRoleIsCorrected(t *testing.T) {
	f := newFixture(t)
	drifted := append([]string{"resourcemanager.projects.delete"}, config.LabRunnerPermissions[1:]...)
	f.project.AddRole(config.LabRunnerRoleID, drifted, false)

	_, _, err := f.run()
	require.NoError(t, err)

	role := f.project.Roles[config.LabRunnerRoleID]
	assert.ElementsMatch(t, config.LabRunnerPermissions, role.IncludedPermissions)
	assert.Equal(t, config.LabRunnerRoleTitle, role.Title)
	assert.Zero(t, f.fake.CountRequests(":undelete"))
}

func TestUnrelatedBindingsArePreserved(t *testing.T) {
	f := newFixture(t)
	f.project.AddBinding("roles/viewer", "user:auditor@example.com")
	f.project.AddBinding(labRole, "user:alice@example.com")

	_, _, err := f.run()
	require.NoError(t, err)

	assert.Equal(t, []string{"user:auditor@example.com"}, f.project.Members("roles/viewer"))
	assert.Equal(t, []string{labMember, "user:alice@example.com"}, f.project.Members(labRole))
	assert.Equal(t, []string{fakegcp.OwnerMember}, f.project.Members("roles/owner"))
}

func TestAdditionalRolesAreBound(t *testing.T) {
	f := newFixture(t)
	f.plan.AdditionalRoles = []string{"roles/aiplatform.user"}

	_, _, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, []string{labMember}, f.project.Members("roles/aiplatform.user"))
}

func TestDisabledServiceAccountIsEnabled(t *testing.T) {
	f := newFixture(t)
	f.project.AddServiceAccount(config.LabServiceAccountID, true)

	report, _, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, resources.Changed, outcomes(report)["create service account"])
	assert.False(t, f.project.ServiceAccounts[labEmail].Disabled)
}

func TestKeyCreationIsRetriedWhileThePolicyPropagates(t *testing.T) {
	f := newFixture(t)
	f.fake.FailNext(fakegcp.RouteKeyCreate, http.StatusBadRequest,
		"Key creation is not allowed on this service account. constraints/iam.disableServiceAccountKeyCreation", 2)

	report, _, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, 3, attempts(report, "create service account key"))
	assert.Len(t, f.project.Keys[labEmail], 1)
}

func TestBindingIsRetriedUntilTheAccountIsVisible(t *testing.T) {
	f := newFixture(t)
	f.fake.FailNext(fakegcp.RouteSetIamPolicy, http.StatusBadRequest,
		"Service account "+labEmail+" does not exist.", 1)

	report, _, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, 2, attempts(report, "bind roles"))
	assert.Equal(t, []string{labMember}, f.project.Members(labRole))
}

func TestUnknownProjectFailsAtVerify(t *testing.T) {
	f := newFixture(t)
	f.plan.ProjectID = "does-not-exist"

	report, _, err := f.run()
	require.Error(t, err)

	var stepErr *provisioner.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "verify project", stepErr.Step)
	assert.Contains(t, err.Error(), "does-not-exist")
	assert.Empty(t, report.Steps)
	assert.Equal(t, []string{"GET /v1/projects/does-not-exist"}, f.fake.Requests())

	_, statErr := os.Stat(f.plan.KeyFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPermissionDeniedAbortsTheRun(t *testing.T) {
	f := newFixture(t)
	f.fake.FailNext(fakegcp.RouteRoleCreate, http.StatusForbidden, "Permission iam.roles.create denied on resource", 1)

	report, _, err := f.run()
	require.Error(t, err)

	var stepErr *provisioner.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "create custom role", stepErr.Step)
	assert.Equal(t, 1, stepErr.Attempts)
	assert.Contains(t, err.Error(), "Permission iam.roles.create denied")
	assert.Len(t, report.Steps, 3)
	assert.Empty(t, f.project.ServiceAccounts)
}

func TestRetriesAreBounded(t *testing.T) {
	f := newFixture(t)
	f.settings.MaxAttempts = 3
	f.fake.FailNext(fakegcp.RouteServiceGet, http.StatusServiceUnavailable, "backend unavailable", 100)

	_, _, err := f.run()
	require.Error(t, err)

	var stepErr *provisioner.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "enable APIs", stepErr.Step)
	assert.Equal(t, 3, stepErr.Attempts)
	assert.Contains(t, err.Error(), "still failing after 3 attempts")
	assert.Equal(t, 3, f.fake.CountRequests("GET /v1/projects/lab-1/services/"))
}

// enforceProjectPolicy stores a project-level policy that enforces constraint.
func (f *fixture) enforceProjectPolicy(constraint string) {
	f.project.Policies[constraint] = &orgpolicy.GoogleCloudOrgpolicyV2Policy{
		Name: utils.PolicyResourceName("lab-1", constraint),
		Etag: "seeded",
		Spec: &orgpolicy.GoogleCloudOrgpolicyV2PolicySpec{
			Etag:  "seeded",
			Rules: []*orgpolicy.GoogleCloudOrgpolicyV2PolicySpecPolicyRule{{Enforce: true}},
		},
	}
}

func TestEnforcedProjectPolicyIsPatched(t *testing.T) {
	f := newFixture(t)
	f.enforceProjectPolicy(config.KeyCreationConstraint)
	policyPath := "PATCH /v2/" + utils.PolicyResourceName("lab-1", config.KeyCreationConstraint)

	report, _, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, resources.Changed, outcomes(report)["update org policies"])
	assert.Equal(t, 1, f.fake.CountRequests(policyPath))
	assert.False(t, f.project.Enforced(config.KeyCreationConstraint))
	assert.NotEqual(t, "seeded", f.project.Policies[config.KeyCreationConstraint].Etag)
	assert.Len(t, f.project.Keys[labEmail], 1)
}

func TestPolicyPatchConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	f.enforceProjectPolicy(config.KeyCreationConstraint)
	f.fake.FailNext(fakegcp.RoutePolicyPatch, http.StatusConflict, "The policy was modified concurrently; etag mismatch", 1)
	policyPath := "PATCH /v2/" + utils.PolicyResourceName("lab-1", config.KeyCreationConstraint)

	report, _, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, 2, attempts(report, "update org policies"))
	assert.Equal(t, 2, f.fake.CountRequests(policyPath))
	assert.False(t, f.project.Enforced(config.KeyCreationConstraint))
}
