package fakegcp

import (
	"fmt"
	"sort"

	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/iam/v1"
	orgpolicy "google.golang.org/api/orgpolicy/v2"
	serviceusagebeta "google.golang.org/api/serviceusage/v1beta1"
)

const (
	stateEnabled  = "ENABLED"
	stateDisabled = "DISABLED"
	stateActive   = "ACTIVE"

	// OwnerMember holds roles/owner on every project the fake creates.
	OwnerMember = "user:owner@example.com"
)

// Project is the fake state of one GCP project.
type Project struct {
	ID             string
	Number         int64
	LifecycleState string
	// Forbidden makes every call on the project fail with 403.
	Forbidden bool

	// Services maps service name to ENABLED or DISABLED. Unknown services
	// read as DISABLED.
	Services map[string]string
	// Policies holds project-level org policies keyed by constraint.
	Policies map[string]*orgpolicy.GoogleCloudOrgpolicyV2Policy
	// Inherited holds boolean constraints enforced above the project.
	Inherited map[string]bool
	// Roles holds custom roles keyed by role id.
	Roles map[string]*iam.Role
	// ServiceAccounts is keyed by email.
	ServiceAccounts map[string]*iam.ServiceAccount
	// Keys holds the keys minted per service account email.
	Keys      map[string][]*iam.ServiceAccountKey
	IamPolicy *cloudresourcemanager.Policy

	// QuotaMetrics holds consumer quota metrics keyed by service.
	QuotaMetrics map[string][]*serviceusagebeta.ConsumerQuotaMetric
	// Overrides holds consumer overrides keyed by limit resource name.
	Overrides map[string][]*serviceusagebeta.QuotaOverride
	// OverrideListDenied lists limit names whose override listing fails.
	OverrideListDenied map[string]bool

	etag int
}

// AddProject registers an active project whose IAM policy grants owner to
// OwnerMember.
func (s *Server) AddProject(projectID string) *Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Project{
		ID:                 projectID,
		Number:             s.newID(),
		LifecycleState:     stateActive,
		Services:           make(map[string]string),
		Policies:           make(map[string]*orgpolicy.GoogleCloudOrgpolicyV2Policy),
		Inherited:          make(map[string]bool),
		Roles:              make(map[string]*iam.Role),
		ServiceAccounts:    make(map[string]*iam.ServiceAccount),
		Keys:               make(map[string][]*iam.ServiceAccountKey),
		QuotaMetrics:       make(map[string][]*serviceusagebeta.ConsumerQuotaMetric),
		Overrides:          make(map[string][]*serviceusagebeta.QuotaOverride),
		OverrideListDenied: make(map[string]bool),
	}
	p.IamPolicy = &cloudresourcemanager.Policy{
		Version:  1,
		Bindings: []*cloudresourcemanager.Binding{{Role: "roles/owner", Members: []string{OwnerMember}}},
	}
	p.IamPolicy.Etag = p.nextEtag()
	s.projects[projectID] = p
	return p
}

func (s *Server) Project(projectID string) *Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[projectID]
}

func (p *Project) nextEtag() string {
	p.etag++
	return fmt.Sprintf("BwX%04d", p.etag)
}

// ServiceState reports the state of service, DISABLED when never touched.
func (p *Project) ServiceState(service string) string {
	if state, ok := p.Services[service]; ok {
		return state
	}
	return stateDisabled
}

// Enforced reports whether a boolean constraint is in effect for the
// project, taking a project-level policy over the inherited value.
func (p *Project) Enforced(constraint string) bool {
	policy, ok := p.Policies[constraint]
	if !ok || policy.Spec == nil || policy.Spec.InheritFromParent || len(policy.Spec.Rules) == 0 {
		return p.Inherited[constraint]
	}
	return policy.Spec.Rules[0].Enforce
}

// AddBinding seeds a binding outside of any API call.
func (p *Project) AddBinding(role string, members ...string) {
	for _, b := range p.IamPolicy.Bindings {
		if b.Role == role && b.Condition == nil {
			b.Members = append(b.Members, members...)
			return
		}
	}
	p.IamPolicy.Bindings = append(p.IamPolicy.Bindings, &cloudresourcemanager.Binding{Role: role, Members: members})
}

// Members returns the sorted members of the unconditional binding for role.
func (p *Project) Members(role string) []string {
	for _, b := range p.IamPolicy.Bindings {
		if b.Role == role && b.Condition == nil {
			members := append([]string(nil), b.Members...)
			sort.Strings(members)
			return members
		}
	}
	return nil
}

// AddRole seeds a custom role, soft-deleted if deleted is set.
func (p *Project) AddRole(roleID string, permissions []string, deleted bool) *iam.Role {
	role := &iam.Role{
		Name:                fmt.Sprintf("projects/%s/roles/%s", p.ID, roleID),
		Title:               roleID,
		Stage:               "ALPHA",
		IncludedPermissions: append([]string(nil), permissions...),
		Deleted:             deleted,
		Etag:                p.nextEtag(),
	}
	p.Roles[roleID] = role
	return role
}

// AddServiceAccount seeds a service account.
func (p *Project) AddServiceAccount(accountID string, disabled bool) *iam.ServiceAccount {
	email := serviceAccountEmail(p.ID, accountID)
	sa := &iam.ServiceAccount{
		Name:      fmt.Sprintf("projects/%s/serviceAccounts/%s", p.ID, email),
		ProjectId: p.ID,
		Email:     email,
		UniqueId:  fmt.Sprintf("1%020d", p.Number+int64(len(p.ServiceAccounts))),
		Disabled:  disabled,
		Etag:      p.nextEtag(),
	}
	p.ServiceAccounts[email] = sa
	return sa
}

// QuotaBucket describes one bucket of a seeded quota limit.
type QuotaBucket struct {
	Dimensions     map[string]string
	EffectiveLimit int64
}

// AddQuotaLimit seeds a consumer quota metric of service with a single
// limit holding buckets, and returns the limit's resource name.
func (p *Project) AddQuotaLimit(service, metricID, limitID, displayName string, buckets ...QuotaBucket) string {
	metricName := fmt.Sprintf("projects/%d/services/%s/consumerQuotaMetrics/%s", p.Number, service, metricID)
	limit := &serviceusagebeta.ConsumerQuotaLimit{
		Name:   metricName + "/limits/" + limitID,
		Metric: service + "/" + metricID,
		Unit:   "1/min/{project}/{region}/{base_model}",
	}
	for _, b := range buckets {
		limit.QuotaBuckets = append(limit.QuotaBuckets, &serviceusagebeta.QuotaBucket{
			Dimensions:     b.Dimensions,
			EffectiveLimit: b.EffectiveLimit,
			DefaultLimit:   b.EffectiveLimit,
		})
	}

	p.QuotaMetrics[service] = append(p.QuotaMetrics[service], &serviceusagebeta.ConsumerQuotaMetric{
		Name:                metricName,
		Metric:              limit.Metric,
		DisplayName:         displayName,
		ConsumerQuotaLimits: []*serviceusagebeta.ConsumerQuotaLimit{limit},
	})
	return limit.Name
}

// AddOverride seeds a consumer override on limitName.
func (p *Project) AddOverride(limitName string, value int64, dimensions map[string]string) {
	p.Overrides[limitName] = append(p.Overrides[limitName], &serviceusagebeta.QuotaOverride{
		Name:          fmt.Sprintf("%s/consumerOverrides/seed%d", limitName, len(p.Overrides[limitName])),
		OverrideValue: value,
		Dimensions:    dimensions,
	})
}

func serviceAccountEmail(projectID, accountID string) string {
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", accountID, projectID)
}
