package gcp

const (
	ProjectVerifyInternalKey           = "gcp.project"
	APIEnableInternalKey               = "gcp.serviceusage"
	OrgPolicyUpdateInternalKey         = "gcp.orgpolicy"
	CustomRoleCreateInternalKey        = "gcp.iam.role"
	ServiceAccountCreateInternalKey    = "gcp.serviceaccount"
	RoleBindingInternalKey             = "gcp.iam.binding"
	ServiceAccountKeyCreateInternalKey = "gcp.serviceaccount.keys"
)

const (
	serviceStateEnabled      = "ENABLED"
	projectStateActive       = "ACTIVE"
	keyTypeCredentialsFile   = "TYPE_GOOGLE_CREDENTIALS_FILE"
	keyAlgorithmRSA2048      = "KEY_ALG_RSA_2048"
	roleUpdateMask           = "title,description,includedPermissions,stage"
	conditionalPolicyVersion = 3
)
