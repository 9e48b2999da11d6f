package gcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"google.golang.org/api/iam/v1"

	"github.com/genesis32/labsetup/auth"
	"github.com/genesis32/labsetup/config"
	"github.com/genesis32/labsetup/resources"
	"github.com/genesis32/labsetup/utils"
)

const keyFileMode = 0o600

// ServiceAccountKeyCreateStep mints a new key on every run and writes it to
// the plan's key file, replacing any previous file.
type ServiceAccountKeyCreateStep struct {
	iam *iam.Service
}

func (g *ServiceAccountKeyCreateStep) Name() string {
	return "create service account key"
}

func (g *ServiceAccountKeyCreateStep) InternalKey() string {
	return ServiceAccountKeyCreateInternalKey
}

func (g *ServiceAccountKeyCreateStep) Execute(ctx context.Context, env *resources.Environment) (*resources.OperationResult, error) {
	email := env.ServiceAccountEmail
	if email == "" {
		return nil, errors.New("service account must be provisioned before creating a key")
	}
	result := resources.NewOperationResult()

	request := &iam.CreateServiceAccountKeyRequest{
		PrivateKeyType: keyTypeCredentialsFile,
		KeyAlgorithm:   keyAlgorithmRSA2048,
	}
	key, err := g.iam.Projects.ServiceAccounts.Keys.Create(utils.ServiceAccountResourceName(email), request).Context(ctx).Do()
	if err != nil {
		return nil, classifyKeyCreateError(err, email)
	}
	env.KeyName = key.Name

	data, err := decodeKeyFile(key, email)
	if err != nil {
		return nil, errors.Wrapf(err, "key %s was created but cannot be saved; delete it manually", key.Name)
	}

	path := env.Plan.KeyFile
	if path == "" {
		path = config.CredentialsFileName
	}
	if err := writeKeyFile(path, data, keyFileMode); err != nil {
		return nil, errors.Wrapf(err, "key %s was created but writing %s failed; delete it manually", key.Name, path)
	}
	env.KeyFilePath = path

	env.Logger.Warn().
		Str("key", utils.LastSegment(key.Name)).
		Str("email", email).
		Str("file", path).
		Msg("minted a NEW service account key; the file holds a private key, keep it secret")

	result.MarkChanged()
	result.AuditMetadata["key"] = key.Name
	result.AuditMetadata["file"] = path
	result.AuditHumanReadable = fmt.Sprintf("created key %s for %s, saved to %s", utils.LastSegment(key.Name), email, path)
	return result, nil
}

// classifyKeyCreateError treats the key-creation constraint as still
// propagating, since the org policy step relaxed it moments ago, and a
// missing service account as not yet visible.
func classifyKeyCreateError(err error, email string) error {
	wrapped := errors.Wrapf(err, "CreateServiceAccountKey %s failed", email)
	switch {
	case resources.HasErrorCode(err, http.StatusBadRequest) && resources.ErrorMentions(err, "disableServiceAccountKeyCreation"),
		resources.HasErrorCode(err, http.StatusPreconditionFailed) && resources.ErrorMentions(err, "disableServiceAccountKeyCreation"),
		resources.IsNotFound(err):
		return resources.Transient(wrapped)
	}
	return wrapped
}

func decodeKeyFile(key *iam.ServiceAccountKey, email string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(key.PrivateKeyData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode private key data")
	}

	parsed, err := auth.ParseServiceAccountKey(raw)
	if err != nil {
		return nil, err
	}
	if parsed.ClientEmail != email {
		return nil, errors.Errorf("key belongs to %s, expected %s", parsed.ClientEmail, email)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return nil, errors.Wrap(err, "failed to format key file")
	}
	pretty.WriteByte('\n')
	return pretty.Bytes(), nil
}
