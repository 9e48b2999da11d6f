package auth

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// ClientOptions builds the options shared by every Google API client of a run.
// An empty endpoint means Application Default Credentials against the real
// APIs; otherwise all clients talk unauthenticated to endpoint.
func ClientOptions(ctx context.Context, endpoint string) ([]option.ClientOption, error) {
	if endpoint != "" {
		if !strings.HasSuffix(endpoint, "/") {
			endpoint += "/"
		}
		return []option.ClientOption{
			option.WithEndpoint(endpoint),
			option.WithoutAuthentication(),
		}, nil
	}

	credentials, err := google.FindDefaultCredentials(ctx, CloudPlatformScope)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find application default credentials (run `gcloud auth application-default login`)")
	}
	client := oauth2.NewClient(ctx, credentials.TokenSource)

	return []option.ClientOption{option.WithHTTPClient(client)}, nil
}

// ServiceAccountKey holds the identifying fields of a downloaded
// credentials file. The private key is not kept.
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	ClientEmail  string `json:"client_email"`
	ClientID     string `json:"client_id"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccountKey checks that data is a service account credentials
// file that the oauth2 library can load, and returns its identity fields.
func ParseServiceAccountKey(data []byte) (*ServiceAccountKey, error) {
	jwtConfig, err := google.JWTConfigFromJSON(data, CloudPlatformScope)
	if err != nil {
		return nil, errors.Wrap(err, "not a service account credentials file")
	}
	if len(jwtConfig.PrivateKey) == 0 {
		return nil, errors.New("credentials file has no private key")
	}

	var key ServiceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal credentials file")
	}
	if key.ClientEmail != jwtConfig.Email {
		return nil, errors.Errorf("credentials file email mismatch: %q vs %q", key.ClientEmail, jwtConfig.Email)
	}
	return &key, nil
}
