// Package gcp fetches credentials from Google Secret Manager. The engine
// uses it to load the GitHub App private key when config names a secret path
// instead of a local file.
package gcp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// Secrets wraps the Secret Manager client with path normalization.
type Secrets struct {
	client    *secretmanager.Client
	projectID string
}

// NewSecrets creates a Secret Manager client. The project id comes from the
// usual GOOGLE_CLOUD_PROJECT / GCP_PROJECT environment variables and is only
// required for bare secret names.
func NewSecrets(ctx context.Context, opts ...option.ClientOption) (*Secrets, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	return &Secrets{client: client, projectID: projectFromEnv()}, nil
}

func projectFromEnv() string {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT", "GCLOUD_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// Fetch reads one secret version. Accepted path forms:
//
//	projects/P/secrets/NAME/versions/V
//	projects/P/secrets/NAME            (latest)
//	NAME                               (latest, project from environment)
func (s *Secrets) Fetch(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	name, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	return result.Payload.Data, nil
}

func (s *Secrets) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "projects/") {
		if strings.Contains(path, "/versions/") {
			return path, nil
		}
		return path + "/versions/latest", nil
	}
	if s.projectID == "" {
		return "", fmt.Errorf("secret %q needs a project id; set GOOGLE_CLOUD_PROJECT or use a full path", path)
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, path), nil
}

// Close releases the underlying client.
func (s *Secrets) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
