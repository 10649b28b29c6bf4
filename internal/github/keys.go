package github

import (
	"context"
	"fmt"
	"os"

	"github.com/ashep-ai/ashep/internal/cloud/gcp"
	"github.com/ashep-ai/ashep/internal/config"
)

// KeyLoaderFromConfig picks the private-key source the config names: a local
// PEM file, or a Secret Manager path when no file is configured.
func KeyLoaderFromConfig(cfg config.AppAuthConfig) (KeyLoader, error) {
	switch {
	case cfg.PrivateKeyFile != "":
		return FileKey(cfg.PrivateKeyFile), nil
	case cfg.PrivateKeySecret != "":
		return SecretKey(cfg.PrivateKeySecret), nil
	default:
		return nil, fmt.Errorf("app auth requires private_key_file or private_key_secret")
	}
}

// FileKey reads the key from a local PEM file.
func FileKey(path string) KeyLoader {
	return func(ctx context.Context) ([]byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
		}
		return data, nil
	}
}

// SecretKey fetches the key from Google Secret Manager.
func SecretKey(secretPath string) KeyLoader {
	return func(ctx context.Context) ([]byte, error) {
		secrets, err := gcp.NewSecrets(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = secrets.Close() }()
		return secrets.Fetch(ctx, secretPath)
	}
}
