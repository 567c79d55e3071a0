// Package secrets fetches deployment secrets from Google Secret Manager,
// with environment variables taking precedence.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"

	"github.com/chadreview/relay/pkg/logger"
)

// fetchTimeout prevents indefinite hangs when accessing Secret Manager.
const fetchTimeout = 10 * time.Second

// Manager fetches secrets for one GCP project.
type Manager struct {
	client    *secretmanager.Client
	projectID string
}

// New creates a manager. With an empty credentialsPath, Application Default
// Credentials are used.
func New(ctx context.Context, projectID, credentialsPath string) (*Manager, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}
	return &Manager{client: client, projectID: projectID}, nil
}

// Fetch returns the value for envVar, preferring the environment and falling
// back to the latest version of the named secret. Secret names are the env
// var lowercased with underscores as hyphens (FORGE_WEBHOOK_SECRET →
// forge-webhook-secret).
func (m *Manager) Fetch(ctx context.Context, envVar string) (string, error) {
	if value := os.Getenv(envVar); value != "" {
		logger.Info("using environment variable over secret manager", logger.Fields{"env_var": envVar})
		return value, nil
	}

	name := strings.ReplaceAll(strings.ToLower(envVar), "_", "-")
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", m.projectID, name)

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	resp, err := m.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resource,
	})
	if err != nil {
		return "", fmt.Errorf("access secret %s: %w", name, err)
	}
	return string(resp.GetPayload().GetData()), nil
}

// Close releases the underlying client.
func (m *Manager) Close() error {
	return m.client.Close()
}
