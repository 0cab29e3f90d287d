package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const gcpBackendName = "gcp-secretmanager"

// GCPOptions configures the GCP Secret Manager backend
type GCPOptions struct {
	ProjectID       string
	CredentialsFile string
}

// GCPSecretManagerBackend stores each bundle as the latest version of one secret
type GCPSecretManagerBackend struct {
	client    *secretmanager.Client
	projectID string
}

// NewGCPSecretManagerBackend dials Secret Manager with application default
// credentials or an explicit key file
func NewGCPSecretManagerBackend(ctx context.Context, opts GCPOptions) (*GCPSecretManagerBackend, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("gcp project_id is required")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	return &GCPSecretManagerBackend{client: client, projectID: opts.ProjectID}, nil
}

func (b *GCPSecretManagerBackend) Name() string {
	return gcpBackendName
}

func (b *GCPSecretManagerBackend) Get(ctx context.Context, path string) (map[string]string, error) {
	resp, err := b.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: b.secretName(path) + "/versions/latest",
	})
	if err != nil {
		return nil, classifyGCPError("access", path, err)
	}
	if resp.GetPayload() == nil || resp.GetPayload().GetData() == nil {
		return nil, &NotFoundError{Backend: gcpBackendName, Path: path}
	}
	return decodeBundle(resp.GetPayload().GetData())
}

func (b *GCPSecretManagerBackend) Put(ctx context.Context, path string, data map[string]string) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode secret: %w", err)
	}

	add := &secretmanagerpb.AddSecretVersionRequest{
		Parent:  b.secretName(path),
		Payload: &secretmanagerpb.SecretPayload{Data: encoded},
	}
	_, err = b.client.AddSecretVersion(ctx, add)
	if status.Code(err) == codes.NotFound {
		_, err = b.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   "projects/" + b.projectID,
			SecretId: secretID(path),
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
			},
		})
		if err == nil {
			_, err = b.client.AddSecretVersion(ctx, add)
		}
	}
	if err != nil {
		return classifyGCPError("put", path, err)
	}
	return nil
}

func (b *GCPSecretManagerBackend) TestConnection(ctx context.Context) error {
	it := b.client.ListSecrets(ctx, &secretmanagerpb.ListSecretsRequest{
		Parent:   "projects/" + b.projectID,
		PageSize: 1,
	})
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return classifyGCPError("list", "", err)
	}
	return nil
}

// Close releases the gRPC connection
func (b *GCPSecretManagerBackend) Close() error {
	return b.client.Close()
}

func (b *GCPSecretManagerBackend) secretName(path string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", b.projectID, secretID(path))
}

// secretID maps a slash path onto the Secret Manager id alphabet
func secretID(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "-")
}

func classifyGCPError(op, path string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return &NotFoundError{Backend: gcpBackendName, Path: path}
	case codes.PermissionDenied, codes.Unauthenticated:
		return &AuthError{Backend: gcpBackendName, Message: status.Convert(err).Message()}
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted, codes.Unknown:
		return &ConnectivityError{Backend: gcpBackendName, Operation: op, Err: err}
	default:
		return fmt.Errorf("%s %s failed: %w", gcpBackendName, op, err)
	}
}
