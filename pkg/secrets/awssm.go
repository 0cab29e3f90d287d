package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

const awsBackendName = "aws-secretsmanager"

// SecretsManagerAPI is the subset of the Secrets Manager client we call
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// AWSOptions configures the Secrets Manager backend
type AWSOptions struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	Client          SecretsManagerAPI
}

// AWSSecretsManagerBackend stores each bundle as one JSON secret string
type AWSSecretsManagerBackend struct {
	client SecretsManagerAPI
	prefix string
}

// NewAWSSecretsManagerBackend builds a backend from the default credential
// chain, or from static keys when both are set
func NewAWSSecretsManagerBackend(ctx context.Context, opts AWSOptions) (*AWSSecretsManagerBackend, error) {
	b := &AWSSecretsManagerBackend{client: opts.Client, prefix: opts.Prefix}
	if b.client != nil {
		return b, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	b.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	return b, nil
}

func (b *AWSSecretsManagerBackend) Name() string {
	return awsBackendName
}

func (b *AWSSecretsManagerBackend) Get(ctx context.Context, path string) (map[string]string, error) {
	id := b.secretID(path)
	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return nil, classifyAWSError("get", path, err)
	}

	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(*out.SecretString)
	case out.SecretBinary != nil:
		raw = out.SecretBinary
	default:
		return nil, &NotFoundError{Backend: awsBackendName, Path: path}
	}
	return decodeBundle(raw)
}

func (b *AWSSecretsManagerBackend) Put(ctx context.Context, path string, data map[string]string) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode secret: %w", err)
	}
	id := b.secretID(path)

	_, err = b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(id),
		SecretString: aws.String(string(encoded)),
	})
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
		_, err = b.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(id),
			SecretString: aws.String(string(encoded)),
		})
		if err == nil {
			return nil
		}
	}
	return classifyAWSError("put", path, err)
}

func (b *AWSSecretsManagerBackend) TestConnection(ctx context.Context) error {
	_, err := b.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	if err != nil {
		return classifyAWSError("list", "", err)
	}
	return nil
}

func (b *AWSSecretsManagerBackend) secretID(path string) string {
	path = strings.TrimPrefix(path, "/")
	if b.prefix == "" {
		return path
	}
	return strings.TrimSuffix(b.prefix, "/") + "/" + path
}

func classifyAWSError(op, path string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &ConnectivityError{Backend: awsBackendName, Operation: op, Err: err}
	}
	switch apiErr.ErrorCode() {
	case "ResourceNotFoundException":
		return &NotFoundError{Backend: awsBackendName, Path: path}
	case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException",
		"ExpiredTokenException", "AccessDenied":
		return &AuthError{Backend: awsBackendName, Message: apiErr.ErrorMessage()}
	case "InternalServiceError", "ThrottlingException", "RequestTimeout":
		return &ConnectivityError{Backend: awsBackendName, Operation: op, Err: err}
	default:
		return fmt.Errorf("%s %s failed: %w", awsBackendName, op, err)
	}
}

// decodeBundle accepts a JSON object with string or scalar values
func decodeBundle(raw []byte) (map[string]string, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("secret is not a JSON object: %w", err)
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		encoded, _ := json.Marshal(v)
		out[k] = string(encoded)
	}
	return out, nil
}
