// Package secrets resolves configuration values stored in AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

// RefPrefix marks a configuration value as a secret reference:
// "awssm:<secret-id>" or "awssm:<secret-id>#<json-key>".
const RefPrefix = "awssm:"

const (
	resourceNotFoundException = "ResourceNotFoundException"
	accessDeniedException     = "AccessDeniedException"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrSecretEmpty    = errors.New("secret value is empty")
	ErrAccessDenied   = errors.New("access denied to secret")
	ErrKeyNotFound    = errors.New("key not found in secret")
)

// ManagerAPI is the subset of the Secrets Manager client used here.
type ManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver replaces secret references with their values. Each secret is
// fetched once per resolver.
type Resolver struct {
	api ManagerAPI

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver using the default AWS credential chain.
// region may be empty to use the chain's region.
func NewResolver(ctx context.Context, region string) (*Resolver, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewResolverWithAPI(secretsmanager.NewFromConfig(cfg)), nil
}

// NewResolverWithAPI creates a resolver over an existing client.
func NewResolverWithAPI(api ManagerAPI) *Resolver {
	return &Resolver{api: api, cache: make(map[string]string)}
}

// IsRef reports whether value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// Resolve returns value unchanged unless it is a secret reference, in which
// case the referenced secret (or one key of a JSON secret) is returned.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}

	ref := strings.TrimPrefix(value, RefPrefix)
	secretID, key, _ := strings.Cut(ref, "#")
	if secretID == "" {
		return "", fmt.Errorf("invalid secret reference %q", value)
	}

	secret, err := r.get(ctx, secretID)
	if err != nil {
		return "", err
	}
	if key == "" {
		return secret, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(secret), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", secretID, err)
	}
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s#%s", ErrKeyNotFound, secretID, key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func (r *Resolver) get(ctx context.Context, secretID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[secretID]; ok {
		return v, nil
	}

	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case resourceNotFoundException:
				return "", fmt.Errorf("%w: %s", ErrSecretNotFound, secretID)
			case accessDeniedException:
				return "", fmt.Errorf("%w: %s", ErrAccessDenied, secretID)
			}
		}
		return "", fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	}
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretEmpty, secretID)
	}

	r.cache[secretID] = value
	return value, nil
}
