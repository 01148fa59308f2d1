package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/goware/cachestore"
	"github.com/goware/cachestore/cachestorectl"
	"github.com/goware/cachestore/memlru"
	"github.com/nftauth/gateway/o11y"
	"github.com/nftauth/gateway/verification"
)

const accessKeyCacheTTL = 10 * time.Minute

type SecretsManager interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

var _ SecretsManager = (*secretsmanager.Client)(nil)

// secretAccessKey reads the verification backend access key from Secrets Manager.
// The value is cached so that rotations are picked up within accessKeyCacheTTL.
type secretAccessKey struct {
	client   SecretsManager
	secretID string
	cache    cachestore.Store[string]
}

func newSecretAccessKey(client SecretsManager, secretID string) (*secretAccessKey, error) {
	backend := memlru.Backend(1)
	cache, err := cachestorectl.Open[string](backend)
	if err != nil {
		return nil, fmt.Errorf("open access key cache: %w", err)
	}
	return &secretAccessKey{
		client:   client,
		secretID: secretID,
		cache:    o11y.NewTracedCache("access-key", cache),
	}, nil
}

func (k *secretAccessKey) AccessKey(ctx context.Context) (string, error) {
	return k.cache.GetOrSetWithLockEx(ctx, k.secretID, k.fetch, accessKeyCacheTTL)
}

func (k *secretAccessKey) fetch(ctx context.Context, secretID string) (string, error) {
	out, err := k.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}
	return *out.SecretString, nil
}

func (s *RPC) accessKeyProvider() (verification.AccessKeyProvider, error) {
	if s.Secrets == nil {
		return verification.StaticAccessKey(s.Config.Verifier.AccessKeyValue), nil
	}
	return newSecretAccessKey(s.Secrets, s.Config.Verifier.AccessKeyID)
}
