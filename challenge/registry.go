package challenge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goware/cachestore"
	"github.com/goware/cachestore/cachestorectl"
	"github.com/redis/go-redis/v9"
)

// NonceRegistry remembers issued nonces for their lifetime so that a nonce is
// never handed out twice.
type NonceRegistry interface {
	// Register reserves nonce for ttl. It returns false if the nonce is already taken.
	Register(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

type memoryRegistry struct {
	mu    sync.Mutex
	store cachestore.Store[bool]
}

// NewMemoryRegistry keeps issued nonces in a cachestore backend local to the process.
func NewMemoryRegistry(backend cachestore.Backend) (NonceRegistry, error) {
	store, err := cachestorectl.Open[bool](backend)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &memoryRegistry{store: store}, nil
}

func (r *memoryRegistry) Register(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.store.Exists(ctx, nonce)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := r.store.SetEx(ctx, nonce, true, ttl); err != nil {
		return false, err
	}
	return true, nil
}

const redisNoncePrefix = "nftauth:nonce:v1:"

type redisRegistry struct {
	client redis.UniversalClient
}

// NewRedisRegistry shares issued nonces between gateway replicas.
func NewRedisRegistry(client redis.UniversalClient) NonceRegistry {
	return &redisRegistry{client: client}
}

func (r *redisRegistry) Register(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisNoncePrefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
