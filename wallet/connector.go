package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nftauth/gateway/proto"
)

// Connector wraps a Provider with the connect and sign semantics of the flow and
// keeps at most one account-change subscription active.
type Connector struct {
	provider Provider

	mu          sync.Mutex
	unsubscribe func()
}

func NewConnector(provider Provider) *Connector {
	return &Connector{provider: provider}
}

func (c *Connector) Provider() Provider {
	return c.provider
}

// Connect requests account access and returns the first account, lowercased.
func (c *Connector) Connect(ctx context.Context) (string, error) {
	if c.provider == nil {
		return "", ErrProviderUnavailable
	}

	accounts, err := c.provider.RequestAccounts(ctx)
	if err != nil {
		return "", classify("failed to connect wallet", err)
	}
	if len(accounts) == 0 {
		return "", ErrNoAccounts
	}
	return proto.NormalizeAddress(accounts[0]), nil
}

// Sign requests a signature over message from the active account. It fails with
// ErrAddressMismatch if the active account is not expectedAddress, which guards
// against the account changing between challenge generation and signing.
func (c *Connector) Sign(ctx context.Context, message string, expectedAddress string) (string, error) {
	if c.provider == nil {
		return "", ErrProviderUnavailable
	}

	accounts, err := c.provider.Accounts(ctx)
	if err != nil {
		return "", classify("failed to get signer", err)
	}
	if len(accounts) == 0 {
		return "", ErrNoAccounts
	}
	signer := accounts[0]
	if !proto.SameAddress(signer, expectedAddress) {
		return "", ErrAddressMismatch
	}

	sig, err := c.provider.SignPersonal(ctx, signer, message)
	if err != nil {
		return "", classify("failed to sign message", err)
	}
	return sig, nil
}

// SubscribeAccountChanges registers fn, replacing any previous subscription.
// Accounts passed to fn are normalized.
func (c *Connector) SubscribeAccountChanges(fn func(accounts []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.provider == nil {
		return
	}
	c.unsubscribe = c.provider.Subscribe(func(accounts []string) {
		normalized := make([]string, len(accounts))
		for i, account := range accounts {
			normalized[i] = proto.NormalizeAddress(account)
		}
		fn(normalized)
	})
}

func (c *Connector) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

func classify(msg string, err error) error {
	switch {
	case errors.Is(err, ErrUserRejected):
		return ErrUserRejected
	case errors.Is(err, ErrProviderUnavailable):
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
