// Package keystore implements an in-process wallet provider backed by ethkit
// wallets. It is meant for local mode and tests: the gateway itself holds the keys.
package keystore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/0xsequence/ethkit/ethwallet"
	"github.com/nftauth/gateway/proto"
	"github.com/nftauth/gateway/wallet"
)

type Provider struct {
	wallet.Notifier

	mu        sync.Mutex
	wallets   []*ethwallet.Wallet
	active    int
	connected bool
	reject    bool
}

var (
	_ wallet.Provider         = (*Provider)(nil)
	_ wallet.AccountsNotifier = (*Provider)(nil)
)

func New(wallets ...*ethwallet.Wallet) *Provider {
	return &Provider{wallets: wallets}
}

// NewFromPrivateKeys creates a provider holding one wallet per hex encoded private key.
func NewFromPrivateKeys(keys []string) (*Provider, error) {
	wallets := make([]*ethwallet.Wallet, 0, len(keys))
	for i, key := range keys {
		w, err := ethwallet.NewWalletFromPrivateKey(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return nil, fmt.Errorf("private key %d: %w", i, err)
		}
		wallets = append(wallets, w)
	}
	return New(wallets...), nil
}

// NewRandom creates a provider holding n freshly generated wallets.
func NewRandom(n int) (*Provider, error) {
	wallets := make([]*ethwallet.Wallet, 0, n)
	for i := 0; i < n; i++ {
		w, err := ethwallet.NewWalletFromRandomEntropy()
		if err != nil {
			return nil, fmt.Errorf("generate wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return New(wallets...), nil
}

// Fork returns a provider sharing the same wallets but with its own connection
// state, so that every flow gets an independent session.
func (p *Provider) Fork() *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return New(p.wallets...)
}

func (p *Provider) RequestAccounts(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reject {
		return nil, &wallet.RPCError{Code: wallet.CodeUserRejected, Message: "User rejected the request."}
	}
	if len(p.wallets) == 0 {
		return []string{}, nil
	}
	p.connected = true
	return []string{p.addressLocked()}, nil
}

func (p *Provider) Accounts(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected || len(p.wallets) == 0 {
		return []string{}, nil
	}
	return []string{p.addressLocked()}, nil
}

func (p *Provider) SignPersonal(ctx context.Context, address string, message string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reject {
		return "", &wallet.RPCError{Code: wallet.CodeUserRejected, Message: "User denied message signature."}
	}
	if !p.connected || len(p.wallets) == 0 {
		return "", &wallet.RPCError{Code: wallet.CodeUnauthorized, Message: "The requested account has not been authorized."}
	}
	if !proto.SameAddress(address, p.addressLocked()) {
		return "", &wallet.RPCError{Code: wallet.CodeUnauthorized, Message: "The requested account has not been authorized."}
	}
	return wallet.SignPersonalMessage(p.wallets[p.active].PrivateKey(), message)
}

// Switch makes the wallet at index active and notifies subscribers if connected.
func (p *Provider) Switch(index int) error {
	p.mu.Lock()
	if index < 0 || index >= len(p.wallets) {
		p.mu.Unlock()
		return fmt.Errorf("wallet index out of range: %d", index)
	}
	p.active = index
	connected := p.connected
	address := p.addressLocked()
	p.mu.Unlock()

	if connected {
		p.NotifyAccountsChanged([]string{address})
	}
	return nil
}

// Disconnect drops account access and notifies subscribers with an empty list.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.NotifyAccountsChanged([]string{})
}

// SetReject makes the provider decline every request, as if the user clicked reject.
func (p *Provider) SetReject(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = reject
}

// Addresses lists the lowercased addresses of all held wallets.
func (p *Provider) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	addresses := make([]string, len(p.wallets))
	for i, w := range p.wallets {
		addresses[i] = strings.ToLower(w.Address().Hex())
	}
	return addresses
}

func (p *Provider) addressLocked() string {
	return strings.ToLower(p.wallets[p.active].Address().Hex())
}
