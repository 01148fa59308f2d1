// Package jsonrpc implements a wallet provider that talks JSON-RPC 2.0 to a remote
// EIP-1193 compatible wallet endpoint.
package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/0xsequence/ethkit/ethrpc"
	ethjsonrpc "github.com/0xsequence/ethkit/ethrpc/jsonrpc"
	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"
	"github.com/nftauth/gateway/wallet"
)

type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

type Provider struct {
	wallet.Notifier

	rpc          *ethrpc.Provider
	pollInterval time.Duration

	mu       sync.Mutex
	accounts []string
	seen     bool
}

var (
	_ wallet.Provider         = (*Provider)(nil)
	_ wallet.Watcher          = (*Provider)(nil)
	_ wallet.AccountsNotifier = (*Provider)(nil)
)

func New(client HTTPClient, url string, pollInterval time.Duration) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	// NewProvider only applies options and never fails.
	rpc, _ := ethrpc.NewProvider(url, ethrpc.WithHTTPClient(client))
	return &Provider{
		rpc:          rpc,
		pollInterval: pollInterval,
	}
}

func (p *Provider) RequestAccounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.call(ctx, ethrpc.NewCallBuilder[[]string]("eth_requestAccounts", nil).Into(&accounts)); err != nil {
		return nil, err
	}
	p.remember(accounts)
	return accounts, nil
}

func (p *Provider) Accounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.call(ctx, ethrpc.NewCallBuilder[[]string]("eth_accounts", nil).Into(&accounts)); err != nil {
		return nil, err
	}
	return accounts, nil
}

// SignPersonal sends the message hex encoded, as wallets expect for personal_sign.
func (p *Provider) SignPersonal(ctx context.Context, address string, message string) (string, error) {
	var sig string
	call := ethrpc.NewCallBuilder[string]("personal_sign", nil, hexutil.Encode([]byte(message)), address).Into(&sig)
	if err := p.call(ctx, call); err != nil {
		return "", err
	}
	if _, err := hexutil.Decode(sig); err != nil {
		return "", fmt.Errorf("invalid signature returned by wallet: %w", err)
	}
	return sig, nil
}

// Watch polls eth_accounts and notifies subscribers whenever the list changes.
// It returns when ctx is done.
func (p *Provider) Watch(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			accounts, err := p.Accounts(ctx)
			if err != nil {
				// transient wallet errors are retried on the next tick
				continue
			}
			if p.remember(accounts) {
				p.NotifyAccountsChanged(accounts)
			}
		}
	}
}

// remember stores the last observed account list and reports whether it changed.
// The very first observation is never a change.
func (p *Provider) remember(accounts []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := p.seen && !slices.Equal(p.accounts, accounts)
	p.accounts = slices.Clone(accounts)
	p.seen = true
	return changed
}

// call runs a single request. Wallet error objects become *wallet.RPCError so
// that EIP-1193 codes keep their meaning; transport failures are reported as
// wallet.ErrProviderUnavailable.
func (p *Provider) call(ctx context.Context, call ethrpc.Call) error {
	_, err := p.rpc.Do(ctx, call)
	if err == nil {
		return nil
	}

	var rpcErr ethjsonrpc.Error
	if errors.As(err, &rpcErr) {
		return &wallet.RPCError{Code: rpcErr.Code, Message: rpcErr.Message}
	}
	var rpcErrPtr *ethjsonrpc.Error
	if errors.As(err, &rpcErrPtr) && rpcErrPtr != nil {
		return &wallet.RPCError{Code: rpcErrPtr.Code, Message: rpcErrPtr.Message}
	}
	if errors.Is(err, ethrpc.ErrRequestFail) || errors.Is(err, ethrpc.ErrEmptyResponse) {
		return fmt.Errorf("%w: %v", wallet.ErrProviderUnavailable, err)
	}
	return err
}
