package rpc

import (
	"context"
	"fmt"

	"github.com/nftauth/gateway/config"
	"github.com/nftauth/gateway/data"
	"github.com/nftauth/gateway/flow"
	"github.com/nftauth/gateway/wallet"
	"github.com/nftauth/gateway/wallet/jsonrpc"
	"github.com/nftauth/gateway/wallet/keystore"
)

// WalletFactory creates the wallet provider of a new flow. Every flow gets its
// own provider so that connections and account changes do not leak between flows.
type WalletFactory interface {
	NewProvider() (wallet.Provider, error)
}

type keystoreWallets struct {
	base *keystore.Provider
}

func (f *keystoreWallets) NewProvider() (wallet.Provider, error) {
	return f.base.Fork(), nil
}

type jsonrpcWallets struct {
	client jsonrpc.HTTPClient
	cfg    config.WalletConfig
	url    string
}

func (f *jsonrpcWallets) NewProvider() (wallet.Provider, error) {
	return jsonrpc.New(f.client, f.url, f.cfg.PollInterval), nil
}

func newWalletFactory(cfg *config.Config, client jsonrpc.HTTPClient) (WalletFactory, error) {
	switch cfg.Wallet.Provider {
	case "keystore":
		var (
			base *keystore.Provider
			err  error
		)
		if len(cfg.Wallet.PrivateKeys) > 0 {
			base, err = keystore.NewFromPrivateKeys(cfg.Wallet.PrivateKeys)
		} else {
			base, err = keystore.NewRandom(2)
		}
		if err != nil {
			return nil, fmt.Errorf("keystore wallets: %w", err)
		}
		return &keystoreWallets{base: base}, nil
	case "jsonrpc":
		return &jsonrpcWallets{client: client, cfg: cfg.Wallet, url: cfg.Endpoints.WalletRPCURL}, nil
	default:
		return nil, fmt.Errorf("unknown wallet provider %q", cfg.Wallet.Provider)
	}
}

// attemptRecorder stores verification attempts in the attempts table.
type attemptRecorder struct {
	table *data.VerificationAttemptTable
}

func (r *attemptRecorder) RecordAttempt(ctx context.Context, attempt *flow.Attempt) error {
	return r.table.Put(ctx, &data.VerificationAttempt{
		FlowID:         attempt.FlowID,
		AttemptedAt:    attempt.AttemptedAt,
		WalletAddress:  attempt.WalletAddress,
		PayloadDigest:  data.NewPayloadDigest(attempt.PayloadDigest),
		Authenticated:  attempt.Authenticated,
		RequireProfile: attempt.RequireProfile,
		Redirected:     attempt.Redirected,
	})
}

func (s *RPC) recorder() flow.AttemptRecorder {
	if s.Attempts == nil {
		return nil
	}
	return &attemptRecorder{table: s.Attempts}
}
