// Package wallet connects to a crypto wallet through a narrow provider capability:
// account access, the active account, personal message signing and account-change
// notifications.
package wallet

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrProviderUnavailable = errors.New("wallet provider is not available")
	ErrUserRejected        = errors.New("user rejected the request")
	ErrNoAccounts          = errors.New("no accounts found, please unlock the wallet")
	ErrAddressMismatch     = errors.New("connected wallet address mismatch")
)

// Provider is the capability exposed by an installed wallet, modelled after EIP-1193.
type Provider interface {
	// RequestAccounts asks the user for account access (eth_requestAccounts).
	RequestAccounts(ctx context.Context) ([]string, error)

	// Accounts returns the accounts currently exposed to the caller (eth_accounts).
	Accounts(ctx context.Context) ([]string, error)

	// SignPersonal signs message with the given account (personal_sign) and returns
	// the hex encoded signature.
	SignPersonal(ctx context.Context, address string, message string) (string, error)

	// Subscribe registers fn for account-change notifications. An empty list means
	// the wallet disconnected. The returned function removes the registration.
	Subscribe(fn func(accounts []string)) (unsubscribe func())
}

// Watcher is implemented by providers that need to poll for account changes.
type Watcher interface {
	Watch(ctx context.Context) error
}

// AccountsNotifier is implemented by providers that accept account changes pushed
// from outside, e.g. forwarded EIP-1193 accountsChanged events.
type AccountsNotifier interface {
	NotifyAccountsChanged(accounts []string)
}

// RPCError is an error object returned by a wallet, carrying an EIP-1193 error code.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	CodeUserRejected = 4001
	CodeUnauthorized = 4100
	CodeDisconnected = 4900
)

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrUserRejected:
		return e.Code == CodeUserRejected
	case ErrProviderUnavailable:
		return e.Code == CodeDisconnected
	}
	return false
}

// FormatAddress shortens an address for display, e.g. 0x1234...5678.
func FormatAddress(address string) string {
	if len(address) < 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}
