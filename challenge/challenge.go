// Package challenge generates single-use nonces and the human-readable challenge
// message a wallet signs to prove control of an address.
package challenge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	// TimestampLayout is the UTC millisecond timestamp embedded in challenge messages.
	TimestampLayout = "2006-01-02T15:04:05.000Z"

	nonceRandomLength = 13
	nonceAlphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
	maxNonceAttempts  = 8
)

var (
	ErrNonceExhausted   = errors.New("failed to generate a unique nonce")
	ErrMalformedMessage = errors.New("malformed challenge message")
)

type Challenge struct {
	Nonce    string    `json:"nonce"`
	Message  string    `json:"message"`
	IssuedAt time.Time `json:"issuedAt"`
}

type Generator struct {
	service        string
	now            func() time.Time
	randomProvider func(ctx context.Context) io.Reader
	registry       NonceRegistry
	nonceTTL       time.Duration
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithRandom(randomProvider func(ctx context.Context) io.Reader) Option {
	return func(g *Generator) { g.randomProvider = randomProvider }
}

func WithRegistry(registry NonceRegistry) Option {
	return func(g *Generator) { g.registry = registry }
}

func WithNonceTTL(ttl time.Duration) Option {
	return func(g *Generator) { g.nonceTTL = ttl }
}

func NewGenerator(service string, opts ...Option) *Generator {
	g := &Generator{
		service: service,
		now:     time.Now,
		randomProvider: func(context.Context) io.Reader {
			return rand.Reader
		},
		nonceTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateNonce returns a nonce of the form <unix millis>-<13 base36 chars>. When a
// registry is configured the nonce is reserved there and regenerated on collision.
func (g *Generator) GenerateNonce(ctx context.Context) (string, error) {
	source := g.randomProvider(ctx)

	for range maxNonceAttempts {
		suffix, err := randomString(source, nonceRandomLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate nonce: %w", err)
		}
		nonce := strconv.FormatInt(g.now().UnixMilli(), 10) + "-" + suffix

		if g.registry == nil {
			return nonce, nil
		}
		ok, err := g.registry.Register(ctx, nonce, g.nonceTTL)
		if err != nil {
			return "", fmt.Errorf("failed to register nonce: %w", err)
		}
		if ok {
			return nonce, nil
		}
	}
	return "", ErrNonceExhausted
}

// NewChallenge generates a fresh nonce and builds the message around it.
func (g *Generator) NewChallenge(ctx context.Context) (*Challenge, error) {
	nonce, err := g.GenerateNonce(ctx)
	if err != nil {
		return nil, err
	}
	issuedAt := g.now().UTC()
	return &Challenge{
		Nonce:    nonce,
		Message:  BuildChallenge(g.service, nonce, issuedAt),
		IssuedAt: issuedAt,
	}, nil
}

func BuildChallenge(service string, nonce string, at time.Time) string {
	return fmt.Sprintf("Authenticating with %s: nonce:%s:%s", service, nonce, at.UTC().Format(TimestampLayout))
}

// ParseChallenge splits a message produced by BuildChallenge back into its parts.
func ParseChallenge(message string) (service string, nonce string, at time.Time, err error) {
	rest, ok := strings.CutPrefix(message, "Authenticating with ")
	if !ok {
		return "", "", time.Time{}, ErrMalformedMessage
	}
	service, rest, ok = strings.Cut(rest, ": nonce:")
	if !ok || service == "" {
		return "", "", time.Time{}, ErrMalformedMessage
	}
	// the timestamp itself contains colons, the nonce never does
	nonce, ts, ok := strings.Cut(rest, ":")
	if !ok || nonce == "" {
		return "", "", time.Time{}, ErrMalformedMessage
	}
	at, err = time.Parse(TimestampLayout, ts)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return service, nonce, at, nil
}

func randomString(source io.Reader, n int) (string, error) {
	result := make([]byte, n)
	for i := range result {
		num, err := rand.Int(source, big.NewInt(int64(len(nonceAlphabet))))
		if err != nil {
			return "", err
		}
		result[i] = nonceAlphabet[num.Int64()]
	}
	return string(result), nil
}
