// Package verification submits the assembled registration payload to the backend
// that checks the signature and the biometric embedding.
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/0xsequence/ethkit/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"
)

var ErrVerificationTransport = errors.New("verification request failed")

const AccessKeyHeader = "X-Access-Key"

type Payload struct {
	WalletAddress  string    `json:"walletAddress"`
	Message        string    `json:"message"`
	Signature      string    `json:"signature"`
	Embedding      []float64 `json:"embedding"`
	RequireProfile bool      `json:"requireProfile"`
}

// Digest returns the keccak256 hash of the canonical JSON encoding of the payload.
func (p *Payload) Digest() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(b)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return crypto.Keccak256(canonical), nil
}

type Result struct {
	Authenticated bool           `json:"authenticated"`
	Profile       map[string]any `json:"profile,omitempty"`

	// Err holds the reason a failed request was normalized to Authenticated=false.
	// It is informational only.
	Err error `json:"-"`
}

// Verifier never returns an error: every failure is reported as Authenticated=false.
type Verifier interface {
	Verify(ctx context.Context, payload *Payload) *Result
}

// AccessKeyProvider resolves the key sent in the X-Access-Key header.
type AccessKeyProvider interface {
	AccessKey(ctx context.Context) (string, error)
}

type AccessKeyFunc func(ctx context.Context) (string, error)

func (f AccessKeyFunc) AccessKey(ctx context.Context) (string, error) {
	return f(ctx)
}

type StaticAccessKey string

func (k StaticAccessKey) AccessKey(context.Context) (string, error) {
	return string(k), nil
}

type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

type Client struct {
	client    HTTPClient
	baseURL   string
	timeout   time.Duration
	accessKey AccessKeyProvider
	logger    zerolog.Logger
}

var _ Verifier = (*Client)(nil)

func NewClient(client HTTPClient, baseURL string, timeout time.Duration, accessKey AccessKeyProvider, logger zerolog.Logger) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client:    client,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		timeout:   timeout,
		accessKey: accessKey,
		logger:    logger,
	}
}

func (c *Client) Verify(ctx context.Context, payload *Payload) *Result {
	res, err := c.verify(ctx, payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("wallet", payload.WalletAddress).Msg("verification failed")
		return &Result{Authenticated: false, Err: fmt.Errorf("%w: %w", ErrVerificationTransport, err)}
	}
	return res
}

func (c *Client) verify(ctx context.Context, payload *Payload) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.accessKey != nil {
		key, err := c.accessKey.AccessKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("get access key: %w", err)
		}
		if key != "" {
			req.Header.Set(AccessKeyHeader, key)
		}
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	var out struct {
		Authenticated *bool          `json:"authenticated"`
		Profile       map[string]any `json:"profile"`
	}
	if err := json.Unmarshal(resBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Authenticated == nil {
		return nil, errors.New("response is missing authenticated")
	}
	return &Result{Authenticated: *out.Authenticated, Profile: out.Profile}, nil
}
