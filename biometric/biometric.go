// Package biometric talks to the liveness service that captures a face sample and
// returns a verdict together with its embedding.
package biometric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var (
	ErrSpoofDetected     = errors.New("spoof detected, please try again with a real face")
	ErrUnexpectedVerdict = errors.New("unexpected verdict from liveness service")
	ErrCaptureTransport  = errors.New("liveness service request failed")
)

type Verdict string

const (
	VerdictLive  Verdict = "live"
	VerdictSpoof Verdict = "spoof"
)

var (
	liveVerdict  = regexp.MustCompile(`(?i)live.*verified`)
	spoofVerdict = regexp.MustCompile(`(?i)spoof`)
)

// ParseVerdict maps the free-form verdict string of the liveness service.
func ParseVerdict(s string) (Verdict, bool) {
	switch {
	case liveVerdict.MatchString(s):
		return VerdictLive, true
	case spoofVerdict.MatchString(s):
		return VerdictSpoof, true
	}
	return "", false
}

type Result struct {
	Verdict    Verdict   `json:"verdict"`
	Embedding  []float64 `json:"embedding,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Capturer runs a single liveness check. A spoof verdict is a Result, not an error.
type Capturer interface {
	Capture(ctx context.Context) (*Result, error)
}

type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

type Client struct {
	client        HTTPClient
	baseURL       string
	timeout       time.Duration
	embeddingSize int
	now           func() time.Time
}

var _ Capturer = (*Client)(nil)

// NewClient creates a liveness client. An embeddingSize of zero accepts embeddings
// of any non-zero length.
func NewClient(client HTTPClient, baseURL string, timeout time.Duration, embeddingSize int) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		client:        client,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		timeout:       timeout,
		embeddingSize: embeddingSize,
		now:           time.Now,
	}
}

type livenessResponse struct {
	Success bool `json:"success"`
	Result  *struct {
		Verdict string  `json:"verdict"`
		AvgLive float64 `json:"avg_live"`
		Meta    *struct {
			Embedding []float64 `json:"embedding"`
			Timestamp int64     `json:"timestamp"`
		} `json:"meta"`
	} `json:"result"`
}

func (c *Client) Capture(ctx context.Context) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/start-liveness", bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrCaptureTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureTransport, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrCaptureTransport, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrCaptureTransport, res.StatusCode)
	}

	var data livenessResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrCaptureTransport, err)
	}

	if !data.Success || data.Result == nil {
		return nil, fmt.Errorf("%w: service returned success: false", ErrUnexpectedVerdict)
	}
	verdict, ok := ParseVerdict(data.Result.Verdict)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedVerdict, data.Result.Verdict)
	}
	if verdict == VerdictSpoof {
		return &Result{Verdict: VerdictSpoof, Confidence: data.Result.AvgLive, CapturedAt: c.now().UTC()}, nil
	}

	if data.Result.Meta == nil || len(data.Result.Meta.Embedding) == 0 {
		return nil, fmt.Errorf("%w: missing embedding", ErrUnexpectedVerdict)
	}
	if c.embeddingSize > 0 && len(data.Result.Meta.Embedding) != c.embeddingSize {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, expected %d", ErrUnexpectedVerdict, len(data.Result.Meta.Embedding), c.embeddingSize)
	}

	capturedAt := c.now().UTC()
	if data.Result.Meta.Timestamp > 0 {
		capturedAt = time.UnixMilli(data.Result.Meta.Timestamp).UTC()
	}
	return &Result{
		Verdict:    VerdictLive,
		Embedding:  data.Result.Meta.Embedding,
		Confidence: data.Result.AvgLive,
		CapturedAt: capturedAt,
	}, nil
}
