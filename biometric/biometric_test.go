package biometric_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nftauth/gateway/biometric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	testCases := map[string]struct {
		verdict string
		want    biometric.Verdict
		ok      bool
	}{
		"live verified":       {verdict: "LIVE_VERIFIED", want: biometric.VerdictLive, ok: true},
		"live with text":      {verdict: "Live face verified", want: biometric.VerdictLive, ok: true},
		"spoof":               {verdict: "SPOOF_DETECTED", want: biometric.VerdictSpoof, ok: true},
		"lowercase spoof":     {verdict: "possible spoof", want: biometric.VerdictSpoof, ok: true},
		"live without verify": {verdict: "LIVE"},
		"unknown":             {verdict: "INCONCLUSIVE"},
		"empty":               {verdict: ""},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, ok := biometric.ParseVerdict(tc.verdict)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClientCapture(t *testing.T) {
	embedding := `[0.1,-0.2,0.3,0.4]`

	testCases := map[string]struct {
		status        int
		body          string
		embeddingSize int
		wantErr       error
		assertFn      func(t *testing.T, res *biometric.Result)
	}{
		"live": {
			status: http.StatusOK,
			body:   `{"success":true,"result":{"verdict":"LIVE_VERIFIED","avg_live":0.97,"meta":{"embedding":` + embedding + `,"timestamp":1709296245123}}}`,
			assertFn: func(t *testing.T, res *biometric.Result) {
				assert.Equal(t, biometric.VerdictLive, res.Verdict)
				assert.Equal(t, []float64{0.1, -0.2, 0.3, 0.4}, res.Embedding)
				assert.Equal(t, 0.97, res.Confidence)
				assert.Equal(t, int64(1709296245123), res.CapturedAt.UnixMilli())
			},
		},
		"live without timestamp": {
			status: http.StatusOK,
			body:   `{"success":true,"result":{"verdict":"LIVE_VERIFIED","meta":{"embedding":` + embedding + `}}}`,
			assertFn: func(t *testing.T, res *biometric.Result) {
				assert.WithinDuration(t, time.Now(), res.CapturedAt, time.Minute)
			},
		},
		"spoof is a result": {
			status: http.StatusOK,
			body:   `{"success":true,"result":{"verdict":"SPOOF_DETECTED","avg_live":0.1}}`,
			assertFn: func(t *testing.T, res *biometric.Result) {
				assert.Equal(t, biometric.VerdictSpoof, res.Verdict)
				assert.Empty(t, res.Embedding)
			},
		},
		"success false": {
			status:  http.StatusOK,
			body:    `{"success":false}`,
			wantErr: biometric.ErrUnexpectedVerdict,
		},
		"unknown verdict": {
			status:  http.StatusOK,
			body:    `{"success":true,"result":{"verdict":"MAYBE"}}`,
			wantErr: biometric.ErrUnexpectedVerdict,
		},
		"missing embedding": {
			status:  http.StatusOK,
			body:    `{"success":true,"result":{"verdict":"LIVE_VERIFIED","meta":{"embedding":[]}}}`,
			wantErr: biometric.ErrUnexpectedVerdict,
		},
		"embedding size mismatch": {
			status:        http.StatusOK,
			body:          `{"success":true,"result":{"verdict":"LIVE_VERIFIED","meta":{"embedding":` + embedding + `}}}`,
			embeddingSize: 128,
			wantErr:       biometric.ErrUnexpectedVerdict,
		},
		"server error": {
			status:  http.StatusInternalServerError,
			body:    `oops`,
			wantErr: biometric.ErrCaptureTransport,
		},
		"malformed json": {
			status:  http.StatusOK,
			body:    `{"success":`,
			wantErr: biometric.ErrCaptureTransport,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/start-liveness", r.URL.Path)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := biometric.NewClient(srv.Client(), srv.URL+"/", time.Second, tc.embeddingSize)
			res, err := c.Capture(context.Background())
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			tc.assertFn(t, res)
		})
	}
}

func TestClientCaptureTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := biometric.NewClient(srv.Client(), srv.URL, 20*time.Millisecond, 0)
	_, err := c.Capture(context.Background())
	require.ErrorIs(t, err, biometric.ErrCaptureTransport)
}
