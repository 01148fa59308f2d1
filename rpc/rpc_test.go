package rpc_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"
	"github.com/0xsequence/ethkit/go-ethereum/crypto"
	"github.com/alicebob/miniredis/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nftauth/gateway/config"
	"github.com/nftauth/gateway/flow"
	"github.com/nftauth/gateway/mock"
	"github.com/nftauth/gateway/proto"
	"github.com/nftauth/gateway/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWallet struct {
	privateKey string
	address    string
}

func newTestWallet(t *testing.T) testWallet {
	key, err := ecdsa.GenerateKey(secp256k1.S256(), rand.Reader)
	require.NoError(t, err)
	return testWallet{
		privateKey: hexutil.Encode(crypto.FromECDSA(key)),
		address:    strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

func initBackend(t *testing.T, opts mock.Options) *httptest.Server {
	if opts.LiveRate == 0 {
		opts.LiveRate = 1
	}
	backend, err := mock.New(opts, zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func initConfig(t *testing.T, backendURL string, wallets ...testWallet) *config.Config {
	keys := make([]string, 0, len(wallets))
	for _, w := range wallets {
		keys = append(keys, w.privateKey)
	}
	cfg := &config.Config{
		Mode:   config.LocalMode,
		Region: "us-east-1",
		Endpoints: config.EndpointsConfig{
			BiometricURL: backendURL,
			VerifierURL:  backendURL,
		},
		Wallet: config.WalletConfig{
			Provider:    "keystore",
			PrivateKeys: keys,
		},
		Biometric: config.BiometricConfig{
			EmbeddingSize: 128,
			Timeout:       5 * time.Second,
		},
		Verifier: config.VerifierConfig{
			Timeout: 5 * time.Second,
		},
		Redirect: config.RedirectConfig{
			PageOrigin:     "http://localhost:5173",
			PartnerOrigins: []string{"https://partner.example"},
		},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func initRPC(t *testing.T, cfg *config.Config) *httptest.Server {
	svc, err := rpc.New(cfg, http.DefaultTransport)
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Sessions.CloseAll()
	})
	return srv
}

func call(t *testing.T, srv *httptest.Server, method string, path string, body any, out any) int {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	if out != nil && res.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func startFlow(t *testing.T, srv *httptest.Server, query string) string {
	var res rpc.StartFlowResponse
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/flows?"+query, nil, &res))
	require.NotEmpty(t, res.FlowID)
	require.Equal(t, flow.StageDisconnected, res.View.Stage)
	return res.FlowID
}

func operation(t *testing.T, srv *httptest.Server, id string, op string) *flow.View {
	var view flow.View
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/flows/"+id+"/"+op, nil, &view))
	return &view
}

func TestFlow(t *testing.T) {
	alice := newTestWallet(t)

	tests := map[string]struct {
		query           string
		configure       func(t *testing.T, cfg *config.Config)
		wantProfile     bool
		wantRedirect    string
		wantReturnURL   string
		wantProfileKeys []string
	}{
		"NoRedirect": {},
		"WithProfileAndRedirect": {
			query:           "requireProfile=true&redirect=" + url.QueryEscape("https://partner.example/done?x=1"),
			wantProfile:     true,
			wantRedirect:    "https://partner.example/done?",
			wantReturnURL:   "https://partner.example/done?x=1",
			wantProfileKeys: []string{"dob", "gender", "mobile", "name"},
		},
		"DisallowedRedirect": {
			query: "redirect=" + url.QueryEscape("https://evil.example/steal"),
		},
		"RedisNonces": {
			configure: func(t *testing.T, cfg *config.Config) {
				cfg.Challenge.Backend = "redis"
				cfg.Redis.Addr = miniredis.RunT(t).Addr()
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			backend := initBackend(t, mock.Options{})
			cfg := initConfig(t, backend.URL, alice)
			if tc.configure != nil {
				tc.configure(t, cfg)
			}
			srv := initRPC(t, cfg)

			id := startFlow(t, srv, tc.query)

			view := operation(t, srv, id, "connect")
			require.Equal(t, flow.StageConnected, view.Stage)
			require.Equal(t, alice.address, view.Record.WalletAddress)
			require.True(t, strings.HasPrefix(view.Record.Message, "Authenticating with NFTAuth: nonce:"))

			view = operation(t, srv, id, "sign")
			require.Equal(t, flow.StageSigned, view.Stage)

			view = operation(t, srv, id, "capture")
			require.Equal(t, flow.StageCaptured, view.Stage)
			require.Len(t, view.Record.BiometricData.Embedding, 128)
			require.True(t, view.Submittable)

			view = operation(t, srv, id, "submit")
			require.Equal(t, flow.StageVerified, view.Stage)
			require.True(t, view.Record.VerificationResult.Authenticated)
			assert.Equal(t, tc.wantProfile, view.RequireProfile)
			assert.Equal(t, tc.wantReturnURL, view.ReturnURL)

			if tc.wantRedirect == "" {
				assert.Empty(t, view.RedirectURL)
				return
			}
			require.True(t, strings.HasPrefix(view.RedirectURL, tc.wantRedirect))
			target, err := url.Parse(view.RedirectURL)
			require.NoError(t, err)
			q := target.Query()
			assert.Equal(t, "1", q.Get("x"))
			assert.Equal(t, "true", q.Get("authenticate"))
			assert.Equal(t, alice.address, q.Get("walletAddress"))

			var profile map[string]any
			require.NoError(t, json.Unmarshal([]byte(q.Get("profile")), &profile))
			keys := make([]string, 0, len(profile))
			for k := range profile {
				keys = append(keys, k)
			}
			assert.ElementsMatch(t, tc.wantProfileKeys, keys)
		})
	}
}

func TestFlowErrors(t *testing.T) {
	alice := newTestWallet(t)

	tests := map[string]struct {
		setup      func(t *testing.T, srv *httptest.Server, id string)
		method     string
		path       string
		body       any
		wantStatus int
		wantError  string
		wantView   func(t *testing.T, view *flow.View)
	}{
		"UnknownFlow": {
			method:     http.MethodGet,
			path:       "/flows/00000000-0000-0000-0000-000000000000",
			wantStatus: http.StatusNotFound,
			wantError:  proto.ErrFlowNotFound.Name,
		},
		"SignBeforeConnect": {
			method:     http.MethodPost,
			path:       "/sign",
			wantStatus: http.StatusConflict,
			wantError:  proto.ErrStageLocked.Name,
		},
		"SubmitIncomplete": {
			setup: func(t *testing.T, srv *httptest.Server, id string) {
				operation(t, srv, id, "connect")
			},
			method:     http.MethodPost,
			path:       "/submit",
			wantStatus: http.StatusOK,
			wantView: func(t *testing.T, view *flow.View) {
				assert.Equal(t, flow.ErrIncompleteSubmission.Error(), view.Errors[flow.OpSubmit])
				assert.Nil(t, view.Record.VerificationResult)
			},
		},
		"SignAfterVerified": {
			setup: func(t *testing.T, srv *httptest.Server, id string) {
				for _, op := range []string{"connect", "sign", "capture", "submit"} {
					operation(t, srv, id, op)
				}
			},
			method:     http.MethodPost,
			path:       "/sign",
			wantStatus: http.StatusConflict,
			wantError:  proto.ErrFlowComplete.Name,
		},
		"InvalidAccounts": {
			method:     http.MethodPost,
			path:       "/accounts",
			body:       map[string]any{"accounts": []string{"not-an-address"}},
			wantStatus: http.StatusBadRequest,
			wantError:  proto.ErrInvalidRequest.Name,
		},
		"Reset": {
			setup: func(t *testing.T, srv *httptest.Server, id string) {
				operation(t, srv, id, "connect")
				operation(t, srv, id, "sign")
			},
			method:     http.MethodPost,
			path:       "/reset",
			wantStatus: http.StatusOK,
			wantView: func(t *testing.T, view *flow.View) {
				assert.Equal(t, flow.StageDisconnected, view.Stage)
				assert.Empty(t, view.Record.Signature)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			backend := initBackend(t, mock.Options{})
			srv := initRPC(t, initConfig(t, backend.URL, alice))
			id := startFlow(t, srv, "")
			if tc.setup != nil {
				tc.setup(t, srv, id)
			}

			path := tc.path
			if !strings.HasPrefix(path, "/flows") {
				path = "/flows/" + id + path
			}

			var body json.RawMessage
			status := call(t, srv, tc.method, path, tc.body, &body)
			require.Equal(t, tc.wantStatus, status, string(body))

			if tc.wantError != "" {
				var rpcErr proto.WebRPCError
				require.NoError(t, json.Unmarshal(body, &rpcErr))
				assert.Equal(t, tc.wantError, rpcErr.Name)
			}
			if tc.wantView != nil {
				var view flow.View
				require.NoError(t, json.Unmarshal(body, &view))
				tc.wantView(t, &view)
			}
		})
	}
}

func TestFlowFailures(t *testing.T) {
	alice := newTestWallet(t)

	t.Run("Spoof", func(t *testing.T) {
		backend := initBackend(t, mock.Options{LiveRate: -1})
		srv := initRPC(t, initConfig(t, backend.URL, alice))
		id := startFlow(t, srv, "")
		operation(t, srv, id, "connect")
		operation(t, srv, id, "sign")

		view := operation(t, srv, id, "capture")
		assert.Equal(t, flow.StageSigned, view.Stage)
		assert.NotEmpty(t, view.Errors[flow.OpCapture])
		assert.NotEmpty(t, view.Record.Signature)
	})

	t.Run("VerificationRejected", func(t *testing.T) {
		backend := initBackend(t, mock.Options{AccessKey: "secret"})
		srv := initRPC(t, initConfig(t, backend.URL, alice))
		id := startFlow(t, srv, "redirect="+url.QueryEscape("https://partner.example/cb"))
		for _, op := range []string{"connect", "sign", "capture"} {
			operation(t, srv, id, op)
		}

		view := operation(t, srv, id, "submit")
		assert.Equal(t, flow.StageFailed, view.Stage)
		assert.Equal(t, "verification failed", view.Errors[flow.OpSubmit])
		assert.Empty(t, view.RedirectURL)
		assert.Equal(t, "https://partner.example/cb", view.ReturnURL)
	})
}

func TestAccountsChanged(t *testing.T) {
	alice := newTestWallet(t)
	bob := newTestWallet(t)

	backend := initBackend(t, mock.Options{})
	srv := initRPC(t, initConfig(t, backend.URL, alice, bob))
	id := startFlow(t, srv, "")

	view := operation(t, srv, id, "connect")
	firstMessage := view.Record.Message
	operation(t, srv, id, "sign")

	var switched flow.View
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/flows/"+id+"/accounts", &proto.AccountsChangedParams{Accounts: []string{bob.address}}, &switched))
	assert.Equal(t, bob.address, switched.Record.WalletAddress)
	assert.Empty(t, switched.Record.Signature)
	assert.NotEmpty(t, switched.Record.Message)
	assert.NotEqual(t, firstMessage, switched.Record.Message)

	var disconnected flow.View
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/flows/"+id+"/accounts", &proto.AccountsChangedParams{Accounts: []string{}}, &disconnected))
	assert.Equal(t, flow.StageDisconnected, disconnected.Stage)
	assert.Empty(t, disconnected.Record.WalletAddress)
}

func TestDeleteFlow(t *testing.T) {
	backend := initBackend(t, mock.Options{})
	srv := initRPC(t, initConfig(t, backend.URL, newTestWallet(t)))
	id := startFlow(t, srv, "")

	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodDelete, "/flows/"+id, nil, nil))
	require.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/flows/"+id, nil, &json.RawMessage{}))
	require.Equal(t, http.StatusNotFound, call(t, srv, http.MethodDelete, "/flows/"+id, nil, &json.RawMessage{}))
}

func TestSessionLimit(t *testing.T) {
	backend := initBackend(t, mock.Options{})
	cfg := initConfig(t, backend.URL, newTestWallet(t))
	cfg.Sessions.MaxFlows = 1
	srv := initRPC(t, cfg)

	startFlow(t, srv, "")

	var rpcErr proto.WebRPCError
	require.Equal(t, http.StatusServiceUnavailable, call(t, srv, http.MethodPost, "/flows", nil, &rpcErr))
	assert.Equal(t, proto.ErrSessionLimitReached.Name, rpcErr.Name)
}

func TestServiceRoutes(t *testing.T) {
	backend := initBackend(t, mock.Options{})
	srv := initRPC(t, initConfig(t, backend.URL, newTestWallet(t)))
	id := startFlow(t, srv, "")
	operation(t, srv, id, "connect")

	var status map[string]any
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/status", nil, &status))
	assert.Equal(t, float64(1), status["activeFlows"])
	assert.Equal(t, "local", status["mode"])

	res, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nftauth_flow_operations_total{operation="connect",outcome="ok"} 1`)
	assert.Contains(t, string(body), "nftauth_sessions_active_flows 1")
}

func TestStop(t *testing.T) {
	tests := map[string]struct {
		run func(t *testing.T, svc *rpc.RPC)
	}{
		"AfterRunFailed": {
			run: func(t *testing.T, svc *rpc.RPC) {
				l, err := net.Listen("tcp", "127.0.0.1:0")
				require.NoError(t, err)
				require.NoError(t, l.Close())
				require.Error(t, svc.Run(context.Background(), l))
			},
		},
		"AfterShutdown": {
			run: func(t *testing.T, svc *rpc.RPC) {
				l, err := net.Listen("tcp", "127.0.0.1:0")
				require.NoError(t, err)
				ctx, cancel := context.WithCancel(context.Background())
				done := make(chan error, 1)
				go func() { done <- svc.Run(ctx, l) }()
				require.Eventually(t, svc.IsRunning, time.Second, 10*time.Millisecond)
				cancel()
				require.NoError(t, <-done)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			backend := initBackend(t, mock.Options{})
			cfg := initConfig(t, backend.URL, newTestWallet(t))
			cfg.Challenge.Backend = "redis"
			cfg.Redis.Addr = miniredis.RunT(t).Addr()

			svc, err := rpc.New(cfg, http.DefaultTransport)
			require.NoError(t, err)
			srv := httptest.NewServer(svc.Handler())
			t.Cleanup(srv.Close)

			startFlow(t, srv, "")
			require.Equal(t, 1, svc.Sessions.Len())

			tc.run(t, svc)
			svc.Stop(context.Background())
			svc.Stop(context.Background())

			// the signal path of Run may still be closing flows
			require.Eventually(t, func() bool { return svc.Sessions.Len() == 0 }, time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool {
				return svc.Redis.Ping(context.Background()).Err() != nil
			}, time.Second, 10*time.Millisecond)
		})
	}
}
