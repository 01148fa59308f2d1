package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nftauth/gateway/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localConfig = `
region = "us-east-1"

[service]
mode = "local"
port = 9123

[endpoints]
biometric_url = "http://localhost:8000"
verifier_url = "http://localhost:5000"

[wallet]
provider = "keystore"

[redirect]
page_origin = "http://localhost:5173"
partner_origins = ["https://partner.example"]

[verifier]
timeout = "10s"
`

func TestParse(t *testing.T) {
	t.Run("local config with defaults", func(t *testing.T) {
		cfg, err := config.Parse(localConfig)
		require.NoError(t, err)

		assert.Equal(t, config.LocalMode, cfg.Mode)
		assert.Equal(t, "local", cfg.Service.Mode)
		assert.Equal(t, uint32(9123), cfg.Service.Port)
		assert.Equal(t, "NFTAuth", cfg.Service.Name)
		assert.Equal(t, 10*time.Second, cfg.Verifier.Timeout)
		assert.Equal(t, 60*time.Second, cfg.Biometric.Timeout)
		assert.Equal(t, "memory", cfg.Challenge.Backend)
		assert.Equal(t, []string{"name", "gender", "dob", "mobile"}, cfg.Redirect.ProfileFields)
		assert.Equal(t, []string{"https://partner.example"}, cfg.Redirect.PartnerOrigins)
	})

	testCases := map[string]struct {
		doc     string
		wantErr string
	}{
		"invalid mode": {
			doc:     `[service]` + "\n" + `mode = "staging"`,
			wantErr: "service.mode value is invalid",
		},
		"missing verifier url": {
			doc:     "[service]\nmode = \"dev\"\n[endpoints]\nbiometric_url = \"http://b\"\n[redirect]\npage_origin = \"http://p\"",
			wantErr: "endpoints.verifier_url is required",
		},
		"keystore in production": {
			doc:     "[service]\nmode = \"prod\"\n[endpoints]\nbiometric_url = \"http://b\"\nverifier_url = \"http://v\"\n[wallet]\nprovider = \"keystore\"\n[redirect]\npage_origin = \"http://p\"",
			wantErr: "not allowed in production mode",
		},
		"jsonrpc without url": {
			doc:     "[service]\nmode = \"dev\"\n[endpoints]\nbiometric_url = \"http://b\"\nverifier_url = \"http://v\"\n[redirect]\npage_origin = \"http://p\"",
			wantErr: "endpoints.wallet_rpc_url is required",
		},
		"redis without addr": {
			doc:     "[service]\nmode = \"local\"\n[endpoints]\nbiometric_url = \"http://b\"\nverifier_url = \"http://v\"\n[wallet]\nprovider = \"keystore\"\n[challenge]\nbackend = \"redis\"\n[redirect]\npage_origin = \"http://p\"",
			wantErr: "redis.addr is required",
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse(tc.doc)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestNew(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(fileName, []byte(localConfig), 0o600))
	t.Setenv("CONFIG", fileName)

	cfg, err := config.New()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5173", cfg.Redirect.PageOrigin)
}
