package mock

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/nftauth/gateway/challenge"
	"github.com/nftauth/gateway/proto"
	"github.com/nftauth/gateway/verification"
)

// DefaultProfile is returned to wallets without an entry in Options.Profiles.
var DefaultProfile = map[string]any{
	"name":     "Test User",
	"gender":   "unspecified",
	"dob":      "1990-01-01",
	"mobile":   "+10000000000",
	"kycLevel": 2,
}

// verify runs behind SignatureMiddleware, so the signature is already known to
// belong to the wallet.
func (b *Backend) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload verification.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		proto.RespondWithError(w, proto.ErrInvalidRequest.WithCausef("failed to decode payload: %w", err))
		return
	}

	nonce, err := b.checkMessage(payload.Message)
	if err != nil {
		b.reject(w, &payload, err)
		return
	}
	if len(payload.Embedding) != b.opts.EmbeddingSize {
		b.reject(w, &payload, fmt.Errorf("embedding has %d dimensions, expected %d", len(payload.Embedding), b.opts.EmbeddingSize))
		return
	}

	used, err := b.usedNonces.Exists(ctx, nonce)
	if err != nil {
		proto.RespondWithError(w, proto.ErrInternalError.WithCause(err))
		return
	}
	if used {
		b.reject(w, &payload, fmt.Errorf("nonce %s was already used", nonce))
		return
	}
	if err := b.usedNonces.SetEx(ctx, nonce, true, b.opts.MaxMessageAge); err != nil {
		proto.RespondWithError(w, proto.ErrInternalError.WithCause(err))
		return
	}

	res := &verification.Result{Authenticated: true}
	if payload.RequireProfile {
		res.Profile = b.profile(payload.WalletAddress)
	}
	b.log.Info().Str("wallet", payload.WalletAddress).Bool("profile", payload.RequireProfile).Msg("verify: authenticated")
	respondJSON(w, http.StatusOK, res)
}

// checkMessage validates the challenge message and returns its nonce.
func (b *Backend) checkMessage(message string) (string, error) {
	service, nonce, at, err := challenge.ParseChallenge(message)
	if err != nil {
		return "", err
	}
	if service != b.opts.Service {
		return "", fmt.Errorf("message is for service %q", service)
	}
	age := b.opts.Now().Sub(at)
	if age > b.opts.MaxMessageAge {
		return "", fmt.Errorf("message expired %s ago", (age - b.opts.MaxMessageAge).Round(time.Second))
	}
	if age < -time.Minute {
		return "", fmt.Errorf("message is issued in the future")
	}
	return nonce, nil
}

func (b *Backend) profile(address string) map[string]any {
	if p, ok := b.opts.Profiles[proto.NormalizeAddress(address)]; ok {
		return maps.Clone(p)
	}
	return maps.Clone(DefaultProfile)
}

func (b *Backend) reject(w http.ResponseWriter, payload *verification.Payload, reason error) {
	b.log.Info().Err(reason).Str("wallet", payload.WalletAddress).Msg("verify: rejected")
	respondJSON(w, http.StatusOK, &verification.Result{Authenticated: false})
}
