package mock

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/nftauth/gateway/proto"
	"github.com/nftauth/gateway/verification"
	"github.com/nftauth/gateway/wallet"
	"github.com/rs/zerolog"
)

// AccessKeyMiddleware rejects requests without the expected X-Access-Key header.
// An empty key disables the check.
func AccessKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && r.Header.Get(verification.AccessKeyHeader) != key {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SignatureMiddleware validates that message was signed by walletAddress with
// personal_sign. It does not look at the message contents.
//
// It expects the request body to be a JSON object with the following fields:
// - walletAddress: the account that signed the message
// - message: the signed challenge
// - signature: the hex encoded EIP-191 signature
func SignatureMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				WalletAddress string `json:"walletAddress"`
				Message       string `json:"message"`
				Signature     string `json:"signature"`
			}

			bodyBytes, err := io.ReadAll(r.Body)
			if err != nil {
				proto.RespondWithError(w, proto.ErrInvalidRequest.WithCausef("failed to read request body: %w", err))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

			if err := json.Unmarshal(bodyBytes, &req); err != nil {
				proto.RespondWithError(w, proto.ErrInvalidRequest.WithCausef("failed to unmarshal request body: %w", err))
				return
			}

			if !proto.IsValidAddress(req.WalletAddress) {
				proto.RespondWithError(w, proto.ErrInvalidRequest.WithCausef("valid wallet address is required"))
				return
			}
			if req.Message == "" || req.Signature == "" {
				proto.RespondWithError(w, proto.ErrInvalidRequest.WithCausef("message and signature are required"))
				return
			}

			signer, err := wallet.RecoverPersonalSigner(req.Message, req.Signature)
			if err != nil || !proto.SameAddress(signer, req.WalletAddress) {
				log.Info().Err(err).Str("wallet", req.WalletAddress).Str("signer", signer).Msg("verify: signature rejected")
				respondJSON(w, http.StatusOK, &verification.Result{Authenticated: false})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
