package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"
	"github.com/0xsequence/ethkit/go-ethereum/crypto"
)

// PersonalMessageHash returns the EIP-191 hash signed by personal_sign.
func PersonalMessageHash(message []byte) []byte {
	return crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)))
}

// SignPersonalMessage signs message the way a wallet answers personal_sign,
// with a 27/28 recovery byte.
func SignPersonalMessage(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(PersonalMessageHash([]byte(message)), key)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

// RecoverPersonalSigner returns the lowercased address that produced signature over message.
func RecoverPersonalSigner(message string, signature string) (string, error) {
	sigBytes, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return "", errors.New("invalid signature length")
	}

	// handle recovery byte
	if sigBytes[64] == 27 || sigBytes[64] == 28 {
		sigBytes[64] -= 27
	}

	pubKey, err := crypto.Ecrecover(PersonalMessageHash([]byte(message)), sigBytes)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	addr := common.BytesToAddress(crypto.Keccak256(pubKey[1:])[12:])
	return strings.ToLower(addr.Hex()), nil
}
