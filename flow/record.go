package flow

import (
	"maps"
	"slices"
	"sync"
	"time"
)

type BiometricData struct {
	Embedding  []float64 `json:"embedding"`
	Confidence float64   `json:"confidence,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

type VerificationResult struct {
	Authenticated bool           `json:"authenticated"`
	Profile       map[string]any `json:"profile,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Record is the registration data accumulated by a flow. Empty strings and nil
// pointers mean the field is absent.
type Record struct {
	WalletAddress      string              `json:"walletAddress,omitempty"`
	Message            string              `json:"message,omitempty"`
	Signature          string              `json:"signature,omitempty"`
	BiometricData      *BiometricData      `json:"biometricData,omitempty"`
	Profile            map[string]any      `json:"profile,omitempty"`
	VerificationResult *VerificationResult `json:"verificationResult,omitempty"`
}

// Submittable reports whether the record holds everything a verification needs.
func (r *Record) Submittable() bool {
	return r.WalletAddress != "" &&
		r.Message != "" &&
		r.Signature != "" &&
		r.BiometricData != nil &&
		len(r.BiometricData.Embedding) > 0
}

func (r *Record) clone() *Record {
	out := *r
	if r.BiometricData != nil {
		b := *r.BiometricData
		b.Embedding = slices.Clone(r.BiometricData.Embedding)
		out.BiometricData = &b
	}
	if r.VerificationResult != nil {
		v := *r.VerificationResult
		v.Profile = maps.Clone(r.VerificationResult.Profile)
		out.VerificationResult = &v
	}
	out.Profile = maps.Clone(r.Profile)
	return &out
}

// Patch is a partial update of a Record. Nil fields are left unchanged, an empty
// string clears the corresponding field.
type Patch struct {
	WalletAddress      *string
	Message            *string
	Signature          *string
	BiometricData      *BiometricData
	VerificationResult *VerificationResult
}

func String(s string) *string { return &s }

// State owns a Record. Update is the only way to change it.
type State struct {
	mu     sync.Mutex
	record Record
}

// Update merges patch into the record and enforces the dependencies between
// fields in the same step:
//   - a new wallet or message invalidates the signature, unless patch carries one
//   - a new wallet invalidates the biometric capture, unless patch carries one
//   - any change of the submitted inputs invalidates the verification result
func (s *State) Update(patch Patch) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &s.record
	walletChanged := patch.WalletAddress != nil && *patch.WalletAddress != r.WalletAddress
	messageChanged := patch.Message != nil && *patch.Message != r.Message
	signatureChanged := patch.Signature != nil && *patch.Signature != r.Signature

	if patch.WalletAddress != nil {
		r.WalletAddress = *patch.WalletAddress
	}
	if patch.Message != nil {
		r.Message = *patch.Message
	}
	if patch.Signature != nil {
		r.Signature = *patch.Signature
	} else if walletChanged || messageChanged {
		r.Signature = ""
	}
	if patch.BiometricData != nil {
		b := *patch.BiometricData
		b.Embedding = slices.Clone(patch.BiometricData.Embedding)
		r.BiometricData = &b
	} else if walletChanged {
		r.BiometricData = nil
	}

	if patch.VerificationResult != nil {
		v := *patch.VerificationResult
		v.Profile = maps.Clone(patch.VerificationResult.Profile)
		r.VerificationResult = &v
		r.Profile = maps.Clone(v.Profile)
	} else if walletChanged || messageChanged || signatureChanged || patch.BiometricData != nil {
		r.VerificationResult = nil
		r.Profile = nil
	}

	return *r.clone()
}

// Reset restores the empty record.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = Record{}
}

// Snapshot returns a deep copy of the record.
func (s *State) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.record.clone()
}
