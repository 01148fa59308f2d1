// Package flow drives a single registration: wallet connection, challenge signing,
// biometric capture and submission for verification, followed by an optional
// redirect back to the caller.
package flow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/nftauth/gateway/biometric"
	"github.com/nftauth/gateway/challenge"
	"github.com/nftauth/gateway/proto"
	"github.com/nftauth/gateway/verification"
	"github.com/nftauth/gateway/wallet"
	"github.com/rs/zerolog"
)

var (
	ErrIncompleteSubmission = errors.New("please complete all steps before submitting")
	ErrOperationPending     = errors.New("another operation is in progress")
	ErrStaleResponse        = errors.New("response discarded, the wallet session changed")
	ErrStageLocked          = errors.New("previous steps must be completed first")
	ErrFlowComplete         = errors.New("registration is already complete")
	ErrFlowClosed           = errors.New("flow is closed")
)

type Operation string

const (
	OpConnect Operation = "connect"
	OpSign    Operation = "sign"
	OpCapture Operation = "capture"
	OpSubmit  Operation = "submit"
)

// Service is the set of operations a client may invoke on a flow.
type Service interface {
	Connect(ctx context.Context) (*View, error)
	Sign(ctx context.Context) (*View, error)
	Capture(ctx context.Context) (*View, error)
	Submit(ctx context.Context) (*View, error)
	Reset(ctx context.Context) (*View, error)
	AccountsChanged(ctx context.Context, accounts []string) (*View, error)
	View(ctx context.Context) *View
}

type ChallengeSource interface {
	NewChallenge(ctx context.Context) (*challenge.Challenge, error)
}

// Attempt describes one submission to the verification backend.
type Attempt struct {
	FlowID         string
	WalletAddress  string
	PayloadDigest  []byte
	Authenticated  bool
	RequireProfile bool
	Redirected     bool
	AttemptedAt    time.Time
}

type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt *Attempt) error
}

type Metrics interface {
	ObserveOperation(op Operation, outcome string, duration time.Duration)
}

type Params struct {
	ID             string
	RequireProfile bool
	// Redirect is the raw redirect target supplied by the caller.
	Redirect string
}

type Deps struct {
	Connector  *wallet.Connector
	Challenges ChallengeSource
	Capturer   biometric.Capturer
	Verifier   verification.Verifier
	Redirects  *RedirectPolicy
	Recorder   AttemptRecorder
	Metrics    Metrics
	Log        zerolog.Logger
	Now        func() time.Time
}

type Orchestrator struct {
	deps   Deps
	params Params
	// returnURL is the trimmed params.Redirect if the redirect policy accepted it.
	returnURL string

	ctx    context.Context
	cancel context.CancelFunc

	state State

	mu          sync.Mutex
	epoch       uint64
	pending     Operation
	pendingID   uint64
	nextID      uint64
	errs        map[Operation]string
	redirectURL string
	closed      bool
}

var _ Service = (*Orchestrator)(nil)

func New(deps Deps, params Params) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		deps:   deps,
		params: params,
		ctx:    ctx,
		cancel: cancel,
		errs:   make(map[Operation]string),
	}
	if target := strings.TrimSpace(params.Redirect); deps.Redirects != nil && deps.Redirects.Allowed(target) {
		o.returnURL = target
	}
	return o
}

func (o *Orchestrator) ID() string {
	return o.params.ID
}

// Start subscribes to account changes of the wallet and, for providers that
// need it, starts polling for them until Close.
func (o *Orchestrator) Start(ctx context.Context) *View {
	o.deps.Connector.SubscribeAccountChanges(o.onAccountsChanged)

	if w, ok := o.deps.Connector.Provider().(wallet.Watcher); ok {
		go func() {
			if err := w.Watch(o.ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.deps.Log.Warn().Err(err).Str("flow", o.params.ID).Msg("wallet watcher stopped")
			}
		}()
	}
	return o.View(ctx)
}

// Close drops the account subscription and invalidates every in-flight operation.
func (o *Orchestrator) Close() {
	o.deps.Connector.Unsubscribe()
	o.cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.epoch++
	o.clearPendingLocked()
}

type ticket struct {
	op      Operation
	id      uint64
	epoch   uint64
	wallet  string
	started time.Time
}

// begin reserves the single operation slot. Caller holds o.mu.
func (o *Orchestrator) beginLocked(op Operation) (*ticket, error) {
	if o.closed {
		return nil, ErrFlowClosed
	}
	if o.pending != "" {
		return nil, ErrOperationPending
	}
	o.nextID++
	o.pending = op
	o.pendingID = o.nextID
	return &ticket{
		op:      op,
		id:      o.nextID,
		epoch:   o.epoch,
		wallet:  o.state.Snapshot().WalletAddress,
		started: time.Now(),
	}, nil
}

// currentLocked reports whether the results of t may still be applied: nothing
// preempted the session and the wallet is the one t started with.
func (o *Orchestrator) currentLocked(t *ticket) bool {
	if t.epoch != o.epoch {
		return false
	}
	if t.id != 0 && t.id != o.pendingID {
		return false
	}
	return o.state.Snapshot().WalletAddress == t.wallet
}

func (o *Orchestrator) endLocked(t *ticket) {
	if t.id != 0 && t.id == o.pendingID {
		o.clearPendingLocked()
	}
}

// release frees the slot of t if it still holds it, so a collaborator that
// panics cannot leave the flow pending.
func (o *Orchestrator) release(t *ticket) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endLocked(t)
}

func (o *Orchestrator) clearPendingLocked() {
	o.pending = ""
	o.pendingID = 0
}

func (o *Orchestrator) failLocked(t *ticket, err error) {
	o.errs[t.op] = err.Error()
	o.endLocked(t)
}

func (o *Orchestrator) resetLocked() {
	o.epoch++
	o.clearPendingLocked()
	o.state.Reset()
	clear(o.errs)
	o.redirectURL = ""
}

func (o *Orchestrator) observe(t *ticket, outcome string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveOperation(t.op, outcome, time.Since(t.started))
	}
}

func (o *Orchestrator) staleLocked(t *ticket) {
	o.endLocked(t)
	o.deps.Log.Info().
		Str("flow", o.params.ID).
		Str("op", string(t.op)).
		Str("wallet", t.wallet).
		Msg("discarded stale response")
}

// Connect requests wallet access. Connecting a different account, or reconnecting
// after the flow finished, starts a new registration for that account. A challenge
// message is generated when none is present.
func (o *Orchestrator) Connect(ctx context.Context) (*View, error) {
	o.mu.Lock()
	t, err := o.beginLocked(OpConnect)
	o.mu.Unlock()
	if err != nil {
		return o.View(ctx), err
	}
	defer o.release(t)

	address, err := o.deps.Connector.Connect(ctx)

	o.mu.Lock()
	if !o.currentLocked(t) {
		o.staleLocked(t)
		o.mu.Unlock()
		o.observe(t, "stale")
		return o.View(ctx), ErrStaleResponse
	}
	if err != nil {
		o.failLocked(t, err)
		o.mu.Unlock()
		o.observe(t, "error")
		return o.View(ctx), err
	}

	rec := o.state.Snapshot()
	if rec.WalletAddress != address || StageOf(&rec).Terminal() {
		o.state.Reset()
		clear(o.errs)
		o.redirectURL = ""
		o.state.Update(Patch{WalletAddress: String(address)})
	}
	delete(o.errs, OpConnect)
	t.wallet = address
	needMessage := o.state.Snapshot().Message == ""
	o.mu.Unlock()

	if needMessage {
		if err := o.ensureMessage(ctx, t); err != nil {
			o.mu.Lock()
			o.endLocked(t)
			o.mu.Unlock()
			o.observe(t, "error")
			return o.View(ctx), err
		}
	}

	o.mu.Lock()
	o.endLocked(t)
	o.mu.Unlock()
	o.observe(t, "ok")
	return o.View(ctx), nil
}

// ensureMessage generates a challenge and stores it unless a message appeared or
// the session moved on in the meantime.
func (o *Orchestrator) ensureMessage(ctx context.Context, t *ticket) error {
	c, err := o.deps.Challenges.NewChallenge(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.currentLocked(t) {
		return ErrStaleResponse
	}
	if err != nil {
		o.errs[OpConnect] = err.Error()
		return err
	}
	if o.state.Snapshot().Message == "" {
		o.state.Update(Patch{Message: String(c.Message)})
	}
	return nil
}

// Sign asks the wallet to sign the challenge message with the connected account.
func (o *Orchestrator) Sign(ctx context.Context) (*View, error) {
	o.mu.Lock()
	rec := o.state.Snapshot()
	if err := o.checkLocked(&rec, rec.WalletAddress != "" && rec.Message != ""); err != nil {
		o.mu.Unlock()
		return o.View(ctx), err
	}
	t, err := o.beginLocked(OpSign)
	o.mu.Unlock()
	if err != nil {
		return o.View(ctx), err
	}
	defer o.release(t)

	sig, err := o.deps.Connector.Sign(ctx, rec.Message, rec.WalletAddress)

	o.mu.Lock()
	if !o.currentLocked(t) || o.state.Snapshot().Message != rec.Message {
		o.staleLocked(t)
		o.mu.Unlock()
		o.observe(t, "stale")
		return o.View(ctx), ErrStaleResponse
	}
	if err != nil {
		o.failLocked(t, err)
		o.mu.Unlock()
		o.observe(t, "error")
		return o.View(ctx), err
	}
	o.state.Update(Patch{Signature: String(sig)})
	delete(o.errs, OpSign)
	o.endLocked(t)
	o.mu.Unlock()

	o.observe(t, "ok")
	return o.View(ctx), nil
}

// Capture runs the liveness check. Only a live verdict with an embedding stores
// biometric data; anything else leaves the record as it was.
func (o *Orchestrator) Capture(ctx context.Context) (*View, error) {
	o.mu.Lock()
	rec := o.state.Snapshot()
	if err := o.checkLocked(&rec, rec.WalletAddress != "" && rec.Signature != ""); err != nil {
		o.mu.Unlock()
		return o.View(ctx), err
	}
	t, err := o.beginLocked(OpCapture)
	o.mu.Unlock()
	if err != nil {
		return o.View(ctx), err
	}
	defer o.release(t)

	res, err := o.deps.Capturer.Capture(ctx)
	if err == nil {
		err = checkCapture(res)
	}

	o.mu.Lock()
	if !o.currentLocked(t) {
		o.staleLocked(t)
		o.mu.Unlock()
		o.observe(t, "stale")
		return o.View(ctx), ErrStaleResponse
	}
	if err != nil {
		o.failLocked(t, err)
		o.mu.Unlock()
		if errors.Is(err, biometric.ErrSpoofDetected) {
			o.observe(t, "spoof")
		} else {
			o.observe(t, "error")
		}
		return o.View(ctx), err
	}
	o.state.Update(Patch{BiometricData: &BiometricData{
		Embedding:  res.Embedding,
		Confidence: res.Confidence,
		CapturedAt: res.CapturedAt,
	}})
	delete(o.errs, OpCapture)
	o.endLocked(t)
	o.mu.Unlock()

	o.observe(t, "ok")
	return o.View(ctx), nil
}

func checkCapture(res *biometric.Result) error {
	switch {
	case res == nil:
		return fmt.Errorf("%w: empty result", biometric.ErrUnexpectedVerdict)
	case res.Verdict == biometric.VerdictSpoof:
		return biometric.ErrSpoofDetected
	case res.Verdict != biometric.VerdictLive:
		return fmt.Errorf("%w: %q", biometric.ErrUnexpectedVerdict, res.Verdict)
	case len(res.Embedding) == 0:
		return fmt.Errorf("%w: missing embedding", biometric.ErrUnexpectedVerdict)
	}
	return nil
}

// Submit sends the completed record for verification. A failed verification
// keeps the record, so Submit may be called again.
func (o *Orchestrator) Submit(ctx context.Context) (*View, error) {
	o.mu.Lock()
	rec := o.state.Snapshot()
	if err := o.checkLocked(&rec, true); err != nil {
		o.mu.Unlock()
		return o.View(ctx), err
	}
	if !rec.Submittable() {
		o.errs[OpSubmit] = ErrIncompleteSubmission.Error()
		o.mu.Unlock()
		return o.View(ctx), ErrIncompleteSubmission
	}
	t, err := o.beginLocked(OpSubmit)
	o.mu.Unlock()
	if err != nil {
		return o.View(ctx), err
	}
	defer o.release(t)

	payload := &verification.Payload{
		WalletAddress:  rec.WalletAddress,
		Message:        rec.Message,
		Signature:      rec.Signature,
		Embedding:      rec.BiometricData.Embedding,
		RequireProfile: o.params.RequireProfile,
	}
	res := o.deps.Verifier.Verify(ctx, payload)

	o.mu.Lock()
	if !o.currentLocked(t) {
		o.staleLocked(t)
		o.mu.Unlock()
		o.observe(t, "stale")
		return o.View(ctx), ErrStaleResponse
	}

	o.state.Update(Patch{VerificationResult: &VerificationResult{
		Authenticated: res.Authenticated,
		Profile:       res.Profile,
		Timestamp:     o.deps.Now().UTC(),
	}})
	outcome := "ok"
	if res.Authenticated {
		delete(o.errs, OpSubmit)
		if o.returnURL != "" {
			target, err := o.deps.Redirects.Build(o.returnURL, rec.WalletAddress, res.Profile)
			if err != nil {
				o.deps.Log.Warn().Err(err).Str("flow", o.params.ID).Msg("failed to build redirect")
			} else {
				o.redirectURL = target
			}
		}
	} else {
		outcome = "rejected"
		if res.Err != nil {
			outcome = "error"
			o.deps.Log.Warn().Err(res.Err).Str("flow", o.params.ID).Msg("verification request failed")
		}
		o.errs[OpSubmit] = "verification failed"
	}
	redirected := o.redirectURL != ""
	o.endLocked(t)
	o.mu.Unlock()

	o.observe(t, outcome)
	o.recordAttempt(ctx, payload, res.Authenticated, redirected)
	return o.View(ctx), nil
}

func (o *Orchestrator) recordAttempt(ctx context.Context, payload *verification.Payload, authenticated bool, redirected bool) {
	if o.deps.Recorder == nil {
		return
	}
	digest, err := payload.Digest()
	if err != nil {
		o.deps.Log.Warn().Err(err).Str("flow", o.params.ID).Msg("failed to digest payload")
		return
	}
	attempt := &Attempt{
		FlowID:         o.params.ID,
		WalletAddress:  payload.WalletAddress,
		PayloadDigest:  digest,
		Authenticated:  authenticated,
		RequireProfile: payload.RequireProfile,
		Redirected:     redirected,
		AttemptedAt:    o.deps.Now().UTC(),
	}
	if err := o.deps.Recorder.RecordAttempt(ctx, attempt); err != nil {
		o.deps.Log.Warn().Err(err).Str("flow", o.params.ID).Msg("failed to record verification attempt")
	}
}

// checkLocked gates a stage-advancing operation on the flow being open, not yet
// verified and ready for it.
func (o *Orchestrator) checkLocked(rec *Record, ready bool) error {
	if o.closed {
		return ErrFlowClosed
	}
	if StageOf(rec) == StageVerified {
		return ErrFlowComplete
	}
	if !ready {
		return ErrStageLocked
	}
	return nil
}

// Reset discards the registration and preempts any operation in flight.
func (o *Orchestrator) Reset(ctx context.Context) (*View, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return o.View(ctx), ErrFlowClosed
	}
	o.resetLocked()
	o.mu.Unlock()
	return o.View(ctx), nil
}

// AccountsChanged forwards an account change reported by the client. Providers
// that accept pushed notifications deliver it to their subscribers; otherwise it
// is applied to this flow directly.
func (o *Orchestrator) AccountsChanged(ctx context.Context, accounts []string) (*View, error) {
	if n, ok := o.deps.Connector.Provider().(wallet.AccountsNotifier); ok {
		n.NotifyAccountsChanged(accounts)
	} else {
		o.onAccountsChanged(normalizeAll(accounts))
	}
	return o.View(ctx), nil
}

// onAccountsChanged applies an account change immediately, even while another
// operation is in flight. An empty list resets the flow; a different account
// starts over with that account and a fresh challenge.
func (o *Orchestrator) onAccountsChanged(accounts []string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	rec := o.state.Snapshot()

	if len(accounts) == 0 {
		o.resetLocked()
		o.mu.Unlock()
		o.deps.Log.Info().Str("flow", o.params.ID).Msg("wallet disconnected, flow reset")
		return
	}

	address := accounts[0]
	if address == rec.WalletAddress || (rec.WalletAddress == "" && o.pending != OpConnect) {
		o.mu.Unlock()
		return
	}

	o.resetLocked()
	o.state.Update(Patch{WalletAddress: String(address)})
	t := &ticket{op: OpConnect, epoch: o.epoch, wallet: address}
	o.mu.Unlock()

	o.deps.Log.Info().
		Str("flow", o.params.ID).
		Str("from", rec.WalletAddress).
		Str("to", address).
		Msg("wallet account changed, flow restarted")

	if err := o.ensureMessage(o.ctx, t); err != nil && !errors.Is(err, ErrStaleResponse) {
		o.deps.Log.Warn().Err(err).Str("flow", o.params.ID).Msg("failed to generate challenge")
	}
}

func normalizeAll(accounts []string) []string {
	out := make([]string, len(accounts))
	for i, account := range accounts {
		out[i] = proto.NormalizeAddress(account)
	}
	return out
}

// View returns a snapshot of the flow for display.
func (o *Orchestrator) View(ctx context.Context) *View {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec := o.state.Snapshot()
	return &View{
		FlowID:         o.params.ID,
		Stage:          StageOf(&rec),
		Record:         rec,
		Submittable:    rec.Submittable(),
		RequireProfile: o.params.RequireProfile,
		DisplayAddress: wallet.FormatAddress(rec.WalletAddress),
		Pending:        o.pending,
		Errors:         maps.Clone(o.errs),
		RedirectURL:    o.redirectURL,
		ReturnURL:      o.returnURL,
	}
}
