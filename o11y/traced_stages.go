package o11y

import (
	"context"
	"strconv"

	"github.com/nftauth/gateway/biometric"
	"github.com/nftauth/gateway/challenge"
	"github.com/nftauth/gateway/flow"
	"github.com/nftauth/gateway/verification"
)

type tracedCapturer struct {
	biometric.Capturer
}

func NewTracedCapturer(c biometric.Capturer) biometric.Capturer {
	return &tracedCapturer{Capturer: c}
}

func (t *tracedCapturer) Capture(ctx context.Context) (res *biometric.Result, err error) {
	ctx, span := Trace(ctx, "biometric.Capture")
	defer func() {
		span.RecordError(err)
		if res != nil {
			span.SetAnnotation("verdict", string(res.Verdict))
			span.SetMetadata(map[string]any{"biometric.embedding_size": len(res.Embedding)})
		}
		span.End()
	}()
	return t.Capturer.Capture(ctx)
}

type tracedVerifier struct {
	verification.Verifier
}

func NewTracedVerifier(v verification.Verifier) verification.Verifier {
	return &tracedVerifier{Verifier: v}
}

func (t *tracedVerifier) Verify(ctx context.Context, payload *verification.Payload) *verification.Result {
	ctx, span := Trace(ctx, "verification.Verify")
	defer span.End()

	span.SetAnnotation("require_profile", strconv.FormatBool(payload.RequireProfile))
	res := t.Verifier.Verify(ctx, payload)
	span.RecordError(res.Err)
	span.SetAnnotation("authenticated", strconv.FormatBool(res.Authenticated))
	return res
}

type tracedChallenges struct {
	flow.ChallengeSource
}

func NewTracedChallenges(c flow.ChallengeSource) flow.ChallengeSource {
	return &tracedChallenges{ChallengeSource: c}
}

func (t *tracedChallenges) NewChallenge(ctx context.Context) (_ *challenge.Challenge, err error) {
	ctx, span := Trace(ctx, "challenge.NewChallenge")
	defer func() {
		span.RecordError(err)
		span.End()
	}()
	return t.ChallengeSource.NewChallenge(ctx)
}
