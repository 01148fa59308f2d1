package flow

type Stage string

const (
	StageDisconnected Stage = "disconnected"
	StageConnected    Stage = "connected"
	StageSigned       Stage = "signed"
	StageCaptured     Stage = "captured"
	StageVerified     Stage = "verified"
	StageFailed       Stage = "failed"
)

// StageOf derives the stage from the data present in the record.
func StageOf(r *Record) Stage {
	switch {
	case r.VerificationResult != nil && r.VerificationResult.Authenticated:
		return StageVerified
	case r.VerificationResult != nil:
		return StageFailed
	case r.Submittable():
		return StageCaptured
	case r.WalletAddress != "" && r.Signature != "":
		return StageSigned
	case r.WalletAddress != "":
		return StageConnected
	}
	return StageDisconnected
}

func (s Stage) Terminal() bool {
	return s == StageVerified || s == StageFailed
}
