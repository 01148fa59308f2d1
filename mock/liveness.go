package mock

import (
	"net/http"
	"time"
)

const (
	verdictLive  = "Live person verified"
	verdictSpoof = "Spoof detected"
)

type livenessMeta struct {
	Embedding []float64 `json:"embedding,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

type livenessResult struct {
	Verdict string        `json:"verdict"`
	AvgLive float64       `json:"avg_live"`
	Meta    *livenessMeta `json:"meta,omitempty"`
}

type livenessResponse struct {
	Success bool            `json:"success"`
	Result  *livenessResult `json:"result"`
}

func (b *Backend) startLiveness(w http.ResponseWriter, r *http.Request) {
	if b.opts.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(b.opts.Delay):
		}
	}

	now := b.opts.Now().UTC()
	if b.float64() >= b.opts.LiveRate {
		b.log.Info().Msg("liveness: spoof")
		respondJSON(w, http.StatusOK, &livenessResponse{
			Success: true,
			Result: &livenessResult{
				Verdict: verdictSpoof,
				AvgLive: 0.1 + 0.3*b.float64(),
				Meta:    &livenessMeta{Timestamp: now.UnixMilli()},
			},
		})
		return
	}

	embedding := make([]float64, b.opts.EmbeddingSize)
	for i := range embedding {
		embedding[i] = b.float64()*2 - 1
	}
	b.log.Info().Int("dimensions", len(embedding)).Msg("liveness: live")
	respondJSON(w, http.StatusOK, &livenessResponse{
		Success: true,
		Result: &livenessResult{
			Verdict: verdictLive,
			AvgLive: 0.85 + 0.15*b.float64(),
			Meta: &livenessMeta{
				Embedding: embedding,
				Timestamp: now.UnixMilli(),
			},
		},
	})
}
