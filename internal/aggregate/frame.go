package aggregate

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strconv"

	"github.com/sells-group/witness-cli/internal/model"
)

// FrameScorer produces the advisory running score shown during a live
// session. It is never used for anchoring decisions.
type FrameScorer struct {
	MaxDelta float64
}

// NewFrameScorer creates a scorer limited to maxDelta points per frame.
func NewFrameScorer(maxDelta float64) FrameScorer {
	if maxDelta <= 0 {
		maxDelta = 3
	}
	return FrameScorer{MaxDelta: maxDelta}
}

// Next advances the running score by one frame. With an observation the score
// steps toward it by at most MaxDelta; without one it drifts by a jitter
// derived from the session id and frame number, so replays are reproducible.
func (f FrameScorer) Next(prev model.FrameState, observed *float64, sessionID string) model.FrameState {
	next := model.FrameState{Count: prev.Count + 1}

	if prev.Count == 0 {
		start := 50.0
		if observed != nil {
			start = *observed
		}
		next.Score = round2(clamp(start))
		return next
	}

	var delta float64
	if observed != nil {
		delta = math.Max(-f.MaxDelta, math.Min(f.MaxDelta, *observed-prev.Score))
	} else {
		delta = jitter(sessionID, next.Count) * f.MaxDelta
	}
	next.Score = round2(clamp(prev.Score + delta))
	return next
}

// jitter returns a deterministic value in [-1, 1].
func jitter(sessionID string, frame int) float64 {
	sum := sha256.Sum256([]byte(sessionID + "|" + strconv.Itoa(frame)))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u)/float64(math.MaxUint64)*2 - 1
}
