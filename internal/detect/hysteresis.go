package detect

import (
	"github.com/banshee-data/biostream/internal/feature"
)

// Predictor is a frozen, already-trained classifier. The pipeline treats
// it as an opaque capability; training and persistence live elsewhere.
type Predictor interface {
	Predict(v feature.Vector) (label string, confidence float64)
}

// Hysteresis wraps a Predictor's instantaneous predictions in a debounce
// state machine. A prediction only becomes a candidate when its confidence
// clears the gate, and a candidate only replaces the stable label after it
// repeats for Debounce consecutive windows. One stray window can therefore
// never flicker the output.
//
// State is owned by exactly one consumer goroutine; Hysteresis does no
// locking of its own.
type Hysteresis struct {
	predictor     Predictor
	minConfidence float64
	debounce      int

	stable       string
	pending      string
	pendingCount int
}

// NewHysteresis builds the debounced detector. debounce < 1 is clamped to
// 1 (every confident prediction transitions immediately).
func NewHysteresis(p Predictor, minConfidence float64, debounce int) *Hysteresis {
	if debounce < 1 {
		debounce = 1
	}
	return &Hysteresis{
		predictor:     p,
		minConfidence: minConfidence,
		debounce:      debounce,
	}
}

// Detect feeds one feature vector through the predictor and the debounce
// machine. It returns the stable label and whether this window changed it.
// Low-confidence predictions suppress output for that window only: the
// pending streak resets but the stable label stands.
func (h *Hysteresis) Detect(v feature.Vector) (label string, changed bool) {
	candidate, confidence := h.predictor.Predict(v)
	if confidence < h.minConfidence {
		h.pending = ""
		h.pendingCount = 0
		return h.stable, false
	}

	if candidate == h.pending {
		h.pendingCount++
	} else {
		h.pending = candidate
		h.pendingCount = 1
	}

	if h.pendingCount >= h.debounce && h.pending != h.stable {
		h.stable = h.pending
		return h.stable, true
	}
	return h.stable, false
}

// Stable returns the current stable label ("" before the first accepted
// transition).
func (h *Hysteresis) Stable() string { return h.stable }

// Reset clears the stable and pending state.
func (h *Hysteresis) Reset() {
	h.stable = ""
	h.pending = ""
	h.pendingCount = 0
}
