// Package feature turns per-channel filtered sample streams into feature
// vectors. EMG and EEG channels use overlapping fixed-capacity sliding
// windows emitted on a stride; EOG channels use edge-triggered blink
// episodes instead, since a blink is an event, not a steady-state window.
package feature

import (
	"time"

	"github.com/banshee-data/biostream/internal/config"
)

// Vector is one extracted feature vector: named scalar features plus the
// timestamp of the last sample that contributed to it. Transient; each
// vector is consumed by exactly one detector.
type Vector struct {
	Channel   int                `json:"channel"`
	Kind      config.SignalKind  `json:"kind"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Window is a fixed-capacity ring buffer of filtered scalars. Once at
// capacity the oldest sample is evicted on every push; the window is never
// cleared by emission, which is what makes overlapping strided windows
// possible.
type Window struct {
	buf  []float64
	next int
	full bool
}

// NewWindow returns a Window holding up to capacity samples.
func NewWindow(capacity int) *Window {
	return &Window{buf: make([]float64, capacity)}
}

// Push appends one sample, evicting the oldest if at capacity.
func (w *Window) Push(v float64) {
	w.buf[w.next] = v
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

// Full reports whether the window has reached capacity.
func (w *Window) Full() bool { return w.full }

// Len returns the number of samples currently held.
func (w *Window) Len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// Values returns the window contents oldest-first as a fresh slice.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.Len())
	if w.full {
		out = append(out, w.buf[w.next:]...)
	}
	return append(out, w.buf[:w.next]...)
}

// Reset empties the window.
func (w *Window) Reset() {
	w.next = 0
	w.full = false
}
