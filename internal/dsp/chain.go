package dsp

import (
	"math"

	"github.com/banshee-data/biostream/internal/config"
)

// Stage is one step of a streaming filter chain. Implementations keep
// whatever state they need between calls; Reset clears that state without
// redesigning the stage.
type Stage interface {
	Process(x float64) float64
	Reset()
}

// Rectifier is the full-wave rectification stage in front of an envelope
// lowpass.
type Rectifier struct{}

func (Rectifier) Process(x float64) float64 { return math.Abs(x) }
func (Rectifier) Reset()                    {}

// Chain is a fixed, ordered cascade of stages applied sample by sample.
// Stage order is decided when the chain is built and never changes at
// runtime; only the session consumer goroutine calls Process.
type Chain struct {
	name   string
	stages []Stage
}

// NewChain builds a chain from explicit stages. The modality constructors
// below are the usual entry points.
func NewChain(name string, stages ...Stage) *Chain {
	return &Chain{name: name, stages: stages}
}

// Name identifies the chain in stats and debug output.
func (c *Chain) Name() string { return c.name }

// Process feeds one sample through every stage in order.
func (c *Chain) Process(x float64) float64 {
	for _, s := range c.stages {
		x = s.Process(x)
	}
	return x
}

// ProcessBatch filters a whole slice through the chain in order, advancing
// the same persisted state as per-sample calls. Splitting a signal across
// any mix of Process and ProcessBatch calls yields identical output.
func (c *Chain) ProcessBatch(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = c.Process(x)
	}
	return out
}

// Reset clears every stage's retained state.
func (c *Chain) Reset() {
	for _, s := range c.stages {
		s.Reset()
	}
}

// Response evaluates the chain's combined linear frequency response at
// freq Hz. Nonlinear stages (rectification) are skipped; the result
// describes the linear filtering applied around them.
func (c *Chain) Response(freq, sampleRate float64) complex128 {
	h := complex(1, 0)
	for _, s := range c.stages {
		if bq, ok := s.(*Biquad); ok {
			h *= bq.Response(freq, sampleRate)
		}
	}
	return h
}

// lowpassCascade appends a Butterworth lowpass of the given order.
func lowpassCascade(stages []Stage, freq, fs float64, order int) []Stage {
	for _, q := range butterworthQs(order) {
		stages = append(stages, NewBiquad(BiquadLowpass, freq, fs, q))
	}
	return stages
}

// highpassCascade appends a Butterworth highpass of the given order.
func highpassCascade(stages []Stage, freq, fs float64, order int) []Stage {
	for _, q := range butterworthQs(order) {
		stages = append(stages, NewBiquad(BiquadHighpass, freq, fs, q))
	}
	return stages
}

func fval(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func ival(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func bval(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

// NewEMGChain builds the EMG modality chain: highpass to remove motion
// artifact and drift, optional mains notch, lowpass, then rectify plus
// envelope lowpass when enabled. Stage order is fixed; cutoffs come from
// configuration.
func NewEMGChain(cfg config.EMGFilterConfig, fs float64) *Chain {
	order := ival(cfg.Order, 4)
	stages := highpassCascade(nil, fval(cfg.HighpassHz, 20), fs, order)
	if bval(cfg.NotchEnabled, false) {
		stages = append(stages, NewBiquad(BiquadNotch, fval(cfg.NotchHz, 50), fs, fval(cfg.NotchQ, 30)))
	}
	stages = lowpassCascade(stages, fval(cfg.LowpassHz, 70), fs, order)
	if bval(cfg.EnvelopeEnabled, true) {
		stages = append(stages, Rectifier{})
		stages = lowpassCascade(stages, fval(cfg.EnvelopeHz, 10), fs, order)
	}
	return NewChain("emg", stages...)
}

// NewEOGChain builds the EOG modality chain: a lowpass preserving the slow
// eye-movement and blink waveform.
func NewEOGChain(cfg config.EOGFilterConfig, fs float64) *Chain {
	stages := lowpassCascade(nil, fval(cfg.LowpassHz, 10), fs, ival(cfg.Order, 4))
	return NewChain("eog", stages...)
}

// NewEEGChain builds the EEG modality chain: a narrow mains notch followed
// by a bandpass realized as a highpass/lowpass cascade.
func NewEEGChain(cfg config.EEGFilterConfig, fs float64) *Chain {
	order := ival(cfg.Order, 4)
	stages := []Stage{
		NewBiquad(BiquadNotch, fval(cfg.NotchHz, 50), fs, fval(cfg.NotchQ, 30)),
	}
	stages = highpassCascade(stages, fval(cfg.BandLowHz, 0.5), fs, order)
	stages = lowpassCascade(stages, fval(cfg.BandHighHz, 45), fs, order)
	return NewChain("eeg", stages...)
}

// ChainFor returns the chain for a signal kind, or nil for Unknown (the
// router passes those channels through unfiltered).
func ChainFor(kind config.SignalKind, filters config.FilterConfig, fs float64) *Chain {
	switch kind {
	case config.SignalEMG:
		return NewEMGChain(filters.EMG, fs)
	case config.SignalEOG:
		return NewEOGChain(filters.EOG, fs)
	case config.SignalEEG:
		return NewEEGChain(filters.EEG, fs)
	default:
		return nil
	}
}
