// Package dsp implements the streaming per-channel filter chains and the
// router that dispatches each decoded channel value to the chain bound to
// its signal kind.
//
// All filters are causal IIR biquad sections (RBJ audio-EQ cookbook
// coefficients) processed one sample at a time with persisted delay-line
// state, so output is continuous across calls. Whole-buffer zero-phase
// filtering is deliberately absent from this path: it breaks real-time
// causality and introduces boundary artifacts on every window.
package dsp

import "math"

// BiquadKind selects the coefficient recipe for a section.
type BiquadKind int

const (
	BiquadLowpass BiquadKind = iota
	BiquadHighpass
	BiquadBandpass
	BiquadNotch
)

// Biquad is a single second-order IIR section with its retained state.
// The delay line (x1, x2, y1, y2) is exclusively owned by the chain the
// section belongs to; it is mutated only by Process.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

// NewBiquad designs a section of the given kind at freq Hz for the given
// sample rate. q controls bandwidth (for notch sections, centre frequency
// over -3 dB width).
func NewBiquad(kind BiquadKind, freq, sampleRate, q float64) *Biquad {
	omega := 2 * math.Pi * freq / sampleRate
	sinOmega := math.Sin(omega)
	cosOmega := math.Cos(omega)
	alpha := sinOmega / (2 * q)

	var b0, b1, b2, a0, a1, a2 float64
	switch kind {
	case BiquadLowpass:
		b0 = (1 - cosOmega) / 2
		b1 = 1 - cosOmega
		b2 = (1 - cosOmega) / 2
		a0 = 1 + alpha
		a1 = -2 * cosOmega
		a2 = 1 - alpha
	case BiquadHighpass:
		b0 = (1 + cosOmega) / 2
		b1 = -(1 + cosOmega)
		b2 = (1 + cosOmega) / 2
		a0 = 1 + alpha
		a1 = -2 * cosOmega
		a2 = 1 - alpha
	case BiquadBandpass:
		b0 = alpha
		b1 = 0
		b2 = -alpha
		a0 = 1 + alpha
		a1 = -2 * cosOmega
		a2 = 1 - alpha
	case BiquadNotch:
		b0 = 1
		b1 = -2 * cosOmega
		b2 = 1
		a0 = 1 + alpha
		a1 = -2 * cosOmega
		a2 = 1 - alpha
	}

	return &Biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}

// Process feeds one sample through the section and shifts the delay line.
func (f *Biquad) Process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2 = f.x1
	f.x1 = x
	f.y2 = f.y1
	f.y1 = y
	return y
}

// Reset clears the delay line without touching the coefficients.
func (f *Biquad) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

// Response evaluates the section's complex frequency response at freq Hz.
// Used by the offline response plotting tool, never by the streaming path.
func (f *Biquad) Response(freq, sampleRate float64) complex128 {
	omega := 2 * math.Pi * freq / sampleRate
	z1 := cmplxExp(-omega)
	z2 := z1 * z1
	num := complex(f.b0, 0) + complex(f.b1, 0)*z1 + complex(f.b2, 0)*z2
	den := complex(1, 0) + complex(f.a1, 0)*z1 + complex(f.a2, 0)*z2
	return num / den
}

func cmplxExp(theta float64) complex128 {
	return complex(math.Cos(theta), math.Sin(theta))
}

// butterworthQs returns the per-section quality factors realizing a
// Butterworth response of the given order as cascaded biquads. Odd orders
// round up to the next even order.
func butterworthQs(order int) []float64 {
	switch {
	case order <= 2:
		return []float64{math.Sqrt2 / 2}
	case order <= 4:
		return []float64{0.5411961001461970, 1.3065629648763766}
	default:
		return []float64{0.5097955791041592, 0.6013448869350453, 0.8999762231364156, 2.5629154477415055}
	}
}
