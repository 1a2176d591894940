package feature

import (
	"math"
	"math/cmplx"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/banshee-data/biostream/internal/config"
)

// Band is one named EEG frequency band in Hz.
type Band struct {
	Name string
	Low  float64
	High float64
}

// DefaultBands are the conventional clinical bands. Each band is half-open
// [Low, High), so a PSD bin sitting exactly on a shared edge is counted
// once; together they partition totalBand and the relative powers sum to 1.
var DefaultBands = []Band{
	{"delta", 0.5, 4},
	{"theta", 4, 8},
	{"alpha", 8, 13},
	{"beta", 13, 30},
}

// totalBand is the normalization range for relative band power.
var totalBand = Band{"total", 0.5, 30}

// EEGExtractor computes absolute and relative band power over an
// overlapping sliding window via a Hann-windowed single-segment power
// spectral density estimate.
type EEGExtractor struct {
	channel    int
	sampleRate float64
	win        *Window
	stride     int
	count      uint64

	fft     *fourier.FFT
	hann    []float64
	hannPwr float64 // sum of squared window coefficients
	bands   []Band
}

// NewEEGExtractor returns an extractor over the given window and stride.
func NewEEGExtractor(channel, windowSize, stride int, sampleRate float64) *EEGExtractor {
	hann := make([]float64, windowSize)
	var pwr float64
	for i := range hann {
		hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(windowSize-1)))
		pwr += hann[i] * hann[i]
	}
	return &EEGExtractor{
		channel:    channel,
		sampleRate: sampleRate,
		win:        NewWindow(windowSize),
		stride:     stride,
		fft:        fourier.NewFFT(windowSize),
		hann:       hann,
		hannPwr:    pwr,
		bands:      DefaultBands,
	}
}

// Push appends one filtered sample; emits on the usual stride cadence.
func (e *EEGExtractor) Push(v float64, ts time.Time) (Vector, bool) {
	e.win.Push(v)
	e.count++
	if !e.win.Full() || e.count%uint64(e.stride) != 0 {
		return Vector{}, false
	}
	return Vector{
		Channel:   e.channel,
		Kind:      config.SignalEEG,
		Timestamp: ts,
		Values:    e.bandPowers(e.win.Values()),
	}, true
}

// Reset clears the window and the stride counter.
func (e *EEGExtractor) Reset() {
	e.win.Reset()
	e.count = 0
}

// bandPowers estimates the one-sided PSD of the window and integrates it
// over each configured band.
func (e *EEGExtractor) bandPowers(data []float64) map[string]float64 {
	n := len(data)
	windowed := make([]float64, n)
	for i, x := range data {
		windowed[i] = x * e.hann[i]
	}

	coeffs := e.fft.Coefficients(nil, windowed)

	// One-sided PSD with Hann window power correction, matching a
	// single-segment Welch estimate.
	scale := 1 / (e.sampleRate * e.hannPwr)
	psd := make([]float64, len(coeffs))
	for i, c := range coeffs {
		p := cmplx.Abs(c)
		p = p * p * scale
		if i > 0 && i < len(coeffs)-1 {
			p *= 2
		}
		psd[i] = p
	}

	df := e.sampleRate / float64(n)
	integrate := func(b Band) float64 {
		var power float64
		for i, p := range psd {
			f := float64(i) * df
			if f >= b.Low && f < b.High {
				power += p * df
			}
		}
		return power
	}

	total := integrate(totalBand)
	out := map[string]float64{"total_power": total}
	for _, b := range e.bands {
		power := integrate(b)
		out[b.Name+"_power"] = power
		if total > 0 {
			out[b.Name+"_rel"] = power / total
		} else {
			out[b.Name+"_rel"] = 0
		}
	}
	return out
}
