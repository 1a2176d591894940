package dsp

import (
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/frame"
)

const testRate = 512.0

// sine generates n samples of a unit sine at freq Hz.
func sine(freq float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(2 * math.Pi * freq * float64(i) / testRate)
	}
	return out
}

// steadyRMS measures the RMS of the last quarter of the signal, past the
// filter's transient.
func steadyRMS(xs []float64) float64 {
	tail := xs[len(xs)*3/4:]
	var sum float64
	for _, x := range tail {
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(tail)))
}

func TestBiquadLowpassSelectivity(t *testing.T) {
	lp := NewBiquad(BiquadLowpass, 30, testRate, math.Sqrt2/2)

	low := make([]float64, 4096)
	for i, x := range sine(5, 4096) {
		low[i] = lp.Process(x)
	}
	passband := steadyRMS(low)

	lp.Reset()
	high := make([]float64, 4096)
	for i, x := range sine(150, 4096) {
		high[i] = lp.Process(x)
	}
	stopband := steadyRMS(high)

	// Unit sine has RMS 1/sqrt(2); the 5 Hz tone should survive nearly
	// untouched while 150 Hz is heavily attenuated.
	assert.InDelta(t, 1/math.Sqrt2, passband, 0.02)
	assert.Less(t, stopband, passband/10)
}

func TestBiquadNotchRejectsMains(t *testing.T) {
	notch := NewBiquad(BiquadNotch, 50, testRate, 30)

	out := make([]float64, 8192)
	for i, x := range sine(50, 8192) {
		out[i] = notch.Process(x)
	}
	assert.Less(t, steadyRMS(out), 0.05)

	// Neighbouring frequencies pass: a Q of 30 keeps the notch narrow.
	notch.Reset()
	for i, x := range sine(20, 8192) {
		out[i] = notch.Process(x)
	}
	assert.InDelta(t, 1/math.Sqrt2, steadyRMS(out), 0.05)
}

func TestButterworthCascadeMinus3dBAtCutoff(t *testing.T) {
	chain := NewChain("lp", lowpassCascade(nil, 70, testRate, 4)...)

	mag := cmplx.Abs(chain.Response(70, testRate))
	assert.InDelta(t, 1/math.Sqrt2, mag, 1e-9)

	// Well inside the passband the gain is ~1, well outside ~0.
	assert.InDelta(t, 1, cmplx.Abs(chain.Response(5, testRate)), 0.01)
	assert.Less(t, cmplx.Abs(chain.Response(200, testRate)), 0.02)
}

func TestChainStreamingMatchesBatch(t *testing.T) {
	// Filter state must persist across call boundaries: splitting the
	// same sine into arbitrary chunks has to produce output numerically
	// identical to one batch pass through an identically designed chain.
	signal := sine(35, 2000)

	batch := NewEMGChain(config.EMGFilterConfig{}, testRate).ProcessBatch(signal)

	chunked := NewEMGChain(config.EMGFilterConfig{}, testRate)
	var streamed []float64
	sizes := []int{1, 7, 64, 501}
	rest := signal
	for i := 0; len(rest) > 0; i++ {
		n := sizes[i%len(sizes)]
		if n > len(rest) {
			n = len(rest)
		}
		if n == 1 {
			streamed = append(streamed, chunked.Process(rest[0]))
		} else {
			streamed = append(streamed, chunked.ProcessBatch(rest[:n])...)
		}
		rest = rest[n:]
	}

	require.Len(t, streamed, len(batch))
	for i := range batch {
		assert.InDelta(t, batch[i], streamed[i], 1e-12, "sample %d", i)
	}
}

func TestChainResetClearsState(t *testing.T) {
	chain := NewEOGChain(config.EOGFilterConfig{}, testRate)

	first := chain.ProcessBatch(sine(3, 600))
	chain.Reset()
	second := chain.ProcessBatch(sine(3, 600))

	for i := range first {
		assert.InDelta(t, first[i], second[i], 1e-12)
	}
}

func TestEMGChainEnvelopeTracksBurst(t *testing.T) {
	chain := NewEMGChain(config.EMGFilterConfig{}, testRate)

	// One second of rest, one second of a 40 Hz burst, one second of rest.
	var signal []float64
	signal = append(signal, make([]float64, 512)...)
	signal = append(signal, sine(40, 512)...)
	signal = append(signal, make([]float64, 512)...)

	out := chain.ProcessBatch(signal)

	restLevel := steadyRMS(out[:512])
	burstLevel := steadyRMS(out[512:1024])
	assert.Greater(t, burstLevel, 10*restLevel+1e-9)
}

func routedSample(values ...float64) frame.ParsedSample {
	return frame.ParsedSample{
		Sequence:   1,
		Microvolts: values,
		Timestamp:  time.Unix(0, 0),
	}
}

func TestRouterDispatchesByKind(t *testing.T) {
	kinds := []config.SignalKind{config.SignalEMG, config.SignalUnknown}
	r := NewRouter(kinds, config.DefaultSensorConfig().Filters, testRate)

	out := r.Route(routedSample(100, 42))
	require.Len(t, out.Channels, 2)

	// EMG channel is filtered; a highpass chain cannot return the DC
	// input unchanged.
	assert.Equal(t, config.SignalEMG, out.Channels[0].Kind)
	assert.Equal(t, 100.0, out.Channels[0].Raw)
	assert.NotEqual(t, out.Channels[0].Raw, out.Channels[0].Filtered)

	// Unknown channels pass through but are still emitted.
	assert.Equal(t, config.SignalUnknown, out.Channels[1].Kind)
	assert.Equal(t, 42.0, out.Channels[1].Filtered)
}

func TestRouterHandlesMoreValuesThanRoutes(t *testing.T) {
	r := NewRouter([]config.SignalKind{config.SignalEOG}, config.DefaultSensorConfig().Filters, testRate)

	out := r.Route(routedSample(1, 2, 3))
	require.Len(t, out.Channels, 3)
	assert.Equal(t, 2.0, out.Channels[1].Filtered)
	assert.Equal(t, 3.0, out.Channels[2].Filtered)
}

func TestRouterResetRestartsChains(t *testing.T) {
	r := NewRouter([]config.SignalKind{config.SignalEEG}, config.DefaultSensorConfig().Filters, testRate)

	var first []float64
	for _, x := range sine(10, 300) {
		first = append(first, r.Route(routedSample(x)).Channels[0].Filtered)
	}
	r.Reset()
	for i, x := range sine(10, 300) {
		got := r.Route(routedSample(x)).Channels[0].Filtered
		assert.InDelta(t, first[i], got, 1e-12)
	}
}
