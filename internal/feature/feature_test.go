package feature

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/biostream/internal/config"
)

func TestWindowRingSemantics(t *testing.T) {
	w := NewWindow(4)
	assert.False(t, w.Full())
	assert.Equal(t, 0, w.Len())

	w.Push(1)
	w.Push(2)
	w.Push(3)
	assert.Equal(t, []float64{1, 2, 3}, w.Values())
	assert.False(t, w.Full())

	w.Push(4)
	assert.True(t, w.Full())
	assert.Equal(t, []float64{1, 2, 3, 4}, w.Values())

	// Capacity reached: the oldest sample is evicted, order preserved.
	w.Push(5)
	w.Push(6)
	assert.Equal(t, []float64{3, 4, 5, 6}, w.Values())
	assert.Equal(t, 4, w.Len())

	w.Reset()
	assert.Equal(t, 0, w.Len())
	assert.Empty(t, w.Values())
}

func TestEMGExtractorEmissionCadence(t *testing.T) {
	// Window 512, stride 64: first vector exactly at sample 512, then
	// every 64 samples, indefinitely.
	e := NewEMGExtractor(0, 512, 64)

	var emitted []int
	for i := 1; i <= 1000; i++ {
		if _, ok := e.Push(math.Sin(float64(i)), time.Now()); ok {
			emitted = append(emitted, i)
		}
	}
	assert.Equal(t, []int{512, 576, 640, 704, 768, 832, 896, 960}, emitted)
}

func TestEMGExtractorResetRestartsCadence(t *testing.T) {
	e := NewEMGExtractor(0, 8, 4)

	for i := 1; i <= 8; i++ {
		_, ok := e.Push(1, time.Now())
		assert.Equal(t, i == 8, ok, "sample %d", i)
	}

	e.Reset()
	for i := 1; i <= 7; i++ {
		_, ok := e.Push(1, time.Now())
		assert.False(t, ok, "sample %d after reset", i)
	}
	_, ok := e.Push(1, time.Now())
	assert.True(t, ok)
}

func TestEMGFeaturesKnownWindow(t *testing.T) {
	// Alternating +-1 has closed-form values for most features.
	data := make([]float64, 16)
	for i := range data {
		if i%2 == 0 {
			data[i] = 1
		} else {
			data[i] = -1
		}
	}

	f := EMGFeatures(data)
	assert.InDelta(t, 1, f["rms"], 1e-12)
	assert.InDelta(t, 1, f["mav"], 1e-12)
	assert.InDelta(t, 1, f["peak"], 1e-12)
	assert.InDelta(t, 2, f["range"], 1e-12)
	assert.InDelta(t, 16, f["iemg"], 1e-12)
	assert.InDelta(t, 16, f["energy"], 1e-12)
	assert.InDelta(t, 30, f["wl"], 1e-12)      // 15 steps of size 2
	assert.InDelta(t, 14, f["ssc"], 1e-12)     // slope flips on every interior step
	assert.InDelta(t, 15, f["wamp"], 1e-12)    // every step exceeds the threshold
	assert.InDelta(t, 0, f["skewness"], 1e-12) // symmetric
}

func TestEMGFeaturesEmptyAndConstantWindows(t *testing.T) {
	assert.Empty(t, EMGFeatures(nil))

	f := EMGFeatures([]float64{2, 2, 2, 2})
	assert.InDelta(t, 2, f["rms"], 1e-12)
	assert.InDelta(t, 0, f["wl"], 1e-12)
	assert.InDelta(t, 0, f["entropy"], 1e-12) // degenerate histogram
	assert.InDelta(t, 0, f["kurtosis"], 1e-12)
}

func TestEEGExtractorAlphaDominance(t *testing.T) {
	const rate = 512.0
	e := NewEEGExtractor(0, 512, 64, rate)

	var got Vector
	var emitted bool
	for i := 0; i < 512; i++ {
		v := math.Sin(2 * math.Pi * 10 * float64(i) / rate)
		got, emitted = e.Push(v, time.Now())
	}
	require.True(t, emitted)

	// A pure 10 Hz tone concentrates nearly all power in alpha.
	assert.Greater(t, got.Values["alpha_rel"], 0.8)
	assert.Greater(t, got.Values["alpha_power"], got.Values["delta_power"])
	assert.Greater(t, got.Values["alpha_power"], got.Values["theta_power"])
	assert.Greater(t, got.Values["alpha_power"], got.Values["beta_power"])
	assert.Greater(t, got.Values["total_power"], 0.0)

	// Relative powers of the in-range bands cannot exceed unity.
	sum := got.Values["delta_rel"] + got.Values["theta_rel"] +
		got.Values["alpha_rel"] + got.Values["beta_rel"]
	assert.LessOrEqual(t, sum, 1.0+1e-9)
}

func TestEEGBandPowersPartitionTotal(t *testing.T) {
	const rate = 512.0
	e := NewEEGExtractor(0, 512, 64, rate)

	var got Vector
	var emitted bool
	for i := 0; i < 512; i++ {
		// Tones at 4 and 8 Hz sit exactly on shared band edges; each PSD
		// bin must land in exactly one band.
		v := math.Sin(2*math.Pi*4*float64(i)/rate) + math.Sin(2*math.Pi*8*float64(i)/rate)
		got, emitted = e.Push(v, time.Now())
	}
	require.True(t, emitted)

	total := got.Values["total_power"]
	require.Greater(t, total, 0.0)
	sum := got.Values["delta_power"] + got.Values["theta_power"] +
		got.Values["alpha_power"] + got.Values["beta_power"]
	assert.InDelta(t, total, sum, 1e-9*total)

	rel := got.Values["delta_rel"] + got.Values["theta_rel"] +
		got.Values["alpha_rel"] + got.Values["beta_rel"]
	assert.InDelta(t, 1.0, rel, 1e-9)
}

func TestEEGExtractorStrideCadence(t *testing.T) {
	e := NewEEGExtractor(0, 128, 32, 512)

	var emitted []int
	for i := 1; i <= 256; i++ {
		if _, ok := e.Push(math.Sin(float64(i)), time.Now()); ok {
			emitted = append(emitted, i)
		}
	}
	assert.Equal(t, []int{128, 160, 192, 224, 256}, emitted)
}

// blinkPulse builds a triangular episode: linear rise to amp over rise
// samples, linear fall to zero over fall samples.
func blinkPulse(amp float64, rise, fall int) []float64 {
	var out []float64
	for i := 0; i <= rise; i++ {
		out = append(out, amp*float64(i)/float64(rise))
	}
	for i := 1; i <= fall; i++ {
		out = append(out, amp*(1-float64(i)/float64(fall)))
	}
	return out
}

func TestBlinkExtractorDetectsEpisode(t *testing.T) {
	const rate = 512.0
	e := NewBlinkExtractor(1, config.BlinkConfig{}, rate)

	// A second of rest settles the baseline at zero.
	for i := 0; i < 512; i++ {
		_, ok := e.Push(0, time.Now())
		require.False(t, ok)
	}

	var got Vector
	var emitted bool
	for _, v := range blinkPulse(3.0, 30, 60) {
		if vec, ok := e.Push(v, time.Now()); ok {
			got, emitted = vec, true
		}
	}
	require.True(t, emitted, "blink episode not detected")

	assert.Greater(t, got.Values["amplitude"], 2.0)
	assert.Greater(t, got.Values["duration_ms"], 100.0)
	assert.Less(t, got.Values["duration_ms"], 500.0)
	// Fast rise, slow fall: asymmetry well below 1.
	assert.Less(t, got.Values["asymmetry"], 0.9)
	assert.Greater(t, got.Values["asymmetry"], 0.0)
}

func TestBlinkExtractorMaxDurationForcesEmission(t *testing.T) {
	const rate = 512.0
	e := NewBlinkExtractor(1, config.BlinkConfig{}, rate)

	for i := 0; i < 512; i++ {
		e.Push(0, time.Now())
	}

	// The signal jumps high and stays: the episode must be cut at the
	// maximum duration instead of growing without bound.
	var emitted bool
	for i := 0; i < 2*256+16; i++ {
		if _, ok := e.Push(5, time.Now()); ok {
			emitted = true
			break
		}
	}
	assert.True(t, emitted)
}

func TestBlinkExtractorIgnoresSubThresholdActivity(t *testing.T) {
	e := NewBlinkExtractor(1, config.BlinkConfig{}, 512)

	for i := 0; i < 2048; i++ {
		v := 0.5 * math.Sin(float64(i)/20)
		if _, ok := e.Push(v, time.Now()); ok {
			t.Fatal("sub-threshold signal must not produce episodes")
		}
	}
}

func TestBlinkFeaturesSymmetricPulse(t *testing.T) {
	f := BlinkFeatures(blinkPulse(3, 40, 40), 512)
	// Equal rise and fall: asymmetry sits at ~1, the signature of a
	// non-blink artifact.
	assert.InDelta(t, 1.0, f["asymmetry"], 0.1)
}
