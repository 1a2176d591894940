package feature

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/biostream/internal/config"
)

// wampThreshold is the minimum sample-to-sample difference, in the
// filtered signal's units, counted by the Willison amplitude feature.
const wampThreshold = 1e-4

// entropyBins is the histogram resolution for the Shannon entropy feature.
const entropyBins = 10

// EMGExtractor computes the 13 time-domain EMG features over an
// overlapping sliding window. All features are functions of the current
// window contents only; no state crosses window boundaries except the ring
// buffer itself.
type EMGExtractor struct {
	channel int
	win     *Window
	stride  int
	count   uint64
}

// NewEMGExtractor returns an extractor emitting its first vector exactly
// when the window fills and another every stride samples thereafter.
func NewEMGExtractor(channel, windowSize, stride int) *EMGExtractor {
	return &EMGExtractor{
		channel: channel,
		win:     NewWindow(windowSize),
		stride:  stride,
	}
}

// Push appends one filtered sample. The boolean reports whether a vector
// was emitted on this sample.
func (e *EMGExtractor) Push(v float64, ts time.Time) (Vector, bool) {
	e.win.Push(v)
	e.count++
	if !e.win.Full() || e.count%uint64(e.stride) != 0 {
		return Vector{}, false
	}
	return Vector{
		Channel:   e.channel,
		Kind:      config.SignalEMG,
		Timestamp: ts,
		Values:    EMGFeatures(e.win.Values()),
	}, true
}

// Reset clears the window and the stride counter.
func (e *EMGExtractor) Reset() {
	e.win.Reset()
	e.count = 0
}

// EMGFeatures computes the EMG feature set over a window.
func EMGFeatures(data []float64) map[string]float64 {
	if len(data) == 0 {
		return map[string]float64{}
	}

	var sumSq, sumAbs, peak float64
	min, max := data[0], data[0]
	for _, x := range data {
		sumSq += x * x
		sumAbs += math.Abs(x)
		if a := math.Abs(x); a > peak {
			peak = a
		}
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	n := float64(len(data))

	// First differences drive waveform length, slope sign changes and
	// Willison amplitude.
	var wl float64
	var ssc, wamp int
	var prevDiff float64
	for i := 1; i < len(data); i++ {
		diff := data[i] - data[i-1]
		wl += math.Abs(diff)
		if math.Abs(diff) > wampThreshold {
			wamp++
		}
		if i > 1 && prevDiff*diff < 0 {
			ssc++
		}
		prevDiff = diff
	}

	return map[string]float64{
		"rms":      math.Sqrt(sumSq / n),
		"mav":      sumAbs / n,
		"var":      stat.Variance(data, nil),
		"wl":       wl,
		"peak":     peak,
		"range":    max - min,
		"iemg":     sumAbs,
		"entropy":  histogramEntropy(data, min, max),
		"energy":   sumSq,
		"kurtosis": nanToZero(stat.ExKurtosis(data, nil)),
		"skewness": nanToZero(stat.Skew(data, nil)),
		"ssc":      float64(ssc),
		"wamp":     float64(wamp),
	}
}

// histogramEntropy is the Shannon entropy of a density-normalized
// fixed-bin histogram of the window.
func histogramEntropy(data []float64, min, max float64) float64 {
	width := (max - min) / entropyBins
	if width <= 0 {
		return 0
	}
	var counts [entropyBins]int
	for _, x := range data {
		bin := int((x - min) / width)
		if bin >= entropyBins {
			bin = entropyBins - 1
		}
		counts[bin]++
	}
	var entropy float64
	n := float64(len(data))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		density := float64(c) / (n * width)
		entropy -= density * math.Log2(density)
	}
	return entropy
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
