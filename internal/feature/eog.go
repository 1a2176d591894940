package feature

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/biostream/internal/config"
)

// BlinkExtractor detects threshold-crossing episodes on an EOG channel and
// emits one feature vector per completed episode. Unlike the strided
// extractors it is edge-triggered: nothing is emitted while the signal
// stays near baseline.
//
// The baseline is a slow exponential moving average so electrode drift
// does not masquerade as eye activity. An episode starts when the
// baseline-centred value exceeds the amplitude threshold, and ends when it
// falls back below a quarter of the threshold (after the minimum duration)
// or when the maximum duration is exceeded.
type BlinkExtractor struct {
	channel    int
	sampleRate float64

	ampThreshold float64
	minSamples   int
	maxSamples   int
	alpha        float64

	baseline   float64
	started    bool
	collecting bool
	episode    []float64
}

// NewBlinkExtractor builds an extractor from the blink configuration.
func NewBlinkExtractor(channel int, cfg config.BlinkConfig, sampleRate float64) *BlinkExtractor {
	amp := 1.5
	if cfg.AmpThreshold != nil {
		amp = *cfg.AmpThreshold
	}
	minMs, maxMs := 100.0, 500.0
	if cfg.MinDurationMs != nil {
		minMs = *cfg.MinDurationMs
	}
	if cfg.MaxDurationMs != nil {
		maxMs = *cfg.MaxDurationMs
	}
	alpha := 0.01
	if cfg.BaselineAlpha != nil {
		alpha = *cfg.BaselineAlpha
	}
	return &BlinkExtractor{
		channel:      channel,
		sampleRate:   sampleRate,
		ampThreshold: amp,
		minSamples:   int(minMs / 1000 * sampleRate),
		maxSamples:   int(maxMs / 1000 * sampleRate),
		alpha:        alpha,
	}
}

// Push processes one filtered sample. The boolean reports whether a
// completed episode produced a vector.
func (e *BlinkExtractor) Push(v float64, ts time.Time) (Vector, bool) {
	if !e.started {
		e.baseline = v
		e.started = true
	} else {
		e.baseline = e.alpha*v + (1-e.alpha)*e.baseline
	}
	centred := v - e.baseline

	if !e.collecting {
		if math.Abs(centred) > e.ampThreshold {
			e.collecting = true
			e.episode = e.episode[:0]
			e.episode = append(e.episode, centred)
		}
		return Vector{}, false
	}

	e.episode = append(e.episode, centred)

	if len(e.episode) > e.maxSamples {
		return e.finish(ts), true
	}
	if math.Abs(centred) < e.ampThreshold/4 && len(e.episode) > e.minSamples {
		return e.finish(ts), true
	}
	return Vector{}, false
}

func (e *BlinkExtractor) finish(ts time.Time) Vector {
	v := Vector{
		Channel:   e.channel,
		Kind:      config.SignalEOG,
		Timestamp: ts,
		Values:    BlinkFeatures(e.episode, e.sampleRate),
	}
	e.collecting = false
	e.episode = e.episode[:0]
	return v
}

// Reset clears the baseline estimate and any episode in progress.
func (e *BlinkExtractor) Reset() {
	e.started = false
	e.baseline = 0
	e.collecting = false
	e.episode = e.episode[:0]
}

// BlinkFeatures computes the morphological features of one completed
// episode. Asymmetry is the rise/fall duration ratio: a genuine blink
// rises faster than it falls, so values near 1 mark symmetric non-blink
// artifacts.
func BlinkFeatures(episode []float64, sampleRate float64) map[string]float64 {
	if len(episode) == 0 {
		return map[string]float64{}
	}

	peakIdx := 0
	peakAmp := 0.0
	for i, x := range episode {
		if a := math.Abs(x); a > peakAmp {
			peakAmp = a
			peakIdx = i
		}
	}

	durationMs := float64(len(episode)) / sampleRate * 1000
	riseMs := float64(peakIdx) / sampleRate * 1000
	fallMs := float64(len(episode)-peakIdx) / sampleRate * 1000

	return map[string]float64{
		"amplitude":    peakAmp,
		"duration_ms":  durationMs,
		"rise_time_ms": riseMs,
		"fall_time_ms": fallMs,
		"asymmetry":    riseMs / (fallMs + 1e-6),
		"kurtosis":     nanToZero(stat.ExKurtosis(episode, nil)),
		"skewness":     nanToZero(stat.Skew(episode, nil)),
	}
}
