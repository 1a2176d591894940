// Package detect turns feature vectors into discrete state labels. Two
// detector families share the same contract: given a feature vector,
// return a label or nothing.
//
// The profile detector matches vectors against named multi-feature
// acceptance ranges; the model detector wraps a frozen classifier behind a
// confidence gate and a debounce state machine so single-window
// misclassifications cannot flicker the output.
package detect

import (
	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/feature"
)

// Range is an inclusive numeric acceptance range for one feature.
type Range struct {
	Low  float64
	High float64
}

// Contains reports whether v falls inside the range, inclusive on both
// ends.
func (r Range) Contains(v float64) bool {
	return v >= r.Low && v <= r.High
}

// Profile is one candidate label with its per-feature acceptance ranges.
type Profile struct {
	Label  string
	Ranges map[string]Range
}

// matchFraction returns the fraction of the profile's defined features
// whose vector values fall inside their ranges, and how many features were
// actually present to judge.
func (p Profile) matchFraction(values map[string]float64) (float64, int) {
	var matched, total int
	for name, r := range p.Ranges {
		v, ok := values[name]
		if !ok {
			continue
		}
		total++
		if r.Contains(v) {
			matched++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(matched) / float64(total), total
}

// ProfileDetector classifies a vector by consensus across each profile's
// features. A profile is accepted when its match fraction meets the
// consensus threshold; among accepted profiles the highest fraction wins,
// with ties broken by declaration order.
type ProfileDetector struct {
	profiles  []Profile
	consensus float64
}

// NewProfileDetector builds a detector over the given profiles. Profile
// order is significant: earlier profiles win ties.
func NewProfileDetector(profiles []Profile, consensus float64) *ProfileDetector {
	if consensus <= 0 {
		consensus = 0.6
	}
	return &ProfileDetector{profiles: profiles, consensus: consensus}
}

// ProfilesFromConfig converts the configured profile map into declaration-
// ordered Profiles.
func ProfilesFromConfig(cfg config.DetectorConfig) []Profile {
	var profiles []Profile
	for _, name := range cfg.OrderedProfiles() {
		ranges := make(map[string]Range, len(cfg.Profiles[name]))
		for feat, bounds := range cfg.Profiles[name] {
			ranges[feat] = Range{Low: bounds[0], High: bounds[1]}
		}
		profiles = append(profiles, Profile{Label: name, Ranges: ranges})
	}
	return profiles
}

// Detect returns the best-matching label, or false when no profile reaches
// consensus.
func (d *ProfileDetector) Detect(v feature.Vector) (string, bool) {
	bestLabel := ""
	bestFraction := -1.0
	for _, p := range d.profiles {
		fraction, total := p.matchFraction(v.Values)
		if total == 0 || fraction < d.consensus {
			continue
		}
		// Strictly-greater keeps the earliest profile on ties.
		if fraction > bestFraction {
			bestLabel = p.Label
			bestFraction = fraction
		}
	}
	if bestFraction < 0 {
		return "", false
	}
	return bestLabel, true
}

// BlinkDetector validates completed EOG episodes. It is a strict profile
// match (every defined range must hold) with two additional morphology
// guards: near-symmetric waveforms are artifacts, not blinks, and a real
// blink is sharply peaked, so low-kurtosis episodes are rejected as noise
// bursts.
type BlinkDetector struct {
	inner *ProfileDetector

	// SymmetryBand rejects episodes whose rise/fall asymmetry ratio is
	// within this distance of 1.0.
	SymmetryBand float64
	// KurtosisFloor is the minimum excess kurtosis a valid blink shows.
	KurtosisFloor float64
}

// NewBlinkDetector builds a strict (consensus 1.0) blink validator.
func NewBlinkDetector(profiles []Profile) *BlinkDetector {
	return &BlinkDetector{
		inner:         NewProfileDetector(profiles, 1.0),
		SymmetryBand:  0.15,
		KurtosisFloor: -0.5,
	}
}

// Detect classifies one completed episode.
func (d *BlinkDetector) Detect(v feature.Vector) (string, bool) {
	if asym, ok := v.Values["asymmetry"]; ok {
		if asym > 1-d.SymmetryBand && asym < 1+d.SymmetryBand {
			return "", false
		}
	}
	if kurt, ok := v.Values["kurtosis"]; ok && kurt < d.KurtosisFloor {
		return "", false
	}
	return d.inner.Detect(v)
}
