package frame

import (
	"fmt"
	"time"

	"github.com/banshee-data/biostream/internal/config"
)

// RejectReason classifies why a candidate frame was discarded.
type RejectReason int

const (
	ReasonLength  RejectReason = iota // wrong byte count for the format
	ReasonTrailer                     // trailer/check byte mismatch
	ReasonRange                       // decoded value physically implausible
)

func (r RejectReason) String() string {
	switch r {
	case ReasonLength:
		return "length"
	case ReasonTrailer:
		return "trailer"
	case ReasonRange:
		return "range"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// RejectError reports a discarded frame. It is a per-frame condition, not a
// pipeline failure: the caller drops the bytes, asks the Synchronizer to
// resync, and carries on.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("frame rejected: %s", e.Reason)
}

// ParsedSample is one decoded multi-channel sample. Raw holds the ADC
// integers in channel order; Microvolts holds the same values converted to
// physical units. Both always have the format's channel count.
type ParsedSample struct {
	Sequence   uint8
	Raw        []int
	Microvolts []float64
	Timestamp  time.Time
}

// Result is the outcome of parsing one accepted frame. Duplicate marks a
// retransmitted sample that must not be fed downstream (re-feeding it would
// corrupt filter state and feature timing). Dropped counts samples lost
// before this one, derived from the wrapping sequence counter.
type Result struct {
	Sample    ParsedSample
	Duplicate bool
	Dropped   int
}

// Parser decodes candidate frames for one wire format and tracks the
// wrapping 8-bit sequence counter across calls. Not safe for concurrent
// use; the consumer goroutine owns it.
type Parser struct {
	format config.PacketFormat
	// limits holds the per-channel physical plausibility bound in absolute
	// microvolts; zero disables the check for that channel.
	limits []float64

	scale  float64 // microvolts per ADC count
	offset float64 // microvolt offset to centre the range

	haveLast bool
	lastSeq  uint8

	duplicates     uint64
	droppedSamples uint64
	trailerErrors  uint64
	rangeErrors    uint64
}

// NewParser returns a Parser for the given format. limits may be nil or
// shorter than the channel count; missing entries disable range checking.
func NewParser(format config.PacketFormat, limits []float64) *Parser {
	// The front end amplifies by 1000x, so one ADC millivolt is one
	// electrode microvolt: uv = raw/2^bits * vref - vref/2.
	fullScale := float64(int(1) << format.ADCBits)
	return &Parser{
		format: format,
		limits: limits,
		scale:  format.VRefMillivolts / fullScale,
		offset: format.VRefMillivolts / 2,
	}
}

// Parse validates and decodes one candidate frame. A non-nil error is
// always a *RejectError; the frame's bytes are not retried. Timestamps are
// assigned by the caller so replayed streams can carry their own clock.
func (p *Parser) Parse(b []byte, ts time.Time) (Result, error) {
	f := p.format
	if len(b) != f.Length {
		return Result{}, &RejectError{Reason: ReasonLength}
	}
	if b[f.Length-1] != f.EndByte {
		p.trailerErrors++
		return Result{}, &RejectError{Reason: ReasonTrailer}
	}

	base := len(f.SyncBytes)
	seq := b[base]

	sample := ParsedSample{
		Sequence:   seq,
		Raw:        make([]int, f.ChannelCount),
		Microvolts: make([]float64, f.ChannelCount),
		Timestamp:  ts,
	}
	for ch := 0; ch < f.ChannelCount; ch++ {
		hi := b[base+1+2*ch]
		lo := b[base+2+2*ch]
		raw := int(hi)<<8 | int(lo)
		uv := float64(raw)*p.scale - p.offset
		if ch < len(p.limits) && p.limits[ch] > 0 {
			if uv > p.limits[ch] || uv < -p.limits[ch] {
				p.rangeErrors++
				return Result{}, &RejectError{Reason: ReasonRange}
			}
		}
		sample.Raw[ch] = raw
		sample.Microvolts[ch] = uv
	}

	res := Result{Sample: sample}
	if p.haveLast {
		switch gap := seq - p.lastSeq; gap {
		case 0:
			// Same counter again: the board retransmitted. Drop silently.
			p.duplicates++
			res.Duplicate = true
			return res, nil
		case 1:
			// in order
		default:
			res.Dropped = int(gap) - 1
			p.droppedSamples += uint64(res.Dropped)
		}
	}
	p.haveLast = true
	p.lastSeq = seq
	return res, nil
}

// Reset clears the sequence tracking so the next accepted frame starts a
// fresh run, e.g. after a reconnect.
func (p *Parser) Reset() {
	p.haveLast = false
}

// RangeLimits maps channel modalities onto plausibility bounds in absolute
// microvolts. Surface EMG tops out well under 5 mV, EOG under 2 mV and
// scalp EEG under 1 mV; anything beyond is electrode noise or a corrupt
// frame. Unknown channels get 0, which disables the check.
func RangeLimits(kinds []config.SignalKind) []float64 {
	limits := make([]float64, len(kinds))
	for i, kind := range kinds {
		switch kind {
		case config.SignalEMG:
			limits[i] = 5000
		case config.SignalEOG:
			limits[i] = 2000
		case config.SignalEEG:
			limits[i] = 1000
		}
	}
	return limits
}

// Stats is a snapshot of the parser's per-frame anomaly counters.
type Stats struct {
	Duplicates     uint64 `json:"duplicates"`
	DroppedSamples uint64 `json:"dropped_samples"`
	TrailerErrors  uint64 `json:"trailer_errors"`
	RangeErrors    uint64 `json:"range_errors"`
}

// Stats returns the current anomaly counters.
func (p *Parser) Stats() Stats {
	return Stats{
		Duplicates:     p.duplicates,
		DroppedSamples: p.droppedSamples,
		TrailerErrors:  p.trailerErrors,
		RangeErrors:    p.rangeErrors,
	}
}
