package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultConfigPath is the path to the canonical sensor defaults file.
// This is the single source of truth for all default acquisition values.
const DefaultConfigPath = "config/sensor.defaults.json"

// PacketFormat describes the fixed-length wire frame emitted by the
// acquisition board. All fields are required to locate and validate a
// frame inside the raw byte stream; none of them are hardcoded elsewhere.
type PacketFormat struct {
	SyncBytes      []byte  `json:"sync_bytes"`      // frame start marker, e.g. [0xC7, 0x7C]
	Length         int     `json:"length"`          // total frame length in bytes
	ChannelCount   int     `json:"channel_count"`   // 16-bit big-endian samples after the counter byte
	EndByte        byte    `json:"end_byte"`        // trailer byte, doubles as the frame check
	ADCBits        int     `json:"adc_bits"`        // ADC resolution for microvolt conversion
	VRefMillivolts float64 `json:"vref_millivolts"` // full-scale reference in mV
}

// SignalKind names the modality a channel carries. The set is closed: a
// channel is one of these or Unknown, and the bound filter chain is chosen
// from this tag at session start.
type SignalKind string

const (
	SignalEMG     SignalKind = "EMG"
	SignalEOG     SignalKind = "EOG"
	SignalEEG     SignalKind = "EEG"
	SignalUnknown SignalKind = "UNKNOWN"
)

// ParseSignalKind maps a config string onto the closed SignalKind set.
// Anything unrecognised becomes SignalUnknown rather than an error so a
// misconfigured channel still flows through the pipeline unfiltered.
func ParseSignalKind(s string) SignalKind {
	switch s {
	case "EMG", "emg":
		return SignalEMG
	case "EOG", "eog":
		return SignalEOG
	case "EEG", "eeg":
		return SignalEEG
	default:
		return SignalUnknown
	}
}

// ChannelConfig maps one ADC channel index onto a modality.
type ChannelConfig struct {
	Sensor  string `json:"sensor"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// IsEnabled reports whether the channel participates in the pipeline.
// Channels default to enabled when the flag is omitted.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// EMGFilterConfig holds the EMG chain parameters. The stage order
// (highpass, optional notch, lowpass, envelope) is fixed; only the
// cutoffs and quality factors are tunable.
type EMGFilterConfig struct {
	HighpassHz      *float64 `json:"highpass_hz,omitempty"`
	LowpassHz       *float64 `json:"lowpass_hz,omitempty"`
	Order           *int     `json:"order,omitempty"`
	NotchEnabled    *bool    `json:"notch_enabled,omitempty"`
	NotchHz         *float64 `json:"notch_hz,omitempty"`
	NotchQ          *float64 `json:"notch_q,omitempty"`
	EnvelopeEnabled *bool    `json:"envelope_enabled,omitempty"`
	EnvelopeHz      *float64 `json:"envelope_hz,omitempty"`
}

// EOGFilterConfig holds the EOG chain parameters (a single lowpass).
type EOGFilterConfig struct {
	LowpassHz *float64 `json:"lowpass_hz,omitempty"`
	Order     *int     `json:"order,omitempty"`
}

// EEGFilterConfig holds the EEG chain parameters (line notch then bandpass).
type EEGFilterConfig struct {
	NotchHz    *float64 `json:"notch_hz,omitempty"`
	NotchQ     *float64 `json:"notch_q,omitempty"`
	BandLowHz  *float64 `json:"band_low_hz,omitempty"`
	BandHighHz *float64 `json:"band_high_hz,omitempty"`
	Order      *int     `json:"order,omitempty"`
}

// FilterConfig groups the per-modality chain parameters.
type FilterConfig struct {
	EMG EMGFilterConfig `json:"EMG"`
	EOG EOGFilterConfig `json:"EOG"`
	EEG EEGFilterConfig `json:"EEG"`
}

// WindowConfig controls the strided feature extractors.
type WindowConfig struct {
	Samples *int `json:"samples,omitempty"` // sliding window capacity
	Stride  *int `json:"stride,omitempty"`  // samples between emissions
}

// BlinkConfig controls the edge-triggered EOG episode extractor.
type BlinkConfig struct {
	AmpThreshold  *float64 `json:"amp_threshold,omitempty"`
	MinDurationMs *float64 `json:"min_duration_ms,omitempty"`
	MaxDurationMs *float64 `json:"max_duration_ms,omitempty"`
	BaselineAlpha *float64 `json:"baseline_alpha,omitempty"`
}

// DetectorConfig controls the label detectors downstream of feature
// extraction. Profiles map a label name onto inclusive [lo, hi] ranges per
// feature; ProfileOrder preserves declaration order for tie breaking.
type DetectorConfig struct {
	ConsensusThreshold *float64                        `json:"consensus_threshold,omitempty"`
	MinConfidence      *float64                        `json:"min_confidence,omitempty"`
	DebounceCount      *int                            `json:"debounce_count,omitempty"`
	Profiles           map[string]map[string][2]float64 `json:"profiles,omitempty"`
	ProfileOrder       []string                        `json:"profile_order,omitempty"`
	ModelPath          *string                         `json:"model_path,omitempty"`
}

// SensorConfig is the root configuration consumed once at session start.
// Applying changes requires an explicit session restart; nothing reloads
// mid-packet.
type SensorConfig struct {
	Port         string                   `json:"port,omitempty"`
	BaudRate     *int                     `json:"baud_rate,omitempty"`
	SamplingRate *int                     `json:"sampling_rate,omitempty"`
	Packet       *PacketFormat            `json:"packet,omitempty"`
	Channels     map[string]ChannelConfig `json:"channel_mapping,omitempty"`
	Filters      FilterConfig             `json:"filters"`
	Window       WindowConfig             `json:"window"`
	Blink        BlinkConfig              `json:"blink"`
	Detector     DetectorConfig           `json:"detector"`
	QueueSize    *int                     `json:"queue_size,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// DefaultPacketFormat returns the wire format of the stock two-channel
// acquisition board: [SYNC1 SYNC2 CTR CH0_H CH0_L CH1_H CH1_L END].
func DefaultPacketFormat() PacketFormat {
	return PacketFormat{
		SyncBytes:      []byte{0xC7, 0x7C},
		Length:         8,
		ChannelCount:   2,
		EndByte:        0x01,
		ADCBits:        14,
		VRefMillivolts: 3300,
	}
}

// DefaultSensorConfig returns the full default configuration: two channels
// (EMG on ch0, EOG on ch1) at 512 Hz over a 230400 baud link.
func DefaultSensorConfig() *SensorConfig {
	packet := DefaultPacketFormat()
	return &SensorConfig{
		BaudRate:     ptrInt(230400),
		SamplingRate: ptrInt(512),
		Packet:       &packet,
		Channels: map[string]ChannelConfig{
			"ch0": {Sensor: "EMG"},
			"ch1": {Sensor: "EOG"},
		},
		Filters: FilterConfig{
			EMG: EMGFilterConfig{
				HighpassHz:      ptrFloat64(20),
				LowpassHz:       ptrFloat64(70),
				Order:           ptrInt(4),
				NotchEnabled:    ptrBool(false),
				NotchHz:         ptrFloat64(50),
				NotchQ:          ptrFloat64(30),
				EnvelopeEnabled: ptrBool(true),
				EnvelopeHz:      ptrFloat64(10),
			},
			EOG: EOGFilterConfig{
				LowpassHz: ptrFloat64(10),
				Order:     ptrInt(4),
			},
			EEG: EEGFilterConfig{
				NotchHz:    ptrFloat64(50),
				NotchQ:     ptrFloat64(30),
				BandLowHz:  ptrFloat64(0.5),
				BandHighHz: ptrFloat64(45),
				Order:      ptrInt(4),
			},
		},
		Window: WindowConfig{
			Samples: ptrInt(512),
			Stride:  ptrInt(64),
		},
		Blink: BlinkConfig{
			AmpThreshold:  ptrFloat64(1.5),
			MinDurationMs: ptrFloat64(100),
			MaxDurationMs: ptrFloat64(500),
			BaselineAlpha: ptrFloat64(0.01),
		},
		Detector: DetectorConfig{
			ConsensusThreshold: ptrFloat64(0.6),
			MinConfidence:      ptrFloat64(0.65),
			DebounceCount:      ptrInt(3),
		},
		QueueSize: ptrInt(10000),
	}
}

// LoadSensorConfig loads a SensorConfig from a JSON file and overlays it on
// the defaults, so partial configs are safe. The file is validated to have
// a .json extension and to be under the max file size.
func LoadSensorConfig(path string) (*SensorConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultSensorConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the pipeline relies on. It is called on
// load and again by the session before opening the port.
func (c *SensorConfig) Validate() error {
	if c.Packet == nil {
		return fmt.Errorf("packet format is required")
	}
	p := c.Packet
	if len(p.SyncBytes) == 0 {
		return fmt.Errorf("packet sync bytes are required")
	}
	if p.ChannelCount <= 0 {
		return fmt.Errorf("packet channel count must be positive, got %d", p.ChannelCount)
	}
	// sync + counter + 2 bytes per channel + trailer
	minLen := len(p.SyncBytes) + 1 + 2*p.ChannelCount + 1
	if p.Length != minLen {
		return fmt.Errorf("packet length %d inconsistent with layout (expected %d)", p.Length, minLen)
	}
	if c.SamplingRate == nil || *c.SamplingRate <= 0 {
		return fmt.Errorf("sampling rate must be positive")
	}
	if c.Window.Samples != nil && c.Window.Stride != nil && *c.Window.Stride > *c.Window.Samples {
		return fmt.Errorf("window stride %d exceeds window size %d", *c.Window.Stride, *c.Window.Samples)
	}
	return nil
}

// ChannelKinds resolves the channel mapping into an index-ordered slice of
// signal kinds, one per configured packet channel. Unmapped or disabled
// channels come back as SignalUnknown.
func (c *SensorConfig) ChannelKinds() []SignalKind {
	kinds := make([]SignalKind, c.Packet.ChannelCount)
	for i := range kinds {
		kinds[i] = SignalUnknown
		cc, ok := c.Channels[fmt.Sprintf("ch%d", i)]
		if !ok || !cc.IsEnabled() {
			continue
		}
		kinds[i] = ParseSignalKind(cc.Sensor)
	}
	return kinds
}

// OrderedProfiles returns detector profile names in tie-break order:
// explicit ProfileOrder first, then any remaining profiles sorted by name
// so the order is at least deterministic.
func (d DetectorConfig) OrderedProfiles() []string {
	seen := make(map[string]bool)
	var names []string
	for _, name := range d.ProfileOrder {
		if _, ok := d.Profiles[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range d.Profiles {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}
