// Package pipeline assembles the acquisition stages into a running
// session: one reader goroutine framing bytes off the serial port, a
// bounded queue, and one consumer goroutine that parses, filters, extracts
// and detects. All mutable per-channel state (filter delay lines, windows,
// detector hysteresis) is confined to the consumer goroutine; the rest of
// the process observes the session through fan-out sinks and counter
// snapshots.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/biostream/internal/acquire"
	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/detect"
	"github.com/banshee-data/biostream/internal/dsp"
	"github.com/banshee-data/biostream/internal/feature"
	"github.com/banshee-data/biostream/internal/frame"
	"github.com/banshee-data/biostream/internal/monitoring"
	"github.com/banshee-data/biostream/internal/serialport"
)

// Event is one detected state change or validated episode.
type Event struct {
	SessionID  string            `json:"session_id"`
	Channel    int               `json:"channel"`
	Kind       config.SignalKind `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Label      string            `json:"label"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"source"` // "model", "profile" or "blink"
}

// Counters is a point-in-time snapshot of everything the session counts.
type Counters struct {
	SessionID      string        `json:"session_id"`
	Status         string        `json:"status"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	Reader         acquire.Stats `json:"reader"`
	Frames         frame.Stats   `json:"frames"`
	PacketsParsed  uint64        `json:"packets_parsed"`
	FeatureVectors uint64        `json:"feature_vectors"`
	Events         uint64        `json:"events"`
	SamplesSkipped uint64        `json:"samples_skipped"`
}

// extractor is the common surface of the per-channel feature extractors.
type extractor interface {
	Push(v float64, ts time.Time) (feature.Vector, bool)
	Reset()
}

// stage is the per-channel extract-then-detect pairing built at session
// start. detect may be nil when the channel has features but no detector.
type stage struct {
	kind    config.SignalKind
	source  string
	extract extractor
	detect  func(feature.Vector) (label string, confidence float64, ok bool)
	reset   func()
}

// Session owns one acquisition run from port to sinks. Construct with
// NewSession, run with Start, end with Stop. A Session is one-shot; a new
// run gets a new Session and a new ID.
type Session struct {
	ID     string
	reader *acquire.Reader
	parser *frame.Parser
	router *dsp.Router
	stages []*stage

	Samples  *Sink[dsp.RoutedSample]
	Features *Sink[feature.Vector]
	Events   *Sink[Event]

	packetsParsed  atomic.Uint64
	featureVectors atomic.Uint64
	events         atomic.Uint64

	// parserMu covers the parser's internal counters, which the consumer
	// goroutine mutates and Counters snapshots.
	parserMu sync.Mutex

	resetc chan struct{}

	// stopping is set by Stop before the reader is cancelled; once set the
	// consumer drains remaining queued packets without processing them.
	stopping atomic.Bool

	mu      sync.Mutex
	running bool
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSession wires the stages for an already-open port. The config is
// consumed here; changing it later has no effect on this session.
func NewSession(port serialport.Porter, cfg *config.SensorConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	kinds := cfg.ChannelKinds()
	rate := float64(*cfg.SamplingRate)
	queueSize := 10000
	if cfg.QueueSize != nil {
		queueSize = *cfg.QueueSize
	}

	s := &Session{
		ID:       uuid.NewString(),
		reader:   acquire.NewReader(port, *cfg.Packet, queueSize),
		parser:   frame.NewParser(*cfg.Packet, frame.RangeLimits(kinds)),
		router:   dsp.NewRouter(kinds, cfg.Filters, rate),
		Samples:  NewSink[dsp.RoutedSample](),
		Features: NewSink[feature.Vector](),
		Events:   NewSink[Event](),
		resetc:   make(chan struct{}, 1),
	}

	stages, err := buildStages(kinds, cfg, rate)
	if err != nil {
		return nil, err
	}
	s.stages = stages
	return s, nil
}

// buildStages pairs each channel with its extractor and detector. EMG
// channels get windowed features plus the debounced model detector when a
// model is configured; EEG channels get band powers plus the profile
// detector; EOG channels get blink episodes plus the blink validator.
func buildStages(kinds []config.SignalKind, cfg *config.SensorConfig, rate float64) ([]*stage, error) {
	windowSize, stride := 512, 64
	if cfg.Window.Samples != nil {
		windowSize = *cfg.Window.Samples
	}
	if cfg.Window.Stride != nil {
		stride = *cfg.Window.Stride
	}
	minConfidence, debounce := 0.65, 3
	if cfg.Detector.MinConfidence != nil {
		minConfidence = *cfg.Detector.MinConfidence
	}
	if cfg.Detector.DebounceCount != nil {
		debounce = *cfg.Detector.DebounceCount
	}
	consensus := 0.6
	if cfg.Detector.ConsensusThreshold != nil {
		consensus = *cfg.Detector.ConsensusThreshold
	}
	profiles := detect.ProfilesFromConfig(cfg.Detector)

	var model *detect.CentroidModel
	if cfg.Detector.ModelPath != nil && *cfg.Detector.ModelPath != "" {
		m, err := detect.LoadCentroidModel(*cfg.Detector.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load detector model: %w", err)
		}
		model = m
	}

	stages := make([]*stage, len(kinds))
	for i, kind := range kinds {
		switch kind {
		case config.SignalEMG:
			st := &stage{
				kind:    kind,
				source:  "model",
				extract: feature.NewEMGExtractor(i, windowSize, stride),
			}
			if model != nil {
				h := detect.NewHysteresis(model, minConfidence, debounce)
				st.detect = func(v feature.Vector) (string, float64, bool) {
					label, changed := h.Detect(v)
					if !changed {
						return "", 0, false
					}
					_, confidence := model.Predict(v)
					return label, confidence, true
				}
				st.reset = h.Reset
			}
			stages[i] = st

		case config.SignalEEG:
			st := &stage{
				kind:    kind,
				source:  "profile",
				extract: feature.NewEEGExtractor(i, windowSize, stride, rate),
			}
			if len(profiles) > 0 {
				d := detect.NewProfileDetector(profiles, consensus)
				st.detect = func(v feature.Vector) (string, float64, bool) {
					label, ok := d.Detect(v)
					return label, 1, ok
				}
			}
			stages[i] = st

		case config.SignalEOG:
			d := detect.NewBlinkDetector(blinkProfiles(cfg.Blink))
			stages[i] = &stage{
				kind:    kind,
				source:  "blink",
				extract: feature.NewBlinkExtractor(i, cfg.Blink, rate),
				detect: func(v feature.Vector) (string, float64, bool) {
					label, ok := d.Detect(v)
					return label, 1, ok
				},
			}

		default:
			// Unknown channels flow through the sample sink only.
		}
	}
	return stages, nil
}

// blinkProfiles builds the acceptance profile for the blink validator from
// the episode extractor's own thresholds, so a valid episode is one the
// extractor could actually emit.
func blinkProfiles(cfg config.BlinkConfig) []detect.Profile {
	amp, minMs, maxMs := 1.5, 100.0, 500.0
	if cfg.AmpThreshold != nil {
		amp = *cfg.AmpThreshold
	}
	if cfg.MinDurationMs != nil {
		minMs = *cfg.MinDurationMs
	}
	if cfg.MaxDurationMs != nil {
		maxMs = *cfg.MaxDurationMs
	}
	return []detect.Profile{{
		Label: "SingleBlink",
		Ranges: map[string]detect.Range{
			"amplitude":   {Low: amp, High: math.MaxFloat64},
			"duration_ms": {Low: minMs, High: maxMs},
		},
	}}
}

// Start launches the reader and consumer goroutines. It returns
// immediately; observe progress through the sinks and Counters.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("session %s already running", s.ID)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.started = time.Now()
	s.done = make(chan struct{})

	go func() {
		if err := s.reader.Run(ctx); err != nil && ctx.Err() == nil {
			monitoring.Logf("pipeline: session %s reader exited: %v", s.ID, err)
		}
	}()
	go s.consume()
	return nil
}

// consume is the single consumer goroutine: parse, route, extract, detect,
// publish. It owns every piece of mutable per-channel state and exits when
// the packet queue closes. After a stop request it keeps draining the
// queue but discards the packets instead of processing them.
func (s *Session) consume() {
	defer close(s.done)
	for {
		select {
		case <-s.resetc:
			s.resetState()
		case p, ok := <-s.reader.Packets():
			if !ok {
				return
			}
			s.processPacket(p)
		}
	}
}

func (s *Session) processPacket(p acquire.Packet) {
	if s.stopping.Load() {
		return // stop discards in-flight packets
	}
	s.parserMu.Lock()
	res, err := s.parser.Parse(p.Bytes, p.Received)
	s.parserMu.Unlock()
	if err != nil {
		return // rejection reasons are counted by the parser
	}
	if res.Duplicate {
		return
	}
	s.packetsParsed.Add(1)

	routed := s.router.Route(res.Sample)
	s.Samples.Publish(routed)

	for _, cs := range routed.Channels {
		if cs.Channel >= len(s.stages) {
			break
		}
		st := s.stages[cs.Channel]
		if st == nil {
			continue
		}
		vec, ok := st.extract.Push(cs.Filtered, routed.Timestamp)
		if !ok {
			continue
		}
		s.featureVectors.Add(1)
		s.Features.Publish(vec)

		if st.detect == nil {
			continue
		}
		label, confidence, ok := st.detect(vec)
		if !ok {
			continue
		}
		s.events.Add(1)
		s.Events.Publish(Event{
			SessionID:  s.ID,
			Channel:    cs.Channel,
			Kind:       st.kind,
			Timestamp:  vec.Timestamp,
			Label:      label,
			Confidence: confidence,
			Source:     st.source,
		})
	}
}

// resetState clears filter, window and detector state. Runs on the
// consumer goroutine.
func (s *Session) resetState() {
	s.parserMu.Lock()
	s.parser.Reset()
	s.parserMu.Unlock()
	s.router.Reset()
	for _, st := range s.stages {
		if st == nil {
			continue
		}
		st.extract.Reset()
		if st.reset != nil {
			st.reset()
		}
	}
	monitoring.Logf("pipeline: session %s state reset", s.ID)
}

// ResetState asks the consumer to clear all per-channel state without
// touching the port or the queue. On a stopped session the reset runs
// inline.
func (s *Session) ResetState() {
	s.mu.Lock()
	running := s.running && s.cancel != nil
	s.mu.Unlock()
	if !running {
		s.resetState()
		return
	}
	select {
	case s.resetc <- struct{}{}:
	default:
		// a reset is already pending
	}
}

// Stop cancels the reader, discards whatever is still queued, and closes
// the sinks. Counters and state remain inspectable afterwards.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.stopping.Store(true)
	cancel()
	<-done
	s.Samples.Close()
	s.Features.Close()
	s.Events.Close()
}

// Wait blocks until the consumer goroutine has exited, whether by Stop or
// by a lost serial link.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// SendCommand forwards a command line to the device.
func (s *Session) SendCommand(command string) error {
	return s.reader.SendCommand(command)
}

// Status reports the session lifecycle as a string for the API.
func (s *Session) Status() string {
	s.mu.Lock()
	started := !s.started.IsZero()
	s.mu.Unlock()
	if !started {
		return acquire.StatusIdle.String()
	}
	status, _ := s.reader.Status()
	return status.String()
}

// Err surfaces the reader's terminal error, if any.
func (s *Session) Err() error {
	return s.reader.Err()
}

// Counters returns a snapshot of every counter the session maintains.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	s.parserMu.Lock()
	frames := s.parser.Stats()
	s.parserMu.Unlock()
	return Counters{
		SessionID:      s.ID,
		Status:         s.Status(),
		StartedAt:      started,
		Reader:         s.reader.Stats(),
		Frames:         frames,
		PacketsParsed:  s.packetsParsed.Load(),
		FeatureVectors: s.featureVectors.Load(),
		Events:         s.events.Load(),
		SamplesSkipped: s.Samples.Skipped() + s.Features.Skipped() + s.Events.Skipped(),
	}
}
