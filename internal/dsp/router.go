package dsp

import (
	"time"

	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/frame"
)

// Route binds one channel index to its signal kind and filter chain. The
// binding is built once at session start and read-only afterwards; chain
// state is the only thing that mutates, and only via Route on the consumer
// goroutine.
type Route struct {
	Channel int
	Kind    config.SignalKind
	Chain   *Chain // nil: pass through unfiltered
}

// ChannelSample is one channel's value after routing: the raw microvolt
// reading and the chain output (equal to Raw for unrouted channels).
type ChannelSample struct {
	Channel  int               `json:"channel"`
	Kind     config.SignalKind `json:"kind"`
	Raw      float64           `json:"raw"`
	Filtered float64           `json:"filtered"`
}

// RoutedSample is one fully routed multi-channel sample.
type RoutedSample struct {
	Sequence  uint8           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Channels  []ChannelSample `json:"channels"`
}

// Router dispatches each channel of a parsed sample through the chain
// registered for its kind. The router holds no filter state of its own; it
// is a dispatch table over the per-channel chains it was built with.
type Router struct {
	routes []Route
}

// NewRouter builds one chain per channel from the resolved channel kinds.
// Channels tagged Unknown get no chain and pass through unfiltered — they
// are still emitted, never silently dropped.
func NewRouter(kinds []config.SignalKind, filters config.FilterConfig, sampleRate float64) *Router {
	routes := make([]Route, len(kinds))
	for i, kind := range kinds {
		routes[i] = Route{
			Channel: i,
			Kind:    kind,
			Chain:   ChainFor(kind, filters, sampleRate),
		}
	}
	return &Router{routes: routes}
}

// Routes exposes the read-only routing table.
func (r *Router) Routes() []Route { return r.routes }

// Route filters every channel of the sample through its chain. Values
// beyond the routing table (a format/config mismatch) pass through
// unfiltered rather than being dropped.
func (r *Router) Route(s frame.ParsedSample) RoutedSample {
	out := RoutedSample{
		Sequence:  s.Sequence,
		Timestamp: s.Timestamp,
		Channels:  make([]ChannelSample, len(s.Microvolts)),
	}
	for i, raw := range s.Microvolts {
		cs := ChannelSample{Channel: i, Kind: config.SignalUnknown, Raw: raw, Filtered: raw}
		if i < len(r.routes) {
			cs.Kind = r.routes[i].Kind
			if chain := r.routes[i].Chain; chain != nil {
				cs.Filtered = chain.Process(raw)
			}
		}
		out.Channels[i] = cs
	}
	return out
}

// Reset clears the filter state of every chain, e.g. on session state
// reset. The routing table itself is untouched.
func (r *Router) Reset() {
	for _, route := range r.routes {
		if route.Chain != nil {
			route.Chain.Reset()
		}
	}
}
