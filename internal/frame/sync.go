// Package frame recovers fixed-length sample frames from the raw serial
// byte stream and decodes them into multi-channel samples.
//
// The acquisition board emits one frame per sample tick:
//
//	[SYNC1 SYNC2 CTR CH0_H CH0_L ... CHn_H CHn_L END]
//
// The byte channel is unreliable: frames can be truncated by reconnects,
// corrupted by line noise, duplicated by the board's retransmit quirk, or
// lost entirely. The Synchronizer finds frame boundaries and bounds the
// damage of a corrupted frame to at most one frame length of skipped
// bytes; the Parser validates and decodes a candidate frame and accounts
// for duplicated and dropped sequence counters.
package frame

import (
	"bytes"

	"github.com/banshee-data/biostream/internal/config"
)

// Synchronizer locates frame boundaries in an append-only byte buffer
// using the configured sync marker. It is not safe for concurrent use; the
// acquisition read loop is its only caller.
type Synchronizer struct {
	format config.PacketFormat
	buf    []byte

	skippedBytes uint64
	resyncs      uint64
}

// NewSynchronizer returns a Synchronizer for the given wire format.
func NewSynchronizer(format config.PacketFormat) *Synchronizer {
	return &Synchronizer{format: format}
}

// Feed appends newly read bytes to the scan buffer.
func (s *Synchronizer) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next returns the next full-length candidate frame and consumes it from
// the buffer, or false when the buffer does not yet hold a complete frame
// starting at a sync marker. Bytes before the first marker are discarded
// and counted.
//
// Next only guarantees marker alignment and length; trailer validation is
// the Parser's job. A frame the Parser rejects must be handed back via
// Resync so the scan does not keep trusting the old boundary.
func (s *Synchronizer) Next() ([]byte, bool) {
	sync := s.format.SyncBytes

	idx := bytes.Index(s.buf, sync)
	if idx < 0 {
		// No marker anywhere. Keep a marker-length tail in case the
		// marker is split across reads.
		keep := len(sync) - 1
		if len(s.buf) > keep {
			s.skippedBytes += uint64(len(s.buf) - keep)
			s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
		}
		return nil, false
	}
	if idx > 0 {
		s.skippedBytes += uint64(idx)
		s.buf = append(s.buf[:0], s.buf[idx:]...)
	}
	if len(s.buf) < s.format.Length {
		return nil, false
	}

	out := make([]byte, s.format.Length)
	copy(out, s.buf[:s.format.Length])
	s.buf = append(s.buf[:0], s.buf[s.format.Length:]...)
	return out, true
}

// Resync hands back a frame the parser rejected. The old boundary is no
// longer trusted: the frame is re-queued with its first byte dropped, so
// the next scan resumes one byte past the bad marker. Recovery therefore
// costs at most one frame length of garbage per corruption.
func (s *Synchronizer) Resync(rejected []byte) {
	if len(rejected) <= 1 {
		return
	}
	s.resyncs++
	s.skippedBytes++
	requeued := make([]byte, 0, len(rejected)-1+len(s.buf))
	requeued = append(requeued, rejected[1:]...)
	requeued = append(requeued, s.buf...)
	s.buf = requeued
}

// Reset discards all buffered bytes, e.g. after a reconnect.
func (s *Synchronizer) Reset() {
	s.buf = s.buf[:0]
}

// SkippedBytes reports how many bytes have been discarded while hunting
// for a marker, including resync penalties.
func (s *Synchronizer) SkippedBytes() uint64 { return s.skippedBytes }

// Resyncs reports how many parser rejections have forced a rescan.
func (s *Synchronizer) Resyncs() uint64 { return s.resyncs }

// Pending reports how many bytes are currently buffered. Used by tests and
// the acquisition stats endpoint.
func (s *Synchronizer) Pending() int { return len(s.buf) }
