// Package acquire owns the serial link during a session. A single Reader
// goroutine performs all physical reads, frames the byte stream, and hands
// complete candidate frames to the consumer side over a bounded queue. The
// queue never blocks the read loop: when it is full the oldest frame is
// sacrificed, because stalling the physical read risks losing hardware
// buffer synchronization entirely.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/frame"
	"github.com/banshee-data/biostream/internal/monitoring"
	"github.com/banshee-data/biostream/internal/serialport"
)

// ErrDisconnected wraps the underlying I/O error when the serial link is
// lost mid-session. The reader does not reconnect on its own; reconnection
// is an explicit action by the session owner.
var ErrDisconnected = errors.New("serial link lost")

// readTimeout bounds each blocking read so the loop can observe
// cancellation. A timed-out read is an absence of data, not an error.
const readTimeout = 100 * time.Millisecond

// readBufferSize is the per-read scratch buffer. At 230400 baud the link
// delivers under 24 KB/s, so 4 KB per read is ample.
const readBufferSize = 4096

// Status describes the reader lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusStopped
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Packet is one framed candidate packet with its arrival time. Validation
// happens downstream; the reader only guarantees marker alignment and
// length.
type Packet struct {
	Bytes    []byte
	Received time.Time
}

// Stats is a snapshot of the reader's observability counters.
type Stats struct {
	BytesRead      uint64 `json:"bytes_read"`
	FramesQueued   uint64 `json:"frames_queued"`
	QueueOverflows uint64 `json:"queue_overflows"`
	SkippedBytes   uint64 `json:"skipped_bytes"`
	Resyncs        uint64 `json:"resyncs"`
	QueueDepth     int    `json:"queue_depth"`
}

// Reader runs the dedicated read loop for one serial port. Only the Run
// goroutine touches the port for reads; SendCommand serializes writes.
type Reader struct {
	port    serialport.Porter
	format  config.PacketFormat
	sync    *frame.Synchronizer
	packets chan Packet

	commandMu sync.Mutex

	mu           sync.Mutex
	status       Status
	err          error
	bytesRead    uint64
	framesQueued uint64
	overflows    uint64
	// skippedBytes and resyncs mirror the synchronizer's counters. The
	// synchronizer itself is confined to the Run goroutine, so Stats reads
	// these cached copies instead.
	skippedBytes uint64
	resyncs      uint64
}

// NewReader wraps an already-open port. queueSize bounds the inter-stage
// queue between the read loop and the consumer.
func NewReader(port serialport.Porter, format config.PacketFormat, queueSize int) *Reader {
	if queueSize <= 0 {
		queueSize = 10000
	}
	return &Reader{
		port:    port,
		format:  format,
		sync:    frame.NewSynchronizer(format),
		packets: make(chan Packet, queueSize),
	}
}

// Packets returns the frame queue. The channel is closed when the read
// loop exits; check Err to distinguish a clean stop from a lost link.
func (r *Reader) Packets() <-chan Packet {
	return r.packets
}

// Run executes the read loop until the context is cancelled or the link
// fails. It closes the port and the packet queue on the way out. A read
// timeout keeps the loop turning without data; a hard I/O error surfaces
// as an ErrDisconnected-wrapped error and stops the loop without retry.
func (r *Reader) Run(ctx context.Context) error {
	if tp, ok := r.port.(serialport.TimeoutPorter); ok {
		if err := tp.SetReadTimeout(readTimeout); err != nil {
			monitoring.Logf("acquire: failed to set read timeout: %v", err)
		}
	}

	r.setStatus(StatusRunning, nil)
	defer close(r.packets)
	defer r.port.Close()

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			r.setStatus(StatusStopped, nil)
			return ctx.Err()
		default:
		}

		n, err := r.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				// The port was torn down under a cancelled context;
				// report the stop, not the read failure.
				r.setStatus(StatusStopped, nil)
				return ctx.Err()
			}
			wrapped := fmt.Errorf("%w: %v", ErrDisconnected, err)
			r.setStatus(StatusDisconnected, wrapped)
			monitoring.Logf("acquire: read loop terminated: %v", wrapped)
			return wrapped
		}
		if n == 0 {
			continue // read timeout, no data
		}

		r.sync.Feed(buf[:n])
		now := time.Now()
		for {
			candidate, ok := r.sync.Next()
			if !ok {
				break
			}
			// The trailer byte is the frame check. Validating it here,
			// on the framing side of the queue, lets a corrupt frame
			// trigger an immediate rescan from the next byte instead of
			// cascading misalignment through the queue.
			if candidate[len(candidate)-1] != r.format.EndByte {
				r.sync.Resync(candidate)
				continue
			}
			r.push(Packet{Bytes: candidate, Received: now})
		}

		r.mu.Lock()
		r.bytesRead += uint64(n)
		r.skippedBytes = r.sync.SkippedBytes()
		r.resyncs = r.sync.Resyncs()
		r.mu.Unlock()
	}
}

// push enqueues one frame, evicting the oldest queued frame instead of
// blocking when the queue is full.
func (r *Reader) push(p Packet) {
	select {
	case r.packets <- p:
	default:
		select {
		case <-r.packets:
		default:
		}
		r.mu.Lock()
		r.overflows++
		r.mu.Unlock()
		select {
		case r.packets <- p:
		default:
			// Consumer refilled the queue between the evict and the
			// retry; count the frame as lost and move on.
			return
		}
	}
	r.mu.Lock()
	r.framesQueued++
	r.mu.Unlock()
}

// SendCommand writes a command line to the device. Writes are serialized
// so API-triggered commands cannot interleave.
func (r *Reader) SendCommand(command string) error {
	r.commandMu.Lock()
	defer r.commandMu.Unlock()
	if len(command) == 0 || command[len(command)-1] != '\n' {
		command += "\n"
	}
	n, err := r.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	if n != len(command) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(command))
	}
	return nil
}

// Status returns the current lifecycle state and, for StatusDisconnected,
// the terminal error.
func (r *Reader) Status() (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.err
}

// Err returns the terminal error, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) setStatus(s Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
	r.err = err
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		BytesRead:      r.bytesRead,
		FramesQueued:   r.framesQueued,
		QueueOverflows: r.overflows,
		SkippedBytes:   r.skippedBytes,
		Resyncs:        r.resyncs,
		QueueDepth:     len(r.packets),
	}
}
