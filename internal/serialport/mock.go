package serialport

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by mock reads and writes after Close.
var ErrClosed = errors.New("serial port closed")

// MockPort is an in-memory Porter for tests and dev mode. Reads pop
// pre-queued chunks; once the queue is empty, reads behave like a timed-out
// serial read (0 bytes, nil error) unless an error has been injected.
type MockPort struct {
	mu      sync.Mutex
	chunks  [][]byte
	readErr error
	written []byte
	closed  bool
	timeout time.Duration
	onEmpty func()
}

// NewMockPort returns a MockPort whose reads will yield the given chunks in
// order, one chunk per Read call.
func NewMockPort(chunks ...[]byte) *MockPort {
	m := &MockPort{}
	for _, c := range chunks {
		m.chunks = append(m.chunks, append([]byte(nil), c...))
	}
	return m
}

// QueueRead appends a chunk to the read script.
func (m *MockPort) QueueRead(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, append([]byte(nil), p...))
}

// FailReads makes all reads after the scripted chunks return err,
// simulating a mid-session I/O failure such as an unplugged device.
func (m *MockPort) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// OnEmpty registers a callback invoked whenever a read finds the script
// exhausted. Tests use it to stop a reader once all data is consumed.
func (m *MockPort) OnEmpty(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEmpty = f
}

func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if len(m.chunks) == 0 {
		err := m.readErr
		onEmpty := m.onEmpty
		m.mu.Unlock()
		if err != nil {
			return 0, err
		}
		if onEmpty != nil {
			onEmpty()
		}
		// Behave like a read timeout: yield briefly so a spinning read
		// loop does not burn a core in tests.
		time.Sleep(time.Millisecond)
		return 0, nil
	}

	chunk := m.chunks[0]
	n := copy(p, chunk)
	if n == len(chunk) {
		m.chunks = m.chunks[1:]
	} else {
		m.chunks[0] = chunk[n:]
	}
	m.mu.Unlock()
	return n, nil
}

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.written = append(m.written, p...)
	return len(p), nil
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetReadTimeout records the requested timeout; the mock's empty-queue
// reads already return promptly.
func (m *MockPort) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
	return nil
}

// Written returns everything written to the port so far.
func (m *MockPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written...)
}

// Closed reports whether Close has been called.
func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
