package devicelink

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// MockTransport implements Transport with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and timing.
type MockTransport struct {
	mu sync.Mutex

	// readBuffer holds data to be returned by Read calls
	readBuffer bytes.Buffer

	// writeBuffer captures data written to the transport
	writeBuffer bytes.Buffer

	// ReadError is returned by every Read call once set
	ReadError error

	// WriteError is returned by every Write call once set
	WriteError error

	// ShortWrite makes Write report one byte fewer than supplied
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	closed      bool
	closeCalls  int
	readCalls   int
	writeCalls  int
	readTimeout time.Duration

	// wake is signalled when new read data arrives so a blocked Read can
	// return before its timeout
	wake chan struct{}
}

// NewMockTransport creates an empty mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{wake: make(chan struct{}, 1)}
}

// QueueRead appends data that subsequent Read calls will return.
func (m *MockTransport) QueueRead(data []byte) {
	m.mu.Lock()
	m.readBuffer.Write(data)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// QueueLine appends one terminated protocol line to the read stream.
func (m *MockTransport) QueueLine(line string) {
	m.QueueRead([]byte(line + "\n"))
}

// Read returns queued data immediately, or blocks until data arrives or the
// read timeout expires. An expired timeout is a clean zero-byte read, matching
// the serial carrier's behaviour.
func (m *MockTransport) Read(p []byte) (int, error) {
	deadline := time.NewTimer(m.currentTimeout())
	defer deadline.Stop()
	for {
		m.mu.Lock()
		m.readCalls++
		if m.ReadError != nil {
			err := m.ReadError
			m.mu.Unlock()
			return 0, err
		}
		if m.closed {
			m.mu.Unlock()
			return 0, io.EOF
		}
		if m.readBuffer.Len() > 0 {
			n, _ := m.readBuffer.Read(p)
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-deadline.C:
			return 0, nil
		}
	}
}

func (m *MockTransport) currentTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readTimeout > 0 {
		return m.readTimeout
	}
	return 10 * time.Millisecond
}

// Write captures the written bytes.
func (m *MockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	if m.ShortWrite && len(p) > 0 {
		m.writeBuffer.Write(p[:len(p)-1])
		return len(p) - 1, nil
	}
	m.writeBuffer.Write(p)
	return len(p), nil
}

// Close marks the transport closed and wakes any blocked Read.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.closeCalls++
	err := m.CloseError
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return err
}

// SetReadTimeout records the receive-loop timeout the link configured.
func (m *MockTransport) SetReadTimeout(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readTimeout = d
	return nil
}

// SetReadError makes every subsequent Read fail, waking a blocked Read.
func (m *MockTransport) SetReadError(err error) {
	m.mu.Lock()
	m.ReadError = err
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Written returns a copy of everything written so far.
func (m *MockTransport) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, m.writeBuffer.Len())
	copy(out, m.writeBuffer.Bytes())
	return out
}

// WrittenLines splits the captured writes into terminated lines.
func (m *MockTransport) WrittenLines() []string {
	data := m.Written()
	var lines []string
	for _, chunk := range bytes.Split(data, []byte("\n")) {
		if len(chunk) > 0 {
			lines = append(lines, string(chunk))
		}
	}
	return lines
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CloseCalls returns how many times Close was called.
func (m *MockTransport) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// ReadTimeout returns the timeout the link configured.
func (m *MockTransport) ReadTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readTimeout
}
