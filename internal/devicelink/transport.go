// Package devicelink provides the bidirectional line protocol channel to the
// hand controller. One link owns one transport (USB serial or TCP socket) and
// runs an independent receive loop and transmit loop over it; multiple
// clients subscribe to parsed reading and status events and enqueue outbound
// commands.
package devicelink

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrConnectionFailed reports that the transport could not be opened. The
// caller may retry; no background activity was started.
var ErrConnectionFailed = errors.New("devicelink: connection failed")

// ErrWriteFailed reports a short write to the transport.
var ErrWriteFailed = errors.New("devicelink: failed to write full command")

// Transport is the minimal carrier surface the link needs: a byte stream with
// a read timeout so the receive loop can observe shutdown between frames.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds how long a Read may block. Serial carriers
	// surface an expired timeout as a zero-byte read; socket carriers as a
	// net.Error with Timeout() true.
	SetReadTimeout(d time.Duration) error
}

// Kind selects which physical carrier a Config opens.
type Kind string

const (
	// KindSerial connects over a local serial device (USB).
	KindSerial Kind = "serial"
	// KindTCP connects over a network socket (WiFi bridge or simulator).
	KindTCP Kind = "tcp"
)

// Config describes how to open a device link.
type Config struct {
	Kind Kind

	// Serial carrier settings.
	Port    string
	Options PortOptions

	// TCP carrier settings.
	Addr        string
	DialTimeout time.Duration

	// ReadTimeout is the receive-loop suspension interval. Transport faults
	// and shutdown are both observed within one timeout.
	ReadTimeout time.Duration
}

const (
	defaultDialTimeout = 5 * time.Second
	defaultReadTimeout = 100 * time.Millisecond

	// transmit loop wait bound while the outbound queue is empty
	queueIdleWait = 100 * time.Millisecond

	// frames without a terminator beyond this length are dropped as garbage
	maxFrameLen = 4096
)

// normalize validates the config and fills defaults. Configuration errors are
// distinct from connection errors: they are not retriable.
func (c Config) normalize() (Config, error) {
	switch c.Kind {
	case KindSerial:
		if c.Port == "" {
			return c, fmt.Errorf("devicelink: serial link requires a port path")
		}
		opts, err := c.Options.Normalize()
		if err != nil {
			return c, fmt.Errorf("devicelink: %w", err)
		}
		c.Options = opts
	case KindTCP:
		if c.Addr == "" {
			return c, fmt.Errorf("devicelink: tcp link requires an address")
		}
	default:
		return c, fmt.Errorf("devicelink: unknown transport kind %q", c.Kind)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	return c, nil
}

func (c Config) target() string {
	if c.Kind == KindSerial {
		return c.Port
	}
	return c.Addr
}
