package devicelink

import (
	"context"
	"net"
	"time"
)

// tcpTransport adapts a socket to the Transport interface by renewing the
// read deadline before every read. An expired deadline surfaces as a
// net.Error with Timeout() true, which the receive loop treats as a
// suspension point rather than a fault.
type tcpTransport struct {
	conn        net.Conn
	readTimeout time.Duration
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration) (Transport, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpTransport{conn: conn}, nil
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	if t.readTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return 0, err
		}
	}
	return t.conn.Read(p)
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) SetReadTimeout(d time.Duration) error {
	t.readTimeout = d
	return nil
}
