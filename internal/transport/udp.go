// Package transport provides the UDP datagram transport used for NTP exchanges
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultPort is the NTP service port.
const DefaultPort = 123

// UDP is a connected UDP socket bound to a single NTP server.
type UDP struct {
	conn    *net.UDPConn
	timeout time.Duration
}

// Dial connects to address ("host" or "host:port"). A timeout of zero
// disables per-call deadlines, so Receive blocks until data arrives or the
// transport is closed.
func Dial(ctx context.Context, address string, timeout time.Duration) (*UDP, error) {
	hostport := WithDefaultPort(address, DefaultPort)

	var d net.Dialer
	if timeout > 0 {
		d.Timeout = timeout
	}
	c, err := d.DialContext(ctx, "udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", hostport, err)
	}
	conn, ok := c.(*net.UDPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}
	return &UDP{conn: conn, timeout: timeout}, nil
}

// Send writes one datagram.
func (u *UDP) Send(b []byte) error {
	if u.timeout > 0 {
		if err := u.conn.SetWriteDeadline(time.Now().Add(u.timeout)); err != nil {
			return err
		}
	}
	_, err := u.conn.Write(b)
	return err
}

// Receive reads one datagram into b.
func (u *UDP) Receive(b []byte) (int, error) {
	if u.timeout > 0 {
		if err := u.conn.SetReadDeadline(time.Now().Add(u.timeout)); err != nil {
			return 0, err
		}
	}
	return u.conn.Read(b)
}

// Close releases the socket. A Receive blocked on it returns an error.
func (u *UDP) Close() error {
	return u.conn.Close()
}

// RemoteAddr returns the server address the socket is connected to.
func (u *UDP) RemoteAddr() string {
	return u.conn.RemoteAddr().String()
}

// LocalAddr returns the local socket address.
func (u *UDP) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

// WithDefaultPort appends port to address when it has none.
func WithDefaultPort(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
