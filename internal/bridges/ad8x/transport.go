package ad8x

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// minSerialTimeout is the shortest read timeout handed to a serial port.
const minSerialTimeout = time.Millisecond

// Conn is a byte stream to one amplifier.
// net.Conn satisfies it; serial ports are adapted by serialConn.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens a Conn to an amplifier.
type Dialer interface {
	// Dial opens the stream. The context carries the connect timeout.
	Dial(ctx context.Context) (Conn, error)

	// Address describes the endpoint for logs and status output.
	Address() string
}

// TCPDialer connects to the amplifier's telnet-style control port.
type TCPDialer struct {
	Host string
	Port int
}

// Dial opens a TCP connection bounded by the context deadline.
func (d TCPDialer) Dial(ctx context.Context) (Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Address())
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", d.Address(), err)
	}
	return conn, nil
}

// Address returns host:port.
func (d TCPDialer) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// SerialDialer opens an RS-232 port wired to the amplifier's control input.
type SerialDialer struct {
	Port     string
	BaudRate int
}

// Dial opens the serial port with 8N1 framing.
// Opening a tty does not block, so the context is only checked up front.
func (d SerialDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", d.Port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("reset serial %s: %w", d.Port, err)
	}
	return &serialConn{port: port}, nil
}

// Address returns the device path and baud rate.
func (d SerialDialer) Address() string {
	return fmt.Sprintf("%s@%d", d.Port, d.BaudRate)
}

// serialConn adapts serial.Port to Conn.
// The port exposes a per-read timeout rather than deadlines, and reports an
// expired timeout as a zero-byte read with no error.
type serialConn struct {
	port serial.Port
}

func (c *serialConn) Read(p []byte) (int, error) {
	n, err := c.port.Read(p)
	if n == 0 && err == nil {
		return 0, errReadTimeout
	}
	return n, err
}

func (c *serialConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *serialConn) Close() error {
	return c.port.Close()
}

func (c *serialConn) SetReadDeadline(t time.Time) error {
	timeout := time.Until(t)
	if timeout < minSerialTimeout {
		timeout = minSerialTimeout
	}
	return c.port.SetReadTimeout(timeout)
}

// SetWriteDeadline is a no-op; serial writes complete once the UART buffer accepts them.
func (c *serialConn) SetWriteDeadline(time.Time) error {
	return nil
}

// timeoutError marks an expired read so isTimeout treats serial and TCP alike.
type timeoutError struct{}

func (timeoutError) Error() string   { return "ad8x: read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errReadTimeout net.Error = timeoutError{}

// isTimeout reports whether err is a deadline expiry rather than a broken stream.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
