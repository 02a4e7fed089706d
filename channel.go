package ymodem

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"time"
)

// ErrTimeout is returned by Channel.Read when no data arrived before the
// deadline, made explicit as an error so callers can use errors.Is.
var ErrTimeout = errors.New("ymodem: channel read timeout")

// ErrCancelled is returned when the peer sent two consecutive CAN bytes.
var ErrCancelled = errors.New("ymodem: cancelled by peer (CAN CAN)")

// deadlineSetter is implemented by transports that support per-call read
// deadlines (e.g. net.Conn, go.bug.st/serial.Port).
type deadlineSetter interface {
	SetReadDeadline(time.Time) error
}

// Channel is the thin wrapper over an externally supplied byte transport.
// A single Channel is built once from the underlying io.ReadWriter at
// construction time, so the rest of the core only ever sees
// Read/Write/Purge/ReadAndWait/WriteAndWait.
type Channel struct {
	r      *bufio.Reader
	w      io.Writer
	ds     deadlineSetter
	logger *slog.Logger

	canCount int // consecutive CAN bytes observed by ReadAndWait/WriteAndWait
}

// NewChannel adapts an io.ReadWriter into a Channel. If rw implements
// SetReadDeadline (net.Conn, serial.Port, ...) per-call timeouts are
// enforced there; otherwise Read blocks until data arrives (transports
// without deadline support must manage their own cancellation).
func NewChannel(rw io.ReadWriter, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		r:      bufio.NewReaderSize(rw, 4096),
		w:      rw,
		logger: logger,
	}
	if ds, ok := rw.(deadlineSetter); ok {
		c.ds = ds
	}
	return c
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Read returns at most n bytes, or ErrTimeout if none arrived within
// timeout seconds.
func (c *Channel) Read(n int, timeout float64) ([]byte, error) {
	if c.ds != nil && timeout > 0 {
		_ = c.ds.SetReadDeadline(time.Now().Add(seconds(timeout)))
	}
	buf := make([]byte, n)
	m, err := c.r.Read(buf)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return buf[:m], nil
}

// ReadByte reads a single raw byte with the given timeout.
func (c *Channel) ReadByte(timeout float64) (byte, error) {
	if c.ds != nil && timeout > 0 {
		_ = c.ds.SetReadDeadline(time.Now().Add(seconds(timeout)))
	}
	b, err := c.r.ReadByte()
	if err != nil {
		if isTimeoutErr(err) {
			return 0, ErrTimeout
		}
		return 0, err
	}
	return b, nil
}

// ReadFull reads exactly n bytes within the overall timeout, used for
// packet bodies where a short read must not be treated as success.
func (c *Channel) ReadFull(n int, timeout float64) ([]byte, error) {
	if c.ds != nil && timeout > 0 {
		_ = c.ds.SetReadDeadline(time.Now().Add(seconds(timeout)))
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(c.r, buf)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return buf, nil
}

// Write attempts to flush data fully before returning. A write failure is
// treated by the core as a transient error counted against the retry
// budget.
func (c *Channel) Write(data []byte, timeout float64) error {
	if sw, ok := c.w.(interface{ SetWriteDeadline(time.Time) error }); ok && timeout > 0 {
		_ = sw.SetWriteDeadline(time.Now().Add(seconds(timeout)))
	}
	_, err := c.w.Write(data)
	return err
}

// Purge reads with a 1-second timeout until none arrives, discarding
// everything, to drain pipeline bytes before requesting retransmission.
func (c *Channel) Purge() {
	for {
		_, err := c.Read(256, 1.0)
		if err != nil {
			return
		}
	}
}

// trackCAN updates the consecutive-CAN counter used to detect a graceful
// abort. Returns true once the second consecutive CAN is seen.
func (c *Channel) trackCAN(b byte) bool {
	if b == CAN {
		c.canCount++
		return c.canCount >= 2
	}
	c.canCount = 0
	return false
}

// ReadAndWait polls Read(1, ...) until a byte in expected arrives or
// maxSeconds elapses, returning ErrCancelled if two consecutive CANs are
// seen first.
func (c *Channel) ReadAndWait(expected []byte, maxSeconds float64) (byte, error) {
	deadline := time.Now().Add(seconds(maxSeconds))
	for {
		remaining := time.Until(deadline).Seconds()
		if remaining <= 0 {
			return 0, ErrTimeout
		}
		perCall := remaining
		if perCall > 1 {
			perCall = 1 // poll in <=1s slices so a dead deadline is noticed promptly
		}
		b, err := c.ReadByte(perCall)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			return 0, err
		}
		if c.trackCAN(b) {
			return b, ErrCancelled
		}
		for _, e := range expected {
			if b == e {
				return b, nil
			}
		}
		// Unexpected byte: treat as a timeout and keep polling within
		// the same deadline.
	}
}

// WriteAndWait writes a single byte then waits for an expected response.
func (c *Channel) WriteAndWait(b byte, expected []byte, maxSeconds float64) (byte, error) {
	if err := c.Write([]byte{b}, maxSeconds); err != nil {
		return 0, err
	}
	return c.ReadAndWait(expected, maxSeconds)
}

// isTimeoutErr reports whether err is a deadline-exceeded style error from
// the underlying transport (net.Error Timeout(), or the stdlib bufio/io
// wrapping of the same).
func isTimeoutErr(err error) bool {
	type timeoutError interface {
		Timeout() bool
	}
	var te timeoutError
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
