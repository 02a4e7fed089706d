// Package serial adapts go.bug.st/serial ports into the deadline-setting
// io.ReadWriteCloser ymodem.Channel expects, for running transfers over a
// real RS-232/USB-serial link instead of a network socket.
package serial

import (
	"time"

	libserial "go.bug.st/serial"
)

// Port wraps a libserial.Port, translating ymodem's absolute
// SetReadDeadline calls into the library's SetReadTimeout duration form.
type Port struct {
	libserial.Port
}

// Open opens name at baud with 8-N-1 framing, the line configuration
// ymodem.txt assumes for a modem-style control channel.
func Open(name string, baud int) (*Port, error) {
	mode := &libserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   libserial.NoParity,
		StopBits: libserial.OneStopBit,
	}
	p, err := libserial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return &Port{Port: p}, nil
}

// SetReadDeadline satisfies the deadline-setting interface ymodem.Channel
// looks for on its transport. A zero deadline clears the timeout.
func (p *Port) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return p.Port.SetReadTimeout(libserial.NoTimeout)
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return p.Port.SetReadTimeout(d)
}

// Ports lists the serial device names visible on this host, passed
// straight through from the underlying library for CLI device discovery.
func Ports() ([]string, error) {
	return libserial.GetPortsList()
}
