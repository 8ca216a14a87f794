package transport

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// SerialDialer opens a local serial port.
type SerialDialer struct {
	Port     string
	BaudRate int
	DataBits int

	// Parity is "none", "odd", "even", "mark" or "space". Empty means none.
	Parity string

	// StopBits is 1 or 2.
	StopBits int
}

// Dial opens the port. The context only guards against dialing after cancellation.
func (d SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode, err := d.mode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(d.Port, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open serial device %q", d.Port)
	}
	return port, nil
}

func (d SerialDialer) String() string {
	m, err := d.mode()
	if err != nil {
		return "serial://" + d.Port
	}
	return fmt.Sprintf("serial://%s:%d", d.Port, m.BaudRate)
}

func (d SerialDialer) mode() (*serial.Mode, error) {
	m := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: d.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if m.BaudRate == 0 {
		m.BaudRate = 9600
	}
	if m.DataBits == 0 {
		m.DataBits = 8
	}

	switch strings.ToLower(d.Parity) {
	case "", "none":
	case "odd":
		m.Parity = serial.OddParity
	case "even":
		m.Parity = serial.EvenParity
	case "mark":
		m.Parity = serial.MarkParity
	case "space":
		m.Parity = serial.SpaceParity
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "parity %q", d.Parity)
	}

	switch d.StopBits {
	case 0, 1:
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "stop bits %d", d.StopBits)
	}
	return m, nil
}
