// Package serialport owns live serial connections: one Conn per open
// transport, and a Manager coordinating connect/disconnect, per-port monitor
// goroutines, reconnection, and port discovery.
package serialport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/ppiankov/serialtap/internal/sertypes"
)

// Transport is one open serial port. Read is expected to honor a read
// timeout, returning (0, nil) when no data arrived, so a monitor goroutine
// can observe cancellation without the transport being closed under it.
type Transport interface {
	io.ReadWriteCloser
	SetDTR(bool) error
	SetRTS(bool) error
}

// Opener opens transports. The production implementation is BugstOpener;
// tests substitute fakes.
type Opener interface {
	Open(device string, cfg sertypes.Config) (Transport, error)
}

// Enumerator lists serial ports present on the host.
type Enumerator interface {
	Enumerate() ([]sertypes.PortInfo, error)
}

// DefaultReadTimeout is the transport read tick; it bounds how long a
// monitor goroutine can take to notice cancellation.
const DefaultReadTimeout = 250 * time.Millisecond

// BugstOpener opens ports via go.bug.st/serial.
type BugstOpener struct {
	// ReadTimeout overrides DefaultReadTimeout when positive.
	ReadTimeout time.Duration
}

// Open opens the device with the given line parameters. The flow-control
// flags in cfg are ignored; serial.Mode has no flow-control field.
func (o BugstOpener) Open(device string, cfg sertypes.Config) (Transport, error) {
	cfg = cfg.WithDefaults()
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   parityMode(cfg.Parity),
		StopBits: stopBitsMode(cfg.StopBits),
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}

	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", device, err)
	}
	return port, nil
}

func parityMode(p sertypes.Parity) serial.Parity {
	switch p {
	case sertypes.ParityEven:
		return serial.EvenParity
	case sertypes.ParityOdd:
		return serial.OddParity
	case sertypes.ParityMark:
		return serial.MarkParity
	case sertypes.ParitySpace:
		return serial.SpaceParity
	}
	return serial.NoParity
}

func stopBitsMode(s float64) serial.StopBits {
	switch s {
	case 1.5:
		return serial.OnePointFiveStopBits
	case 2:
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

// BugstEnumerator lists ports with USB metadata via go.bug.st/serial/enumerator.
type BugstEnumerator struct{}

// Enumerate returns all detected serial ports.
func (BugstEnumerator) Enumerate() ([]sertypes.PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	ports := make([]sertypes.PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, sertypes.PortInfo{
			Device:       d.Name,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
			IsUSB:        d.IsUSB,
		})
	}
	return ports, nil
}
