package sertypes

import (
	"strings"
	"time"
)

// Kind classifies a captured entry by its origin.
type Kind string

const (
	KindReceived Kind = "received"
	KindSent     Kind = "sent"
	KindSystem   Kind = "system"
	KindError    Kind = "error"
)

// Valid reports whether k is one of the known entry kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindReceived, KindSent, KindSystem, KindError:
		return true
	}
	return false
}

// Entry is a single captured line. Entries are immutable once created;
// Seq is assigned by the ring buffer and strictly increases for the
// lifetime of the process, including past evicted entries.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Port      string    `json:"port"`
	Kind      Kind      `json:"kind"`
	Data      string    `json:"data"`
}

// State is a serial connection's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	// StateBusy marks a port claimed by another operation (e.g. a firmware
	// upload); the monitor keeps the connection but discovery will not
	// auto-disconnect it.
	StateBusy State = "busy"
)

// Parity values follow the usual serial shorthand.
type Parity string

const (
	ParityNone  Parity = "N"
	ParityEven  Parity = "E"
	ParityOdd   Parity = "O"
	ParityMark  Parity = "M"
	ParitySpace Parity = "S"
)

// Config holds the line parameters for opening a serial port.
type Config struct {
	BaudRate int     `yaml:"baud"`
	DataBits int     `yaml:"data_bits"`
	Parity   Parity  `yaml:"parity"`
	StopBits float64 `yaml:"stop_bits"` // 1, 1.5, or 2

	// Flow control flags are recorded in capture metadata but not applied
	// when opening: go.bug.st/serial's Mode carries no flow-control setting.
	XonXoff bool `yaml:"xonxoff"` // software flow control
	RTSCTS  bool `yaml:"rtscts"`  // hardware flow control
	DSRDTR  bool `yaml:"dsrdtr"`
}

// DefaultConfig returns the conventional 115200 8N1 setup.
func DefaultConfig() Config {
	return Config{BaudRate: 115200, DataBits: 8, Parity: ParityNone, StopBits: 1}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.BaudRate <= 0 {
		c.BaudRate = d.BaudRate
	}
	if c.DataBits <= 0 {
		c.DataBits = d.DataBits
	}
	if c.Parity == "" {
		c.Parity = d.Parity
	}
	if c.StopBits <= 0 {
		c.StopBits = d.StopBits
	}
	return c
}

// PortInfo describes an enumerated serial port.
type PortInfo struct {
	Device       string `json:"device"`
	Description  string `json:"description,omitempty"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	IsUSB        bool   `json:"is_usb"`
}

// Vendor ids for common Arduino-family USB bridges.
var arduinoVIDs = map[string]bool{
	"2341": true, // Arduino SA
	"2A03": true, // Arduino.org
	"1A86": true, // CH340/CH341
	"0403": true, // FTDI
	"10C4": true, // CP210x
}

var arduinoKeywords = []string{
	"arduino", "genuino", "esp32", "esp8266", "ch340", "ft232", "cp210",
}

// ArduinoCompatible reports whether the port looks like an Arduino-class
// device, by VID match or by a keyword in its USB descriptor strings.
func (p PortInfo) ArduinoCompatible() bool {
	if arduinoVIDs[strings.ToUpper(p.VID)] {
		return true
	}
	probe := strings.ToLower(p.Description + " " + p.Product)
	for _, kw := range arduinoKeywords {
		if strings.Contains(probe, kw) {
			return true
		}
	}
	return false
}
