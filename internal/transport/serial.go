// Package transport opens the wired M-Bus line through a serial level
// converter.
package transport

import (
	"fmt"
	"sort"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the usual M-Bus rate; slaves may support 300 to 38400.
	DefaultBaudRate = 2400
	// DefaultReadTimeout bounds one blocking read so a closed port is noticed.
	DefaultReadTimeout = 100 * time.Millisecond
)

// Config describes the serial line.
type Config struct {
	Path        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Port is an open serial line. Reads that time out return zero bytes and no
// error, which frame.Scanner tolerates.
type Port struct {
	serial.Port
	path string
}

// Open configures the line for M-Bus: 8 data bits, even parity, one stop bit.
func Open(cfg Config) (*Port, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("serial port path is empty")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Path, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("reset input of %s: %w", cfg.Path, err)
	}
	return &Port{Port: p, path: cfg.Path}, nil
}

// Path returns the device path the port was opened on.
func (p *Port) Path() string {
	return p.path
}

// List returns the serial ports present on the host, sorted by path.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
