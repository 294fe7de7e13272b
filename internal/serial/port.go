package serial

import (
	"errors"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Config selects the adapter device and line settings.
type Config struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration // bounds each Read so the RX loop can observe shutdown
}

// Open opens the USB-CAN adapter's serial device (8N1).
func Open(cfg Config) (Port, error) {
	if cfg.Name == "" {
		return nil, errors.New("serial: empty device name")
	}
	return serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
}
