package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/hub"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/serial"
	"github.com/kstaniek/go-uds-server/internal/transport"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// serialReader accumulates adapter bytes and decodes complete envelopes.
type serialReader struct {
	port  serial.Port
	codec serial.Codec
	buf   []byte
	acc   *bytes.Buffer
	emit  func(can.Frame)
}

func newSerialReader(p serial.Port, emit func(can.Frame)) *serialReader {
	return &serialReader{port: p, buf: make([]byte, serialReadBufSize), acc: bytes.NewBuffer(nil), emit: emit}
}

// read performs one port read. Bytes are decoded even when the read also
// reports an error.
func (r *serialReader) read() error {
	n, err := r.port.Read(r.buf)
	if n > 0 {
		r.acc.Write(r.buf[:n])
		_ = r.codec.DecodeStream(r.acc, r.emit)
		if r.acc.Len() == 0 && cap(r.acc.Bytes()) > largeBufferReclaimThreshold {
			r.acc = bytes.NewBuffer(nil)
		}
	}
	return err
}

// classifySerialErr treats a read timeout as idle and a path error as a
// removed device.
func classifySerialErr(err error) rxVerdict {
	var perr *os.PathError
	switch {
	case errors.As(err, &perr):
		return rxStop
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return rxIgnore
	default:
		return rxRetry
	}
}

// initSerialBackend sets up the serial adapter backend, launching the RX loop.
func initSerialBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (transport.SendFunc, func(), error) {
	scfg := serial.Config{Name: cfg.serialDev, Baud: cfg.baud, ReadTimeout: cfg.serialReadTO}
	sp, err := openWithRetry(ctx, cfg, l, "serial", func() (serial.Port, error) { return openSerialPort(scfg) })
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	w := serial.NewTXWriter(ctx, sp, serial.Codec{}, txQueueSize)
	rd := newSerialReader(sp, h.Broadcast)
	rxPump{
		backend:  "serial",
		errLabel: metrics.ErrSerialRead,
		read:     rd.read,
		classify: func(err error) rxVerdict {
			v := classifySerialErr(err)
			if v == rxStop {
				l.Error("serial_device_lost", "device", cfg.serialDev, "error", err)
			}
			return v
		},
	}.start(ctx, l, wg)
	return w.Send, func() { _ = sp.Close(); w.Close() }, nil
}
