package serial

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/metrics"
)

// Codec maps CAN frames to the USB-CAN adapter's UART envelope:
//
//	2D D4 LEN DATA... SUM
//
// LEN counts DATA plus the checksum byte; SUM = 0x2D + LEN + sum(DATA) mod 256.
// TX DATA is INS(1) FLAGS(1) ID(4, big-endian) PAYLOAD(0..8).
// RX DATA is ID(4, big-endian) PAYLOAD(0..8); RX frames are always extended.
type Codec struct{}

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt = 2    // CAN UART SEND WITH EXT ID
	flagDLC    = 0x80 // classic frame marker ORed with DLC

	minRxLn = 4 + 0 + 1 // ID + empty payload + checksum
	maxRxLn = 4 + can.MaxDataLen + 1
)

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps data in the UART preamble, length and checksum.
func envelope(data []byte) []byte {
	n := len(data)
	out := make([]byte, n+4)
	out[0], out[1] = pre0, pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range data {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode returns the UART bytes for one frame.
func (Codec) Encode(f can.Frame) ([]byte, error) {
	if f.Len > can.MaxDataLen {
		return nil, fmt.Errorf("serial encode: %w", can.ErrDataTooLong)
	}
	id := f.ID()
	data := make([]byte, 6+int(f.Len))
	data[0] = insSendExt
	data[1] = flagDLC | f.Len
	binary.BigEndian.PutUint32(data[2:6], id)
	copy(data[6:], f.Data[:f.Len])
	return envelope(data), nil
}

// DecodeStream consumes complete frames from in and emits them via out.
// Partial input is left in the buffer for the next call; garbage and
// corrupt envelopes are skipped one byte at a time and counted as malformed.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	header := []byte{pre0, pre1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case the next read starts with the second preamble byte
			last := data[len(data)-1]
			in.Reset()
			_ = in.WriteByte(last)
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minRxLn || ln > maxRxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return nil
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : total-1] {
			sum += uint(b)
		}
		if byte(sum) != data[total-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		payload := data[7 : total-1]
		var f can.Frame
		f.CANID = binary.BigEndian.Uint32(data[3:7])&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)
		out(f)
		metrics.IncSerialRx()
		in.Next(total)
	}
}
