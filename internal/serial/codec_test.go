package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/metrics"
)

// rxWire builds an RX-wire frame: ID(4) | PAYLOAD(0..8) inside the UART envelope.
func rxWire(id uint32, payload []byte) []byte {
	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data[:4], id&can.CAN_EFF_MASK)
	copy(data[4:], payload)
	return envelope(data)
}

func f(id uint32, data ...byte) can.Frame {
	fr, _ := can.New(id, data)
	return fr
}

func TestSerialCodec_Encode(t *testing.T) {
	got, err := Codec{}.Encode(f(0x10A, 0x02, 0x10, 0x02))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x2D, 0xD4, 10, 2, 0x83, 0x00, 0x00, 0x01, 0x0A, 0x02, 0x10, 0x02}
	sum := byte(0x2D)
	for _, b := range want[2:] {
		sum += b
	}
	want = append(want, sum)
	if !bytes.Equal(got, want) {
		t.Fatalf("encode\n got  % X\n want % X", got, want)
	}
}

func TestSerialCodec_EncodeRejectsLong(t *testing.T) {
	fr := can.Frame{Len: 9}
	if _, err := (Codec{}).Encode(fr); !errors.Is(err, can.ErrDataTooLong) {
		t.Fatalf("expected ErrDataTooLong, got %v", err)
	}
}

func TestSerialCodec_RoundTrip_Chunked(t *testing.T) {
	codec := Codec{}
	want := []can.Frame{
		f(0x0001E5A, 0x07, 0x62, 0xF1, 0xAD, 0x01, 0x02, 0x03, 0x04),
		f(0x0001F55, 0x02, 0x50, 0x02),
		f(0x0123456, 0x03, 0x7F, 0x34, 0x70),
		f(0x01ABCDE),
	}
	stream := make([]byte, 0, 256)
	for _, fr := range want {
		stream = append(stream, rxWire(fr.CANID, fr.Data[:fr.Len])...)
	}

	var buf bytes.Buffer
	got := make([]can.Frame, 0, len(want))
	// Feed in irregular small chunks to stress preamble alignment & partials.
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		buf.Write(stream[pos : pos+n])
		pos += n
		if err := codec.DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr.CopyShallow()) }); err != nil {
			t.Fatalf("DecodeStream error: %v", err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].CANID != want[i].CANID || !bytes.Equal(got[i].Payload(), want[i].Payload()) {
			t.Fatalf("frame %d mismatch: got id=0x%X % X want id=0x%X % X",
				i, got[i].CANID, got[i].Payload(), want[i].CANID, want[i].Payload())
		}
	}
}

// TestDecodeStreamMalformed ensures a corrupt checksum is counted and skipped.
func TestDecodeStreamMalformed(t *testing.T) {
	var buf bytes.Buffer
	before := metrics.Snap().Malformed
	bad := rxWire(0x1, []byte{0xAA})
	bad[len(bad)-1] ^= 0xFF
	buf.Write(bad)
	buf.Write(rxWire(0x2, []byte{0x01, 0x02, 0x03}))
	var got []can.Frame
	if err := (Codec{}).DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr) }); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	if after := metrics.Snap().Malformed; after <= before {
		t.Fatalf("expected malformed metric increment, before=%d after=%d", before, after)
	}
	if len(got) != 1 || got[0].ID() != 0x2 {
		t.Fatalf("expected resync onto the valid frame, got %+v", got)
	}
}
