package action

import (
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/session"
	"github.com/kstaniek/go-uds-server/internal/transport/transporttest"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

// fakeECU answers diagnostic requests the way the rig's ECUs do.
type fakeECU struct {
	mu        sync.Mutex
	version   []byte
	values    map[uint16][]byte
	dtcs      byte
	refuse    map[byte]uds.NRC
	silent    map[byte]bool
	discovery []byte
	badBSC    bool
	transfers [][]byte
}

func newECU() *fakeECU {
	return &fakeECU{
		version: []byte{0x01, 0x00},
		values:  map[uint16][]byte{},
		refuse:  map[byte]uds.NRC{},
		silent:  map[byte]bool{},
	}
}

func reply(payload ...byte) []can.Frame {
	return []can.Frame{transporttest.Frame(0x7E8, payload...)}
}

func (e *fakeECU) respond(sent can.Frame) []can.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := sent.Payload()
	if len(p) < 2 {
		return nil
	}
	sid := p[1]
	if e.silent[sid] {
		return nil
	}
	if nrc, ok := e.refuse[sid]; ok {
		return reply(0x03, 0x7F, sid, byte(nrc))
	}
	switch sid {
	case uds.SIDRequestIDs:
		return reply(append([]byte{byte(1 + len(e.discovery)), 0xD9}, e.discovery...)...)
	case uds.SIDReadDataByIdentifier:
		did := uint16(p[2])<<8 | uint16(p[3])
		v, ok := e.values[did]
		if did == 0xF1AD {
			v, ok = e.version, true
		}
		if !ok {
			return reply(0x03, 0x7F, sid, byte(uds.NRCRequestOutOfRange))
		}
		return reply(append([]byte{byte(3 + len(v)), 0x62, p[2], p[3]}, v...)...)
	case uds.SIDWriteDataByIdentifier:
		did := uint16(p[2])<<8 | uint16(p[3])
		e.values[did] = append([]byte(nil), p[4:]...)
		return reply(0x03, 0x6E, p[2], p[3])
	case uds.SIDSessionControl, uds.SIDECUReset:
		return reply(0x02, sid+0x40, p[2])
	case uds.SIDRequestDownload:
		return reply(0x04, 0x74, 0x20, 0x00, 0x05)
	case uds.SIDTransferData:
		e.transfers = append(e.transfers, append([]byte(nil), p[3:]...))
		bsc := p[2]
		if e.badBSC {
			bsc++
		}
		return reply(0x02, 0x76, bsc)
	case uds.SIDRequestTransferExit:
		return reply(0x01, 0x77, 0x00)
	case uds.SIDReadDTCInformation:
		return reply(0x06, 0x59, 0x01, 0xFF, 0x01, e.dtcs, 0x00)
	}
	return reply(0x03, 0x7F, sid, byte(uds.NRCServiceNotSupported))
}

func (e *fakeECU) transferred() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.transfers...)
}

// rig wires a fake ECU behind a scripted bus and a fast Runner.
func rig(t *testing.T, ecu *fakeECU, opts ...Option) (*Runner, *transporttest.Bus) {
	t.Helper()
	bus := &transporttest.Bus{Respond: ecu.respond}
	exec := session.New(nil, session.WithPollTimeout(2*time.Millisecond))
	base := []Option{
		WithExecutor(exec),
		WithRequestTimeout(40 * time.Millisecond),
		WithDiscoveryTimeout(40 * time.Millisecond),
		WithManualTimeout(40 * time.Millisecond),
		WithSettleDelay(0),
	}
	return NewRunner(bus.Opener(nil), append(base, opts...)...), bus
}

// sentSIDs lists the SID byte of every sent frame.
func sentSIDs(bus *transporttest.Bus) []byte {
	var out []byte
	for _, f := range bus.Sent() {
		if p := f.Payload(); len(p) > 1 {
			out = append(out, p[1])
		}
	}
	return out
}

func assertClosedOnce(t *testing.T, bus *transporttest.Bus) {
	t.Helper()
	if n := bus.Closes(); n != 1 {
		t.Fatalf("bus closed %d times, want 1", n)
	}
}
