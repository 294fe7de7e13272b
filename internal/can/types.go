package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload ceiling.
const MaxDataLen = 8

// ErrDataTooLong is returned when a payload exceeds MaxDataLen.
var ErrDataTooLong = errors.New("can: payload exceeds 8 bytes")

// Frame is a classic CAN frame used across the service.
// can_id contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxDataLen]byte
}

// New builds an extended-id frame from an arbitration id and payload.
func New(id uint32, data []byte) (Frame, error) {
	var f Frame
	if len(data) > MaxDataLen {
		return f, fmt.Errorf("%w (%d)", ErrDataTooLong, len(data))
	}
	f.CANID = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f, nil
}

// ID returns the arbitration id without flag bits.
func (f Frame) ID() uint32 {
	if f.CANID&CAN_EFF_FLAG != 0 {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns a copy of the valid data bytes.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len = f.CANID, f.Len
	copy(g.Data[:], f.Data[:])
	return g
}
