package uds

import (
	"fmt"

	"github.com/kstaniek/go-uds-server/internal/can"
)

// Address names the tester and target ECU of an exchange.
type Address struct {
	Tester uint32
	ECU    uint32
}

// Request is a diagnostic request before framing.
type Request struct {
	SID    byte
	HasSub bool
	Sub    byte
	Params []byte
}

// Body returns [SID, sub?, params...].
func (r Request) Body() []byte {
	b := make([]byte, 0, 2+len(r.Params))
	b = append(b, r.SID)
	if r.HasSub {
		b = append(b, r.Sub)
	}
	return append(b, r.Params...)
}

// Kind classifies a decoded response.
type Kind int

const (
	NoResponse Kind = iota
	Positive
	Negative
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	case Malformed:
		return "malformed"
	default:
		return "no_response"
	}
}

// Response is a classified diagnostic response.
//
// For Positive, SID is the response SID (request+0x40) and Data is payload[2:].
// For Negative, SID is the echoed request SID and NRC is set.
type Response struct {
	Kind Kind
	ID   uint32
	SID  byte
	Data []byte
	NRC  NRC
	Raw  []byte
}

// Answers reports whether r belongs to an exchange for request SID sid sent
// on arbitration id id. A short frame carries no SID, so it is claimed only
// when it arrives on id; short frames from other nodes are left alone.
func (r Response) Answers(sid byte, id uint32) bool {
	switch r.Kind {
	case Positive:
		return r.SID == PositiveSID(sid)
	case Negative:
		return r.SID == sid
	case Malformed:
		return r.ID == id
	default:
		return false
	}
}

// Err converts a non-positive response into the matching error.
func (r Response) Err() error {
	switch r.Kind {
	case Positive:
		return nil
	case Negative:
		return &NegativeResponseError{SID: r.SID, NRC: r.NRC}
	case Malformed:
		return fmt.Errorf("%w: % X", ErrMalformedResponse, r.Raw)
	default:
		return ErrNoResponse
	}
}

// Codec frames requests and classifies responses. The zero value bounds
// arbitration ids to the 29-bit extended range.
type Codec struct {
	maxID uint32
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxArbitrationID sets the upper bound for combined arbitration ids.
func WithMaxArbitrationID(max uint32) Option {
	return func(c *Codec) {
		if max > 0 {
			c.maxID = max
		}
	}
}

// NewCodec returns a Codec with options applied.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{maxID: can.CAN_EFF_MASK}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MaxID returns the configured arbitration id bound.
func (c *Codec) MaxID() uint32 {
	if c == nil || c.maxID == 0 {
		return can.CAN_EFF_MASK
	}
	return c.maxID
}

// Combine returns tester+ecu, rejecting results above the bound.
func (c *Codec) Combine(a Address) (uint32, error) {
	sum := uint64(a.Tester) + uint64(a.ECU)
	if sum > uint64(c.MaxID()) {
		return 0, fmt.Errorf("%w: 0x%X+0x%X > 0x%X", ErrAddressOutOfRange, a.Tester, a.ECU, c.MaxID())
	}
	return uint32(sum), nil
}

// Encode frames r for a: [PCI, SID, sub?, params...].
func (c *Codec) Encode(a Address, r Request) (can.Frame, error) {
	id, err := c.Combine(a)
	if err != nil {
		return can.Frame{}, err
	}
	body := r.Body()
	if 1+len(body) > can.MaxDataLen {
		return can.Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, 1+len(body))
	}
	payload := make([]byte, 0, 1+len(body))
	payload = append(payload, byte(len(body)))
	payload = append(payload, body...)
	return can.New(id, payload)
}

// Decode classifies a received frame.
func (c *Codec) Decode(f can.Frame) Response {
	r := DecodePayload(f.Payload())
	r.ID = f.ID()
	return r
}

// DecodePayload classifies a raw payload. Fewer than 3 bytes is always
// Malformed; byte[1]==0x7F is always Negative.
func DecodePayload(p []byte) Response {
	raw := append([]byte(nil), p...)
	if len(raw) < 3 {
		return Response{Kind: Malformed, Raw: raw}
	}
	if raw[1] == NegativeResponseSID {
		r := Response{Kind: Negative, SID: raw[2], Raw: raw}
		if len(raw) > 3 {
			r.NRC = NRC(raw[3])
		}
		return r
	}
	return Response{Kind: Positive, SID: raw[1], Data: raw[2:], Raw: raw}
}
