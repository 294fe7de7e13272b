package uds

import (
	"errors"
	"fmt"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrNegativeResponse  = errors.New("negative response")
	ErrNoResponse        = errors.New("no response received within timeout")
	ErrMalformedResponse = errors.New("invalid response length")
	ErrUnexpectedReply   = errors.New("unexpected response")
	ErrTransport         = errors.New("transport")
	ErrAddressOutOfRange = errors.New("arbitration id out of range")
	ErrFrameTooLong      = errors.New("request exceeds single frame")
)

// NegativeResponseError reports an ECU refusal of a request.
type NegativeResponseError struct {
	SID byte // echoed request SID
	NRC NRC
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response to %s (0x%02X): %s (0x%02X)",
		ServiceName(e.SID), e.SID, Interpret(e.NRC), byte(e.NRC))
}

// Message is the interpreted fault text reported at the API boundary.
func (e *NegativeResponseError) Message() string { return Interpret(e.NRC) }

func (e *NegativeResponseError) Is(target error) bool { return target == ErrNegativeResponse }
