package action

import (
	"errors"
	"time"

	"github.com/kstaniek/go-uds-server/internal/uds"
)

// Kind tags the outcome of an action.
type Kind int

const (
	Success Kind = iota
	AlreadyInstalled
	Negative
	NoResponse
	Malformed
	Invalid
	Fault
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case AlreadyInstalled:
		return "already_installed"
	case Negative:
		return "negative"
	case NoResponse:
		return "no_response"
	case Malformed:
		return "malformed"
	case Invalid:
		return "invalid"
	default:
		return "fault"
	}
}

// Status strings reported to clients.
const (
	StatusSuccess          = "Success"
	StatusPartial          = "Partial"
	StatusError            = "Error"
	StatusNoResponse       = "No response received within timeout"
	StatusInvalidLength    = "Invalid response length"
	StatusDownloaded       = "downloaded"
	StatusAlreadyInstalled = "already installed"
)

// Result is the tagged outcome shared by every action.
type Result struct {
	Kind      Kind      `json:"-"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"time_stamp"`
}

// DiscoveryResult lists the ECUs behind the MCU.
type DiscoveryResult struct {
	Result
	MCUID  string   `json:"mcu_id,omitempty"`
	ECUIDs []string `json:"ecu_ids"`
}

// UpdateResult reports a firmware update.
type UpdateResult struct {
	Result
	Errors int    `json:"errors"`
	Phase  string `json:"phase,omitempty"`
	Blocks int    `json:"blocks"`
}

// FieldResult is one identifier of a batch: a hex value or an error.
type FieldResult struct {
	ID    string `json:"id"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// BatchResult aggregates per-identifier results.
type BatchResult struct {
	Result
	Fields map[string]FieldResult `json:"fields"`
}

// FrameView renders a received frame for clients.
type FrameView struct {
	CANID string   `json:"can_id"`
	Data  []string `json:"can_data"`
}

// ManualResult is the reply to a manually sent frame; Response is nil when
// nothing answered.
type ManualResult struct {
	Result
	Response *FrameView `json:"response"`
}

// classify maps an error from the protocol layers onto a Result.
func classify(err error) Result {
	var nre *uds.NegativeResponseError
	var ve *ValidationError
	switch {
	case err == nil:
		return Result{Kind: Success, Status: StatusSuccess}
	case errors.As(err, &ve):
		return Result{Kind: Invalid, Status: StatusError, Message: ve.Reason}
	case errors.As(err, &nre):
		return Result{Kind: Negative, Status: StatusError, Message: nre.Message()}
	case errors.Is(err, uds.ErrNoResponse):
		return Result{Kind: NoResponse, Status: StatusNoResponse, Message: StatusNoResponse}
	case errors.Is(err, uds.ErrMalformedResponse):
		return Result{Kind: Malformed, Status: StatusError, Message: StatusInvalidLength}
	case errors.Is(err, uds.ErrUnexpectedReply):
		return Result{Kind: Malformed, Status: StatusError, Message: "Unexpected response"}
	default:
		return Result{Kind: Fault, Status: StatusError, Message: "internal error"}
	}
}
