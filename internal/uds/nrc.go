package uds

import "fmt"

// NRC is a negative response code.
type NRC byte

// Negative response codes.
const (
	NRCGeneralReject                         NRC = 0x10
	NRCServiceNotSupported                   NRC = 0x11
	NRCSubFunctionNotSupported               NRC = 0x12
	NRCIncorrectMessageLengthOrInvalidFormat NRC = 0x13
	NRCResponseTooLong                       NRC = 0x14
	NRCConditionsNotCorrect                  NRC = 0x22
	NRCRequestSequenceError                  NRC = 0x24
	NRCRequestOutOfRange                     NRC = 0x31
	NRCSecurityAccessDenied                  NRC = 0x33
	NRCInvalidKey                            NRC = 0x35
	NRCExceededNumberOfAttempts              NRC = 0x36
	NRCRequiredTimeDelayNotExpired           NRC = 0x37
	NRCUploadDownloadNotAccepted             NRC = 0x70
	NRCTransferDataSuspended                 NRC = 0x71
	NRCGeneralProgrammingFailure             NRC = 0x72
	NRCWrongBlockSequenceCounter             NRC = 0x73
	NRCResponsePending                       NRC = 0x78
	NRCSubFunctionNotSupportedInSession      NRC = 0x7E
	NRCServiceNotSupportedInSession          NRC = 0x7F
)

// UnknownNRC is the label for codes missing from the catalog.
const UnknownNRC = "Unknown error"

var nrcNames = map[NRC]string{
	NRCGeneralReject:                         "GeneralReject",
	NRCServiceNotSupported:                   "ServiceNotSupported",
	NRCSubFunctionNotSupported:               "SubFunctionNotSupported",
	NRCIncorrectMessageLengthOrInvalidFormat: "IncorrectMessageLengthOrInvalidFormat",
	NRCResponseTooLong:                       "ResponseTooLong",
	NRCConditionsNotCorrect:                  "ConditionsNotCorrect",
	NRCRequestSequenceError:                  "RequestSequenceError",
	NRCRequestOutOfRange:                     "RequestOutOfRange",
	NRCSecurityAccessDenied:                  "SecurityAccessDenied",
	NRCInvalidKey:                            "InvalidKey",
	NRCExceededNumberOfAttempts:              "ExceededNumberOfAttempts",
	NRCRequiredTimeDelayNotExpired:           "RequiredTimeDelayNotExpired",
	NRCUploadDownloadNotAccepted:             "UploadDownloadNotAccepted",
	NRCTransferDataSuspended:                 "TransferDataSuspended",
	NRCGeneralProgrammingFailure:             "GeneralProgrammingFailure",
	NRCWrongBlockSequenceCounter:             "WrongBlockSequenceCounter",
	NRCResponsePending:                       "RequestCorrectlyReceivedResponsePending",
	NRCSubFunctionNotSupportedInSession:      "SubFunctionNotSupportedInActiveSession",
	NRCServiceNotSupportedInSession:          "ServiceNotSupportedInActiveSession",
}

// Interpret returns the catalog label for code, or UnknownNRC.
func Interpret(code NRC) string {
	if s, ok := nrcNames[code]; ok {
		return s
	}
	return UnknownNRC
}

// Known reports whether code is catalogued.
func (n NRC) Known() bool { _, ok := nrcNames[n]; return ok }

func (n NRC) String() string { return Interpret(n) }

// Label is the bounded metric label for n.
func (n NRC) Label() string { return fmt.Sprintf("0x%02X", byte(n)) }
