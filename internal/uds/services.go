package uds

import (
	"fmt"
)

// Service identifiers.
const (
	SIDSessionControl        byte = 0x10
	SIDECUReset              byte = 0x11
	SIDReadDTCInformation    byte = 0x19
	SIDReadDataByIdentifier  byte = 0x22
	SIDWriteDataByIdentifier byte = 0x2E
	SIDRequestDownload       byte = 0x34
	SIDTransferData          byte = 0x36
	SIDRequestTransferExit   byte = 0x37
	// SIDRequestIDs is the vendor broadcast asking every ECU behind the MCU to
	// report itself. Wire form is [0x01, 0x99]; the reply carries 0xD9.
	SIDRequestIDs byte = 0x99

	NegativeResponseSID byte = 0x7F
	positiveOffset      byte = 0x40
)

// Session types for SessionControl.
const (
	SessionDefault     byte = 0x01
	SessionProgramming byte = 0x02
)

// ResetHard is the ECUReset hard reset type.
const ResetHard byte = 0x01

// ReadDTC report type and status mask used to count stored DTCs.
const (
	ReportNumberOfDTCByStatusMask byte = 0x01
	DTCStatusTestFailed           byte = 0x01
)

// MaxTransferChunk is the largest TransferData record fitting a single frame:
// PCI + SID + counter + 5 data bytes.
const MaxTransferChunk = 5

// PositiveSID returns the response SID a positive reply to sid carries.
func PositiveSID(sid byte) byte { return sid + positiveOffset }

var serviceNames = map[byte]string{
	SIDSessionControl:        "session_control",
	SIDECUReset:              "ecu_reset",
	SIDReadDTCInformation:    "read_dtc_information",
	SIDReadDataByIdentifier:  "read_data_by_identifier",
	SIDWriteDataByIdentifier: "write_data_by_identifier",
	SIDRequestDownload:       "request_download",
	SIDTransferData:          "transfer_data",
	SIDRequestTransferExit:   "request_transfer_exit",
	SIDRequestIDs:            "request_ids",
}

// ServiceName returns a stable snake_case name for sid, suitable as a metric label.
func ServiceName(sid byte) string {
	if n, ok := serviceNames[sid]; ok {
		return n
	}
	return "other"
}

func sub(b byte) Request { return Request{HasSub: true, Sub: b} }

// SessionControl builds a DiagnosticSessionControl request.
func SessionControl(sessionType byte) Request {
	r := sub(sessionType)
	r.SID = SIDSessionControl
	return r
}

// ECUReset builds an ECUReset request.
func ECUReset(resetType byte) Request {
	r := sub(resetType)
	r.SID = SIDECUReset
	return r
}

// ReadDTCInformation builds a ReadDTCInformation request.
func ReadDTCInformation(reportType, statusMask byte) Request {
	r := sub(reportType)
	r.SID = SIDReadDTCInformation
	r.Params = []byte{statusMask}
	return r
}

// ReadDataByIdentifier builds a ReadDataByIdentifier request for one identifier.
func ReadDataByIdentifier(id uint16) Request {
	return Request{SID: SIDReadDataByIdentifier, Params: []byte{byte(id >> 8), byte(id)}}
}

// WriteDataByIdentifier builds a WriteDataByIdentifier request. The value must
// fit a single frame (at most 4 bytes); Encode enforces it.
func WriteDataByIdentifier(id uint16, value []byte) Request {
	p := make([]byte, 0, 2+len(value))
	p = append(p, byte(id>>8), byte(id))
	p = append(p, value...)
	return Request{SID: SIDWriteDataByIdentifier, Params: p}
}

// RequestDownload builds a RequestDownload request. addrLen and sizeLen are
// the byte widths of the memory address and size fields.
func RequestDownload(dataFormat byte, address uint64, addrLen int, size uint64, sizeLen int) (Request, error) {
	alfid, err := buildALFID(addrLen, sizeLen)
	if err != nil {
		return Request{}, err
	}
	addr, err := encodeUint(address, addrLen)
	if err != nil {
		return Request{}, fmt.Errorf("address: %w", err)
	}
	sz, err := encodeUint(size, sizeLen)
	if err != nil {
		return Request{}, fmt.Errorf("size: %w", err)
	}
	p := make([]byte, 0, 2+len(addr)+len(sz))
	p = append(p, dataFormat, alfid)
	p = append(p, addr...)
	p = append(p, sz...)
	return Request{SID: SIDRequestDownload, Params: p}, nil
}

// TransferData builds one TransferData block.
func TransferData(bsc byte, chunk []byte) (Request, error) {
	if len(chunk) > MaxTransferChunk {
		return Request{}, fmt.Errorf("%w: transfer chunk %d > %d", ErrFrameTooLong, len(chunk), MaxTransferChunk)
	}
	r := sub(bsc)
	r.SID = SIDTransferData
	r.Params = append([]byte(nil), chunk...)
	return r, nil
}

// RequestTransferExit builds a RequestTransferExit request.
func RequestTransferExit() Request { return Request{SID: SIDRequestTransferExit} }

// RequestIDs builds the ECU identification broadcast.
func RequestIDs() Request { return Request{SID: SIDRequestIDs} }

// buildALFID packs the addressAndLengthFormatIdentifier: size width in the
// high nibble, address width in the low nibble.
func buildALFID(addrLen, sizeLen int) (byte, error) {
	if addrLen < 1 || addrLen > 4 {
		return 0, fmt.Errorf("address length must be 1..4, got %d", addrLen)
	}
	if sizeLen < 1 || sizeLen > 4 {
		return 0, fmt.Errorf("size length must be 1..4, got %d", sizeLen)
	}
	return byte(sizeLen<<4 | addrLen), nil
}

func encodeUint(value uint64, length int) ([]byte, error) {
	if length < 8 && value>>(8*length) != 0 {
		return nil, fmt.Errorf("value 0x%X does not fit in %d bytes", value, length)
	}
	out := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		out[i] = byte(value)
		value >>= 8
	}
	return out, nil
}
