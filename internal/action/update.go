package action

import (
	"context"
	"fmt"
	"time"

	"github.com/kstaniek/go-uds-server/internal/catalog"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/transport"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

// Update phases, in order.
const (
	PhaseVerifyVersion       = "verify_version"
	PhaseProgrammingSession  = "enter_programming_session"
	PhaseRequestDownload     = "request_download"
	PhaseTransferData        = "transfer_data"
	PhaseRequestTransferExit = "request_transfer_exit"
	PhaseDefaultSession      = "return_to_default_session"
	PhaseResetECU            = "reset_ecu"
	PhasePostResetSettle     = "post_reset_settle"
	PhaseCheckErrors         = "check_errors"
)

// RequestDownload parameters used by the rig's bootloader.
const (
	downloadDataFormat byte = 0x01
	downloadAddress         = 0x01
	downloadAddressLen      = 1
	downloadMaxSize         = 0xFFFF
	downloadSizeLen         = 2
)

// Progress is reported at every phase start and after every transfer block.
type Progress struct {
	Phase  string
	Block  int
	Blocks int
	Final  bool
}

// ProgressFunc observes an update.
type ProgressFunc func(Progress)

// UpdateRequest asks for ecu to be brought to Version using Payload.
type UpdateRequest struct {
	ECU     uint32
	Version string
	Payload []byte
}

// sleepFn waits for d or until ctx is done. Swapped in tests.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// block is one TransferData record.
type block struct {
	bsc   byte
	data  []byte
	final bool
}

// planBlocks splits payload into chunks of at most uds.MaxTransferChunk bytes.
// The counter starts at 1 and wraps from 0xFF to 0x01. An empty payload
// yields a single empty final block.
func planBlocks(payload []byte) []block {
	n := (len(payload) + uds.MaxTransferChunk - 1) / uds.MaxTransferChunk
	if n == 0 {
		return []block{{bsc: 1, final: true}}
	}
	out := make([]block, 0, n)
	bsc := byte(1)
	for off := 0; off < len(payload); off += uds.MaxTransferChunk {
		end := min(off+uds.MaxTransferChunk, len(payload))
		out = append(out, block{bsc: bsc, data: payload[off:end], final: end == len(payload)})
		if bsc == 0xFF {
			bsc = 1
		} else {
			bsc++
		}
	}
	return out
}

// Update runs the firmware update sequence. An ECU already at the target
// version ends early with Kind AlreadyInstalled and nothing is flashed.
func (r *Runner) Update(ctx context.Context, req UpdateRequest) UpdateResult {
	res := r.update(ctx, req)
	label := "failed"
	switch res.Kind {
	case Success:
		label = "downloaded"
	case AlreadyInstalled:
		label = "already_installed"
	}
	metrics.IncUpdate(label)
	r.logger.Info("update_result", "ecu", fmt.Sprintf("0x%02X", req.ECU), "status", res.Status, "phase", res.Phase, "errors", res.Errors)
	r.publish(ctx, "update_to_version", res)
	return res
}

// updateSession is the per-call state of one update.
type updateSession struct {
	addr    uds.Address
	version string
	payload []byte
	phase   string
	blocks  int
}

func (r *Runner) update(ctx context.Context, req UpdateRequest) UpdateResult {
	if req.Version == "" {
		return UpdateResult{Result: r.outcome("update", invalid("version", "required"))}
	}
	s := &updateSession{
		addr:    r.Address(req.ECU),
		version: req.Version,
		payload: append([]byte{}, req.Payload...),
	}
	if _, err := r.exec.Codec().Combine(s.addr); err != nil {
		return UpdateResult{Result: r.outcome("update", invalid("ecu_id", "%v", err))}
	}
	bus, err := r.acquire(ctx)
	if err != nil {
		return UpdateResult{Result: r.outcome("update", err)}
	}
	defer r.release(bus)

	installed, err := r.verifyVersion(ctx, bus, s)
	if err != nil {
		return r.updateFailed(s, err)
	}
	if installed {
		return UpdateResult{Result: Result{Kind: AlreadyInstalled, Status: StatusAlreadyInstalled, Timestamp: time.Now()}}
	}

	download, err := uds.RequestDownload(downloadDataFormat, downloadAddress, downloadAddressLen, downloadMaxSize, downloadSizeLen)
	if err != nil {
		return r.updateFailed(s, err)
	}
	steps := []struct {
		phase string
		run   func() error
	}{
		{PhaseProgrammingSession, r.request(ctx, bus, s, uds.SessionControl(uds.SessionProgramming))},
		{PhaseRequestDownload, r.request(ctx, bus, s, download)},
		{PhaseTransferData, func() error { return r.transfer(ctx, bus, s) }},
		{PhaseRequestTransferExit, r.request(ctx, bus, s, uds.RequestTransferExit())},
		{PhaseDefaultSession, r.request(ctx, bus, s, uds.SessionControl(uds.SessionDefault))},
		{PhaseResetECU, r.request(ctx, bus, s, uds.ECUReset(uds.ResetHard))},
	}
	for _, st := range steps {
		r.enter(s, st.phase)
		if err := st.run(); err != nil {
			return r.updateFailed(s, err)
		}
	}

	r.enter(s, PhasePostResetSettle)
	if err := sleepFn(ctx, r.settleDelay); err != nil {
		return r.updateFailed(s, err)
	}

	r.enter(s, PhaseCheckErrors)
	count, err := r.countDTCs(ctx, bus, s.addr)
	if err != nil {
		return r.updateFailed(s, err)
	}
	r.logger.Info("update_dtc_count", "ecu", fmt.Sprintf("0x%02X", s.addr.ECU), "errors", count)
	return UpdateResult{
		Result: Result{Kind: Success, Status: StatusDownloaded, Timestamp: time.Now()},
		Errors: count,
		Blocks: s.blocks,
	}
}

// request returns a step sending q and requiring a positive answer.
func (r *Runner) request(ctx context.Context, bus transport.Bus, s *updateSession, q uds.Request) func() error {
	return func() error {
		resp, err := r.exec.Execute(ctx, bus, s.addr, q, r.requestTimeout)
		if err != nil {
			return err
		}
		return positive(resp)
	}
}

func (r *Runner) enter(s *updateSession, phase string) {
	s.phase = phase
	r.logger.Info("update_phase", "ecu", fmt.Sprintf("0x%02X", s.addr.ECU), "phase", phase)
	if r.progress != nil {
		r.progress(Progress{Phase: phase})
	}
}

func (r *Runner) updateFailed(s *updateSession, err error) UpdateResult {
	r.logger.Warn("update_failed", "ecu", fmt.Sprintf("0x%02X", s.addr.ECU), "phase", s.phase, "error", err)
	return UpdateResult{Result: r.outcome("update", err), Phase: s.phase, Blocks: s.blocks}
}

func (r *Runner) verifyVersion(ctx context.Context, bus transport.Bus, s *updateSession) (bool, error) {
	r.enter(s, PhaseVerifyVersion)
	current, err := r.readID(ctx, bus, s.addr, catalog.FlashSoftwareVersion)
	if err != nil {
		return false, err
	}
	match := versionMatches(current, s.version)
	r.logger.Info("update_version", "current", fmt.Sprintf("% X", current), "target", s.version, "installed", match)
	return match, nil
}

func (r *Runner) transfer(ctx context.Context, bus transport.Bus, s *updateSession) error {
	blocks := planBlocks(s.payload)
	for i, b := range blocks {
		q, err := uds.TransferData(b.bsc, b.data)
		if err != nil {
			return err
		}
		resp, err := r.exec.Execute(ctx, bus, s.addr, q, r.requestTimeout)
		if err != nil {
			return err
		}
		if err := positive(resp); err != nil {
			return err
		}
		if resp.Data[0] != b.bsc {
			return fmt.Errorf("%w: block counter 0x%02X, want 0x%02X", uds.ErrUnexpectedReply, resp.Data[0], b.bsc)
		}
		s.blocks++
		if r.progress != nil {
			r.progress(Progress{Phase: PhaseTransferData, Block: i + 1, Blocks: len(blocks), Final: b.final})
		}
	}
	return nil
}

// countDTCs reads the number of stored DTCs from byte 5 of the reply.
func (r *Runner) countDTCs(ctx context.Context, bus transport.Bus, a uds.Address) (int, error) {
	resp, err := r.exec.Execute(ctx, bus, a, uds.ReadDTCInformation(uds.ReportNumberOfDTCByStatusMask, uds.DTCStatusTestFailed), r.requestTimeout)
	if err != nil {
		return 0, err
	}
	if err := positive(resp); err != nil {
		return 0, err
	}
	if len(resp.Raw) < 6 {
		return 0, fmt.Errorf("%w: % X", uds.ErrMalformedResponse, resp.Raw)
	}
	return int(resp.Raw[5]), nil
}
