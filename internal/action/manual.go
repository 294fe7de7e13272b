package action

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

// maxManualID bounds ids accepted from manual input.
const maxManualID = 0xFFFF

// ParseManualFrame validates a hex CAN id and one to eight comma-separated hex bytes.
func ParseManualFrame(canID, canData string) (can.Frame, error) {
	idStr := strings.TrimSpace(canID)
	idStr = strings.TrimPrefix(strings.TrimPrefix(idStr, "0x"), "0X")
	if idStr == "" {
		return can.Frame{}, invalid("can_id", "required")
	}
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return can.Frame{}, invalid("can_id", "not a hex number: %q", canID)
	}
	if id > maxManualID {
		return can.Frame{}, invalid("can_id", "0x%X exceeds 0x%X", id, maxManualID)
	}
	s := strings.TrimSpace(canData)
	if s == "" {
		return can.Frame{}, invalid("can_data", "required")
	}
	parts := strings.Split(s, ",")
	if len(parts) > can.MaxDataLen {
		return can.Frame{}, invalid("can_data", "%d bytes exceeds %d", len(parts), can.MaxDataLen)
	}
	data := make([]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(strings.TrimPrefix(p, "0x"), "0X")
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return can.Frame{}, invalid("can_data", "bad byte %q", p)
		}
		data = append(data, byte(b))
	}
	return can.New(uint32(id), data)
}

// SendManual transmits a hand-built frame and waits for the next frame on the
// bus. A negative reply is interpreted; any other reply is returned verbatim.
func (r *Runner) SendManual(ctx context.Context, canID, canData string) ManualResult {
	res := r.sendManual(ctx, canID, canData)
	r.publish(ctx, "send_frame", res)
	return res
}

func (r *Runner) sendManual(ctx context.Context, canID, canData string) ManualResult {
	var res ManualResult
	f, err := ParseManualFrame(canID, canData)
	if err != nil {
		res.Result = r.outcome("send_frame", err)
		return res
	}
	bus, err := r.acquire(ctx)
	if err != nil {
		res.Result = r.outcome("send_frame", err)
		return res
	}
	defer r.release(bus)

	r.logger.Info("manual_frame", "id", fmt.Sprintf("0x%X", f.ID()), "data", fmt.Sprintf("% X", f.Payload()))
	if err := bus.Send(ctx, f); err != nil {
		res.Result = r.outcome("send_frame", fmt.Errorf("%w: %w", uds.ErrTransport, err))
		return res
	}
	resp, err := r.exec.AwaitMatching(ctx, bus, func(uds.Response) bool { return true }, r.manualTimeout)
	if errors.Is(err, uds.ErrMalformedResponse) {
		// short frames are valid raw replies here
		err = nil
	}
	res.Result = r.outcome("send_frame", err)
	if resp.Kind != uds.NoResponse {
		res.Response = viewFrame(resp)
	}
	return res
}

func viewFrame(r uds.Response) *FrameView {
	v := &FrameView{CANID: fmt.Sprintf("0x%x", r.ID), Data: make([]string, len(r.Raw))}
	for i, b := range r.Raw {
		v.Data[i] = fmt.Sprintf("0x%02x", b)
	}
	return v
}
