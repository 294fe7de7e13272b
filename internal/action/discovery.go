package action

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-uds-server/internal/uds"
)

// discoveryReplySID is the positive answer to the identification broadcast.
const discoveryReplySID = 0xD9

func isDiscoveryReply(r uds.Response) bool {
	switch r.Kind {
	case uds.Positive:
		return r.SID == discoveryReplySID
	case uds.Negative, uds.Malformed:
		return true
	default:
		return false
	}
}

// Discover broadcasts the identification request and reports the first
// answering MCU with the ECUs behind it.
func (r *Runner) Discover(ctx context.Context) DiscoveryResult {
	res := r.discover(ctx)
	r.logger.Info("discovery_result", "status", res.Status, "mcu_id", res.MCUID, "ecu_ids", res.ECUIDs)
	r.publish(ctx, "request_ids", res)
	return res
}

func (r *Runner) discover(ctx context.Context) DiscoveryResult {
	res := DiscoveryResult{ECUIDs: []string{}}
	bus, err := r.acquire(ctx)
	if err != nil {
		res.Result = r.outcome("request_ids", err)
		return res
	}
	defer r.release(bus)

	a := uds.Address{Tester: r.discoveryTesterID}
	if err := r.exec.Send(ctx, bus, a, uds.RequestIDs()); err != nil {
		res.Result = r.outcome("request_ids", err)
		return res
	}
	resp, err := r.exec.AwaitMatching(ctx, bus, isDiscoveryReply, r.discoveryTimeout)
	res.Result = r.outcome("request_ids", err)
	if err != nil {
		if res.Kind == Malformed {
			res.Status = StatusInvalidLength
		}
		return res
	}
	res.MCUID = fmt.Sprintf("%02X", resp.Data[0])
	for _, b := range resp.Data[1:] {
		res.ECUIDs = append(res.ECUIDs, fmt.Sprintf("%02X", b))
	}
	return res
}
