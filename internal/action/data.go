package action

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kstaniek/go-uds-server/internal/catalog"
	"github.com/kstaniek/go-uds-server/internal/transport"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

// maxWriteValue is the largest value WriteDataByIdentifier fits in one frame.
const maxWriteValue = 4

// ReadByIdentifier reads the raw value of one data identifier.
func (r *Runner) ReadByIdentifier(ctx context.Context, a uds.Address, id uint16) ([]byte, error) {
	bus, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.release(bus)
	return r.readID(ctx, bus, a, id)
}

// WriteByIdentifier writes value to one data identifier.
func (r *Runner) WriteByIdentifier(ctx context.Context, a uds.Address, id uint16, value []byte) error {
	if len(value) == 0 || len(value) > maxWriteValue {
		return invalid("value", "must be 1..%d bytes, got %d", maxWriteValue, len(value))
	}
	bus, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer r.release(bus)
	return r.writeID(ctx, bus, a, id, value)
}

func (r *Runner) readID(ctx context.Context, bus transport.Bus, a uds.Address, id uint16) ([]byte, error) {
	resp, err := r.exec.Execute(ctx, bus, a, uds.ReadDataByIdentifier(id), r.requestTimeout)
	if err != nil {
		return nil, err
	}
	if err := checkEcho(resp, id); err != nil {
		return nil, err
	}
	return append([]byte(nil), resp.Data[2:]...), nil
}

func (r *Runner) writeID(ctx context.Context, bus transport.Bus, a uds.Address, id uint16, value []byte) error {
	resp, err := r.exec.Execute(ctx, bus, a, uds.WriteDataByIdentifier(id, value), r.requestTimeout)
	if err != nil {
		return err
	}
	return checkEcho(resp, id)
}

// positive rejects answers the executor let through as tolerated negatives.
func positive(resp uds.Response) error {
	if resp.Kind != uds.Positive {
		return resp.Err()
	}
	return nil
}

// checkEcho verifies the identifier echoed after the response SID.
func checkEcho(resp uds.Response, id uint16) error {
	if err := positive(resp); err != nil {
		return err
	}
	if len(resp.Data) < 2 {
		return fmt.Errorf("%w: % X", uds.ErrMalformedResponse, resp.Raw)
	}
	if got := uint16(resp.Data[0])<<8 | uint16(resp.Data[1]); got != id {
		return fmt.Errorf("%w: identifier 0x%04X, want 0x%04X", uds.ErrUnexpectedReply, got, id)
	}
	return nil
}

// ReadGroup reads every catalog identifier of group. A failing identifier is
// recorded in its field; only transport faults abort the batch.
func (r *Runner) ReadGroup(ctx context.Context, a uds.Address, group string) BatchResult {
	res := r.readGroup(ctx, a, group)
	r.publish(ctx, "read_info_"+group, res)
	return res
}

func (r *Runner) readGroup(ctx context.Context, a uds.Address, group string) BatchResult {
	res := BatchResult{Fields: map[string]FieldResult{}}
	ids := catalog.Group(group)
	if len(ids) == 0 {
		res.Result = r.outcome("read_info", invalid("group", "unknown group %q", group))
		return res
	}
	bus, err := r.acquire(ctx)
	if err != nil {
		res.Result = r.outcome("read_info", err)
		return res
	}
	defer r.release(bus)

	var lastErr error
	failed := 0
	for _, id := range ids {
		f := FieldResult{ID: fmt.Sprintf("0x%04X", id.ID)}
		v, err := r.readID(ctx, bus, a, id.ID)
		if err != nil {
			if errors.Is(err, uds.ErrTransport) {
				res.Result = r.outcome("read_info", err)
				return res
			}
			f.Error = classify(err).Message
			failed++
			lastErr = err
		} else {
			f.Value = strings.ToUpper(hex.EncodeToString(v))
		}
		res.Fields[id.Name] = f
	}
	res.Result = batchOutcome(failed, len(ids), lastErr)
	return res
}

// WriteGroup writes hex values to named identifiers of group. Every name and
// value is validated before the bus is opened.
func (r *Runner) WriteGroup(ctx context.Context, a uds.Address, group string, values map[string]string) BatchResult {
	res := r.writeGroup(ctx, a, group, values)
	r.publish(ctx, "write_info_"+group, res)
	return res
}

type pendingWrite struct {
	name  string
	id    catalog.Identifier
	value []byte
}

func (r *Runner) writeGroup(ctx context.Context, a uds.Address, group string, values map[string]string) BatchResult {
	res := BatchResult{Fields: map[string]FieldResult{}}
	writes, err := planWrites(group, values)
	if err != nil {
		res.Result = r.outcome("write_info", err)
		return res
	}
	bus, err := r.acquire(ctx)
	if err != nil {
		res.Result = r.outcome("write_info", err)
		return res
	}
	defer r.release(bus)

	var lastErr error
	failed := 0
	for _, w := range writes {
		f := FieldResult{ID: fmt.Sprintf("0x%04X", w.id.ID), Value: strings.ToUpper(hex.EncodeToString(w.value))}
		if err := r.writeID(ctx, bus, a, w.id.ID, w.value); err != nil {
			if errors.Is(err, uds.ErrTransport) {
				res.Result = r.outcome("write_info", err)
				return res
			}
			f.Error = classify(err).Message
			failed++
			lastErr = err
		}
		res.Fields[w.name] = f
	}
	res.Result = batchOutcome(failed, len(writes), lastErr)
	return res
}

func planWrites(group string, values map[string]string) ([]pendingWrite, error) {
	if len(values) == 0 {
		return nil, invalid("", "no fields to write")
	}
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]pendingWrite, 0, len(names))
	for _, n := range names {
		id, ok := catalog.Lookup(group, n)
		if !ok {
			return nil, invalid(n, "unknown %s field", group)
		}
		if !id.Writable {
			return nil, invalid(n, "field is read-only")
		}
		v, err := parseHexValue(values[n])
		if err != nil {
			return nil, invalid(n, "%v", err)
		}
		if len(v) > maxWriteValue {
			return nil, invalid(n, "value longer than %d bytes", maxWriteValue)
		}
		out = append(out, pendingWrite{name: n, id: id, value: v})
	}
	return out, nil
}

// parseHexValue accepts "0x1A2B", "1a2b" or "1A,2B".
func parseHexValue(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(",", "", " ", "").Replace(s)
	if s == "" {
		return nil, errors.New("empty value")
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	return b, nil
}

func batchOutcome(failed, total int, lastErr error) Result {
	switch {
	case failed == 0:
		return Result{Kind: Success, Status: StatusSuccess, Timestamp: time.Now()}
	case failed < total:
		return Result{Kind: Success, Status: StatusPartial, Timestamp: time.Now()}
	default:
		res := classify(lastErr)
		res.Timestamp = time.Now()
		return res
	}
}
