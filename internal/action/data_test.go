package action

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/kstaniek/go-uds-server/internal/catalog"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

func TestReadByIdentifier(t *testing.T) {
	ecu := newECU()
	ecu.values[catalog.VIN] = []byte{0x57, 0x30, 0x4C}
	r, bus := rig(t, ecu)
	v, err := r.ReadByIdentifier(context.Background(), r.Address(0x10), catalog.VIN)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(v, []byte{0x57, 0x30, 0x4C}) {
		t.Fatalf("value % X", v)
	}
	assertClosedOnce(t, bus)
}

func TestReadByIdentifierNegative(t *testing.T) {
	r, bus := rig(t, newECU())
	_, err := r.ReadByIdentifier(context.Background(), r.Address(0x10), 0x0100)
	var nre *uds.NegativeResponseError
	if !errors.As(err, &nre) || nre.NRC != uds.NRCRequestOutOfRange {
		t.Fatalf("expected RequestOutOfRange, got %v", err)
	}
	assertClosedOnce(t, bus)
}

func TestWriteByIdentifier(t *testing.T) {
	ecu := newECU()
	r, bus := rig(t, ecu)
	if err := r.WriteByIdentifier(context.Background(), r.Address(0x11), 0x01B0, []byte{0x30, 0x39}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(ecu.values[0x01B0], []byte{0x30, 0x39}) {
		t.Fatalf("ecu value % X", ecu.values[0x01B0])
	}
	assertClosedOnce(t, bus)
	if err := r.WriteByIdentifier(context.Background(), r.Address(0x11), 0x01B0, make([]byte, 5)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if bus.Opens() != 1 {
		t.Fatalf("oversized write opened the bus")
	}
}

func TestReadGroupPartial(t *testing.T) {
	ecu := newECU()
	ecu.values[0x0100] = []byte{0x0B, 0xB8}
	ecu.values[0x0114] = []byte{0x50}
	r, bus := rig(t, ecu)
	res := r.ReadGroup(context.Background(), r.Address(0x10), catalog.GroupEngine)
	if res.Kind != Success || res.Status != StatusPartial {
		t.Fatalf("unexpected result %+v", res.Result)
	}
	if f := res.Fields["engine_rpm"]; f.Value != "0BB8" || f.Error != "" || f.ID != "0x0100" {
		t.Fatalf("engine_rpm %+v", f)
	}
	if f := res.Fields["vehicle_speed"]; f.Value != "50" {
		t.Fatalf("vehicle_speed %+v", f)
	}
	if f := res.Fields["fuel_level"]; f.Error != "RequestOutOfRange" {
		t.Fatalf("fuel_level %+v", f)
	}
	if len(res.Fields) != len(catalog.Group(catalog.GroupEngine)) {
		t.Fatalf("fields=%d", len(res.Fields))
	}
	assertClosedOnce(t, bus)
}

func TestReadGroupAllFail(t *testing.T) {
	ecu := newECU()
	ecu.silent[uds.SIDReadDataByIdentifier] = true
	r, bus := rig(t, ecu)
	res := r.ReadGroup(context.Background(), r.Address(0x10), catalog.GroupDoors)
	if res.Kind != NoResponse {
		t.Fatalf("unexpected result %+v", res.Result)
	}
	for name, f := range res.Fields {
		if f.Error != StatusNoResponse {
			t.Fatalf("%s: %+v", name, f)
		}
	}
	assertClosedOnce(t, bus)
}

func TestReadGroupTransportFaultAborts(t *testing.T) {
	r, bus := rig(t, newECU())
	bus.SendErr = errors.New("tx down")
	res := r.ReadGroup(context.Background(), r.Address(0x10), catalog.GroupBattery)
	if res.Kind != Fault {
		t.Fatalf("unexpected result %+v", res.Result)
	}
	if len(bus.Sent()) != 0 {
		t.Fatalf("frames recorded despite send failure")
	}
	assertClosedOnce(t, bus)
}

func TestReadGroupUnknown(t *testing.T) {
	r, bus := rig(t, newECU())
	res := r.ReadGroup(context.Background(), r.Address(0x10), "wheels")
	if res.Kind != Invalid || bus.Opens() != 0 {
		t.Fatalf("unexpected result %+v opens=%d", res.Result, bus.Opens())
	}
}

func TestWriteGroup(t *testing.T) {
	ecu := newECU()
	r, bus := rig(t, ecu)
	res := r.WriteGroup(context.Background(), r.Address(0x12), catalog.GroupDoors, map[string]string{
		"driver":    "0x01",
		"passenger": "0",
	})
	if res.Kind != Success || res.Status != StatusSuccess {
		t.Fatalf("unexpected result %+v", res)
	}
	if !bytes.Equal(ecu.values[0x03D0], []byte{0x01}) || !bytes.Equal(ecu.values[0x03B0], []byte{0x00}) {
		t.Fatalf("ecu values %v", ecu.values)
	}
	if f := res.Fields["driver"]; f.Value != "01" || f.Error != "" {
		t.Fatalf("driver %+v", f)
	}
	assertClosedOnce(t, bus)
}

func TestWriteGroupValidation(t *testing.T) {
	cases := []map[string]string{
		nil,
		{"wheel": "01"},
		{"ajar": "01"},
		{"driver": "zz"},
		{"driver": "0102030405"},
	}
	for _, values := range cases {
		r, bus := rig(t, newECU())
		res := r.WriteGroup(context.Background(), r.Address(0x12), catalog.GroupDoors, values)
		if res.Kind != Invalid {
			t.Fatalf("%v: unexpected result %+v", values, res)
		}
		if bus.Opens() != 0 || len(bus.Sent()) != 0 {
			t.Fatalf("%v: bus used for invalid input", values)
		}
	}
}

func TestParseHexValue(t *testing.T) {
	for in, want := range map[string][]byte{
		"0x1A2B": {0x1A, 0x2B},
		"1a,2b":  {0x1A, 0x2B},
		"F":      {0x0F},
		" 00 01": {0x00, 0x01},
	} {
		got, err := parseHexValue(in)
		if err != nil || !bytes.Equal(got, want) {
			t.Fatalf("parseHexValue(%q)=% X, %v", in, got, err)
		}
	}
	if _, err := parseHexValue(""); err == nil {
		t.Fatalf("empty value accepted")
	}
}
