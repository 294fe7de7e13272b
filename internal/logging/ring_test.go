package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		r.Add(s)
	}
	got := strings.Join(r.Lines(), ",")
	if got != "b,c,d" {
		t.Fatalf("lines=%q want b,c,d", got)
	}
	if r.Len() != 3 {
		t.Fatalf("len=%d", r.Len())
	}
}

func TestRingPartial(t *testing.T) {
	r := NewRing(4)
	r.Add("x")
	if l := r.Lines(); len(l) != 1 || l[0] != "x" {
		t.Fatalf("lines=%v", l)
	}
}

func TestNewTeesIntoRing(t *testing.T) {
	var out bytes.Buffer
	r := NewRing(8)
	l := New("json", slog.LevelInfo, &out, r).With("app", "test")
	l.Info("update_phase", "phase", "request_download")
	l.Debug("hidden")
	if !strings.Contains(out.String(), `"msg":"update_phase"`) {
		t.Fatalf("primary output missing record: %s", out.String())
	}
	lines := r.Lines()
	if len(lines) != 1 {
		t.Fatalf("ring lines=%d want 1: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "msg=update_phase") || !strings.Contains(lines[0], "app=test") {
		t.Fatalf("ring line=%q", lines[0])
	}
}
