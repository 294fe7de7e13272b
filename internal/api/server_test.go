package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-uds-server/internal/action"
	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/session"
	"github.com/kstaniek/go-uds-server/internal/transport/transporttest"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

// fakeActions records calls and returns canned results.
type fakeActions struct {
	update      action.UpdateRequest
	writeValues map[string]string
	group       string
	addr        uds.Address
	kind        action.Kind
}

func (f *fakeActions) Discover(context.Context) action.DiscoveryResult {
	return action.DiscoveryResult{Result: action.Result{Kind: f.kind, Status: "x"}, ECUIDs: []string{}}
}

func (f *fakeActions) Update(_ context.Context, req action.UpdateRequest) action.UpdateResult {
	f.update = req
	return action.UpdateResult{Result: action.Result{Kind: f.kind, Status: action.StatusDownloaded}}
}

func (f *fakeActions) ReadGroup(_ context.Context, a uds.Address, group string) action.BatchResult {
	f.addr, f.group = a, group
	return action.BatchResult{Result: action.Result{Kind: f.kind}, Fields: map[string]action.FieldResult{}}
}

func (f *fakeActions) WriteGroup(_ context.Context, a uds.Address, group string, values map[string]string) action.BatchResult {
	f.addr, f.group, f.writeValues = a, group, values
	return action.BatchResult{Result: action.Result{Kind: f.kind}, Fields: map[string]action.FieldResult{}}
}

func (f *fakeActions) SendManual(context.Context, string, string) action.ManualResult {
	return action.ManualResult{Result: action.Result{Kind: f.kind}}
}

func (f *fakeActions) Address(ecu uint32) uds.Address { return uds.Address{Tester: 0xFA, ECU: ecu} }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusMapping(t *testing.T) {
	for kind, want := range map[action.Kind]int{
		action.Success:          http.StatusOK,
		action.AlreadyInstalled: http.StatusOK,
		action.Negative:         http.StatusOK,
		action.NoResponse:       http.StatusOK,
		action.Malformed:        http.StatusOK,
		action.Invalid:          http.StatusBadRequest,
		action.Fault:            http.StatusInternalServerError,
	} {
		h := New(&fakeActions{kind: kind}).Handler()
		if rec := do(t, h, http.MethodGet, "/request_ids", ""); rec.Code != want {
			t.Fatalf("kind %v: status %d want %d", kind, rec.Code, want)
		}
	}
}

func TestServerErrorsCounted(t *testing.T) {
	before := metrics.Snap().Errors
	h := New(&fakeActions{kind: action.Fault}).Handler()
	if rec := do(t, h, http.MethodGet, "/request_ids", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	if after := metrics.Snap().Errors; after <= before {
		t.Fatalf("errors not counted: before=%d after=%d", before, after)
	}
}

func TestCORSHeaders(t *testing.T) {
	h := New(&fakeActions{}).Handler()
	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow-origin %q", got)
	}
}

type panicActions struct{ fakeActions }

func (panicActions) Discover(context.Context) action.DiscoveryResult { panic("boom") }

func TestPanicRecovered(t *testing.T) {
	rec := do(t, New(&panicActions{}).Handler(), http.MethodGet, "/request_ids", "")
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "internal error") {
		t.Fatalf("panic: %d %s", rec.Code, rec.Body)
	}
}

func TestUpdateBody(t *testing.T) {
	fa := &fakeActions{}
	h := New(fa).Handler()
	rec := do(t, h, http.MethodPost, "/update_to_version", `{"ecu_id":17,"version":"1.2.0","data":"01,0x02,ff"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if fa.update.ECU != 17 || fa.update.Version != "1.2.0" || string(fa.update.Payload) != "\x01\x02\xff" {
		t.Fatalf("update request %+v", fa.update)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got["status"] != "downloaded" {
		t.Fatalf("body %s err=%v", rec.Body, err)
	}
	for _, body := range []string{
		`{"version":"1"}`,
		`{"ecu_id":16,"version":"1","data":"zz"}`,
		`{"ecu_id":16,"version":"1","data":"01","firmware":"a.hex"}`,
		`{"ecu_id":16,"version":"1","firmware":"a.hex"}`,
		`not json`,
	} {
		if rec := do(t, h, http.MethodPost, "/update_to_version", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", body, rec.Code)
		}
	}
}

func TestUpdateFromFirmwareFile(t *testing.T) {
	dir := t.TempDir()
	hex := ":03000000010203F7\n:00000001FF\n"
	if err := os.WriteFile(filepath.Join(dir, "ecu.hex"), []byte(hex), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fa := &fakeActions{}
	h := New(fa, WithFirmwareDir(dir)).Handler()
	rec := do(t, h, http.MethodPost, "/update_to_version", `{"ecu_id":16,"version":"2","firmware":"ecu.hex"}`)
	if rec.Code != http.StatusOK || string(fa.update.Payload) != "\x01\x02\x03" {
		t.Fatalf("status %d payload % X", rec.Code, fa.update.Payload)
	}
	if rec := do(t, h, http.MethodPost, "/update_to_version", `{"ecu_id":16,"version":"2","firmware":"../ecu.hex"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("traversal status %d", rec.Code)
	}
}

func TestReadAndWriteRoutes(t *testing.T) {
	fa := &fakeActions{}
	h := New(fa, WithDefaultECU(0x11)).Handler()
	if rec := do(t, h, http.MethodGet, "/read_info_engine", ""); rec.Code != http.StatusOK || fa.group != "engine" || fa.addr.ECU != 0x11 {
		t.Fatalf("read engine: %d %+v", rec.Code, fa)
	}
	if rec := do(t, h, http.MethodGet, "/read_info_battery?ecu_id=0x12", ""); rec.Code != http.StatusOK || fa.group != "battery" || fa.addr.ECU != 0x12 {
		t.Fatalf("read battery: %d %+v", rec.Code, fa)
	}
	if rec := do(t, h, http.MethodGet, "/read_info_doors?ecu_id=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ecu_id status %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/write_info_doors", `{"driver":"01","passenger":true,"door":10}`)
	if rec.Code != http.StatusOK || fa.group != "doors" {
		t.Fatalf("write doors: %d", rec.Code)
	}
	if fa.writeValues["driver"] != "01" || fa.writeValues["passenger"] != "01" || fa.writeValues["door"] != "a" {
		t.Fatalf("values %v", fa.writeValues)
	}
	if rec := do(t, h, http.MethodPost, "/write_info_battery", `{"voltage":[1]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("array value status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/write_info_battery", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on write route status %d", rec.Code)
	}
}

func TestLogsRoute(t *testing.T) {
	ring := logging.NewRing(4)
	ring.Add("first")
	ring.Add("second")
	h := New(&fakeActions{}, WithLogs(ring)).Handler()
	rec := do(t, h, http.MethodGet, "/logs", "")
	var body struct{ Logs []string }
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Logs) != 2 || body.Logs[0] != "first" {
		t.Fatalf("logs %v", body.Logs)
	}
	rec = do(t, New(&fakeActions{}).Handler(), http.MethodGet, "/logs", "")
	if strings.TrimSpace(rec.Body.String()) != `{"logs":[]}` {
		t.Fatalf("empty logs body %s", rec.Body)
	}
}

type docFunc func(context.Context) (json.RawMessage, error)

func (f docFunc) Get(ctx context.Context) (json.RawMessage, error) { return f(ctx) }

func TestDriveRoute(t *testing.T) {
	ok := docFunc(func(context.Context) (json.RawMessage, error) { return json.RawMessage(`{"latest":"1.1"}`), nil })
	rec := do(t, New(&fakeActions{}, WithDrive(ok)).Handler(), http.MethodGet, "/drive_update_data", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"latest":"1.1"}` {
		t.Fatalf("drive: %d %s", rec.Code, rec.Body)
	}
	bad := docFunc(func(context.Context) (json.RawMessage, error) { return nil, errors.New("offline") })
	rec = do(t, New(&fakeActions{}, WithDrive(bad)).Handler(), http.MethodGet, "/drive_update_data", "")
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "offline") {
		t.Fatalf("drive error: %d %s", rec.Code, rec.Body)
	}
	rec = do(t, New(&fakeActions{}).Handler(), http.MethodGet, "/drive_update_data", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unconfigured drive: %d", rec.Code)
	}
}

// TestDiscoveryEndToEnd drives a real Runner over a scripted bus.
func TestDiscoveryEndToEnd(t *testing.T) {
	bus := &transporttest.Bus{Respond: func(can.Frame) []can.Frame {
		return []can.Frame{transporttest.Frame(0x7E8, 0x04, 0xD9, 0x0A, 0x10, 0x11)}
	}}
	runner := action.NewRunner(bus.Opener(nil),
		action.WithExecutor(session.New(nil, session.WithPollTimeout(2*time.Millisecond))),
		action.WithDiscoveryTimeout(50*time.Millisecond))
	rec := do(t, New(runner).Handler(), http.MethodGet, "/request_ids", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Status string   `json:"status"`
		MCUID  string   `json:"mcu_id"`
		ECUIDs []string `json:"ecu_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "Success" || body.MCUID != "0A" || len(body.ECUIDs) != 2 {
		t.Fatalf("body %+v", body)
	}
	if bus.Closes() != 1 {
		t.Fatalf("closes=%d", bus.Closes())
	}
}

func TestSendFrameInvalid(t *testing.T) {
	bus := &transporttest.Bus{}
	runner := action.NewRunner(bus.Opener(nil))
	h := New(runner).Handler()
	for _, body := range []string{
		`{"can_id":"FFFFF","can_data":"01"}`,
		`{"can_id":"10A","can_data":""}`,
	} {
		if rec := do(t, h, http.MethodPost, "/send_frame", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", body, rec.Code)
		}
	}
	if bus.Opens() != 0 {
		t.Fatalf("bus opened for invalid frame")
	}
}

func TestServeAndShutdown(t *testing.T) {
	s := New(&fakeActions{}, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("serve: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("server not ready")
	}
	resp, err := http.Get("http://" + s.Addr() + "/logs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}
