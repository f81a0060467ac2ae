package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/cloud"
	"github.com/trymwestin/smartgrade/internal/core/coordinator"
	"github.com/trymwestin/smartgrade/internal/core/state"
)

type fakeCoordinator struct {
	mu       sync.Mutex
	snaps    map[string]state.Snapshot
	err      error
	switched []string
	spec     cloud.TimerSpec
	token    string
	bus      *state.EventBus
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		snaps: map[string]state.Snapshot{
			"dev-1": {
				Device:   state.Device{ID: "dev-1", Name: "Boiler", SwitchCount: 2},
				Switches: []state.Switch{{Index: 0}, {Index: 1, On: true}},
				Online:   true,
				Timers:   []state.Timer{{ID: "t1", DeviceID: "dev-1", Time: "07:00", Action: state.ActionOn, Enabled: true}},
			},
		},
		bus: state.NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

func (f *fakeCoordinator) Status() coordinator.Status {
	return coordinator.Status{Running: true, PushEnabled: true, PollInterval: "30s", Devices: len(f.snaps)}
}

func (f *fakeCoordinator) Snapshot(id string) (state.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	return s, ok
}

func (f *fakeCoordinator) Snapshots() []state.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.Snapshot, 0, len(f.snaps))
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeCoordinator) SetSwitch(_ context.Context, id string, index int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.switched = append(f.switched, fmt.Sprintf("%s/%d=%v", id, index, on))
	return nil
}

func (f *fakeCoordinator) CreateTimer(_ context.Context, id string, spec cloud.TimerSpec) (state.Timer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return state.Timer{}, f.err
	}
	f.spec = spec
	return state.Timer{ID: "t2", DeviceID: id, Time: spec.Time, Action: spec.Action, Days: spec.Days, Enabled: true}, nil
}

func (f *fakeCoordinator) DeleteTimer(context.Context, string, string) error {
	return f.err
}

func (f *fakeCoordinator) Credential() auth.Info {
	return auth.Info{State: auth.StateValid, DaysRemaining: 20}
}

func (f *fakeCoordinator) InstallCredential(value string) (auth.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return auth.Info{}, f.err
	}
	f.token = value
	return auth.Info{State: auth.StateValid}, nil
}

func (f *fakeCoordinator) Subscribe(buffer int) (<-chan state.Event, func()) {
	return f.bus.Subscribe(buffer)
}

func newTestServer(t *testing.T, corsAll bool) (*httptest.Server, *fakeCoordinator) {
	t.Helper()
	coord := newFakeCoordinator()
	srv := NewServer(coord, corsAll, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts, coord
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

func TestReadEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, false)

	resp, body := do(t, ts, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK || body["poll_interval"] != "30s" {
		t.Errorf("status = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, ts, http.MethodGet, "/api/devices", "")
	if devs, _ := body["devices"].([]interface{}); resp.StatusCode != http.StatusOK || len(devs) != 1 {
		t.Errorf("devices = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, ts, http.MethodGet, "/api/devices/dev-1", "")
	if resp.StatusCode != http.StatusOK || body["online"] != true {
		t.Errorf("device = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, ts, http.MethodGet, "/api/devices/missing", "")
	if resp.StatusCode != http.StatusNotFound || body["code"] != "not_found" {
		t.Errorf("missing device = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, ts, http.MethodGet, "/api/devices/dev-1/timers", "")
	if timers, _ := body["timers"].([]interface{}); resp.StatusCode != http.StatusOK || len(timers) != 1 {
		t.Errorf("timers = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, ts, http.MethodGet, "/api/credential", "")
	if resp.StatusCode != http.StatusOK || body["state"] != "valid" {
		t.Errorf("credential = %d %v", resp.StatusCode, body)
	}
}

func TestSetSwitch(t *testing.T) {
	ts, coord := newTestServer(t, false)

	resp, _ := do(t, ts, http.MethodPut, "/api/devices/dev-1/switches/1", `{"on":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT switch status = %d", resp.StatusCode)
	}
	if len(coord.switched) != 1 || coord.switched[0] != "dev-1/1=false" {
		t.Errorf("switched = %v", coord.switched)
	}

	tests := []struct {
		name string
		path string
		body string
	}{
		{"non-numeric index", "/api/devices/dev-1/switches/x", `{"on":true}`},
		{"missing on", "/api/devices/dev-1/switches/0", `{}`},
		{"bad json", "/api/devices/dev-1/switches/0", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, ts, http.MethodPut, tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest || body["code"] != "bad_request" {
				t.Errorf("status = %d %v", resp.StatusCode, body)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"auth expired", fmt.Errorf("wrapped: %w", auth.ErrAuthExpired), http.StatusUnauthorized, "auth_expired"},
		{"validation", &coordinator.ValidationError{Field: "index", Reason: "out of range"}, http.StatusBadRequest, "validation_error"},
		{"device not found", fmt.Errorf("%w: dev-9", coordinator.ErrDeviceNotFound), http.StatusNotFound, "not_found"},
		{"timer not found", coordinator.ErrTimerNotFound, http.StatusNotFound, "not_found"},
		{"rate limited", &cloud.APIError{Method: "POST", Path: "/x", Status: 429}, http.StatusTooManyRequests, "rate_limited"},
		{"transient", fmt.Errorf("set: %w", cloud.ErrTransient), http.StatusBadGateway, "upstream_unavailable"},
		{"upstream rejected", &cloud.APIError{Method: "POST", Path: "/x", Status: 400}, http.StatusBadGateway, "upstream_error"},
		{"timeout", coordinator.ErrCommandTimeout, http.StatusGatewayTimeout, "command_timeout"},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, coord := newTestServer(t, false)
			coord.err = tt.err
			resp, body := do(t, ts, http.MethodPut, "/api/devices/dev-1/switches/0", `{"on":true}`)
			if resp.StatusCode != tt.status || body["code"] != tt.code {
				t.Errorf("status = %d %v, want %d %s", resp.StatusCode, body, tt.status, tt.code)
			}
		})
	}
}

func TestValidationErrorCarriesField(t *testing.T) {
	ts, coord := newTestServer(t, false)
	coord.err = &coordinator.ValidationError{Field: "time", Reason: `"25:99" is not HH:MM`}

	resp, body := do(t, ts, http.MethodPost, "/api/devices/dev-1/timers", `{"time":"25:99","action":"on"}`)
	if resp.StatusCode != http.StatusBadRequest || body["field"] != "time" {
		t.Errorf("status = %d %v", resp.StatusCode, body)
	}
}

func TestTimerLifecycle(t *testing.T) {
	ts, coord := newTestServer(t, false)

	resp, body := do(t, ts, http.MethodPost, "/api/devices/dev-1/timers", `{"time":"08:00","action":"on","days":["mon","tue"]}`)
	if resp.StatusCode != http.StatusCreated || body["id"] != "t2" {
		t.Fatalf("create = %d %v", resp.StatusCode, body)
	}
	if coord.spec.Time != "08:00" || coord.spec.Action != state.ActionOn || len(coord.spec.Days) != 2 {
		t.Errorf("spec = %+v", coord.spec)
	}

	resp, _ = do(t, ts, http.MethodDelete, "/api/devices/dev-1/timers/t1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
}

func TestInstallCredential(t *testing.T) {
	ts, coord := newTestServer(t, false)

	resp, body := do(t, ts, http.MethodPost, "/api/credential", `{"token":"abc.def.ghi"}`)
	if resp.StatusCode != http.StatusOK || body["state"] != "valid" {
		t.Fatalf("install = %d %v", resp.StatusCode, body)
	}
	if coord.token != "abc.def.ghi" {
		t.Errorf("token = %q", coord.token)
	}
}

func TestCORS(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, _ := do(t, ts, http.MethodOptions, "/api/devices/dev-1/switches/0", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PUT") {
		t.Errorf("Allow-Methods = %q", got)
	}

	resp, _ = do(t, ts, http.MethodGet, "/api/status", "")
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing on GET")
	}
}

func dialEvents(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestEventStreamJSON(t *testing.T) {
	ts, coord := newTestServer(t, false)
	conn := dialEvents(t, ts, "")

	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var first state.Event
	if kind != websocket.TextMessage || json.Unmarshal(data, &first) != nil || first.Type != state.EventSnapshotUpdated || first.DeviceID != "dev-1" {
		t.Fatalf("initial frame = %d %s", kind, data)
	}

	coord.bus.Publish(state.Event{Type: state.EventDeviceRemoved, DeviceID: "dev-7"})
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var evt state.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if evt.Type != state.EventDeviceRemoved || evt.DeviceID != "dev-7" {
		t.Errorf("event = %+v", evt)
	}
}

func TestEventStreamProto(t *testing.T) {
	ts, _ := newTestServer(t, false)
	conn := dialEvents(t, ts, "?format=proto")

	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("frame kind = %d, want binary", kind)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		t.Fatalf("proto.Unmarshal() error = %v", err)
	}
	fields := st.AsMap()
	if fields["type"] != "snapshot_updated" || fields["device_id"] != "dev-1" {
		t.Errorf("fields = %v", fields)
	}
	snap, _ := fields["data"].(map[string]interface{})
	if snap["online"] != true {
		t.Errorf("data = %v", snap)
	}
}

func TestEventStreamRejectsUnknownFormat(t *testing.T) {
	ts, _ := newTestServer(t, false)
	resp, body := do(t, ts, http.MethodGet, "/api/events?format=xml", "")
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "bad_request" {
		t.Errorf("status = %d %v", resp.StatusCode, body)
	}
}
