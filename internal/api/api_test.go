package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wearsync/wearsync/internal/bus"
	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/scheduler"
	"github.com/wearsync/wearsync/internal/state"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService scripts the engine surface.
type fakeService struct {
	devices map[string]model.WearableDevice
	samples []model.HealthDataSample
	jobs    []model.SyncJob
	bus     *bus.Bus

	connectErr error
	syncErr    error
	forgotten  []string
	lastQuery  state.SampleQuery
}

func newFakeService() *fakeService {
	return &fakeService{
		devices: make(map[string]model.WearableDevice),
		bus:     bus.New(discard()),
	}
}

func (f *fakeService) ListDevices() []model.WearableDevice {
	var out []model.WearableDevice
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

func (f *fakeService) GetDevice(id string) (model.WearableDevice, bool) {
	d, ok := f.devices[id]
	return d, ok
}

func (f *fakeService) Connect(_ context.Context, dev model.WearableDevice) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	dev.State = model.StateConnecting
	f.devices[dev.ID] = dev
	return nil
}

func (f *fakeService) Forget(_ context.Context, id string) error {
	delete(f.devices, id)
	f.forgotten = append(f.forgotten, id)
	return nil
}

func (f *fakeService) SyncNow(_ context.Context, id string) (model.SyncJob, error) {
	if f.syncErr != nil {
		return model.SyncJob{}, f.syncErr
	}
	return model.SyncJob{
		ID: uuid.New(), DeviceID: id,
		StartedAt: time.Now(), FinishedAt: time.Now(),
		Outcome: model.OutcomeSuccess, SampleCount: 3,
	}, nil
}

func (f *fakeService) Jobs(string) []model.SyncJob { return f.jobs }

func (f *fakeService) QuerySamples(_ context.Context, q state.SampleQuery) ([]model.HealthDataSample, error) {
	f.lastQuery = q
	return f.samples, nil
}

func (f *fakeService) Subscribe(buffer int) *bus.Subscription { return f.bus.Subscribe(buffer) }

func (f *fakeService) StartedAt() time.Time { return time.Now().Add(-time.Minute) }

func newTestServer(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	svc := newFakeService()
	srv := httptest.NewServer(New(svc, discard()))
	t.Cleanup(srv.Close)
	t.Cleanup(svc.bus.Close)
	return svc, srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp
}

func TestStatus(t *testing.T) {
	svc, srv := newTestServer(t)
	svc.devices["d1"] = model.WearableDevice{ID: "d1", State: model.StateConnected}
	svc.devices["d2"] = model.WearableDevice{ID: "d2", State: model.StateDisconnected}

	var status map[string]any
	resp := getJSON(t, srv.URL+"/status", &status)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if status["devices"].(float64) != 2 || status["devices_connected"].(float64) != 1 {
		t.Fatalf("status = %v", status)
	}
}

func TestAddDevice(t *testing.T) {
	svc, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/devices", "application/json",
		strings.NewReader(`{"id":"aa:bb","display_name":"Band","provider":"ble_peripheral"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, ok := svc.devices["aa:bb"]; !ok {
		t.Fatal("device not connected")
	}
}

func TestAddDevice_Validation(t *testing.T) {
	_, srv := newTestServer(t)
	cases := []string{
		`{"id":"x","provider":"smoke_signal"}`, // unknown provider
		`{"provider":"ble_peripheral"}`,        // missing id
		`{nonsense`,                            // broken JSON
	}
	for _, body := range cases {
		resp, err := http.Post(srv.URL+"/devices", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	_, srv := newTestServer(t)
	resp := getJSON(t, srv.URL+"/devices/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSyncNow(t *testing.T) {
	svc, srv := newTestServer(t)
	svc.devices["d1"] = model.WearableDevice{ID: "d1", State: model.StateConnected}

	resp, err := http.Post(srv.URL+"/devices/d1/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var job jobJSON
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Outcome != "success" || job.SampleCount != 3 {
		t.Fatalf("job = %+v", job)
	}
}

func TestSyncNow_NotConnectedIsConflict(t *testing.T) {
	svc, srv := newTestServer(t)
	svc.devices["d1"] = model.WearableDevice{ID: "d1", State: model.StateReconnecting}
	svc.syncErr = scheduler.ErrNotScheduled

	resp, err := http.Post(srv.URL+"/devices/d1/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestForgetDevice(t *testing.T) {
	svc, srv := newTestServer(t)
	svc.devices["d1"] = model.WearableDevice{ID: "d1"}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/devices/d1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(svc.forgotten) != 1 || svc.forgotten[0] != "d1" {
		t.Fatalf("forgotten = %v", svc.forgotten)
	}
}

func TestSamples_QueryParamsForwarded(t *testing.T) {
	svc, srv := newTestServer(t)
	svc.samples = []model.HealthDataSample{
		{DeviceID: "d1", Kind: model.KindHeartRate, Value: 70, Timestamp: time.Now()},
	}

	var out []sampleJSON
	resp := getJSON(t, srv.URL+"/samples?device=d1&kind=heart_rate&from=2026-03-01T00:00:00Z&limit=10", &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(out) != 1 || out[0].Unit != "bpm" {
		t.Fatalf("samples = %+v", out)
	}
	q := svc.lastQuery
	if q.DeviceID != "d1" || q.Kind != model.KindHeartRate || q.Limit != 10 || q.From.IsZero() {
		t.Fatalf("query = %+v", q)
	}
}

func TestSamples_BadParamsRejected(t *testing.T) {
	_, srv := newTestServer(t)
	for _, url := range []string{
		"/samples?kind=mood",
		"/samples?from=yesterday",
		"/samples?limit=-3",
	} {
		resp := getJSON(t, srv.URL+url, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", url, resp.StatusCode)
		}
	}
}

func TestEvents_StreamsAndFilters(t *testing.T) {
	svc, srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?device=d1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	// The filtered-out event must not appear; the matching one must.
	svc.bus.Publish(model.ConnectionStateChanged{DeviceID: "other", Old: model.StateConnecting, New: model.StateConnected, At: time.Now()})
	svc.bus.Publish(model.ConnectionStateChanged{DeviceID: "d1", Old: model.StateConnecting, New: model.StateConnected, At: time.Now()})

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decoding event %q: %v", line, err)
		}
		if ev["device_id"] != "d1" {
			t.Fatalf("filter leaked event for %v", ev["device_id"])
		}
		if ev["type"] != "connection_state_changed" || ev["new"] != "connected" {
			t.Fatalf("event = %v", ev)
		}
		return
	}
	t.Fatalf("no event received: %v", scanner.Err())
}
