package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/futurianh1k/edgevoice/internal/alert"
	"github.com/futurianh1k/edgevoice/internal/config"
	deliverymock "github.com/futurianh1k/edgevoice/internal/delivery/mock"
	"github.com/futurianh1k/edgevoice/internal/devicestore"
	decodermock "github.com/futurianh1k/edgevoice/pkg/decoder/mock"
	"github.com/futurianh1k/edgevoice/pkg/pcm"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = ":0"
	cfg.Server.LogLevel = config.LogInfo
	cfg.Decoder.ModelPath = "/models/test.bin"
	cfg.Decoder.Language = "ko"
	cfg.VAD.SampleRate = 16000
	cfg.VAD.WindowMs = 30
	cfg.VAD.EnergyThreshold = 500
	cfg.VAD.SilenceMs = 300
	cfg.VAD.MinSpeechMs = 100
	cfg.Delivery.Endpoint = "https://sink.test/ingest"
	cfg.Delivery.BaseDelayMs = 1
	cfg.Alerts.Keywords = []string{"도와줘", "쓰러졌"}
	return cfg
}

func newTestApp(t *testing.T, dec *decodermock.Engine, sink *deliverymock.Sink) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(),
		WithDecoder(dec),
		WithSink(sink),
		WithDeviceRepo(devicestore.NewInMemory()),
		WithNotifier(alert.NopNotifier{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// pcmBody builds n windows of 30 ms constant-amplitude PCM at 16 kHz.
func pcmBody(amplitude int16, windows int) []byte {
	samples := make([]int16, 480*windows)
	for i := range samples {
		samples[i] = amplitude
	}
	return pcm.Encode(samples)
}

func TestNew_WiresEverything(t *testing.T) {
	a := newTestApp(t, &decodermock.Engine{}, &deliverymock.Sink{Status: 200})

	if a.sessions == nil || a.queue == nil || a.relay == nil ||
		a.alerts == nil || a.monitor == nil || a.feed == nil || a.checks == nil {
		t.Fatal("subsystem left nil after New")
	}
	if a.bus != nil {
		t.Error("bus created without broker_url")
	}

	rec := doJSON(t, a.routes(), "GET", "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
}

func TestHTTPFlow_StartFramesStop(t *testing.T) {
	dec := &decodermock.Engine{Text: "도와줘 사람이 쓰러졌어"}
	sink := &deliverymock.Sink{Status: 200}
	a := newTestApp(t, dec, sink)
	mux := a.routes()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.queue.Start(ctx)
	defer a.queue.Close()

	rec := doJSON(t, mux, "POST", "/api/sessions", map[string]any{"device_id": "dev-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body)
	}
	var started struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}

	// 600 ms of speech, then silence past the 300 ms finalization boundary.
	framesURL := "/api/sessions/" + started.SessionID + "/frames"
	req := httptest.NewRequest("POST", framesURL, bytes.NewReader(pcmBody(3000, 20)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("frames = %d: %s", w.Code, w.Body)
	}

	req = httptest.NewRequest("POST", framesURL, bytes.NewReader(pcmBody(0, 15)))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("silence frames = %d: %s", w.Code, w.Body)
	}
	var frameResp struct {
		Utterance *struct {
			Text string `json:"text"`
		} `json:"utterance"`
	}
	if err := json.NewDecoder(w.Body).Decode(&frameResp); err != nil {
		t.Fatalf("decode frame response: %v", err)
	}
	if frameResp.Utterance == nil || frameResp.Utterance.Text != "도와줘 사람이 쓰러졌어" {
		t.Fatalf("utterance = %+v", frameResp.Utterance)
	}

	// The emergency utterance reaches the sink and raises an alert.
	waitFor(t, 2*time.Second, func() bool { return sink.CallCount() >= 1 })
	if len(a.alerts.Recent()) != 1 {
		t.Errorf("alerts = %d, want 1", len(a.alerts.Recent()))
	}

	rec = doJSON(t, mux, "POST", "/api/sessions/"+started.SessionID+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d: %s", rec.Code, rec.Body)
	}
	var sum struct {
		Segments int `json:"segments"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Segments != 1 {
		t.Errorf("segments = %d, want 1", sum.Segments)
	}
}

func TestSessionEndpoints_UnknownID(t *testing.T) {
	a := newTestApp(t, &decodermock.Engine{}, &deliverymock.Sink{Status: 200})
	mux := a.routes()

	req := httptest.NewRequest("POST", "/api/sessions/nope/frames", bytes.NewReader(pcmBody(0, 1)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("frames on unknown session = %d", rec.Code)
	}

	if rec := doJSON(t, mux, "POST", "/api/sessions/nope/stop", nil); rec.Code != http.StatusNotFound {
		t.Errorf("stop on unknown session = %d", rec.Code)
	}
	if rec := doJSON(t, mux, "GET", "/api/sessions/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status on unknown session = %d", rec.Code)
	}
}

func TestSessionStart_RequiresDeviceID(t *testing.T) {
	a := newTestApp(t, &decodermock.Engine{}, &deliverymock.Sink{Status: 200})

	rec := doJSON(t, a.routes(), "POST", "/api/sessions", map[string]any{"language": "ko"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("start without device_id = %d", rec.Code)
	}
}

func TestFrames_OddByteCount(t *testing.T) {
	a := newTestApp(t, &decodermock.Engine{}, &deliverymock.Sink{Status: 200})
	mux := a.routes()

	rec := doJSON(t, mux, "POST", "/api/sessions", map[string]any{"device_id": "dev-1"})
	var started struct {
		SessionID string `json:"session_id"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&started)

	req := httptest.NewRequest("POST", "/api/sessions/"+started.SessionID+"/frames",
		bytes.NewReader([]byte{0x01, 0x02, 0x03}))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("odd byte body = %d", w.Code)
	}
}

func TestDeviceCommand_ChannelDisabled(t *testing.T) {
	a := newTestApp(t, &decodermock.Engine{}, &deliverymock.Sink{Status: 200})

	rec := doJSON(t, a.routes(), "POST", "/api/devices/dev-1/commands",
		map[string]any{"type": "restart", "action": "now"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("command without broker = %d: %s", rec.Code, rec.Body)
	}
}

func TestDeviceLifecycle_UpsertHeartbeatOnline(t *testing.T) {
	a := newTestApp(t, &decodermock.Engine{}, &deliverymock.Sink{Status: 200})
	mux := a.routes()

	rec := doJSON(t, mux, "POST", "/api/devices",
		map[string]any{"id": "dev-1", "name": "hall sensor"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("upsert = %d: %s", rec.Code, rec.Body)
	}

	if rec := doJSON(t, mux, "POST", "/api/devices/dev-1/heartbeat", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, mux, "GET", "/api/devices/online", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("online list = %d", rec.Code)
	}
	var devices []deviceView
	if err := json.NewDecoder(rec.Body).Decode(&devices); err != nil {
		t.Fatalf("decode device list: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "dev-1" || !devices[0].Online {
		t.Errorf("devices = %+v", devices)
	}

	// Heartbeat for an unregistered device is rejected.
	if rec := doJSON(t, mux, "POST", "/api/devices/ghost/heartbeat", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ghost heartbeat = %d", rec.Code)
	}
}

func TestAlertAck_Lifecycle(t *testing.T) {
	a := newTestApp(t, &decodermock.Engine{}, &deliverymock.Sink{Status: 200})
	mux := a.routes()

	raised := a.alerts.Raise(context.Background(), "dev-1", "도와줘", []string{"도와줘"})

	rec := doJSON(t, mux, "GET", "/api/alerts", nil)
	var alerts []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&alerts); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != raised.ID {
		t.Fatalf("alerts = %+v", alerts)
	}

	ackPath := "/api/alerts/" + raised.ID + "/ack"
	if rec := doJSON(t, mux, "POST", ackPath, map[string]any{"actor": "operator-7"}); rec.Code != http.StatusNoContent {
		t.Fatalf("ack = %d: %s", rec.Code, rec.Body)
	}
	if rec := doJSON(t, mux, "POST", ackPath, map[string]any{"actor": "operator-7"}); rec.Code != http.StatusConflict {
		t.Errorf("second ack = %d", rec.Code)
	}
	if rec := doJSON(t, mux, "POST", "/api/alerts/ghost/ack", map[string]any{"actor": "x"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown ack = %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestApp(t, &decodermock.Engine{}, &deliverymock.Sink{Status: 200})
	mux := a.routes()

	doJSON(t, mux, "POST", "/api/sessions", map[string]any{"device_id": "dev-1"})

	rec := doJSON(t, mux, "GET", "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status struct {
		ActiveSessions int  `json:"active_sessions"`
		DeviceChannel  bool `json:"device_channel"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ActiveSessions != 1 {
		t.Errorf("active_sessions = %d, want 1", status.ActiveSessions)
	}
	if status.DeviceChannel {
		t.Error("device_channel should be false without a broker")
	}
}

func TestApplyDiff_ReloadsKeywords(t *testing.T) {
	dec := &decodermock.Engine{Text: "pipeline stalled"}
	sink := &deliverymock.Sink{Status: 200}
	a := newTestApp(t, dec, sink)
	mux := a.routes()

	next := testConfig()
	next.Alerts.Keywords = []string{"stalled"}
	a.ApplyDiff(config.ConfigDiff{AlertsChanged: true}, next)

	rec := doJSON(t, mux, "POST", "/api/sessions", map[string]any{"device_id": "dev-1"})
	var started struct {
		SessionID string `json:"session_id"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&started)

	framesURL := "/api/sessions/" + started.SessionID + "/frames"
	req := httptest.NewRequest("POST", framesURL, bytes.NewReader(pcmBody(3000, 20)))
	mux.ServeHTTP(httptest.NewRecorder(), req)
	req = httptest.NewRequest("POST", framesURL, bytes.NewReader(pcmBody(0, 15)))
	mux.ServeHTTP(httptest.NewRecorder(), req)

	// The new keyword set flags the utterance and raises an alert.
	if len(a.alerts.Recent()) != 1 {
		t.Errorf("alerts after reload = %d, want 1", len(a.alerts.Recent()))
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	dec := &decodermock.Engine{}
	a := newTestApp(t, dec, &deliverymock.Sink{Status: 200})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
