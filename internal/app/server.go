package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/futurianh1k/edgevoice/internal/alert"
	"github.com/futurianh1k/edgevoice/internal/devicestore"
	"github.com/futurianh1k/edgevoice/internal/session"
	"github.com/futurianh1k/edgevoice/pkg/pcm"
)

// maxFrameBody bounds one audio ingress request: 10 s of 48 kHz stereo PCM.
const maxFrameBody = 48000 * 2 * 2 * 10

// routes builds the HTTP surface: session control, audio ingress, device
// administration, alerts, delivery stats, the subscriber WebSocket, and the
// operational endpoints.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	a.checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", a.feed)

	mux.HandleFunc("POST /api/sessions", a.handleSessionStart)
	mux.HandleFunc("POST /api/sessions/{id}/frames", a.handleSessionFrames)
	mux.HandleFunc("POST /api/sessions/{id}/stop", a.handleSessionStop)
	mux.HandleFunc("GET /api/sessions/{id}", a.handleSessionStatus)

	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/delivery/stats", a.handleDeliveryStats)

	mux.HandleFunc("GET /api/alerts", a.handleAlertList)
	mux.HandleFunc("POST /api/alerts/{id}/ack", a.handleAlertAck)

	mux.HandleFunc("POST /api/devices", a.handleDeviceUpsert)
	mux.HandleFunc("GET /api/devices/online", a.handleDevicesOnline)
	mux.HandleFunc("POST /api/devices/{id}/commands", a.handleDeviceCommand)
	mux.HandleFunc("POST /api/devices/{id}/heartbeat", a.handleDeviceHeartbeat)

	return mux
}

// ─── Sessions ────────────────────────────────────────────────────────────────

type startSessionRequest struct {
	DeviceID   string `json:"device_id"`
	Language   string `json:"language"`
	VADEnabled *bool  `json:"vad_enabled"`
}

func (a *App) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		httpError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	lang := req.Language
	if lang == "" {
		lang = a.cfg.Decoder.Language
	}
	vadEnabled := true
	if req.VADEnabled != nil {
		vadEnabled = *req.VADEnabled
	}

	id, err := a.sessions.Start(r.Context(), req.DeviceID, lang, vadEnabled)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

// handleSessionFrames ingests one chunk of 16-bit little-endian PCM. Query
// params sample_rate and channels describe the device stream; it is
// normalized to the pipeline's mono rate before hitting the segmenter. The
// response carries the finalized utterance event, if this chunk produced one.
func (a *App) handleSessionFrames(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBody))
	if err != nil {
		httpError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	samples, err := pcm.Decode(body)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	srcRate := queryInt(r, "sample_rate", a.segmenterRate())
	channels := queryInt(r, "channels", 1)
	samples = pcm.Normalize(samples, channels, srcRate, a.segmenterRate())

	utt, err := a.sessions.PushFrame(r.Context(), id, samples)
	switch {
	case errors.Is(err, session.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		// Decode failure: the session is already torn down.
		httpError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := map[string]any{"accepted": len(samples)}
	if utt != nil {
		resp["utterance"] = map[string]any{
			"text":        utt.Text,
			"duration_ms": utt.Duration.Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	sum, err := a.sessions.Stop(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case err != nil:
		httpError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, sum)
	}
}

func (a *App) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.sessions.Status(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ─── Status and stats ────────────────────────────────────────────────────────

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": a.sessions.Count(),
		"subscribers":     a.relay.SubscriberCount(),
		"device_channel":  a.bus != nil && a.bus.Connected(),
		"delivery":        a.queue.Stats(),
	})
}

func (a *App) handleDeliveryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.queue.Stats())
}

// ─── Alerts ──────────────────────────────────────────────────────────────────

func (a *App) handleAlertList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.alerts.Recent())
}

type ackRequest struct {
	Actor string `json:"actor"`
}

func (a *App) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Actor == "" {
		httpError(w, http.StatusBadRequest, "actor is required")
		return
	}

	err := a.alerts.Acknowledge(r.PathValue("id"), req.Actor)
	switch {
	case errors.Is(err, alert.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, alert.ErrAcknowledged):
		httpError(w, http.StatusConflict, err.Error())
	case err != nil:
		httpError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ─── Devices ─────────────────────────────────────────────────────────────────

type upsertDeviceRequest struct {
	ID                   string `json:"id"`
	ExternalID           string `json:"external_id"`
	Name                 string `json:"name"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec"`
}

func (a *App) handleDeviceUpsert(w http.ResponseWriter, r *http.Request) {
	var req upsertDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		httpError(w, http.StatusBadRequest, "id is required")
		return
	}

	err := a.repo.Upsert(r.Context(), devicestore.Device{
		ID:                req.ID,
		ExternalID:        req.ExternalID,
		Name:              req.Name,
		HeartbeatInterval: time.Duration(req.HeartbeatIntervalSec) * time.Second,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deviceView struct {
	ID            string    `json:"id"`
	ExternalID    string    `json:"external_id,omitempty"`
	Name          string    `json:"name,omitempty"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (a *App) handleDevicesOnline(w http.ResponseWriter, r *http.Request) {
	devices, err := a.repo.ListOnline(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]deviceView, len(devices))
	for i, d := range devices {
		views[i] = deviceView{
			ID:            d.ID,
			ExternalID:    d.ExternalID,
			Name:          d.Name,
			Online:        d.Online,
			LastHeartbeat: d.LastHeartbeat,
		}
	}
	writeJSON(w, http.StatusOK, views)
}

type commandRequest struct {
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

func (a *App) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		httpError(w, http.StatusBadRequest, "type is required")
		return
	}

	correlationID, err := a.relay.SendCommand(r.Context(), r.PathValue("id"), req.Type, req.Action, req.Params)
	switch {
	case errors.Is(err, ErrChannelDisabled):
		httpError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		httpError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": correlationID})
	}
}

// handleDeviceHeartbeat is the HTTP fallback for deployments without a
// broker; it feeds the same liveness path as devices/+/heartbeat.
func (a *App) handleDeviceHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.monitor.HandleHeartbeat(r.Context(), id, time.Now())
	switch {
	case errors.Is(err, devicestore.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case err != nil:
		httpError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *App) segmenterRate() int {
	if a.cfg.VAD.SampleRate > 0 {
		return a.cfg.VAD.SampleRate
	}
	return 16000
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
