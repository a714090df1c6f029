// Package api exposes the engine over HTTP: device management, manual sync
// triggers, sample queries, and a server-sent-events feed of the event bus.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/wearsync/wearsync/internal/bus"
	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
	"github.com/wearsync/wearsync/internal/scheduler"
	"github.com/wearsync/wearsync/internal/state"
)

// Service is the engine surface the API serves. Implemented by
// [engine.Engine].
type Service interface {
	ListDevices() []model.WearableDevice
	GetDevice(id string) (model.WearableDevice, bool)
	Connect(ctx context.Context, dev model.WearableDevice) error
	Forget(ctx context.Context, id string) error
	SyncNow(ctx context.Context, id string) (model.SyncJob, error)
	Jobs(id string) []model.SyncJob
	QuerySamples(ctx context.Context, q state.SampleQuery) ([]model.HealthDataSample, error)
	Subscribe(buffer int) *bus.Subscription
	StartedAt() time.Time
}

// Server is the HTTP layer. Create one with [New]; it implements
// [http.Handler].
type Server struct {
	svc    Service
	router *mux.Router
	log    *slog.Logger
}

// New creates the HTTP server and registers its routes.
func New(svc Service, logger *slog.Logger) *Server {
	s := &Server{svc: svc, router: mux.NewRouter(), log: logger}

	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	s.router.HandleFunc("/devices", s.handleAddDevice).Methods(http.MethodPost)
	s.router.HandleFunc("/devices/{id}", s.handleGetDevice).Methods(http.MethodGet)
	s.router.HandleFunc("/devices/{id}", s.handleForgetDevice).Methods(http.MethodDelete)
	s.router.HandleFunc("/devices/{id}/sync", s.handleSyncNow).Methods(http.MethodPost)
	s.router.HandleFunc("/devices/{id}/jobs", s.handleJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/samples", s.handleSamples).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// --- JSON shapes -------------------------------------------------------------

type deviceJSON struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Provider     string   `json:"provider"`
	Capabilities []string `json:"capabilities,omitempty"`
	State        string   `json:"state"`
	BatteryLevel *int     `json:"battery_level,omitempty"`
	LastSyncAt   string   `json:"last_sync_at,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
}

func toDeviceJSON(d model.WearableDevice) deviceJSON {
	out := deviceJSON{
		ID:           d.ID,
		DisplayName:  d.DisplayName,
		Provider:     string(d.Provider),
		State:        string(d.State),
		BatteryLevel: d.BatteryLevel,
		LastError:    d.LastError,
	}
	for _, c := range d.Capabilities {
		out.Capabilities = append(out.Capabilities, string(c))
	}
	if !d.LastSyncAt.IsZero() {
		out.LastSyncAt = d.LastSyncAt.UTC().Format(time.RFC3339)
	}
	return out
}

type jobJSON struct {
	ID          string   `json:"id"`
	DeviceID    string   `json:"device_id"`
	StartedAt   string   `json:"started_at"`
	FinishedAt  string   `json:"finished_at,omitempty"`
	Outcome     string   `json:"outcome,omitempty"`
	SampleCount int      `json:"sample_count"`
	Errors      []string `json:"errors,omitempty"`
}

func toJobJSON(j model.SyncJob) jobJSON {
	out := jobJSON{
		ID:          j.ID.String(),
		DeviceID:    j.DeviceID,
		StartedAt:   j.StartedAt.UTC().Format(time.RFC3339),
		Outcome:     string(j.Outcome),
		SampleCount: j.SampleCount,
		Errors:      j.Errors,
	}
	if !j.FinishedAt.IsZero() {
		out.FinishedAt = j.FinishedAt.UTC().Format(time.RFC3339)
	}
	return out
}

type sampleJSON struct {
	DeviceID  string  `json:"device_id"`
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp string  `json:"timestamp"`
	Source    string  `json:"source,omitempty"`
}

func toSampleJSON(s model.HealthDataSample) sampleJSON {
	return sampleJSON{
		DeviceID:  s.DeviceID,
		Kind:      string(s.Kind),
		Value:     s.Value,
		Unit:      s.Kind.Unit(),
		Timestamp: s.Timestamp.UTC().Format(time.RFC3339),
		Source:    s.Source,
	}
}

// --- handlers ----------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	devices := s.svc.ListDevices()
	connected := 0
	for _, d := range devices {
		if d.State == model.StateConnected || d.State == model.StateSyncing {
			connected++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":    int(time.Since(s.svc.StartedAt()).Seconds()),
		"devices":           len(devices),
		"devices_connected": connected,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.svc.ListDevices()
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceJSON(d))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type addDeviceRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	kind, ok := model.ParseProviderKind(req.Provider)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown provider "+strconv.Quote(req.Provider))
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "device id must not be empty")
		return
	}

	dev := model.WearableDevice{ID: req.ID, DisplayName: req.DisplayName, Provider: kind}
	if err := s.svc.Connect(r.Context(), dev); err != nil {
		var ce *provider.ConnectError
		switch {
		case errors.As(err, &ce) && ce.Failure == provider.Unsupported:
			s.writeError(w, http.StatusBadRequest, err.Error())
		case strings.Contains(err.Error(), "already registered"):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	dev, _ = s.svc.GetDevice(req.ID)
	s.writeJSON(w, http.StatusCreated, toDeviceJSON(dev))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.svc.GetDevice(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toDeviceJSON(dev))
}

func (s *Server) handleForgetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.svc.GetDevice(id); !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err := s.svc.Forget(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.svc.GetDevice(id); !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	job, err := s.svc.SyncNow(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotScheduled) {
			s.writeError(w, http.StatusConflict, "device is not connected")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toJobJSON(job))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.svc.GetDevice(id); !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	jobs := s.svc.Jobs(id)
	out := make([]jobJSON, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobJSON(j))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	q := state.SampleQuery{DeviceID: r.URL.Query().Get("device")}

	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind, ok := model.ParseSampleKind(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown sample kind "+strconv.Quote(raw))
			return
		}
		q.Kind = kind
	}
	var err error
	if q.From, err = parseTimeParam(r, "from"); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.To, err = parseTimeParam(r, "to"); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil || q.Limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	samples, err := s.svc.QuerySamples(r.Context(), q)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sampleJSON, 0, len(samples))
	for _, sample := range samples {
		out = append(out, toSampleJSON(sample))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be RFC 3339")
	}
	return t, nil
}

// --- helpers -----------------------------------------------------------------

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
