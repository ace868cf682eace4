// Package api exposes the ingestion and dashboard HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Amr204/Analytical-Intelligence/internal/ingest"
	"github.com/Amr204/Analytical-Intelligence/internal/metrics"
	"github.com/Amr204/Analytical-Intelligence/internal/store"
)

// maxBodyBytes caps ingest request bodies.
const maxBodyBytes = 1 << 20

// ModelStatus reports per-detector model availability on the health
// endpoint.
type ModelStatus struct {
	NetworkClassifier bool `json:"network_classifier"`
	SSHSequenceModel  bool `json:"ssh_sequence_model"`
}

// Server routes ingest and dashboard requests to the service layer.
type Server struct {
	service   *ingest.Service
	store     store.Store
	validator *Validator
	ingestKey string
	models    ModelStatus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	router    *mux.Router
}

// NewServer builds the HTTP surface. An empty ingestKey disables the
// shared-secret check, for local development only.
func NewServer(service *ingest.Service, st store.Store, validator *Validator, ingestKey string, models ModelStatus, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		service:   service,
		store:     st,
		validator: validator,
		ingestKey: ingestKey,
		models:    models,
		metrics:   m,
		logger:    logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	ing := v1.PathPrefix("/ingest").Subrouter()
	ing.Use(s.requireIngestKey)
	ing.HandleFunc("/auth", s.handleIngestAuth).Methods(http.MethodPost)
	ing.HandleFunc("/flow", s.handleIngestFlow).Methods(http.MethodPost)
	ing.HandleFunc("/ids", s.handleIngestIDS).Methods(http.MethodPost)

	v1.HandleFunc("/detections", s.handleDetections).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// requireIngestKey enforces the shared-secret header on the ingest routes.
func (s *Server) requireIngestKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ingestKey != "" && r.Header.Get("X-Ingest-Key") != s.ingestKey {
			s.logger.Warn("Ingest request rejected: bad key", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid ingest key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": s.models,
	})
}

// decodeBody reads and decodes an ingest body into a generic map.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var body map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.invalid(w, r, "malformed JSON body", err)
		return nil, false
	}
	return body, true
}

func (s *Server) invalid(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Warn("Invalid ingest body", "path", r.URL.Path, "error", err)
	if s.metrics != nil {
		s.metrics.EventsInvalidTotal.Inc()
	}
	writeError(w, http.StatusBadRequest, msg)
}

// eventFromBody pulls the common envelope fields out of a validated body.
func eventFromBody(body map[string]any) *ingest.Event {
	ev := &ingest.Event{}
	ev.DeviceID, _ = body["device_id"].(string)
	ev.Hostname, _ = body["hostname"].(string)
	ev.SourceIP, _ = body["device_ip"].(string)
	ev.TS, _ = body["timestamp"].(string)
	return ev
}

func (s *Server) handleIngestAuth(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := s.validator.ValidateAuth(body); err != nil {
		s.invalid(w, r, "auth event failed validation", err)
		return
	}

	ev := eventFromBody(body)
	if line, ok := body["line"].(string); ok && line != "" {
		ev.Lines = append(ev.Lines, line)
	}
	if lines, ok := body["lines"].([]any); ok {
		for _, l := range lines {
			if str, ok := l.(string); ok {
				ev.Lines = append(ev.Lines, str)
			}
		}
	}
	ev.Payload = body

	res, err := s.service.HandleAuth(r.Context(), ev)
	if err != nil {
		s.logger.Error("Auth ingest failed", "device_id", ev.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleIngestFlow(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := s.validator.ValidateFlow(body); err != nil {
		s.invalid(w, r, "flow event failed validation", err)
		return
	}

	ev := eventFromBody(body)
	ev.Payload, _ = body["flow"].(map[string]any)

	res, err := s.service.HandleFlow(r.Context(), ev)
	if err != nil {
		s.logger.Error("Flow ingest failed", "device_id", ev.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleIngestIDS(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := s.validator.ValidateIDS(body); err != nil {
		s.invalid(w, r, "ids event failed validation", err)
		return
	}

	ev := eventFromBody(body)
	ev.Payload, _ = body["event"].(map[string]any)

	res, err := s.service.HandleIDS(r.Context(), ev)
	if err != nil {
		s.logger.Error("IDS ingest failed", "device_id", ev.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DetectionFilter{
		Severity:    q.Get("severity"),
		ModelName:   q.Get("model"),
		Label:       q.Get("label"),
		DeviceID:    q.Get("device_id"),
		LastMinutes: queryInt(q.Get("last_minutes"), 0),
		Limit:       queryInt(q.Get("limit"), 100),
	}

	detections, err := s.store.DetectionsFiltered(r.Context(), filter)
	if err != nil {
		s.logger.Error("Detection query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detections": detections,
		"count":      len(detections),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.store.RawEvents(r.Context(), q.Get("type"), queryInt(q.Get("limit"), 100))
	if err != nil {
		s.logger.Error("Event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.DevicesSummary(r.Context())
	if err != nil {
		s.logger.Error("Device query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("Stats query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListenAndServe runs the server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return n
	}
	return def
}
