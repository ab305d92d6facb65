// Package api exposes the engine's HTTP surface: scenario lifecycle,
// event injection, instance audit, forecasts, live event streaming, and
// operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/spinleaf/scenario-engine/internal/engine"
	"github.com/spinleaf/scenario-engine/internal/events"
	"github.com/spinleaf/scenario-engine/internal/predict"
	"github.com/spinleaf/scenario-engine/internal/scenario"
	"github.com/spinleaf/scenario-engine/internal/store"
)

// EventRouter accepts injected player events. Satisfied by
// engine.Router.
type EventRouter interface {
	Route(ctx context.Context, evt engine.PlayerEvent) ([]string, error)
}

// Canceller terminates all open instances of a scenario. Satisfied by
// engine.Scheduler.
type Canceller interface {
	CancelScenario(ctx context.Context, scenarioID string) (int, error)
}

// Deps wires the server's collaborators.
type Deps struct {
	Registry  *scenario.Registry
	Store     store.Store
	Router    EventRouter
	Canceller Canceller
	Predictor predict.Predictor
}

// Server serves the engine API.
type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.metricsHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/scenarios", RequireAdmin(s.publishScenario)).Methods(http.MethodPost)
	r.HandleFunc("/api/scenarios/{id}/pause", RequireAdmin(s.pauseScenario)).Methods(http.MethodPost)
	r.HandleFunc("/api/scenarios/{id}/resume", RequireAdmin(s.resumeScenario)).Methods(http.MethodPost)
	r.HandleFunc("/api/scenarios/{id}/cancel", RequireAdmin(s.cancelScenario)).Methods(http.MethodPost)
	r.HandleFunc("/api/scenarios/{id}/forecast", RequireAnyRole(s.forecastScenario)).Methods(http.MethodGet)

	r.HandleFunc("/api/events", RequireAdmin(s.injectEvent)).Methods(http.MethodPost)
	r.HandleFunc("/api/events", RequireAnyRole(engineEventsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/api/events/ws", RequireAnyRole(wsEventsHandler)).Methods(http.MethodGet)

	r.HandleFunc("/api/instances/{id}", RequireAnyRole(s.instanceHandler)).Methods(http.MethodGet)

	return r
}

// ListenAndServe starts the API server on the given port, with TLS when
// configured. It blocks until the server exits.
func (s *Server) ListenAndServe(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	if IsTLSEnabled() {
		srv.TLSConfig = LoadTLSConfig()
		log.Printf("api listening on %s (tls)", addr)
		return srv.ListenAndServeTLS("", "")
	}
	log.Printf("api listening on %s", addr)
	return srv.ListenAndServe()
}

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Service:   "scenario-engine",
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type publishResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Status  string `json:"status"`
}

type validationResponse struct {
	Errors []scenario.ValidationError `json:"errors"`
}

func (s *Server) publishScenario(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	parsed, err := scenario.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	published, verrs, err := s.deps.Registry.Publish(r.Context(), parsed)
	if len(verrs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, validationResponse{Errors: verrs})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, publishResponse{
		ID:      published.ID,
		Version: published.Version,
		Status:  string(published.Status),
	})
}

func (s *Server) pauseScenario(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Registry.Pause(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "paused"})
}

func (s *Server) resumeScenario(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Registry.Resume(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "active"})
}

func (s *Server) cancelScenario(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	// stop new entries and wake-ups first, then terminate open instances
	if err := s.deps.Registry.Pause(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	n, err := s.deps.Canceller.CancelScenario(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"status":    "cancelled",
		"instances": n,
	})
}

func (s *Server) forecastScenario(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sc := s.deps.Registry.Latest(id)
	if sc == nil {
		writeError(w, http.StatusNotFound, "unknown scenario "+id)
		return
	}
	f, err := s.deps.Predictor.Forecast(r.Context(), sc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) injectEvent(w http.ResponseWriter, r *http.Request) {
	var evt engine.PlayerEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if evt.Type == "" || evt.PlayerID == "" {
		writeError(w, http.StatusBadRequest, "type and playerId are required")
		return
	}

	ids, err := s.deps.Router.Route(r.Context(), evt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"instances": append([]string{}, ids...),
	})
}

type instanceResponse struct {
	ID            string               `json:"id"`
	ScenarioID    string               `json:"scenarioId"`
	Version       int                  `json:"scenarioVersion"`
	PlayerID      string               `json:"playerId"`
	Status        store.InstanceStatus `json:"status"`
	CurrentNodeID string               `json:"currentNodeId"`
	WakeAt        *time.Time           `json:"wakeAt,omitempty"`
	FailReason    string               `json:"failReason,omitempty"`
	Visited       []store.VisitedNode  `json:"visited"`
	Audit         []store.AuditEntry   `json:"audit"`
}

func (s *Server) instanceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, err := s.deps.Store.Instance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown instance "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	audit, err := s.deps.Store.AuditByInstance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, instanceResponse{
		ID:            inst.ID,
		ScenarioID:    inst.ScenarioID,
		Version:       inst.ScenarioVersion,
		PlayerID:      inst.PlayerID,
		Status:        inst.Status,
		CurrentNodeID: inst.CurrentNodeID,
		WakeAt:        inst.WakeAt,
		FailReason:    inst.FailReason,
		Visited:       inst.Visited,
		Audit:         audit,
	})
}

func engineEventsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, events.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
