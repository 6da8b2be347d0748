package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/gmackie/control-panel-sub003/internal/logging"
	"github.com/gmackie/control-panel-sub003/internal/monitor"
	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
	"github.com/gmackie/control-panel-sub003/internal/monitor/health"
	"github.com/gmackie/control-panel-sub003/internal/monitor/storage"
)

// Version is reported by the health endpoint; main sets it from build info
var Version = "dev"

// Server represents the monitoring agent HTTP API server
type Server struct {
	config *monitor.Config
	logger *logging.Logger
	agent  *Agent

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new monitoring API server
func NewServer(config *monitor.Config, logger *logging.Logger, agent *Agent) *Server {
	return &Server{
		config: config,
		logger: logging.OrNop(logger),
		agent:  agent,
	}
}

// Handler builds the routed API handler wrapped in CORS
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Integration endpoints
	api.HandleFunc("/integrations", s.handleIntegrations).Methods(http.MethodGet)
	api.HandleFunc("/integrations/{provider}", s.handleIntegration).Methods(http.MethodGet)
	api.HandleFunc("/integrations/{provider}/check", s.handleCheckNow).Methods(http.MethodPost)
	api.HandleFunc("/integrations/{provider}/incidents", s.handleIncidentHistory).Methods(http.MethodGet)
	api.HandleFunc("/incidents", s.handleOpenIncidents).Methods(http.MethodGet)

	// Rule endpoints
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}", s.handleGetRule).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods(http.MethodPatch)
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)

	// Alert endpoints; /alerts/active must precede /alerts/{id}
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/active", s.handleActiveAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)

	api.HandleFunc("/notifications/failures", s.handleDispatchFailures).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	router.Handle("/metrics", s.agent.recorder.Handler()).Methods(http.MethodGet)

	origins := s.config.Agent.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(router)
}

// Start starts the HTTP API server and blocks until it is shut down
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         s.config.Agent.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("Starting monitoring API server", "addr", s.config.Agent.ListenAddr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("Stopping monitoring API server")
	return srv.Shutdown(ctx)
}

// handleHealth returns the health status of the monitoring agent
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := map[health.Status]int{}
	statuses := s.agent.GetAllStatuses()
	for _, st := range statuses {
		counts[st.Status]++
	}

	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   Version,
		"uptime":    s.agent.GetUptime().String(),
		"integrations": map[string]interface{}{
			"total":    len(statuses),
			"healthy":  counts[health.StatusHealthy],
			"degraded": counts[health.StatusDegraded],
			"down":     counts[health.StatusDown],
		},
		"alerts": map[string]interface{}{
			"enabled":      s.config.Alerts.Enabled,
			"rules":        len(s.agent.GetAlertRules()),
			"active_count": len(s.agent.GetActiveAlerts()),
		},
		"audit": map[string]interface{}{
			"enabled": s.agent.audit != nil,
		},
	}

	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *Server) handleIntegrations(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.agent.GetAllStatuses())
}

func (s *Server) handleIntegration(w http.ResponseWriter, r *http.Request) {
	status, err := s.agent.GetStatus(mux.Vars(r)["provider"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, status)
}

// handleCheckNow probes a provider out of band
func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	status, err := s.agent.CheckNow(r.Context(), mux.Vars(r)["provider"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, status)
}

func (s *Server) handleIncidentHistory(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.agent.GetIncidentHistory(mux.Vars(r)["provider"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, incidents)
}

func (s *Server) handleOpenIncidents(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.agent.GetOpenIncidents())
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.agent.GetAlertRules())
}

// handleCreateRule accepts the same rule form as the rules file
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var cfg alerts.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rule, err := cfg.ToRule()
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.agent.CreateAlertRule(rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.agent.GetAlertRule(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var cfg alerts.RulePatchConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	patch, err := cfg.ToPatch()
	if err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.agent.UpdateAlertRule(mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.DeleteAlertRule(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAlerts lists alert instances, optionally for one rule
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.agent.GetAlertInstances(r.URL.Query().Get("rule_id")))
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.agent.GetActiveAlerts())
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.agent.GetAlertInstance(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, alert)
}

type acknowledgeRequest struct {
	User  string `json:"user"`
	Notes string `json:"notes"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	// An empty body acknowledges anonymously
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	alert, err := s.agent.AcknowledgeAlert(mux.Vars(r)["id"], req.User, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, alert)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	alert, err := s.agent.ResolveAlert(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, alert)
}

// handleEvaluate runs the rules now and returns the decisions
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	decisions := s.agent.Evaluate(r.Context())
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"active":    s.agent.GetActiveAlerts(),
	})
}

func (s *Server) handleDispatchFailures(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.agent.GetDispatchFailures())
}

// handleEvents returns audit log entries
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.EventFilter{
		Kind:    query.Get("kind"),
		Subject: query.Get("subject"),
	}
	if since := query.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := query.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}
	if limit := query.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}

	records, err := s.agent.ListAuditEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"events": records,
		"count":  len(records),
	})
}

// writeError maps domain errors to HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, health.ErrTargetNotFound),
		errors.Is(err, alerts.ErrRuleNotFound),
		errors.Is(err, alerts.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, alerts.ErrInvalidRule):
		status = http.StatusBadRequest
	case errors.Is(err, alerts.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ErrAuditDisabled):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("Request failed", "error", err)
	}

	s.writeJSONResponse(w, status, map[string]string{"error": err.Error()})
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}
