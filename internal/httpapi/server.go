package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

type ServerConfig struct {
	RateLimitMax         int
	RateLimitWindow      time.Duration
	MaxBodyBytes         int64
	HealthStreamInterval time.Duration
	Orchestrator         taskrelay.OrchestratorOptions
	Gatherer             prometheus.Gatherer
	Logger               *zap.Logger
}

// Server exposes backend configuration and task replication over HTTP.
// Every task or health request builds a fresh orchestrator for the user,
// loads that user's configs and closes the backends before returning.
type Server struct {
	registry    *taskrelay.Registry
	store       taskrelay.ConfigRepository
	cfg         ServerConfig
	logger      *zap.Logger
	metrics     http.Handler
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(registry *taskrelay.Registry, store taskrelay.ConfigRepository) *Server {
	return NewServerWithConfig(registry, store, ServerConfig{})
}

func NewServerWithConfig(registry *taskrelay.Registry, store taskrelay.ConfigRepository, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.HealthStreamInterval <= 0 {
		cfg.HealthStreamInterval = 15 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Orchestrator.Logger == nil {
		cfg.Orchestrator.Logger = logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		registry:    registry,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID != "" {
		w.Header().Set("X-Correlation-Id", correlationID)
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "backends" && r.Method == http.MethodGet:
		route = "backends"
	case len(parts) == 3 && parts[1] == "backends" && parts[2] == "health" && r.Method == http.MethodGet:
		route = "backends_health"
	case len(parts) == 4 && parts[1] == "backends" && parts[2] == "health" && parts[3] == "stream" && r.Method == http.MethodGet:
		route = "backends_health_stream"
	case len(parts) == 2 && parts[1] == "configs" && r.Method == http.MethodGet:
		route = "configs_list"
	case len(parts) == 2 && parts[1] == "configs" && r.Method == http.MethodPost:
		route = "configs_create"
	case len(parts) == 3 && parts[1] == "configs" && r.Method == http.MethodGet:
		route = "config_get"
	case len(parts) == 3 && parts[1] == "configs" && r.Method == http.MethodPut:
		route = "config_update"
	case len(parts) == 3 && parts[1] == "configs" && r.Method == http.MethodDelete:
		route = "config_delete"
	case len(parts) == 3 && parts[1] == "tasks" && parts[2] == "sync" && r.Method == http.MethodPost:
		route = "tasks_save"
	case len(parts) == 3 && parts[1] == "tasks" && parts[2] == "sync" && r.Method == http.MethodPut:
		route = "tasks_update"
	case len(parts) == 3 && parts[1] == "tasks" && parts[2] == "sync" && r.Method == http.MethodDelete:
		route = "tasks_delete"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	// Task routes carry the user in the body and are limited once it is decoded.
	if !strings.HasPrefix(route, "tasks_") && !s.allowRequest(w, rateLimitKey(r, ""), correlationID) {
		return
	}

	switch route {
	case "backends":
		writeJSON(w, http.StatusOK, map[string]any{"backends": s.registry.Describe()})
	case "backends_health":
		s.handleBackendsHealth(w, r, correlationID)
	case "backends_health_stream":
		s.handleBackendsHealthStream(w, r, correlationID)
	case "configs_list":
		s.handleListConfigs(w, r, correlationID)
	case "configs_create":
		s.handleCreateConfig(w, r, correlationID)
	case "config_get":
		s.handleGetConfig(w, r, parts[2], correlationID)
	case "config_update":
		s.handleUpdateConfig(w, r, parts[2], correlationID)
	case "config_delete":
		s.handleDeleteConfig(w, r, parts[2], correlationID)
	case "tasks_save":
		s.handleSaveTask(w, r, correlationID)
	case "tasks_update":
		s.handleUpdateTask(w, r, correlationID)
	case "tasks_delete":
		s.handleDeleteTask(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// session loads a short-lived orchestrator for userID. Callers must call
// CloseAll on the result.
func (s *Server) session(ctx context.Context, userID string) (*taskrelay.Orchestrator, error) {
	orchestrator := taskrelay.NewOrchestrator(s.registry, s.store, s.cfg.Orchestrator)
	if _, err := orchestrator.LoadConfigurations(ctx, userID); err != nil {
		return nil, err
	}
	return orchestrator, nil
}

func (s *Server) handleBackendsHealth(w http.ResponseWriter, r *http.Request, correlationID string) {
	orchestrator, err := s.session(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	defer orchestrator.CloseAll()
	writeJSON(w, http.StatusOK, map[string]any{"backends": orchestrator.HealthCheckAll(r.Context())})
}

func (s *Server) handleBackendsHealthStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	interval := s.cfg.HealthStreamInterval
	if raw := strings.TrimSpace(r.URL.Query().Get("interval")); raw != "" {
		seconds, err := parseOptionalBoundedInt(raw, 0, 1, 3600)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "interval must be between 1 and 3600 seconds", correlationID)
			return
		}
		interval = time.Duration(seconds) * time.Second
	}
	userID := r.URL.Query().Get("userId")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("health stream upgrade failed", zap.Error(err), zap.String("correlation_id", correlationID))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "health stream ended")

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.pushHealth(ctx, conn, userID); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("health stream stopped", zap.String("user_id", userID), zap.Error(err))
			}
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushHealth(ctx context.Context, conn *websocket.Conn, userID string) error {
	orchestrator, err := s.session(ctx, userID)
	if err != nil {
		return wsjson.Write(ctx, conn, map[string]any{"error": err.Error()})
	}
	defer orchestrator.CloseAll()
	return wsjson.Write(ctx, conn, map[string]any{
		"backends":  orchestrator.HealthCheckAll(ctx),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request, correlationID string) {
	configs, err := s.store.List(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": configs})
}

type configRequest struct {
	UserID      string             `json:"userId"`
	BackendName string             `json:"backendName"`
	Settings    taskrelay.Settings `json:"settings"`
	Active      *bool              `json:"active"`
	Priority    int                `json:"priority"`
}

func (c configRequest) toConfig() taskrelay.BackendConfig {
	active := true
	if c.Active != nil {
		active = *c.Active
	}
	settings := c.Settings
	if settings == nil {
		settings = taskrelay.Settings{}
	}
	return taskrelay.BackendConfig{
		UserID:      strings.TrimSpace(c.UserID),
		BackendName: strings.ToLower(strings.TrimSpace(c.BackendName)),
		Settings:    settings,
		Active:      active,
		Priority:    c.Priority,
	}
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req configRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	cfg := req.toConfig()
	if !s.validateBackendSettings(w, cfg, correlationID) {
		return
	}
	created, err := s.store.Create(r.Context(), cfg)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	cfg, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// configUpdateRequest holds the fields a PUT may change. Absent fields keep
// their stored values and the owner is never changed.
type configUpdateRequest struct {
	BackendName string             `json:"backendName"`
	Settings    taskrelay.Settings `json:"settings"`
	Active      *bool              `json:"active"`
	Priority    *int               `json:"priority"`
}

func (c configUpdateRequest) apply(existing taskrelay.BackendConfig) taskrelay.BackendConfig {
	cfg := existing
	if name := strings.ToLower(strings.TrimSpace(c.BackendName)); name != "" {
		cfg.BackendName = name
	}
	if c.Settings != nil {
		cfg.Settings = c.Settings
	}
	if c.Active != nil {
		cfg.Active = *c.Active
	}
	if c.Priority != nil {
		cfg.Priority = *c.Priority
	}
	return cfg
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var req configUpdateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	existing, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	cfg := req.apply(existing)
	if !s.validateBackendSettings(w, cfg, correlationID) {
		return
	}
	updated, err := s.store.Update(r.Context(), cfg)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateBackendSettings rejects unknown backends and settings that do not
// match the backend's schema.
func (s *Server) validateBackendSettings(w http.ResponseWriter, cfg taskrelay.BackendConfig, correlationID string) bool {
	if cfg.BackendName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "backendName is required", correlationID)
		return false
	}
	err := s.registry.ValidateSettings(cfg.BackendName, cfg.Settings)
	switch {
	case err == nil:
		return true
	case errors.Is(err, taskrelay.ErrBackendNotRegistered):
		writeError(w, http.StatusBadRequest, "unknown_backend", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadRequest, "invalid_settings", err.Error(), correlationID)
	}
	return false
}

type saveTaskRequest struct {
	UserID string         `json:"userId"`
	Task   taskrelay.Task `json:"task"`
}

type updateTaskRequest struct {
	UserID      string            `json:"userId"`
	Task        taskrelay.Task    `json:"task"`
	ExternalIDs map[string]string `json:"externalIds"`
}

type deleteTaskRequest struct {
	UserID      string            `json:"userId"`
	ExternalIDs map[string]string `json:"externalIds"`
}

func (s *Server) handleSaveTask(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req saveTaskRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !s.allowRequest(w, rateLimitKey(r, req.UserID), correlationID) {
		return
	}
	task := req.Task.Normalized()
	if err := task.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	orchestrator, err := s.session(r.Context(), req.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	defer orchestrator.CloseAll()

	outcomes, err := orchestrator.Save(r.Context(), task)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":          "all_backends_failed",
			"message":       err.Error(),
			"correlationId": correlationID,
			"failures":      outcomes.Failures(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"externalIds": outcomes.ExternalIDs(),
		"failures":    outcomes.Failures(),
	})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req updateTaskRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !s.allowRequest(w, rateLimitKey(r, req.UserID), correlationID) {
		return
	}
	task := req.Task.Normalized()
	if err := task.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	s.runMapped(w, r, req.UserID, req.ExternalIDs, correlationID, func(ctx context.Context, o *taskrelay.Orchestrator) (taskrelay.Outcomes, error) {
		return o.Update(ctx, task, req.ExternalIDs)
	})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req deleteTaskRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !s.allowRequest(w, rateLimitKey(r, req.UserID), correlationID) {
		return
	}
	s.runMapped(w, r, req.UserID, req.ExternalIDs, correlationID, func(ctx context.Context, o *taskrelay.Orchestrator) (taskrelay.Outcomes, error) {
		return o.Delete(ctx, req.ExternalIDs)
	})
}

func (s *Server) runMapped(w http.ResponseWriter, r *http.Request, userID string, externalIDs map[string]string, correlationID string, call func(context.Context, *taskrelay.Orchestrator) (taskrelay.Outcomes, error)) {
	if len(externalIDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "externalIds is required", correlationID)
		return
	}
	orchestrator, err := s.session(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	defer orchestrator.CloseAll()

	outcomes, err := call(r.Context(), orchestrator)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":          "all_backends_failed",
			"message":       err.Error(),
			"correlationId": correlationID,
			"failures":      outcomes.Failures(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  outcomes.Flags(),
		"failures": outcomes.Failures(),
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, taskrelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, taskrelay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, taskrelay.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.Error("config store request failed", zap.Error(err), zap.String("correlation_id", correlationID))
		writeError(w, http.StatusInternalServerError, "internal_error", "config store unavailable", correlationID)
	}
}

// allowRequest spends one unit of the budget for key and writes a 429 when
// none is left.
func (s *Server) allowRequest(w http.ResponseWriter, key, correlationID string) bool {
	if s.rateLimiter == nil || s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

// rateLimitKey prefers userID, then the userId query parameter, then the
// remote host.
func rateLimitKey(r *http.Request, userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	if userID != "" {
		return "user|" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr|" + host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}
