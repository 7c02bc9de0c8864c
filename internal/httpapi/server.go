package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/devicesync/internal/engine"
	"github.com/agentworkforce/devicesync/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamPingInterval keeps idle websocket streams alive.
	StreamPingInterval time.Duration
	// Registry receives request counters and backs /metrics. Nil uses the
	// prometheus default registry.
	Registry *prometheus.Registry
	Logger   Logger
}

type Server struct {
	store       *relay.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	requests    *prometheus.CounterVec
	metrics     http.Handler
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

func NewServer(store *relay.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *relay.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamPingInterval <= 0 {
		cfg.StreamPingInterval = 30 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if cfg.Registry != nil {
		registerer = cfg.Registry
		gatherer = cfg.Registry
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		requests:    registerRequestCounter(registerer),
		metrics:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.serve(rec, r)
	s.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return "metrics"
	}
	if r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet {
		s.handleAdmin(w, r, func() any { return s.store.GetBackendStatus() })
		return "admin_backends"
	}
	if r.URL.Path == "/v1/admin/devices" && r.Method == http.MethodGet {
		s.handleAdmin(w, r, func() any { return map[string]any{"devices": s.store.Devices()} })
		return "admin_devices"
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "devices" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "not_found"
	}
	deviceID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 6 && parts[3] == "namespaces" && parts[5] == "commands" && r.Method == http.MethodPost:
		requiredScope = ScopeCommandsWrite
		route = "enqueue_command"
	case len(parts) == 6 && parts[3] == "namespaces" && parts[5] == "commands" && r.Method == http.MethodGet:
		requiredScope = ScopeCommandsRead
		route = "fetch_commands"
	case len(parts) == 7 && parts[3] == "namespaces" && parts[5] == "commands" && r.Method == http.MethodDelete:
		requiredScope = ScopeCommandsRead
		route = "ack_command"
	case len(parts) == 6 && parts[3] == "namespaces" && parts[5] == "state" && r.Method == http.MethodPut:
		requiredScope = ScopeStateWrite
		route = "put_state"
	case len(parts) == 6 && parts[3] == "namespaces" && parts[5] == "state" && r.Method == http.MethodGet:
		requiredScope = ScopeStateRead
		route = "get_state"
	case len(parts) == 4 && parts[3] == "scheduled" && r.Method == http.MethodPost:
		requiredScope = ScopeScheduledWrite
		route = "create_scheduled"
	case len(parts) == 4 && parts[3] == "scheduled" && r.Method == http.MethodGet:
		requiredScope = ScopeScheduledRead
		route = "list_scheduled"
	case len(parts) == 5 && parts[3] == "scheduled" && r.Method == http.MethodGet:
		requiredScope = ScopeScheduledRead
		route = "get_scheduled"
	case len(parts) == 5 && parts[3] == "scheduled" && r.Method == http.MethodPatch:
		requiredScope = ScopeScheduledWrite
		route = "update_scheduled"
	case len(parts) == 6 && parts[3] == "scheduled" && parts[5] == "cancel" && r.Method == http.MethodPost:
		requiredScope = ScopeScheduledWrite
		route = "cancel_scheduled"
	case len(parts) == 5 && parts[3] == "mirror" && r.Method == http.MethodPost:
		requiredScope = ScopeMirrorWrite
		route = "mirror_write"
	case len(parts) == 5 && parts[3] == "mirror" && r.Method == http.MethodGet:
		requiredScope = ScopeMirrorRead
		route = "mirror_list"
	case len(parts) == 6 && parts[3] == "mirror" && r.Method == http.MethodDelete:
		requiredScope = ScopeMirrorWrite
		route = "mirror_delete"
	case len(parts) == 4 && parts[3] == "stream" && r.Method == http.MethodGet:
		requiredScope = ScopeCommandsRead
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "not_found"
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, deviceID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return route
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return route
	}
	if s.rateLimiter != nil {
		key := deviceID + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return route
		}
	}

	switch route {
	case "enqueue_command":
		s.handleEnqueueCommand(w, r, deviceID, parts[4], correlationID)
	case "fetch_commands":
		s.handleFetchCommands(w, r, deviceID, parts[4], correlationID)
	case "ack_command":
		s.handleAckCommand(w, deviceID, parts[4], parts[6], correlationID)
	case "put_state":
		s.handlePutState(w, r, deviceID, parts[4], correlationID)
	case "get_state":
		s.handleGetState(w, deviceID, parts[4], correlationID)
	case "create_scheduled":
		s.handleCreateScheduled(w, r, deviceID, correlationID)
	case "list_scheduled":
		s.handleListScheduled(w, r, deviceID, correlationID)
	case "get_scheduled":
		s.handleGetScheduled(w, deviceID, parts[4], correlationID)
	case "update_scheduled":
		s.handleUpdateScheduled(w, r, deviceID, parts[4], correlationID)
	case "cancel_scheduled":
		s.handleCancelScheduled(w, deviceID, parts[4], correlationID)
	case "mirror_write":
		s.handleMirrorWrite(w, r, deviceID, parts[4], correlationID)
	case "mirror_list":
		s.handleMirrorList(w, deviceID, parts[4], correlationID)
	case "mirror_delete":
		s.handleMirrorDelete(w, deviceID, parts[4], parts[5], correlationID)
	case "stream":
		s.handleStream(w, r, deviceID, correlationID)
	}
	return route
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, body func() any) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", "", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if claims.DeviceID != anyDevice || !hasAnyScope(claims.Scopes, ScopeAdminRead) {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+ScopeAdminRead, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	writeJSON(w, http.StatusOK, body())
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request, deviceID, namespace, correlationID string) {
	var cmd engine.Command
	if !s.decodeJSONBody(w, r, correlationID, &cmd) {
		return
	}
	queued, err := s.store.EnqueueCommand(deviceID, namespace, cmd)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, queued)
}

func (s *Server) handleFetchCommands(w http.ResponseWriter, r *http.Request, deviceID, namespace, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 0, 1, 500)
	commands, err := s.store.PendingCommands(deviceID, namespace, limit)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

func (s *Server) handleAckCommand(w http.ResponseWriter, deviceID, namespace, commandID, correlationID string) {
	if err := s.store.AckCommand(deviceID, namespace, commandID); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type putStateRequest struct {
	Snapshot engine.StateSnapshot `json:"snapshot"`
}

func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request, deviceID, namespace, correlationID string) {
	var req putStateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	record, err := s.store.PutState(deviceID, namespace, req.Snapshot)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetState(w http.ResponseWriter, deviceID, namespace, correlationID string) {
	record, err := s.store.GetState(deviceID, namespace)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCreateScheduled(w http.ResponseWriter, r *http.Request, deviceID, correlationID string) {
	var item engine.ScheduledItem
	if !s.decodeJSONBody(w, r, correlationID, &item) {
		return
	}
	created, err := s.store.CreateScheduledItem(deviceID, item)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request, deviceID, correlationID string) {
	status := engine.ItemStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	items, err := s.store.ListScheduledItems(deviceID, status)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetScheduled(w http.ResponseWriter, deviceID, itemID, correlationID string) {
	item, err := s.store.GetScheduledItem(deviceID, itemID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdateScheduled(w http.ResponseWriter, r *http.Request, deviceID, itemID, correlationID string) {
	var update engine.StatusUpdate
	if !s.decodeJSONBody(w, r, correlationID, &update) {
		return
	}
	item, err := s.store.UpdateScheduledItemStatus(deviceID, itemID, update)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancelScheduled(w http.ResponseWriter, deviceID, itemID, correlationID string) {
	cmd, err := s.store.RequestCancel(deviceID, itemID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleMirrorWrite(w http.ResponseWriter, r *http.Request, deviceID, stream, correlationID string) {
	var record engine.MirroredRecord
	if !s.decodeJSONBody(w, r, correlationID, &record) {
		return
	}
	if record.Stream != "" && record.Stream != stream {
		writeError(w, http.StatusBadRequest, "bad_request", "stream does not match path", correlationID)
		return
	}
	record.Stream = stream
	written, err := s.store.MirrorWrite(deviceID, record)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, written)
}

func (s *Server) handleMirrorList(w http.ResponseWriter, deviceID, stream, correlationID string) {
	records, err := s.store.MirrorList(deviceID, stream)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleMirrorDelete(w http.ResponseWriter, deviceID, stream, recordID, correlationID string) {
	if err := s.store.MirrorDelete(deviceID, stream, recordID); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, relay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, relay.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, relay.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
