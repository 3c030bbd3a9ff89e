package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/catalog"
	"github.com/alexnthnz/tutoring-automation/internal/monitoring"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// TriggerRunner evaluates a trigger in process
type TriggerRunner interface {
	Run(ctx context.Context, trigger automation.Trigger) (*automation.RunResult, error)
}

// TriggerPublisher hands a trigger to the worker fleet
type TriggerPublisher interface {
	Publish(ctx context.Context, trigger automation.Trigger) (string, error)
}

// Handler holds dependencies for REST API handlers
type Handler struct {
	catalog   *catalog.Service
	ledger    *automation.Ledger
	runner    TriggerRunner
	publisher TriggerPublisher
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	validator *validator.Validate
}

// NewHandler creates a new REST API handler. When publisher is nil, triggers
// are run inline by runner.
func NewHandler(
	catalogService *catalog.Service,
	ledger *automation.Ledger,
	runner TriggerRunner,
	publisher TriggerPublisher,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		catalog:   catalogService,
		ledger:    ledger,
		runner:    runner,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		validator: validator.New(),
	}
}

// TriggerRequest represents the request body for firing a trigger
type TriggerRequest struct {
	ID          string                 `json:"id,omitempty"`
	TriggerType automation.TriggerType `json:"trigger_type" validate:"required,oneof=reminder notification report"`
	Audience    automation.Audience    `json:"audience" validate:"required,oneof=student teacher staff admin"`
	Attributes  automation.Attributes  `json:"attributes"`
	Variables   map[string]string      `json:"variables,omitempty"`
	Recipients  []automation.Recipient `json:"recipients" validate:"required,min=1,dive"`
	OccurredAt  *time.Time             `json:"occurred_at"`
}

// Trigger converts the request into a trigger
func (r TriggerRequest) Trigger() automation.Trigger {
	trigger := automation.Trigger{
		ID:          r.ID,
		TriggerType: r.TriggerType,
		Audience:    r.Audience,
		Attributes:  r.Attributes,
		Variables:   r.Variables,
		Recipients:  r.Recipients,
	}
	if r.OccurredAt != nil {
		trigger.OccurredAt = *r.OccurredAt
	}
	return trigger
}

// TriggerAcceptedResponse is returned when a trigger was queued for a worker
type TriggerAcceptedResponse struct {
	TriggerID string `json:"trigger_id"`
	Status    string `json:"status"`
}

// EnabledRequest toggles a rule
type EnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// PreviewRequest overrides a template's example values
type PreviewRequest struct {
	Variables map[string]string `json:"variables"`
}

// FlagRequest carries the follow-up note of a flagged record
type FlagRequest struct {
	Note string `json:"note"`
}

// SaveTemplateRequest names the template created from a record
type SaveTemplateRequest struct {
	Name string `json:"name" validate:"required"`
}

// ReceiptRequest is an asynchronous delivery confirmation
type ReceiptRequest struct {
	Status automation.DeliveryStatus `json:"status" validate:"required"`
}

// ListResponse is a page of results
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Code    int    `json:"code"`
}

// ListRules handles GET /rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.catalog.ListRules(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse[automation.Rule]{Items: rules, Total: len(rules), Limit: len(rules)})
}

// CreateRule handles POST /rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule automation.Rule
	if !h.decode(w, r, &rule) {
		return
	}
	created, err := h.catalog.CreateRule(r.Context(), rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// GetRule handles GET /rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.catalog.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// UpdateRule handles PUT /rules/{id}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule automation.Rule
	if !h.decode(w, r, &rule) {
		return
	}
	updated, err := h.catalog.UpdateRule(r.Context(), mux.Vars(r)["id"], rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// SetRuleEnabled handles PATCH /rules/{id}/enabled
func (h *Handler) SetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	var req EnabledRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := h.catalog.SetRuleEnabled(r.Context(), mux.Vars(r)["id"], *req.Enabled)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /rules/{id}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTemplates handles GET /templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.catalog.ListTemplates(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse[automation.Template]{Items: templates, Total: len(templates), Limit: len(templates)})
}

// CreateTemplate handles POST /templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl automation.Template
	if !h.decode(w, r, &tmpl) {
		return
	}
	created, err := h.catalog.CreateTemplate(r.Context(), tmpl)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// GetTemplate handles GET /templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.catalog.GetTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tmpl)
}

// UpdateTemplate handles PUT /templates/{id}
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl automation.Template
	if !h.decode(w, r, &tmpl) {
		return
	}
	updated, err := h.catalog.UpdateTemplate(r.Context(), mux.Vars(r)["id"], tmpl)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// DeleteTemplate handles DELETE /templates/{id}
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteTemplate(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewTemplate handles POST /templates/{id}/preview
func (h *Handler) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	preview, err := h.catalog.PreviewTemplate(r.Context(), mux.Vars(r)["id"], req.Variables)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// FireTrigger handles POST /triggers
func (h *Handler) FireTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OccurredAt == nil || req.OccurredAt.IsZero() {
		// the occurrence key derives from it, so a replay must carry the same value
		h.writeErrorResponse(w, "occurred_at is required", "occurred_at", http.StatusBadRequest)
		return
	}
	trigger := req.Trigger()

	if h.publisher != nil {
		id, err := h.publisher.Publish(r.Context(), trigger)
		if err != nil {
			h.logger.Error("Failed to publish trigger", zap.Error(err))
			h.writeErrorResponse(w, "Failed to queue trigger", "", http.StatusServiceUnavailable)
			return
		}
		h.writeJSON(w, http.StatusAccepted, TriggerAcceptedResponse{TriggerID: id, Status: "queued"})
		return
	}

	result, err := h.runner.Run(r.Context(), trigger)
	if err != nil {
		h.logger.Error("Automation run failed", zap.String("trigger_id", trigger.ID), zap.Error(err))
		h.writeErrorResponse(w, err.Error(), "", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ListRecords handles GET /records
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pagination(r)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), "", http.StatusBadRequest)
		return
	}
	filter := automation.RecordFilter{
		RuleID:      q.Get("rule_id"),
		RecipientID: q.Get("recipient_id"),
		Channel:     automation.Channel(q.Get("channel")),
		Status:      automation.DeliveryStatus(q.Get("status")),
		Limit:       limit,
		Offset:      offset,
	}
	if v := q.Get("flagged"); v != "" {
		flagged, err := strconv.ParseBool(v)
		if err != nil {
			h.writeErrorResponse(w, "flagged must be true or false", "flagged", http.StatusBadRequest)
			return
		}
		filter.Flagged = &flagged
	}

	records, total, err := h.ledger.ListRecords(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse[*automation.Record]{Items: records, Total: total, Limit: limit, Offset: offset})
}

// GetRecord handles GET /records/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.GetRecord(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// ResendRecord handles POST /records/{id}/resend
func (h *Handler) ResendRecord(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.Resend(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, result)
}

// ResendAllFailed handles POST /records/resend-failed
func (h *Handler) ResendAllFailed(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.ResendAllFailed(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// FlagRecord handles POST /records/{id}/flag
func (h *Handler) FlagRecord(w http.ResponseWriter, r *http.Request) {
	var req FlagRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.ledger.FlagError(r.Context(), mux.Vars(r)["id"], req.Note)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// SaveRecordAsTemplate handles POST /records/{id}/save-as-template
func (h *Handler) SaveRecordAsTemplate(w http.ResponseWriter, r *http.Request) {
	var req SaveTemplateRequest
	if !h.decode(w, r, &req) {
		return
	}
	tmpl, err := h.ledger.SaveAsTemplate(r.Context(), mux.Vars(r)["id"], req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tmpl)
}

// ApplyReceipt handles POST /records/{id}/receipt
func (h *Handler) ApplyReceipt(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.ledger.ApplyReceipt(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// ListRuns handles GET /runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), "", http.StatusBadRequest)
		return
	}
	logs, total, err := h.ledger.ListRunLogs(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse[*automation.RunLog]{Items: logs, Total: total, Limit: limit, Offset: offset})
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "automation-api",
		"version":   "1.0.0",
	}
	h.writeJSON(w, http.StatusOK, health)
}

// Metrics handles GET /metrics (Prometheus metrics)
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler().ServeHTTP(w, r)
}

// decode reads and validates a JSON body, writing a 400 on failure
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Debug("Failed to decode request", zap.Error(err))
		h.writeErrorResponse(w, "Invalid request body", "", http.StatusBadRequest)
		return false
	}
	switch dst.(type) {
	case *automation.Rule, *automation.Template:
		// validated by the catalog
		return true
	}
	if err := h.validator.Struct(dst); err != nil {
		h.logger.Debug("Request validation failed", zap.Error(err))
		h.writeErrorResponse(w, fmt.Sprintf("Validation error: %v", err), "", http.StatusBadRequest)
		return false
	}
	return true
}

func pagination(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, offset := defaultPageSize, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

// writeError maps a service error onto an HTTP status
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var cfgErr *automation.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		h.writeErrorResponse(w, cfgErr.Reason, cfgErr.Field, http.StatusBadRequest)
	case errors.Is(err, automation.ErrNotFound):
		h.writeErrorResponse(w, err.Error(), "", http.StatusNotFound)
	case errors.Is(err, automation.ErrInvalidTransition):
		h.writeErrorResponse(w, err.Error(), "", http.StatusConflict)
	default:
		h.logger.Error("Request failed", zap.Error(err))
		h.writeErrorResponse(w, "Internal error", "", http.StatusInternalServerError)
	}
}

// writeErrorResponse writes an error response
func (h *Handler) writeErrorResponse(w http.ResponseWriter, message, field string, statusCode int) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Field:   field,
		Code:    statusCode,
	}
	h.writeJSON(w, statusCode, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// SetupRoutes sets up all REST API routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	handle := func(path, op string, fn http.HandlerFunc, method string) {
		api.Handle(path, h.instrument(op, fn)).Methods(method)
	}

	handle("/rules", "list_rules", h.ListRules, http.MethodGet)
	handle("/rules", "create_rule", h.CreateRule, http.MethodPost)
	handle("/rules/{id}", "get_rule", h.GetRule, http.MethodGet)
	handle("/rules/{id}", "update_rule", h.UpdateRule, http.MethodPut)
	handle("/rules/{id}", "delete_rule", h.DeleteRule, http.MethodDelete)
	handle("/rules/{id}/enabled", "set_rule_enabled", h.SetRuleEnabled, http.MethodPatch)

	handle("/templates", "list_templates", h.ListTemplates, http.MethodGet)
	handle("/templates", "create_template", h.CreateTemplate, http.MethodPost)
	handle("/templates/{id}", "get_template", h.GetTemplate, http.MethodGet)
	handle("/templates/{id}", "update_template", h.UpdateTemplate, http.MethodPut)
	handle("/templates/{id}", "delete_template", h.DeleteTemplate, http.MethodDelete)
	handle("/templates/{id}/preview", "preview_template", h.PreviewTemplate, http.MethodPost)

	handle("/triggers", "fire_trigger", h.FireTrigger, http.MethodPost)

	handle("/records", "list_records", h.ListRecords, http.MethodGet)
	handle("/records/resend-failed", "resend_failed", h.ResendAllFailed, http.MethodPost)
	handle("/records/{id}", "get_record", h.GetRecord, http.MethodGet)
	handle("/records/{id}/resend", "resend", h.ResendRecord, http.MethodPost)
	handle("/records/{id}/flag", "flag_record", h.FlagRecord, http.MethodPost)
	handle("/records/{id}/save-as-template", "save_as_template", h.SaveRecordAsTemplate, http.MethodPost)
	handle("/records/{id}/receipt", "apply_receipt", h.ApplyReceipt, http.MethodPost)

	handle("/runs", "list_runs", h.ListRuns, http.MethodGet)
	handle("/stats", "stats", h.Stats, http.MethodGet)

	// Health and metrics
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.Metrics).Methods(http.MethodGet)

	router.Use(h.loggingMiddleware)
	router.Use(h.corsMiddleware)

	return router
}

// instrument records request duration and in-flight requests for one operation
func (h *Handler) instrument(op string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.metrics.IncrementActiveConnections()
		defer func() {
			h.metrics.DecrementActiveConnections()
			h.metrics.RecordRequestDuration("rest", op, time.Since(start).Seconds())
		}()
		next(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response recorder to capture status code
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		h.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// corsMiddleware adds CORS headers
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
