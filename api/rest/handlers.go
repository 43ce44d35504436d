package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/device"
	"github.com/alexnthnz/push-delivery/internal/monitoring"
	"github.com/alexnthnz/push-delivery/internal/notification"
	"github.com/alexnthnz/push-delivery/internal/preference"
	"github.com/alexnthnz/push-delivery/internal/queue"
	"github.com/alexnthnz/push-delivery/internal/sender"
)

// Handler holds dependencies for REST API handlers
type Handler struct {
	registry  *device.Registry
	prefs     *preference.Manager
	queue     *queue.Queue
	sender    *sender.Sender
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	validator *validator.Validate
}

// NewHandler creates a new REST API handler
func NewHandler(
	registry *device.Registry,
	prefs *preference.Manager,
	q *queue.Queue,
	snd *sender.Sender,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		registry:  registry,
		prefs:     prefs,
		queue:     q,
		sender:    snd,
		metrics:   metrics,
		logger:    logger,
		validator: validator.New(),
	}
}

// RegisterDeviceRequest represents the request body for device registration
type RegisterDeviceRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	Token      string `json:"token" validate:"required"`
	Platform   string `json:"platform" validate:"required,oneof=ios android web"`
	TokenKind  string `json:"token_kind,omitempty" validate:"omitempty,oneof=fcm apns web_push"`
	AppVersion string `json:"app_version,omitempty"`
}

// RefreshTokenRequest represents the request body for a token refresh
type RefreshTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// UpdatePreferenceRequest represents a partial preference update
type UpdatePreferenceRequest struct {
	Enabled           *bool   `json:"enabled,omitempty"`
	Priority          *string `json:"priority,omitempty" validate:"omitempty,oneof=urgent high normal low"`
	QuietHoursEnabled *bool   `json:"quiet_hours_enabled,omitempty"`
	QuietHoursStart   *string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd     *string `json:"quiet_hours_end,omitempty"`
	Timezone          *string `json:"timezone,omitempty"`
	MaxPerHour        *int    `json:"max_per_hour,omitempty"`
}

// SendNotificationRequest represents the request body for sending or
// scheduling a notification
type SendNotificationRequest struct {
	UserID      string            `json:"user_id" validate:"required"`
	Category    string            `json:"category" validate:"required"`
	Title       string            `json:"title" validate:"required"`
	Body        string            `json:"body" validate:"required"`
	Data        map[string]string `json:"data,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	ActionURL   string            `json:"action_url,omitempty"`
	DeviceID    string            `json:"device_id,omitempty"`
	Priority    string            `json:"priority,omitempty" validate:"omitempty,oneof=urgent high normal low"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// TrackingRequest represents a delivery/open tracking callback
type TrackingRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
}

// SendNotificationResponse represents the response for an immediate send
type SendNotificationResponse struct {
	Notification *notification.Notification `json:"notification"`
	Results      []*notification.Result     `json:"results"`
}

// ScheduleNotificationResponse represents the response for a scheduled send
type ScheduleNotificationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// QueueStatusResponse represents the queue inspection response
type QueueStatusResponse struct {
	Pending    int `json:"pending"`
	DeadLetter int `json:"dead_letter"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (h *Handler) toNotification(req SendNotificationRequest) *notification.Notification {
	priority := notification.ParsePriority(req.Priority)
	if req.Priority == "" {
		priority = h.prefs.GetPreference(req.UserID, req.Category).Priority
	}

	n := notification.New(req.UserID, req.Category, req.Title, req.Body, priority)
	n.Data = req.Data
	n.ImageURL = req.ImageURL
	n.ActionURL = req.ActionURL
	n.DeviceID = req.DeviceID
	n.ScheduledAt = req.ScheduledAt
	n.ExpiresAt = req.ExpiresAt
	return n
}

// RegisterDevice handles POST /api/v1/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if !h.decode(w, r, &req) {
		return
	}

	d := h.registry.Register(device.RegisterRequest{
		UserID:     req.UserID,
		Token:      req.Token,
		Platform:   device.Platform(req.Platform),
		TokenKind:  device.TokenKind(req.TokenKind),
		AppVersion: req.AppVersion,
	})

	h.logger.Info("device registered",
		zap.String("device_id", d.ID),
		zap.String("user_id", d.UserID),
		zap.String("platform", string(d.Platform)),
	)

	h.writeJSON(w, http.StatusCreated, d)
}

// GetDevice handles GET /api/v1/devices/{id}
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	d, ok := h.registry.Get(id)
	if !ok {
		h.writeErrorResponse(w, "Device not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// UnregisterDevice handles DELETE /api/v1/devices/{id}
func (h *Handler) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !h.registry.Unregister(id) {
		h.writeErrorResponse(w, "Device not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateDevice handles POST /api/v1/devices/{id}/deactivate
func (h *Handler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !h.registry.Deactivate(id) {
		h.writeErrorResponse(w, "Device not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshDeviceToken handles PUT /api/v1/devices/{id}/token
func (h *Handler) RefreshDeviceToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req RefreshTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	if !h.registry.RefreshToken(id, req.Token) {
		h.writeErrorResponse(w, "Device not found", http.StatusNotFound)
		return
	}
	d, _ := h.registry.Get(id)
	h.writeJSON(w, http.StatusOK, d)
}

// ListUserDevices handles GET /api/v1/users/{user_id}/devices
func (h *Handler) ListUserDevices(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	activeOnly := r.URL.Query().Get("all") != "true"

	devices := h.registry.ListForUser(userID, activeOnly)
	h.writeJSON(w, http.StatusOK, devices)
}

// GetPreference handles GET /api/v1/users/{user_id}/preferences/{category}
func (h *Handler) GetPreference(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := h.prefs.GetPreference(vars["user_id"], vars["category"])
	h.writeJSON(w, http.StatusOK, p)
}

// UpdatePreference handles PUT /api/v1/users/{user_id}/preferences/{category}
func (h *Handler) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req UpdatePreferenceRequest
	if !h.decode(w, r, &req) {
		return
	}

	upd := preference.Update{
		Enabled:           req.Enabled,
		QuietHoursEnabled: req.QuietHoursEnabled,
		QuietHoursStart:   req.QuietHoursStart,
		QuietHoursEnd:     req.QuietHoursEnd,
		Timezone:          req.Timezone,
		MaxPerHour:        req.MaxPerHour,
	}
	if req.Priority != nil {
		p := notification.ParsePriority(*req.Priority)
		upd.Priority = &p
	}

	p := h.prefs.UpdatePreference(vars["user_id"], vars["category"], upd)
	h.logger.Info("preference updated",
		zap.String("user_id", p.UserID),
		zap.String("category", p.Category),
	)
	h.writeJSON(w, http.StatusOK, p)
}

// SendNotification handles POST /api/v1/notifications (immediate delivery)
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req SendNotificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	n := h.toNotification(req)
	results := h.sender.Send(r.Context(), n)

	h.logger.Info("notification sent",
		zap.String("id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("status", string(n.Status)),
		zap.Int("results", len(results)),
	)

	h.writeJSON(w, http.StatusOK, SendNotificationResponse{
		Notification: n,
		Results:      results,
	})
}

// ScheduleNotification handles POST /api/v1/notifications/schedule
func (h *Handler) ScheduleNotification(w http.ResponseWriter, r *http.Request) {
	var req SendNotificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	n := h.toNotification(req)
	if !h.queue.Enqueue(n) {
		h.writeErrorResponse(w, "Notification already queued", http.StatusConflict)
		return
	}

	h.logger.Info("notification scheduled",
		zap.String("id", n.ID),
		zap.String("user_id", n.UserID),
		zap.Timep("scheduled_at", n.ScheduledAt),
	)

	h.writeJSON(w, http.StatusAccepted, ScheduleNotificationResponse{
		ID:     n.ID,
		Status: string(n.Status),
	})
}

// CancelNotification handles DELETE /api/v1/notifications/{id}
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !h.queue.Cancel(id) {
		h.writeErrorResponse(w, "Notification not pending", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TrackDelivered handles POST /api/v1/notifications/{id}/delivered
func (h *Handler) TrackDelivered(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req TrackingRequest
	if !h.decode(w, r, &req) {
		return
	}

	if !h.sender.MarkDelivered(id, req.DeviceID) {
		h.writeErrorResponse(w, "Delivery tracking disabled", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TrackOpened handles POST /api/v1/notifications/{id}/opened
func (h *Handler) TrackOpened(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req TrackingRequest
	if !h.decode(w, r, &req) {
		return
	}

	if !h.sender.MarkOpened(id, req.DeviceID) {
		h.writeErrorResponse(w, "Open tracking disabled", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sender.Stats().Snapshot())
}

// ResetStats handles POST /api/v1/stats/reset
func (h *Handler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.sender.Stats().Reset()
	w.WriteHeader(http.StatusNoContent)
}

// GetQueueStatus handles GET /api/v1/queue/status
func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, QueueStatusResponse{
		Pending:    h.queue.Len(),
		DeadLetter: h.queue.DeadLetterCount(),
	})
}

// RetryDeadLetter handles POST /api/v1/queue/dead-letter/retry
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	requeued := h.queue.RetryDeadLetter()
	h.logger.Info("dead-letter retry requested", zap.Int("requeued", requeued))
	h.writeJSON(w, http.StatusOK, map[string]int{"requeued": requeued})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "push-delivery",
		"version":   "1.0.0",
	}
	h.writeJSON(w, http.StatusOK, health)
}

// Metrics handles GET /metrics (Prometheus metrics)
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler().ServeHTTP(w, r)
}

// decode reads and validates a JSON request body, writing an error response
// and returning false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		h.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.logger.Error("Request validation failed", zap.Error(err))
		h.writeErrorResponse(w, fmt.Sprintf("Validation error: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeErrorResponse writes an error response
func (h *Handler) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}
	h.writeJSON(w, statusCode, response)
}

// SetupRoutes sets up all REST API routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/devices", h.RegisterDevice).Methods("POST")
	api.HandleFunc("/devices/{id}", h.GetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}", h.UnregisterDevice).Methods("DELETE")
	api.HandleFunc("/devices/{id}/deactivate", h.DeactivateDevice).Methods("POST")
	api.HandleFunc("/devices/{id}/token", h.RefreshDeviceToken).Methods("PUT")
	api.HandleFunc("/users/{user_id}/devices", h.ListUserDevices).Methods("GET")
	api.HandleFunc("/users/{user_id}/preferences/{category}", h.GetPreference).Methods("GET")
	api.HandleFunc("/users/{user_id}/preferences/{category}", h.UpdatePreference).Methods("PUT")
	api.HandleFunc("/notifications", h.SendNotification).Methods("POST")
	api.HandleFunc("/notifications/schedule", h.ScheduleNotification).Methods("POST")
	api.HandleFunc("/notifications/{id}", h.CancelNotification).Methods("DELETE")
	api.HandleFunc("/notifications/{id}/delivered", h.TrackDelivered).Methods("POST")
	api.HandleFunc("/notifications/{id}/opened", h.TrackOpened).Methods("POST")
	api.HandleFunc("/stats", h.GetStats).Methods("GET")
	api.HandleFunc("/stats/reset", h.ResetStats).Methods("POST")
	api.HandleFunc("/queue/status", h.GetQueueStatus).Methods("GET")
	api.HandleFunc("/queue/dead-letter/retry", h.RetryDeadLetter).Methods("POST")

	// Health and metrics
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/metrics", h.Metrics).Methods("GET")

	// Add middleware
	router.Use(h.loggingMiddleware)
	router.Use(h.corsMiddleware)

	return router
}

// loggingMiddleware logs HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response recorder to capture status code
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		h.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.statusCode),
			zap.Duration("duration", duration),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// corsMiddleware adds CORS headers
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
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
