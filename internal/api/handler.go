// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/septivank/device-gateway/internal/analytics"
	"github.com/septivank/device-gateway/internal/apperr"
	"github.com/septivank/device-gateway/internal/commands"
	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/logging"
	"github.com/septivank/device-gateway/internal/service"
	"github.com/septivank/device-gateway/internal/status"
	"github.com/septivank/device-gateway/internal/validator"
	"go.uber.org/zap"
)

const (
	// OwnerHeader carries the caller identity established by the session layer
	OwnerHeader = "X-Owner-ID"

	RequestIDHeader = "X-Request-ID"

	maxBodyBytes = 1 << 20
)

// Gateway is the service surface the handlers need
type Gateway interface {
	Ingest(ctx context.Context, requestID string, msg service.IngestMessage) (*db.SensorReading, error)
	Poll(ctx context.Context, requestID, apiKey string) (*db.Command, error)
	OnboardCheck(ctx context.Context, apiKey string) (*db.Device, error)
	ClaimDevice(ctx context.Context, requestID, apiKey, ownerID string) (*db.Device, error)
	Latest(ctx context.Context, id int64, ownerID string) (*db.Device, *db.SensorReading, error)
	Readings(ctx context.Context, id int64, ownerID, start, end string) ([]db.SensorReading, error)
	Analyze(ctx context.Context, requestID string, id int64, ownerID, duration string) (*analytics.Report, error)
	Control(ctx context.Context, requestID string, id int64, ownerID, command string, params map[string]any) (*db.Command, string, error)
	ListOwnerDevices(ctx context.Context, ownerID string) ([]service.DeviceSummary, error)
}

// Handler serves the gateway endpoints
type Handler struct {
	gateway         Gateway
	onlineThreshold time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

// NewHandler creates the HTTP handler set
func NewHandler(gateway Gateway, onlineThreshold time.Duration, logger *zap.Logger) *Handler {
	if onlineThreshold <= 0 {
		onlineThreshold = status.DashboardThreshold
	}
	return &Handler{
		gateway:         gateway,
		onlineThreshold: onlineThreshold,
		logger:          logger,
		now:             time.Now,
	}
}

// WithClock replaces the time source used for reported liveness, for tests
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Router builds the mux router with every route registered
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestID)

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	// device-facing
	r.HandleFunc("/data", h.receiveData).Methods(http.MethodPost)
	r.HandleFunc("/commands", h.pollCommand).Methods(http.MethodGet)
	r.HandleFunc("/onboard-check", h.onboardCheck).Methods(http.MethodGet)

	// owner-facing
	r.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/claim", h.claimDevice).Methods(http.MethodPost)
	d := r.PathPrefix("/devices/{id:[0-9]+}").Subrouter()
	d.HandleFunc("/latest_data", h.latestData).Methods(http.MethodGet)
	d.HandleFunc("/readings", h.readings).Methods(http.MethodGet)
	d.HandleFunc("/analysis", h.analysis).Methods(http.MethodGet)
	d.HandleFunc("/control", h.control).Methods(http.MethodPost)

	return r
}

type ctxKey int

const requestIDKey ctxKey = iota

func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) receiveData(w http.ResponseWriter, r *http.Request) {
	var msg service.IngestMessage
	if isJSON(r) {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
			h.writeError(w, r, apperr.Validation("Malformed JSON body."))
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			h.writeError(w, r, apperr.Validation("Malformed form body."))
			return
		}
		msg.DeviceAPIKey = r.PostFormValue("device_api_key")
		msg.DeviceType = r.PostFormValue("device_type")
		if raw := r.PostFormValue("sensor_data"); raw != "" {
			msg.SensorData = json.RawMessage(raw)
		}
	}

	if _, err := h.gateway.Ingest(r.Context(), requestIDFrom(r), msg); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Data received successfully"})
}

func (h *Handler) pollCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.gateway.Poll(r.Context(), requestIDFrom(r), r.URL.Query().Get("device_api_key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cmd == nil {
		writeJSON(w, http.StatusOK, map[string]string{"command": commands.NoCommand})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"command":    cmd.CommandType,
		"parameters": cmd.Parameters,
	})
}

func (h *Handler) onboardCheck(w http.ResponseWriter, r *http.Request) {
	device, err := h.gateway.OnboardCheck(r.Context(), r.URL.Query().Get("device_api_key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "success",
		"message":     "Device is available for registration!",
		"device_name": device.Name,
		"device_type": string(device.DeviceType),
	})
}

func (h *Handler) claimDevice(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody("Authentication required."))
		return
	}

	var body struct {
		DeviceAPIKey string `json:"device_api_key"`
	}
	if isJSON(r) {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			h.writeError(w, r, apperr.Validation("Malformed JSON body."))
			return
		}
	} else {
		body.DeviceAPIKey = r.PostFormValue("device_api_key")
	}

	device, err := h.gateway.ClaimDevice(r.Context(), requestIDFrom(r), strings.TrimSpace(body.DeviceAPIKey), owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Device %q added to your account.", device.Name),
		"device":  h.deviceView(device),
	})
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody("Authentication required."))
		return
	}

	summaries, err := h.gateway.ListOwnerDevices(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]deviceSummaryView, 0, len(summaries))
	for i := range summaries {
		s := &summaries[i]
		items = append(items, deviceSummaryView{
			Device:     h.deviceView(&s.Device),
			LatestData: readingData(s.LatestData),
			IsOnline:   s.IsOnline,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": items})
}

func (h *Handler) latestData(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		h.writeError(w, r, apperr.NotFound("Device not found."))
		return
	}

	device, reading, err := h.gateway.Latest(r.Context(), id, r.Header.Get(OwnerHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device":      h.deviceView(device),
		"latest_data": readingViewOf(reading),
	})
}

func (h *Handler) readings(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		h.writeError(w, r, apperr.NotFound("Device not found."))
		return
	}

	q := r.URL.Query()
	readings, err := h.gateway.Readings(r.Context(), id, r.Header.Get(OwnerHeader), q.Get("start"), q.Get("end"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	views := make([]*readingView, 0, len(readings))
	for i := range readings {
		views = append(views, readingViewOf(&readings[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"readings":  views,
	})
}

func (h *Handler) analysis(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		h.writeError(w, r, apperr.NotFound("Device not found."))
		return
	}

	report, err := h.gateway.Analyze(r.Context(), requestIDFrom(r), id, r.Header.Get(OwnerHeader), r.URL.Query().Get("duration"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody("Authentication required."))
		return
	}

	id, ok := deviceID(r)
	if !ok {
		h.writeError(w, r, apperr.NotFound("Device not found."))
		return
	}

	command, params, err := parseControl(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	_, state, err := h.gateway.Control(r.Context(), requestIDFrom(r), id, owner, command, params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Command %q queued.", command),
		"state":   state,
	})
}

// parseControl reads command and parameters from a JSON body or a form post.
// In JSON, parameters may be an object or a JSON-encoded string.
func parseControl(w http.ResponseWriter, r *http.Request) (string, map[string]any, error) {
	if !isJSON(r) {
		if err := r.ParseForm(); err != nil {
			return "", nil, apperr.Validation("Malformed form body.")
		}
		params, err := validator.ParseControlParameters(r.PostFormValue("parameters"))
		return r.PostFormValue("command"), params, err
	}

	var body struct {
		Command    string          `json:"command"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return "", nil, apperr.Validation("Malformed JSON body.")
	}

	raw := strings.TrimSpace(string(body.Parameters))
	if strings.HasPrefix(raw, `"`) {
		var encoded string
		if err := json.Unmarshal(body.Parameters, &encoded); err != nil {
			return "", nil, apperr.Validation("Invalid parameters JSON format.")
		}
		raw = encoded
	}
	if raw == "null" {
		raw = ""
	}
	params, err := validator.ParseControlParameters(raw)
	return body.Command, params, err
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.WithRequestID(h.logger, requestIDFrom(r))
	if !apperr.IsExpected(err) {
		logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody("An unexpected error occurred."))
		return
	}

	code := statusFor(err)

	logger.Debug("request rejected",
		zap.Int("status", code),
		zap.String("path", r.URL.Path),
		zap.String("reason", err.Error()),
	)
	writeJSON(w, code, errorBody(err.Error()))
}

// statusFor maps an expected error to its response code
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	default:
		return http.StatusBadRequest
	}
}

func errorBody(message string) map[string]string {
	return map[string]string{"status": "error", "message": message}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func isJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "application/json"
}

func deviceID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}
