// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict
	"github.com/rs/zerolog"

	"telemetry-gateway/internal/alerting"
	"telemetry-gateway/internal/auth"
	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/ingress"
	"telemetry-gateway/internal/websocket"
)

const (
	TransportHTTP  = "http"
	maxRequestBody = 64 * 1024
)

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AlertService is the operator view of the alert lifecycle.
type AlertService interface {
	List(f alerting.Filter) []*data.Alert
	Get(id string) (*data.Alert, bool)
	Acknowledge(ctx context.Context, id string) (alerting.Outcome, error)
	Resolve(ctx context.Context, id string) (alerting.Outcome, error)
}

// Publisher fans out alerts changed by an operator.
type Publisher interface {
	Publish(ctx context.Context, out alerting.Outcome)
}

// HealthCheck reports a reason the gateway is degraded, or "" when healthy.
type HealthCheck func() string

type APIHandler struct {
	ingest    ingress.Submitter
	alerts    AlertService
	publisher Publisher
	hub       *websocket.Hub
	health    []HealthCheck
	logger    zerolog.Logger
}

func NewAPIHandler(ingest ingress.Submitter, alerts AlertService, publisher Publisher, hub *websocket.Hub, logger zerolog.Logger, health ...HealthCheck) *APIHandler {
	return &APIHandler{
		ingest:    ingest,
		alerts:    alerts,
		publisher: publisher,
		hub:       hub,
		health:    health,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"status": "rejected", "reason": reason})
}

// HandleIngest accepts one reading. The bearer token is the device secret.
func (h *APIHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, ingress.RejectMalformed)
		return
	}
	defer r.Body.Close()

	reading, credential, err := data.Parse(body, data.Meta{Transport: TransportHTTP, ReceivedAt: time.Now()})
	if err != nil {
		h.ingest.RejectMalformed(TransportHTTP, "", err)
		writeError(w, http.StatusBadRequest, ingress.RejectMalformed)
		return
	}
	if token, ok := auth.BearerToken(r); ok {
		credential = token
	}

	if err := h.ingest.Submit(r.Context(), reading, credential); err != nil {
		reason := ingress.Reason(err)
		switch reason {
		case ingress.RejectUnauthenticated:
			writeError(w, http.StatusUnauthorized, reason)
		case ingress.RejectBackpressure:
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, reason)
		default:
			h.logger.Error().Err(err).Str("sensor_id", reading.SensorID).Msg("Ingest failed")
			writeError(w, http.StatusInternalServerError, reason)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleWebSocket upgrades connections and registers clients with the hub
// under the tenant of their token.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := websocket.NewClient(h.hub, conn, claims.Tenant)
	h.queueInitialAlerts(client)
	client.Hub.RegisterClient(client)

	// Start read/write pumps in separate goroutines
	go client.WritePump()
	go client.ReadPump()
}

// queueInitialAlerts queues the tenant's open alerts for a client that is
// not registered yet, so nothing else can have closed its Send channel.
func (h *APIHandler) queueInitialAlerts(client *websocket.Client) {
	open := h.alerts.List(alerting.Filter{TenantID: client.Tenant, Status: data.StatusOpen})
	if len(open) == 0 {
		return
	}
	events := make([]data.AlertEvent, len(open))
	for i, a := range open {
		events[i] = data.NewAlertEvent(a)
	}

	messageBytes, err := json.Marshal(map[string]interface{}{
		"type":    "history",
		"payload": events,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Error marshalling history")
		return
	}

	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn().Str("tenant", client.Tenant).Msg("Client buffer full, history skipped")
	}
}

func (h *APIHandler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	q := r.URL.Query()
	f := alerting.Filter{
		TenantID: claims.Tenant,
		SensorID: q.Get("sensor_id"),
		Status:   data.AlertStatus(q.Get("status")),
	}
	alerts := h.alerts.List(f)
	if alerts == nil {
		alerts = []*data.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *APIHandler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.alerts.Acknowledge)
}

func (h *APIHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.alerts.Resolve)
}

func (h *APIHandler) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) (alerting.Outcome, error)) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	id := chi.URLParam(r, "id")

	// alerts of other tenants are invisible
	if a, ok := h.alerts.Get(id); !ok || a.TenantID != claims.Tenant {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}

	out, err := apply(r.Context(), id)
	switch {
	case errors.Is(err, alerting.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
		return
	case errors.Is(err, alerting.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, alerting.ErrAlertPersistFailed):
		writeError(w, http.StatusServiceUnavailable, "alert store unavailable")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("alert_id", id).Msg("Alert transition failed")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	h.logger.Info().Str("alert_id", id).Str("by", claims.Subject).Str("decision", string(out.Decision)).Msg("Operator changed alert")
	if h.publisher != nil {
		h.publisher.Publish(r.Context(), out)
	}
	writeJSON(w, http.StatusOK, out.Alert)
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var degraded []string
	for _, check := range h.health {
		if reason := check(); reason != "" {
			degraded = append(degraded, reason)
		}
	}
	if len(degraded) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "reasons": degraded})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
