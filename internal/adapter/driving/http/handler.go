// Package httphandler is the JSON-over-HTTP driving adapter for credential
// provisioning, traffic queries and engine config maintenance.
package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/vpnpanel/internal/application"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	provisioning *application.ProvisioningService
	traffic      *application.TrafficService
	ports        *application.PortAllocator
	config       *application.ConfigSynchronizer
	logger       *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	provisioning *application.ProvisioningService,
	traffic *application.TrafficService,
	ports *application.PortAllocator,
	config *application.ConfigSynchronizer,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		provisioning: provisioning,
		traffic:      traffic,
		ports:        ports,
		config:       config,
		logger:       logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware. A nil gatherer disables /metrics.
func NewServeMux(h *Handler, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/keys", h.CreateKey)
	mux.HandleFunc("GET /api/v1/keys", h.ListKeys)
	mux.HandleFunc("POST /api/v1/keys/repair-short-ids", h.RepairShortIDs)
	mux.HandleFunc("GET /api/v1/keys/{id}", h.GetKey)
	mux.HandleFunc("DELETE /api/v1/keys/{id}", h.DeleteKey)
	mux.HandleFunc("POST /api/v1/keys/{id}/activate", h.ActivateKey)
	mux.HandleFunc("POST /api/v1/keys/{id}/deactivate", h.DeactivateKey)
	mux.HandleFunc("GET /api/v1/keys/{id}/traffic", h.GetTraffic)
	mux.HandleFunc("POST /api/v1/keys/{id}/traffic/reset", h.ResetTraffic)
	mux.HandleFunc("GET /api/v1/keys/{id}/traffic/monthly", h.GetMonthlyTraffic)
	mux.HandleFunc("GET /api/v1/ports", h.ListPorts)
	mux.HandleFunc("GET /api/v1/ports/validate", h.ValidatePorts)
	mux.HandleFunc("POST /api/v1/config/reconcile", h.Reconcile)
	mux.HandleFunc("GET /api/v1/config/validate", h.ValidateConfig)
	mux.HandleFunc("GET /api/v1/config/status", h.ConfigStatus)
	mux.HandleFunc("POST /api/v1/config/repair-keys", h.RepairKeys)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// CreateKey provisions a credential with its own port and inbound.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cred, err := h.provisioning.Create(r.Context(), application.CreateRequest{Name: req.Name, Domain: req.Domain})
	if err != nil {
		h.writeServiceError(w, "create key", err)
		return
	}

	writeJSON(w, http.StatusCreated, toKeyResponse(*cred))
}

// ListKeys returns every credential.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := h.provisioning.List(r.Context())
	if err != nil {
		h.writeServiceError(w, "list keys", err)
		return
	}

	resp := make([]KeyResponse, 0, len(creds))
	for _, c := range creds {
		resp = append(resp, toKeyResponse(c))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetKey returns a single credential by id or uuid.
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	cred, err := h.provisioning.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "get key", err)
		return
	}

	writeJSON(w, http.StatusOK, toKeyResponse(*cred))
}

// DeleteKey deprovisions a credential and frees its port.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.provisioning.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(w, "delete key", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ActivateKey re-adds a disabled credential's inbound.
func (h *Handler) ActivateKey(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DeactivateKey removes a credential's inbound but keeps its port.
func (h *Handler) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	cred, err := h.provisioning.SetActive(r.Context(), r.PathValue("id"), active)
	if err != nil {
		h.writeServiceError(w, "set key activation", err)
		return
	}

	writeJSON(w, http.StatusOK, toKeyResponse(*cred))
}

// RepairShortIDs assigns fresh short ids to credentials missing one.
func (h *Handler) RepairShortIDs(w http.ResponseWriter, r *http.Request) {
	n, err := h.provisioning.RepairShortIDs(r.Context())
	if err != nil {
		h.writeServiceError(w, "repair short ids", err)
		return
	}

	writeJSON(w, http.StatusOK, RepairResponse{Repaired: n})
}

// GetTraffic returns a credential's lifetime traffic. The counters are
// re-sampled first unless refresh=false is given.
func (h *Handler) GetTraffic(w http.ResponseWriter, r *http.Request) {
	refresh := true
	if v := r.URL.Query().Get("refresh"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid refresh flag")
			return
		}
		refresh = parsed
	}

	entry, err := h.traffic.Usage(r.Context(), r.PathValue("id"), refresh)
	if err != nil {
		h.writeServiceError(w, "get traffic", err)
		return
	}

	writeJSON(w, http.StatusOK, toTrafficResponse(*entry))
}

// ResetTraffic zeroes a credential's lifetime traffic.
func (h *Handler) ResetTraffic(w http.ResponseWriter, r *http.Request) {
	existed, err := h.traffic.Reset(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "reset traffic", err)
		return
	}

	writeJSON(w, http.StatusOK, ResetResponse{Reset: existed})
}

// GetMonthlyTraffic returns daily traffic for one month (month=YYYY-MM,
// defaulting to the current one).
func (h *Handler) GetMonthlyTraffic(w http.ResponseWriter, r *http.Request) {
	monthly, err := h.traffic.Monthly(r.Context(), r.PathValue("id"), r.URL.Query().Get("month"))
	if err != nil {
		h.writeServiceError(w, "get monthly traffic", err)
		return
	}

	writeJSON(w, http.StatusOK, toMonthlyResponse(monthly))
}

// ListPorts returns allocator occupancy and every assignment.
func (h *Handler) ListPorts(w http.ResponseWriter, r *http.Request) {
	usage, err := h.ports.Usage(r.Context())
	if err != nil {
		h.writeServiceError(w, "port usage", err)
		return
	}
	assignments, err := h.ports.List(r.Context())
	if err != nil {
		h.writeServiceError(w, "list ports", err)
		return
	}

	writeJSON(w, http.StatusOK, toPortsResponse(h.ports.Range(), usage, assignments))
}

// ValidatePorts cross-checks the port assignments against the credentials.
func (h *Handler) ValidatePorts(w http.ResponseWriter, r *http.Request) {
	v, err := h.ports.Validate(r.Context())
	if err != nil {
		h.writeServiceError(w, "validate ports", err)
		return
	}

	writeJSON(w, http.StatusOK, toPortValidationResponse(v))
}

// Reconcile rewrites the engine config from the stored credentials.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.provisioning.Reconcile(r.Context())
	if err != nil {
		h.writeServiceError(w, "reconcile config", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ValidateConfig compares the engine config with the stored credentials.
func (h *Handler) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	report, err := h.provisioning.ValidateSync(r.Context())
	if err != nil {
		h.writeServiceError(w, "validate config", err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ConfigStatus reports the shape and validity of the engine config.
func (h *Handler) ConfigStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.config.Status(r.Context())
	if err != nil {
		h.writeServiceError(w, "config status", err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// RepairKeys rewrites managed inbounds whose private key has drifted.
func (h *Handler) RepairKeys(w http.ResponseWriter, r *http.Request) {
	n, err := h.config.RepairKeyMaterial(r.Context())
	if err != nil {
		h.writeServiceError(w, "repair key material", err)
		return
	}

	writeJSON(w, http.StatusOK, RepairResponse{Repaired: n})
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeServiceError maps a service error to its HTTP status. Unexpected
// errors are logged and reported as 500 without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, driven.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "key not found")
	case errors.Is(err, application.ErrNameRequired),
		errors.Is(err, application.ErrUnknownDomain),
		errors.Is(err, application.ErrInvalidMonth):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, driven.ErrCredentialExists):
		writeError(w, http.StatusConflict, "key already exists")
	case errors.Is(err, driven.ErrCapacityExhausted):
		writeError(w, http.StatusServiceUnavailable, "no free port in the configured range")
	case errors.Is(err, driven.ErrProbeFailure):
		writeError(w, http.StatusServiceUnavailable, "port probe failed")
	case errors.Is(err, driven.ErrLiveApply):
		h.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusBadGateway, "engine rejected the change")
	case errors.Is(err, driven.ErrDocumentInvalid):
		h.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "engine config document invalid")
	case errors.Is(err, driven.ErrKeyMaterialMissing):
		h.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reality key material missing")
	default:
		h.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
