package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/monitoring"
	"github.com/xwatch/xwatch-bot/internal/sources"
	"github.com/xwatch/xwatch-bot/internal/storage"
)

// Controller is the monitoring surface exposed over HTTP
type Controller interface {
	TrackAccount(ctx context.Context, handle string) (*models.TrackedAccount, error)
	UntrackAccount(ctx context.Context, handle string) error
	ListAccounts(ctx context.Context) ([]monitoring.AccountStatus, error)
	ForceCheck(ctx context.Context, handle string) (*models.AccountOutcome, error)
	ForceSweep(ctx context.Context) (*models.CycleReport, error)
	ResetAccount(ctx context.Context, handle string) error
	Report(ctx context.Context) (*models.StatusReport, error)
	RunMaintenance(ctx context.Context) (*models.MaintenanceReport, error)
	UsageHistory(ctx context.Context, limit int) ([]models.UsageReport, error)
	GetMetrics() string
	Busy() bool
}

// NewRouter builds the HTTP routes. gatherer serves /metrics.
func NewRouter(controller Controller, gatherer prometheus.Gatherer) *mux.Router {
	h := &handlers{controller: controller, now: time.Now}

	router := mux.NewRouter()

	// Health and observability
	router.HandleFunc("/health", h.health).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/stats", h.stats).Methods("GET")
	router.HandleFunc("/status", h.status).Methods("GET")
	router.HandleFunc("/usage/history", h.usageHistory).Methods("GET")

	// Manual triggers
	router.HandleFunc("/trigger", h.trigger).Methods("POST")
	router.HandleFunc("/maintenance", h.maintenance).Methods("POST")

	// Account management
	router.HandleFunc("/accounts", h.listAccounts).Methods("GET")
	router.HandleFunc("/accounts", h.addAccount).Methods("POST")
	router.HandleFunc("/accounts/{handle}", h.removeAccount).Methods("DELETE")
	router.HandleFunc("/accounts/{handle}/check", h.checkAccount).Methods("POST")
	router.HandleFunc("/accounts/{handle}/reset", h.resetAccount).Methods("POST")

	return router
}

type handlers struct {
	controller Controller
	now        func() time.Time
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"busy":      h.controller.Busy(),
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(h.controller.GetMetrics()))
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	report, err := h.controller.Report(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) usageHistory(w http.ResponseWriter, r *http.Request) {
	limit := 24
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	reports, err := h.controller.UsageHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// trigger starts a sweep in the background and returns immediately
func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	if h.controller.Busy() {
		writeError(w, monitoring.ErrCycleInProgress)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		report, err := h.controller.ForceSweep(ctx)
		if err != nil {
			logrus.Errorf("Manual sweep failed: %v", err)
			return
		}
		logrus.WithField("cycle_id", report.ID).Info("Manual sweep completed")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Sweep triggered"})
}

func (h *handlers) maintenance(w http.ResponseWriter, r *http.Request) {
	report, err := h.controller.RunMaintenance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.controller.ListAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []monitoring.AccountStatus{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

type addAccountRequest struct {
	Handle string `json:"handle"`
}

func (h *handlers) addAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || sources.NormalizeHandle(req.Handle) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"handle\": \"<username>\"}"})
		return
	}

	account, err := h.controller.TrackAccount(r.Context(), req.Handle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *handlers) removeAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.UntrackAccount(r.Context(), mux.Vars(r)["handle"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) checkAccount(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.controller.ForceCheck(r.Context(), mux.Vars(r)["handle"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handlers) resetAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.ResetAccount(r.Context(), mux.Vars(r)["handle"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, monitoring.ErrCycleInProgress), errors.Is(err, monitoring.ErrAlreadyTracked):
		status = http.StatusConflict
	case errors.Is(err, monitoring.ErrAccountNotTracked), errors.Is(err, sources.ErrAccountNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sources.ErrRateLimited), errors.Is(err, sources.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logrus.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
