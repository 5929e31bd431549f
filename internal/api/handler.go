package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/ingest"
)

// Flagged-list limits for GET /transactions/flagged.
const (
	DefaultFlaggedLimit = 100
	MaxFlaggedLimit     = 1000
)

// Service is the ingest path behind the handlers.
type Service interface {
	Process(ctx context.Context, tx *domain.Transaction) (*ingest.Result, error)
	Flagged(ctx context.Context, userID string, limit int) ([]*domain.Record, error)
}

// ModelStatus reports whether an anomaly model is loaded.
type ModelStatus interface {
	Available() bool
}

// Handler holds dependencies for API handlers.
type Handler struct {
	service Service
	ledger  domain.Ledger
	bus     domain.EventBus
	model   ModelStatus
	version string
}

// NewHandler creates a new API handler. ledger, bus and model are only
// used for health reporting and may be nil.
func NewHandler(service Service, ledger domain.Ledger, bus domain.EventBus, model ModelStatus, version string) *Handler {
	return &Handler{
		service: service,
		ledger:  ledger,
		bus:     bus,
		model:   model,
		version: version,
	}
}

// DecisionResponse is the response for POST /transactions.
type DecisionResponse struct {
	RiskLevel domain.RiskLevel `json:"risk_level"`
	Reasons   []string         `json:"reasons"`
	MLScore   *float64         `json:"ml_score"`
}

// FlaggedTransaction is one entry of GET /transactions/flagged.
type FlaggedTransaction struct {
	UserID           string    `json:"user_id"`
	Amount           float64   `json:"amount"`
	Location         string    `json:"location"`
	MerchantCategory string    `json:"merchant_category"`
	Timestamp        time.Time `json:"timestamp"`
	IsFlagged        bool      `json:"is_flagged"`
}

// FlaggedResponse is the response for GET /transactions/flagged.
type FlaggedResponse struct {
	FlaggedTransactions []FlaggedTransaction `json:"flagged_transactions"`
}

// SubmitTransaction handles POST /transactions.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	tx, err := req.ToTransaction()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.service.Process(ctx, tx)
	switch {
	case err == nil:
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, domain.ErrLedgerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	default:
		slog.Error("transaction evaluation failed",
			"user_id", tx.UserID,
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	reasons := res.Decision.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	writeJSON(w, http.StatusOK, DecisionResponse{
		RiskLevel: res.Decision.RiskLevel,
		Reasons:   reasons,
		MLScore:   res.Decision.MLScore,
	})
}

// ListFlagged handles GET /transactions/flagged?user_id=<id>&limit=<n>.
func (h *Handler) ListFlagged(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	limit := DefaultFlaggedLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > MaxFlaggedLimit {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and "+strconv.Itoa(MaxFlaggedLimit))
			return
		}
		limit = n
	}

	records, err := h.service.Flagged(r.Context(), userID, limit)
	if err != nil {
		slog.Error("failed to query flagged transactions",
			"user_id", userID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	resp := FlaggedResponse{FlaggedTransactions: make([]FlaggedTransaction, 0, len(records))}
	for _, rec := range records {
		resp.FlaggedTransactions = append(resp.FlaggedTransactions, FlaggedTransaction{
			UserID:           rec.UserID,
			Amount:           rec.Amount,
			Location:         rec.Location,
			MerchantCategory: rec.MerchantCategory,
			Timestamp:        rec.Timestamp,
			IsFlagged:        rec.IsFlagged,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.ledger != nil {
		if err := h.ledger.Ping(r.Context()); err != nil {
			slog.Warn("ledger health check failed", "error", err)
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			slog.Warn("bus health check failed", "error", err)
			status = "degraded"
		}
	}

	model := "unavailable"
	if h.model != nil && h.model.Available() {
		model = "loaded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"model":   model,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
