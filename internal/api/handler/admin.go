package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/repository"
	"github.com/ayo6706/payout-accumulator/internal/service"
)

// AdminHandler serves the operator API.
type AdminHandler struct {
	adminSvc *service.AdminService
}

func NewAdminHandler(adminSvc *service.AdminService) *AdminHandler {
	return &AdminHandler{adminSvc: adminSvc}
}

// ListFailedTransactions handles GET /v1/admin/failed-transactions.
func (h *AdminHandler) ListFailedTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)
	items, err := h.adminSvc.ListFailedTransactions(r.Context(), limit, offset)
	if err != nil {
		zap.L().Error("list failed transactions failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "admin/list-failed", "failed to list failed transactions")
		return
	}
	if items == nil {
		items = []models.FailedTransaction{}
	}
	RespondJSON(w, http.StatusOK, map[string]any{"failed_transactions": items})
}

// ListBatches handles GET /v1/admin/batches.
func (h *AdminHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)
	status := r.URL.Query().Get("status")
	batches, err := h.adminSvc.ListBatches(r.Context(), status, limit, offset)
	if err != nil {
		zap.L().Error("list batches failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "admin/list-batches", "failed to list batches")
		return
	}
	if batches == nil {
		batches = []models.PayoutBatch{}
	}
	RespondJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

// GetBatch handles GET /v1/admin/batches/{id}.
func (h *AdminHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "admin/invalid-batch-id", "batch id must be a UUID")
		return
	}
	batch, members, err := h.adminSvc.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			RespondError(w, r, http.StatusNotFound, "admin/batch-not-found", "batch not found")
			return
		}
		zap.L().Error("get batch failed", zap.Error(err), zap.String("batch_id", batchID.String()))
		RespondError(w, r, http.StatusInternalServerError, "admin/get-batch", "failed to load batch")
		return
	}
	if members == nil {
		members = []models.AccumulationRecord{}
	}
	RespondJSON(w, http.StatusOK, map[string]any{"batch": batch, "members": members})
}

// RetryBatch handles POST /v1/admin/batches/{id}/retry. Only failed batches
// can be retried.
func (h *AdminHandler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "admin/invalid-batch-id", "batch id must be a UUID")
		return
	}
	if err := h.adminSvc.RetryBatch(r.Context(), batchID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			RespondError(w, r, http.StatusConflict, "admin/batch-not-retryable", "batch does not exist or is not in a failed state")
			return
		}
		zap.L().Error("retry batch failed", zap.Error(err), zap.String("batch_id", batchID.String()))
		RespondError(w, r, http.StatusInternalServerError, "admin/retry-batch", "failed to retry batch")
		return
	}
	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "retry_scheduled"})
}

// UpsertClient handles PUT /v1/admin/clients/{id}.
func (h *AdminHandler) UpsertClient(w http.ResponseWriter, r *http.Request) {
	var profile models.ClientProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		RespondError(w, r, http.StatusBadRequest, "admin/invalid-body", "invalid request body")
		return
	}
	// The path is authoritative for the client id.
	profile.ClientID = chi.URLParam(r, "id")

	if err := h.adminSvc.UpsertClient(r.Context(), &profile); err != nil {
		zap.L().Warn("upsert client rejected", zap.Error(err), zap.String("client_id", profile.ClientID))
		RespondError(w, r, http.StatusBadRequest, "admin/invalid-client", err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok", "client_id": profile.ClientID})
}
