package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/service"
)

// IPNHandler receives payment processor notifications.
type IPNHandler struct {
	ledgerSvc *service.LedgerService
}

// NewIPNHandler creates a new IPNHandler instance.
func NewIPNHandler(ledgerSvc *service.LedgerService) *IPNHandler {
	return &IPNHandler{ledgerSvc: ledgerSvc}
}

// HandleIPN handles POST /.
// The signature covers the raw request body, so the body is verified before
// any decoding happens.
func (h *IPNHandler) HandleIPN(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		zap.L().Error("read ipn body failed", zap.Error(err))
		RespondError(w, r, http.StatusBadRequest, "ipn/unreadable-body", "Failed to read request body")
		return
	}

	signature := r.Header.Get("x-nowpayments-sig")

	rec, err := h.ledgerSvc.RecordPayment(r.Context(), body, signature)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSignature):
			RespondError(w, r, http.StatusUnauthorized, "ipn/invalid-signature", "Invalid signature")
		case errors.Is(err, service.ErrUnknownClient):
			RespondError(w, r, http.StatusForbidden, "ipn/unknown-client", "Client is not registered for payouts")
		default:
			zap.L().Error("record payment failed", zap.Error(err))
			RespondError(w, r, http.StatusBadRequest, "ipn/invalid-payload", err.Error())
		}
		return
	}

	// Non-final and replayed notifications are acknowledged without a record
	// so the processor stops resending.
	if rec == nil {
		RespondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"status": "recorded", "payment_id": rec.PaymentID})
}
