package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/envelope"
	"github.com/ayo6706/payout-accumulator/internal/observability"
	"github.com/ayo6706/payout-accumulator/internal/service"
)

// TaskHandler exposes the saga stages as task endpoints. The dispatcher is the
// only intended caller; every request authenticates via its envelope token,
// with a separate signing key per trust boundary.
//
// The response status is the queue contract: 2xx retires the task, 4xx drops
// it, anything else redelivers it.
type TaskHandler struct {
	microSvc      *service.MicroBatchService
	batchSvc      *service.BatchService
	conversionSvc *service.ConversionService
	settlementSvc *service.SettlementService
	keys          envelope.Keyring
}

func NewTaskHandler(micro *service.MicroBatchService, batch *service.BatchService, conv *service.ConversionService, settle *service.SettlementService, keys envelope.Keyring) *TaskHandler {
	return &TaskHandler{
		microSvc:      micro,
		batchSvc:      batch,
		conversionSvc: conv,
		settlementSvc: settle,
		keys:          keys,
	}
}

type taskRequest struct {
	Token string `json:"token"`
}

// openToken decodes the request body and authenticates the envelope. A false
// return means the response has already been written.
func openToken(w http.ResponseWriter, r *http.Request, key []byte, out any) bool {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		RespondError(w, r, http.StatusBadRequest, "tasks/invalid-body", "request body must carry a token")
		return false
	}
	if err := envelope.Open(req.Token, key, out); err != nil {
		if errors.Is(err, envelope.ErrAuthentication) {
			RespondError(w, r, http.StatusUnauthorized, "tasks/invalid-token", "token authentication failed")
			return false
		}
		RespondError(w, r, http.StatusBadRequest, "tasks/invalid-payload", "token payload is malformed")
		return false
	}
	return true
}

// respondStage maps a stage result onto the queue contract.
func respondStage(w http.ResponseWriter, r *http.Request, stage string, err error) {
	switch {
	case err == nil:
		observability.IncrementStage(stage, "ok")
		RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, service.ErrDuplicateDelivery):
		observability.IncrementDuplicateDelivery(stage)
		RespondJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, service.ErrPermanent):
		observability.IncrementStage(stage, "permanent_failure")
		zap.L().Error("stage failed permanently", zap.String("stage", stage), zap.Error(err))
		RespondError(w, r, http.StatusUnprocessableEntity, "tasks/permanent-failure", err.Error())
	default:
		observability.IncrementStage(stage, "transient_failure")
		zap.L().Warn("stage failed, task will be redelivered", zap.String("stage", stage), zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "tasks/transient-failure", err.Error())
	}
}

// MicroBatchTick handles POST /v1/tasks/microbatch.
func (h *TaskHandler) MicroBatchTick(w http.ResponseWriter, r *http.Request) {
	var tick service.SchedulerTick
	if !openToken(w, r, h.keys.Scheduler, &tick) {
		return
	}
	respondStage(w, r, "microbatch", h.microSvc.Run(r.Context()))
}

// BatchTick handles POST /v1/tasks/batch.
func (h *TaskHandler) BatchTick(w http.ResponseWriter, r *http.Request) {
	var tick service.SchedulerTick
	if !openToken(w, r, h.keys.Scheduler, &tick) {
		return
	}
	respondStage(w, r, "batch", h.batchSvc.Run(r.Context()))
}

// ConversionExecute handles POST /v1/tasks/conversion/execute.
func (h *TaskHandler) ConversionExecute(w http.ResponseWriter, r *http.Request) {
	var task service.ConversionExecuteTask
	if !openToken(w, r, h.keys.Conversion, &task) {
		return
	}
	respondStage(w, r, "conversion_execute", h.conversionSvc.Execute(r.Context(), task))
}

// ConversionFund handles POST /v1/tasks/conversion/fund. Funding moves real
// funds, so it rides the settlement trust boundary.
func (h *TaskHandler) ConversionFund(w http.ResponseWriter, r *http.Request) {
	var task service.ConversionFundTask
	if !openToken(w, r, h.keys.Settlement, &task) {
		return
	}
	respondStage(w, r, "conversion_fund", h.conversionSvc.Fund(r.Context(), task))
}

// ConversionPoll handles POST /v1/tasks/conversion/poll.
func (h *TaskHandler) ConversionPoll(w http.ResponseWriter, r *http.Request) {
	var task service.ConversionPollTask
	if !openToken(w, r, h.keys.Conversion, &task) {
		return
	}
	respondStage(w, r, "conversion_poll", h.conversionSvc.Poll(r.Context(), task))
}

// SettlementExecute handles POST /v1/tasks/settlement/execute.
func (h *TaskHandler) SettlementExecute(w http.ResponseWriter, r *http.Request) {
	var task service.SettlementExecuteTask
	if !openToken(w, r, h.keys.Settlement, &task) {
		return
	}
	respondStage(w, r, "settlement", h.settlementSvc.Execute(r.Context(), task))
}
