package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ayo6706/payout-accumulator/internal/repository"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// QueryStore defines the minimal data access contract required by services.
type QueryStore interface {
	Queries() *repository.Queries
	RunInTx(ctx context.Context, fn func(q *repository.Queries) error) error
}

// Claims is the duplicate-suppression contract. A false return with a nil
// error means another delivery already holds the work.
type Claims interface {
	ClaimRecords(ctx context.Context, ids []int64, from, to string) (bool, error)
	ClaimBatch(ctx context.Context, batchID uuid.UUID, from, to string) (bool, error)
	ClaimLeg(ctx context.Context, legID uuid.UUID, from, to string) (bool, error)
}

// TaskQueue schedules delayed stage invocations.
type TaskQueue interface {
	Push(ctx context.Context, task taskqueue.Task, delay time.Duration) error
}

// ErrDuplicateDelivery marks a redelivered task whose work is already done or
// in flight. Handlers acknowledge it so the queue retires the task.
var ErrDuplicateDelivery = errors.New("duplicate task delivery")

// ErrPermanent marks a task that can never succeed. Handlers reject it so the
// queue drops it without redelivery.
var ErrPermanent = errors.New("permanent task failure")

// Stage endpoint paths. Tasks carry these so the dispatcher knows where to
// deliver each token.
const (
	PathMicroBatch        = "/v1/tasks/microbatch"
	PathBatch             = "/v1/tasks/batch"
	PathConversionExecute = "/v1/tasks/conversion/execute"
	PathConversionFund    = "/v1/tasks/conversion/fund"
	PathConversionPoll    = "/v1/tasks/conversion/poll"
	PathSettlementExecute = "/v1/tasks/settlement/execute"
)

// SchedulerTick is the payload of the two scheduler-issued stage tokens.
type SchedulerTick struct {
	ScheduledAt int64 `json:"scheduled_at"`
}

// ConversionExecuteTask starts one conversion hop. Hop 1 carries the ledger
// rows of a micro-batched group; hop 2 carries the payout batch.
type ConversionExecuteTask struct {
	Direction string  `json:"direction"`
	RecordIDs []int64 `json:"record_ids,omitempty"`
	BatchID   string  `json:"batch_id,omitempty"`
}

// ConversionFundTask moves funds from the host wallet to the exchange payin
// address. Funding retries are bounded, so the attempt travels in the task.
type ConversionFundTask struct {
	ExchangeTxID string  `json:"exchange_tx_id"`
	PayinAddress string  `json:"payin_address"`
	Amount       int64   `json:"amount_micros"`
	Currency     string  `json:"currency"`
	Network      string  `json:"network"`
	Direction    string  `json:"direction"`
	RecordIDs    []int64 `json:"record_ids,omitempty"`
	BatchID      string  `json:"batch_id,omitempty"`
	Attempt      int32   `json:"attempt"`
}

// ConversionPollTask checks an exchange transaction until it settles.
type ConversionPollTask struct {
	ExchangeTxID string  `json:"exchange_tx_id"`
	Direction    string  `json:"direction"`
	RecordIDs    []int64 `json:"record_ids,omitempty"`
	BatchID      string  `json:"batch_id,omitempty"`
}

// SettlementExecuteTask releases a completed batch to the client wallet.
type SettlementExecuteTask struct {
	BatchID string `json:"batch_id"`
	Amount  int64  `json:"amount_micros"`
}
