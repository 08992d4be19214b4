package domain

// Conversion progress of a single accumulated payment.
const (
	ConversionPending    = "pending"
	ConversionEstimating = "estimating"
	ConversionConverting = "converting"
	ConversionConverted  = "converted"
	ConversionFailed     = "failed"
)

// Payout batch lifecycle.
const (
	BatchPending    = "pending"
	BatchConverting = "converting"
	BatchExecuting  = "executing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
)

// Exchange-side status of a conversion leg.
const (
	LegWaiting    = "waiting"
	LegConfirming = "confirming"
	LegExchanging = "exchanging"
	LegSending    = "sending"
	LegFinished   = "finished"
	LegFailed     = "failed"
)

// Conversion leg directions.
const (
	DirectionHop1 = "hop1" // source currency -> stable
	DirectionHop2 = "hop2" // stable -> client payout currency
)

// Error classes attached to failed transactions.
const (
	ErrClassInsufficientGas = "insufficient_gas"
	ErrClassRPCUnavailable  = "rpc_unavailable"
	ErrClassNonceConflict   = "nonce_conflict"
	ErrClassInvalidAddress  = "invalid_address"
	ErrClassBelowMinimum    = "below_minimum"
	ErrClassUnknown         = "unknown"
)

// Operations recorded on failed transactions.
const (
	OpConversionExecute = "conversion_execute"
	OpConversionPoll    = "conversion_poll"
	OpConversionFund    = "conversion_fund"
	OpSettlementExecute = "settlement_execute"
	OpQueueExpired      = "queue_expired"
)

// StableCurrency is the intermediate currency every payment is parked in
// between hop 1 and payout batching. StableNetwork is the chain the host
// wallet holds it on.
const (
	StableCurrency = "usdt"
	StableNetwork  = "eth"
)
