package tokenledger

const (
	operationGrant  = "grant"
	operationSpend  = "spend"
	operationAdjust = "adjust"
	operationExpiry = "expiry"
	operationDrift  = "drift"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"
	idempotencyPrefixExpiry = "expiry"
	idempotencyPrefixSeed   = "seed"

	expirySweepBatchSize  = 100
	expirySweepMaxBatches = 50
	driftSweepBatchSize   = 500
)
