// Package observe adapts domain operation callbacks onto zap and
// Prometheus so the core ledger stays free of both.
package observe

import (
	"context"

	"github.com/tripbazaar/tokenledger/pkg/tokenledger"
	"go.uber.org/zap"
)

// OperationRecorder logs every ledger operation and keeps the business
// counters current. It implements tokenledger.OperationLogger.
type OperationRecorder struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationRecorder wires an OperationRecorder. Either dependency may
// be nil; the corresponding sink is skipped.
func NewOperationRecorder(logger *zap.Logger, metrics *Metrics) *OperationRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationRecorder{logger: logger, metrics: metrics}
}

func (recorder *OperationRecorder) LogOperation(_ context.Context, entry tokenledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID.String() != "" {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.IdempotencyKey.String() != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.ReferenceID != "" {
		fields = append(fields, zap.String("reference_id", entry.ReferenceID))
	}
	if entry.BatchShortfall != 0 {
		fields = append(fields, zap.Int64("batch_shortfall", entry.BatchShortfall))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		recorder.logger.Warn("ledger operation failed", fields...)
	} else {
		recorder.logger.Info("ledger operation", fields...)
	}
	recorder.count(entry)
}

func (recorder *OperationRecorder) count(entry tokenledger.OperationLog) {
	if recorder.metrics == nil {
		return
	}
	recorder.metrics.LedgerOperationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error != nil {
		return
	}
	switch entry.Operation {
	case "grant":
		recorder.metrics.TokensGrantedTotal.WithLabelValues(entry.Kind.String()).Add(float64(entry.Amount))
	case "spend":
		recorder.metrics.TokensSpentTotal.Add(float64(entry.Amount))
		if entry.BatchShortfall > 0 {
			recorder.metrics.BatchShortfallTotal.Add(float64(entry.BatchShortfall))
		}
	case "expiry":
		if entry.Amount > 0 {
			recorder.metrics.TokensExpiredTotal.Add(float64(entry.Amount))
		}
	case "drift":
		switch entry.Status {
		case "drift_detected":
			recorder.metrics.DriftDetectedTotal.Inc()
		case "drift_repaired":
			recorder.metrics.DriftRepairedTotal.Inc()
		}
	}
}
