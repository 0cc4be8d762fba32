// Package observability turns domain operation callbacks into zap log lines and
// prometheus counters.
package observability

import (
	"context"

	"github.com/fivebest/settlement/pkg/cashout"
	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricsNamespace = "settlement"
	statusOK         = "ok"
	statusError      = "error"
)

// OperationRecorder implements ledger.OperationLogger, payment.SettlementLogger
// and cashout.TransitionLogger.
type OperationRecorder struct {
	logger      *zap.Logger
	ledgerOps   *prometheus.CounterVec
	settlements *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewOperationRecorder registers its counters on registerer.
func NewOperationRecorder(logger *zap.Logger, registerer prometheus.Registerer) (*OperationRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := &OperationRecorder{
		logger: logger,
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation, currency and status.",
		}, []string{"operation", "currency", "status"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payment_operations_total",
			Help:      "Payment settlement operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cashout_transitions_total",
			Help:      "Cashout state changes by target status and result.",
		}, []string{"to", "status"}),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{recorder.ledgerOps, recorder.settlements, recorder.transitions} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return recorder, nil
}

// LogOperation records a ledger operation.
func (recorder *OperationRecorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.ledgerOps.WithLabelValues(entry.Operation, entry.Currency.String(), entry.Status).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("currency", entry.Currency.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("reason", entry.Reason.String()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		recorder.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	recorder.logger.Info("ledger operation", fields...)
}

// LogSettlement records a payment verification or purchase.
func (recorder *OperationRecorder) LogSettlement(_ context.Context, entry payment.SettlementLog) {
	outcome := string(entry.Outcome)
	if outcome == "" {
		outcome = statusOK
		if entry.Error != nil {
			outcome = statusError
		}
	}
	recorder.settlements.WithLabelValues(entry.Operation, outcome).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("reference", entry.Reference),
		zap.String("user_id", entry.UserID),
		zap.String("outcome", outcome),
		zap.Bool("already_applied", entry.AlreadyApplied),
		zap.String("tx_hash", entry.TxHash),
	}
	if entry.Error != nil {
		recorder.logger.Warn("payment operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	recorder.logger.Info("payment operation", fields...)
}

// LogTransition records a cashout state change attempt.
func (recorder *OperationRecorder) LogTransition(_ context.Context, entry cashout.TransitionLog) {
	recorder.transitions.WithLabelValues(string(entry.To), entry.Status).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("cashout_request_id", entry.RequestID),
		zap.String("user_id", entry.UserID),
		zap.String("from", string(entry.From)),
		zap.String("to", string(entry.To)),
		zap.String("actor_user_id", entry.ActorUserID),
		zap.Int64("amount_glory", entry.AmountGlory.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		recorder.logger.Warn("cashout transition failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	recorder.logger.Info("cashout transition", fields...)
}
