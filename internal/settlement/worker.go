package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fivebest/settlement/pkg/cashout"
	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultSchedule  = "@every 30s"
	defaultBatchSize = 20
	defaultRunBudget = 25 * time.Second
	workerActorID    = "settlement-worker"
)

// ErrInvalidWorkerConfig reports a Worker built without its dependencies.
var ErrInvalidWorkerConfig = errors.New("invalid settlement worker config")

// Cashouts is the slice of cashout.Service the worker drives.
type Cashouts interface {
	ListByStatus(ctx context.Context, status cashout.Status, limit int) ([]cashout.Request, error)
	BeginProcessing(ctx context.Context, requestID string) (cashout.Request, error)
	MarkSent(ctx context.Context, requestID string, actorID string, txHash string, txMetaJSON string) (cashout.Request, error)
	MarkConfirmed(ctx context.Context, requestID string, actorID string, notes string) (cashout.Request, error)
	MarkFailed(ctx context.Context, requestID string, actorID string, notes string) (cashout.Request, error)
}

// Config tunes the worker.
type Config struct {
	Schedule  string
	BatchSize int
	RunBudget time.Duration
}

// Report counts what one run did.
type Report struct {
	Sent      int
	Confirmed int
	Failed    int
	Skipped   int
}

// Worker pays out approved cashout requests and confirms sent ones on a cron schedule.
type Worker struct {
	cashouts Cashouts
	sender   PayoutSender
	config   Config
	logger   *zap.Logger
	cron     *cron.Cron
}

// NewWorker wires a Worker.
func NewWorker(cashouts Cashouts, sender PayoutSender, config Config, logger *zap.Logger) (*Worker, error) {
	if cashouts == nil {
		return nil, fmt.Errorf("%w: cashout service is nil", ErrInvalidWorkerConfig)
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: payout sender is nil", ErrInvalidWorkerConfig)
	}
	if config.Schedule == "" {
		config.Schedule = defaultSchedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.RunBudget <= 0 {
		config.RunBudget = defaultRunBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cashouts: cashouts,
		sender:   sender,
		config:   config,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}, nil
}

// Start schedules RunOnce.
func (worker *Worker) Start() error {
	_, err := worker.cron.AddFunc(worker.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), worker.config.RunBudget)
		defer cancel()
		report, err := worker.RunOnce(ctx)
		if err != nil {
			worker.logger.Error("settlement run failed", zap.Error(err))
			return
		}
		if report != (Report{}) {
			worker.logger.Info("settlement run finished",
				zap.Int("sent", report.Sent),
				zap.Int("confirmed", report.Confirmed),
				zap.Int("failed", report.Failed),
				zap.Int("skipped", report.Skipped))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule settlement worker: %w", err)
	}
	worker.cron.Start()
	worker.logger.Info("settlement worker started", zap.String("schedule", worker.config.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (worker *Worker) Stop() {
	<-worker.cron.Stop().Done()
	worker.logger.Info("settlement worker stopped")
}

// RunOnce pays approved requests, then checks sent ones.
func (worker *Worker) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	approved, err := worker.cashouts.ListByStatus(ctx, cashout.StatusApproved, worker.config.BatchSize)
	if err != nil {
		return report, err
	}
	for _, request := range approved {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		worker.pay(ctx, request, &report)
	}

	sent, err := worker.cashouts.ListByStatus(ctx, cashout.StatusSent, worker.config.BatchSize)
	if err != nil {
		return report, err
	}
	for _, request := range sent {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		worker.confirm(ctx, request, &report)
	}
	return report, nil
}

func (worker *Worker) pay(ctx context.Context, request cashout.Request, report *Report) {
	logger := worker.logger.With(zap.String("cashout_request_id", request.RequestID))
	processing, err := worker.cashouts.BeginProcessing(ctx, request.RequestID)
	if err != nil {
		report.Skipped++
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			logger.Warn("cashout left approved, balance no longer covers it", zap.Error(err))
			return
		}
		logger.Error("begin processing failed", zap.Error(err))
		return
	}

	receipt, err := worker.sender.Send(ctx, Payout{
		RequestID:   processing.RequestID,
		Destination: processing.DestinationAddress,
		TokenType:   processing.TokenType,
		AmountToken: processing.AmountToken,
	})
	if err != nil && (receipt.Signature == "" || errors.Is(err, ErrPayoutRejected)) {
		logger.Error("payout send failed", zap.Error(err))
		if _, failErr := worker.cashouts.MarkFailed(ctx, processing.RequestID, workerActorID, err.Error()); failErr != nil {
			logger.Error("mark failed after send error", zap.Error(failErr))
			return
		}
		report.Failed++
		return
	}
	logger = logger.With(zap.String("tx_hash", receipt.Signature))
	if err != nil {
		logger.Warn("payout submission outcome unknown, awaiting confirmation", zap.Error(err))
	}
	if _, markErr := worker.cashouts.MarkSent(ctx, processing.RequestID, workerActorID, receipt.Signature, receipt.MetaJSON); markErr != nil {
		logger.Warn("mark sent failed, retrying", zap.Error(markErr))
		if _, markErr = worker.cashouts.MarkSent(ctx, processing.RequestID, workerActorID, receipt.Signature, receipt.MetaJSON); markErr != nil {
			report.Skipped++
			logger.Error("payout broadcast but request left processing", zap.String("tx_meta", receipt.MetaJSON), zap.Error(markErr))
			return
		}
	}
	report.Sent++
}

func (worker *Worker) confirm(ctx context.Context, request cashout.Request, report *Report) {
	logger := worker.logger.With(zap.String("cashout_request_id", request.RequestID), zap.String("tx_hash", request.TxHash))
	state, err := worker.sender.Confirm(ctx, request.TxHash, request.TxMetaJSON)
	if err != nil {
		report.Skipped++
		logger.Warn("payout status unavailable", zap.Error(err))
		return
	}
	switch state {
	case PayoutConfirmed:
		if _, err := worker.cashouts.MarkConfirmed(ctx, request.RequestID, workerActorID, "finalized on chain"); err != nil {
			logger.Error("mark confirmed failed", zap.Error(err))
			return
		}
		report.Confirmed++
	case PayoutFailed:
		if _, err := worker.cashouts.MarkFailed(ctx, request.RequestID, workerActorID, "transaction failed or expired on chain"); err != nil {
			logger.Error("mark failed failed", zap.Error(err))
			return
		}
		report.Failed++
	default:
		report.Skipped++
	}
}
