package cashout

import (
	"context"
	"fmt"
	"strings"

	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	operationCreate = "create"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultMinimumGlory ledger.Amount = 1000
	defaultHistoryLimit               = 100
	maxHistoryLimit                   = 500

	idempotencySuffixDebit  = ":debit"
	idempotencySuffixRefund = ":refund"
	idempotencyPrefix       = "cashout:"
)

// Config holds the cashout business rules.
type Config struct {
	// MinimumGlory is the smallest accepted cashout.
	MinimumGlory ledger.Amount
	// Rates maps each payout token to the token amount paid per GLORY.
	Rates map[ledger.Currency]decimal.Decimal
}

// TransitionLog describes one request state change or creation.
type TransitionLog struct {
	Operation   string
	RequestID   string
	UserID      string
	From        Status
	To          Status
	ActorUserID string
	AmountGlory ledger.Amount
	Status      string
	Error       error
}

// TransitionLogger receives a callback for every state change attempt.
type TransitionLogger interface {
	LogTransition(ctx context.Context, entry TransitionLog)
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithTransitionLogger wires a logger for state changes.
func WithTransitionLogger(logger TransitionLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// Service drives cashout requests through their state machine.
type Service struct {
	store  Store
	nowFn  func() int64
	config Config
	logger TransitionLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, config Config, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if config.MinimumGlory <= 0 {
		config.MinimumGlory = defaultMinimumGlory
	}
	if len(config.Rates) == 0 {
		return nil, fmt.Errorf("%w: no payout rates configured", ErrInvalidServiceConfig)
	}
	for currency, rate := range config.Rates {
		if !currency.OnChain() {
			return nil, fmt.Errorf("%w: %s cannot be paid out", ErrInvalidServiceConfig, currency)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("%w: %s rate must be positive", ErrInvalidServiceConfig, currency)
		}
	}
	service := &Service{store: store, nowFn: now, config: config}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// MinimumGlory returns the configured minimum cashout.
func (service *Service) MinimumGlory() ledger.Amount {
	return service.config.MinimumGlory
}

// Quote converts GLORY into the payout token, truncated to the token's precision.
func (service *Service) Quote(amountGlory ledger.Amount, tokenType ledger.Currency) (string, error) {
	rate, ok := service.config.Rates[tokenType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedToken, tokenType)
	}
	if amountGlory <= 0 {
		return "", fmt.Errorf("%w: must be greater than zero", ledger.ErrInvalidAmount)
	}
	converted := decimal.NewFromInt(amountGlory.Int64()).Mul(rate).Truncate(tokenType.Decimals())
	if !converted.IsPositive() {
		return "", ErrAmountTooSmall
	}
	return converted.String(), nil
}

// Create validates and records a new pending request with its creation event.
func (service *Service) Create(ctx context.Context, userID ledger.UserID, walletID string, amountGlory ledger.Amount, tokenType ledger.Currency) (Request, error) {
	var created Request
	operationError := service.create(ctx, userID, walletID, amountGlory, tokenType, &created)
	service.logTransition(ctx, TransitionLog{
		Operation:   operationCreate,
		RequestID:   created.RequestID,
		UserID:      userID.String(),
		To:          StatusPending,
		ActorUserID: userID.String(),
		AmountGlory: amountGlory,
		Error:       operationError,
	})
	if operationError != nil {
		return Request{}, operationError
	}
	return created, nil
}

func (service *Service) create(ctx context.Context, userID ledger.UserID, walletID string, amountGlory ledger.Amount, tokenType ledger.Currency, created *Request) error {
	if userID.String() == "" {
		return fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	walletID = strings.TrimSpace(walletID)
	if walletID == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	if amountGlory < service.config.MinimumGlory {
		return fmt.Errorf("%w: minimum is %d GLORY", ErrAmountBelowMinimum, service.config.MinimumGlory)
	}
	amountToken, err := service.Quote(amountGlory, tokenType)
	if err != nil {
		return err
	}
	return service.store.WithCashoutTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.GetWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if wallet.UserID != userID.String() {
			return ErrWalletOwnershipMismatch
		}
		if wallet.Status != WalletStatusActive {
			return fmt.Errorf("%w: status %s", ErrWalletInactive, wallet.Status)
		}
		balance, err := transactionStore.LockBalance(ctx, userID, ledger.CurrencyGlory)
		if err != nil {
			return err
		}
		reserved, err := transactionStore.SumOpenRequests(ctx, userID)
		if err != nil {
			return err
		}
		if balance-reserved < amountGlory {
			return fmt.Errorf("%w: available %d GLORY, requested %d", ledger.ErrInsufficientBalance, balance-reserved, amountGlory)
		}
		nowUnixUTC := service.nowFn()
		request, err := transactionStore.CreateRequest(ctx, Request{
			UserID:             userID.String(),
			WalletID:           wallet.WalletID,
			DestinationAddress: wallet.Address,
			AmountGlory:        amountGlory,
			AmountToken:        amountToken,
			TokenType:          tokenType,
			Status:             StatusPending,
			CreatedUnixUTC:     nowUnixUTC,
			UpdatedUnixUTC:     nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertEvent(ctx, Event{
			RequestID:      request.RequestID,
			ToStatus:       StatusPending,
			ActorUserID:    userID.String(),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		*created = request
		return nil
	})
}

// Approve moves a pending request to approved.
func (service *Service) Approve(ctx context.Context, requestID string, adminID ledger.UserID) (Request, error) {
	if adminID.String() == "" {
		return Request{}, ErrActorRequired
	}
	return service.transition(ctx, requestID, StatusApproved, adminID.String(), "", func(_ context.Context, _ Store, request *Request, _ int64) error {
		request.AdminID = adminID.String()
		return nil
	})
}

// Reject moves a pending request to rejected. No balance changes.
func (service *Service) Reject(ctx context.Context, requestID string, adminID ledger.UserID, reason string) (Request, error) {
	if adminID.String() == "" {
		return Request{}, ErrActorRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, ErrReasonRequired
	}
	return service.transition(ctx, requestID, StatusRejected, adminID.String(), reason, func(_ context.Context, _ Store, request *Request, _ int64) error {
		request.AdminID = adminID.String()
		request.RejectionReason = reason
		return nil
	})
}

// BeginProcessing moves an approved request to processing and debits its GLORY
// in the same transaction. Without enough balance the request stays approved.
func (service *Service) BeginProcessing(ctx context.Context, requestID string) (Request, error) {
	return service.transition(ctx, requestID, StatusProcessing, "", "", service.debit)
}

// MarkSent records the payout transaction of a processing request.
func (service *Service) MarkSent(ctx context.Context, requestID string, actorID string, txHash string, txMetaJSON string) (Request, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return Request{}, ErrTxHashRequired
	}
	metadata, err := ledger.NewMetadataJSON(txMetaJSON)
	if err != nil {
		return Request{}, err
	}
	return service.transition(ctx, requestID, StatusSent, actorID, "", func(_ context.Context, _ Store, request *Request, _ int64) error {
		request.TxHash = txHash
		request.TxMetaJSON = metadata.String()
		return nil
	})
}

// MarkConfirmed finalizes a sent request, debiting now if no debit was written yet.
func (service *Service) MarkConfirmed(ctx context.Context, requestID string, actorID string, notes string) (Request, error) {
	return service.transition(ctx, requestID, StatusConfirmed, actorID, notes, func(ctx context.Context, transactionStore Store, request *Request, nowUnixUTC int64) error {
		if request.Debited {
			return nil
		}
		return service.debit(ctx, transactionStore, request, nowUnixUTC)
	})
}

// MarkFailed aborts a processing or sent request and refunds any debit with a
// compensating entry.
func (service *Service) MarkFailed(ctx context.Context, requestID string, actorID string, notes string) (Request, error) {
	return service.transition(ctx, requestID, StatusFailed, actorID, notes, func(ctx context.Context, transactionStore Store, request *Request, nowUnixUTC int64) error {
		if !request.Debited {
			return nil
		}
		input, err := service.ledgerEntry(request, request.AmountGlory, ledger.ReasonCashoutRefund, idempotencySuffixRefund, nowUnixUTC)
		if err != nil {
			return err
		}
		_, err = ledger.Apply(ctx, transactionStore, input)
		return err
	})
}

// Get returns a request with its ordered events.
func (service *Service) Get(ctx context.Context, requestID string) (Request, []Event, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Request{}, nil, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	request, err := service.store.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, nil, err
	}
	events, err := service.store.ListEvents(ctx, requestID)
	if err != nil {
		return Request{}, nil, err
	}
	return request, events, nil
}

// History lists a user's requests, newest first.
func (service *Service) History(ctx context.Context, userID ledger.UserID, limit int) ([]Request, error) {
	return service.store.ListRequestsByUser(ctx, userID, clampLimit(limit))
}

// ListByStatus lists requests in status, oldest first.
func (service *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]Request, error) {
	if _, err := ParseStatus(status.String()); err != nil {
		return nil, err
	}
	return service.store.ListRequestsByStatus(ctx, status, clampLimit(limit))
}

type transitionMutation func(ctx context.Context, transactionStore Store, request *Request, nowUnixUTC int64) error

func (service *Service) transition(ctx context.Context, requestID string, to Status, actorID string, notes string, mutate transitionMutation) (Request, error) {
	requestID = strings.TrimSpace(requestID)
	var (
		updated Request
		from    Status
	)
	operationError := func() error {
		if requestID == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidRequestID)
		}
		return service.store.WithCashoutTx(ctx, func(ctx context.Context, transactionStore Store) error {
			request, err := transactionStore.GetRequest(ctx, requestID)
			if err != nil {
				return err
			}
			from = request.Status
			if !CanTransition(from, to) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
			}
			nowUnixUTC := service.nowFn()
			request.Status = to
			request.UpdatedUnixUTC = nowUnixUTC
			if mutate != nil {
				if err := mutate(ctx, transactionStore, &request, nowUnixUTC); err != nil {
					return err
				}
			}
			if err := transactionStore.UpdateRequest(ctx, request, from); err != nil {
				return err
			}
			if _, err := transactionStore.InsertEvent(ctx, Event{
				RequestID:      request.RequestID,
				FromStatus:     from,
				ToStatus:       to,
				ActorUserID:    actorID,
				Notes:          notes,
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			updated = request
			return nil
		})
	}()
	service.logTransition(ctx, TransitionLog{
		Operation:   string(to),
		RequestID:   requestID,
		UserID:      updated.UserID,
		From:        from,
		To:          to,
		ActorUserID: actorID,
		AmountGlory: updated.AmountGlory,
		Error:       operationError,
	})
	if operationError != nil {
		return Request{}, operationError
	}
	return updated, nil
}

func (service *Service) debit(ctx context.Context, transactionStore Store, request *Request, nowUnixUTC int64) error {
	input, err := service.ledgerEntry(request, request.AmountGlory.Negated(), ledger.ReasonCashoutDebit, idempotencySuffixDebit, nowUnixUTC)
	if err != nil {
		return err
	}
	if _, err := ledger.Apply(ctx, transactionStore, input); err != nil {
		return err
	}
	request.Debited = true
	return nil
}

func (service *Service) ledgerEntry(request *Request, delta ledger.Amount, reason ledger.Reason, suffix string, nowUnixUTC int64) (ledger.EntryInput, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return ledger.EntryInput{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyPrefix + request.RequestID + suffix)
	if err != nil {
		return ledger.EntryInput{}, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]string{
		"cashout_request_id": request.RequestID,
		"token_type":         request.TokenType.String(),
		"amount_token":       request.AmountToken,
	})
	if err != nil {
		return ledger.EntryInput{}, err
	}
	return ledger.NewEntryInput(userID, ledger.CurrencyGlory, delta, reason, nil, nil, idempotencyKey, metadata, nowUnixUTC)
}

func (service *Service) logTransition(ctx context.Context, entry TransitionLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogTransition(ctx, entry)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
