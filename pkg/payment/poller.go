package payment

import (
	"context"
	"sync"
	"time"

	"github.com/fivebest/settlement/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPollWindow   = 5 * time.Minute
	pollUpdateBuffer    = 4
)

// Checker verifies and settles a reference; Settler implements it.
type Checker interface {
	VerifyAndSettle(ctx context.Context, reference Reference, userID ledger.UserID) (SettlementResult, error)
}

// PollUpdate is emitted after every attempt. The last update has Final set.
type PollUpdate struct {
	Attempt int
	Result  SettlementResult
	Err     error
	Final   bool
	// Expired is set on the final update when the window closed without a terminal outcome.
	Expired bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the delay between attempts.
func WithPollInterval(interval time.Duration) PollerOption {
	return func(poller *Poller) {
		if interval > 0 {
			poller.interval = interval
		}
	}
}

// WithPollWindow overrides how long a session polls before giving up.
func WithPollWindow(window time.Duration) PollerOption {
	return func(poller *Poller) {
		if window > 0 {
			poller.window = window
		}
	}
}

// WithPollerLogger wires a zap logger.
func WithPollerLogger(logger *zap.Logger) PollerOption {
	return func(poller *Poller) {
		if logger != nil {
			poller.logger = logger
		}
	}
}

// Poller runs bounded verification loops for open payment sessions.
type Poller struct {
	checker  Checker
	interval time.Duration
	window   time.Duration
	logger   *zap.Logger
}

// NewPoller wires a Poller.
func NewPoller(checker Checker, options ...PollerOption) *Poller {
	poller := &Poller{
		checker:  checker,
		interval: defaultPollInterval,
		window:   defaultPollWindow,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(poller)
		}
	}
	return poller
}

// PollHandle controls one running poll loop.
type PollHandle struct {
	updates  chan PollUpdate
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Updates delivers attempt results; it is closed when the loop ends.
func (handle *PollHandle) Updates() <-chan PollUpdate {
	return handle.updates
}

// Done is closed once the loop has exited.
func (handle *PollHandle) Done() <-chan struct{} {
	return handle.done
}

// Stop cancels the loop and waits for it to exit. It is safe to call more than once.
func (handle *PollHandle) Stop() {
	handle.stopOnce.Do(handle.cancel)
	<-handle.done
}

// Start begins polling reference for userID until a terminal outcome, the window
// closes, ctx is cancelled or Stop is called.
func (poller *Poller) Start(ctx context.Context, reference Reference, userID ledger.UserID) *PollHandle {
	loopCtx, cancel := context.WithCancel(ctx)
	handle := &PollHandle{
		updates: make(chan PollUpdate, pollUpdateBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go poller.run(loopCtx, handle, reference, userID)
	return handle
}

func (poller *Poller) run(ctx context.Context, handle *PollHandle, reference Reference, userID ledger.UserID) {
	defer close(handle.done)
	defer close(handle.updates)
	defer handle.cancel()

	deadline := time.NewTimer(poller.window)
	defer deadline.Stop()
	ticker := time.NewTicker(poller.interval)
	defer ticker.Stop()

	var last PollUpdate
	for attempt := 1; ; attempt++ {
		result, err := poller.checker.VerifyAndSettle(ctx, reference, userID)
		if ctx.Err() != nil {
			return
		}
		update := PollUpdate{Attempt: attempt, Result: result, Err: err}
		update.Final = isFinal(result, err)
		if !poller.emit(ctx, handle, update) || update.Final {
			return
		}
		last = update

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			poller.logger.Info("payment poll window closed",
				zap.String("reference", reference.String()),
				zap.Int("attempts", attempt))
			last.Final = true
			last.Expired = true
			poller.emit(ctx, handle, last)
			return
		case <-ticker.C:
		}
	}
}

func (poller *Poller) emit(ctx context.Context, handle *PollHandle, update PollUpdate) bool {
	select {
	case handle.updates <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

func isFinal(result SettlementResult, err error) bool {
	if err != nil {
		return !IsRetryable(err)
	}
	return result.Verification.Outcome.Terminal()
}
