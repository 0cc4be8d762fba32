package solanarpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fivebest/settlement/pkg/payment"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	breakerName             = "solana-rpc"
	breakerMaxRequests      = 5
	breakerInterval         = 10 * time.Second
	breakerTimeout          = 30 * time.Second
	breakerFailureThreshold = 5
	signatureLookupLimit    = 100
	rpcRateLimitCode        = -32005
)

// rpcAPI is the subset of *rpc.Client the adapter calls.
type rpcAPI interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// Client queries and submits Solana transactions through a circuit breaker.
type Client struct {
	rpc     rpcAPI
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	decode  func(result *rpc.GetTransactionResult) (*solana.Transaction, error)
}

// New dials endpoint, a Solana JSON-RPC URL.
func New(endpoint string, options ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("solana rpc endpoint is empty")
	}
	return newClient(rpc.New(endpoint), options...), nil
}

func newClient(api rpcAPI, options ...Option) *Client {
	client := &Client{rpc: api, logger: zap.NewNop(), decode: decodeEnvelope}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > breakerFailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			client.logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return client
}

// call runs fn through the breaker. rpc.ErrNotFound counts as a healthy answer.
func (client *Client) call(fn func() (interface{}, error)) (interface{}, error) {
	var notFound bool
	result, err := client.breaker.Execute(func() (interface{}, error) {
		value, err := fn()
		if errors.Is(err, rpc.ErrNotFound) {
			notFound = true
			return nil, nil
		}
		return value, err
	})
	if err != nil {
		return nil, classifyError(err)
	}
	if notFound {
		return nil, payment.ErrTransactionNotFound
	}
	return result, nil
}

// Healthy reports an error while the circuit breaker is open.
func (client *Client) Healthy(context.Context) error {
	if client.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit breaker open", payment.ErrProviderUnavailable)
	}
	return nil
}

func classifyError(err error) error {
	if errors.Is(err, payment.ErrTransactionNotFound) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", payment.ErrProviderUnavailable, err)
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", payment.ErrProviderRateLimited, err)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && (rpcErr.Code == rpcRateLimitCode || rpcErr.Code == http.StatusTooManyRequests) {
		return fmt.Errorf("%w: %v", payment.ErrProviderRateLimited, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "too many requests") {
		return fmt.Errorf("%w: %v", payment.ErrProviderRateLimited, err)
	}
	return fmt.Errorf("%w: %v", payment.ErrProviderUnavailable, err)
}

func decodeEnvelope(result *rpc.GetTransactionResult) (*solana.Transaction, error) {
	if result == nil || result.Transaction == nil {
		return nil, errors.New("transaction payload missing")
	}
	return result.Transaction.GetTransaction()
}
