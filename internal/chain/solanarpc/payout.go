package solanarpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fivebest/settlement/internal/settlement"
	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// ErrInvalidPayoutConfig reports a PayoutSender built without a signer or mint.
var ErrInvalidPayoutConfig = errors.New("invalid payout sender config")

// PayoutSender transfers cashouts from the treasury wallet.
type PayoutSender struct {
	client   *Client
	signer   solana.PrivateKey
	usdcMint solana.PublicKey
}

// NewPayoutSender parses the base58 treasury key and USDC mint.
func NewPayoutSender(client *Client, treasuryKeyBase58 string, usdcMint string) (*PayoutSender, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is nil", ErrInvalidPayoutConfig)
	}
	signer, err := solana.PrivateKeyFromBase58(treasuryKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("%w: treasury key: %v", ErrInvalidPayoutConfig, err)
	}
	mint, err := solana.PublicKeyFromBase58(usdcMint)
	if err != nil {
		return nil, fmt.Errorf("%w: usdc mint: %v", ErrInvalidPayoutConfig, err)
	}
	return &PayoutSender{client: client, signer: signer, usdcMint: mint}, nil
}

// Send builds, signs and submits the payout transfer.
func (sender *PayoutSender) Send(ctx context.Context, payout settlement.Payout) (settlement.Receipt, error) {
	destination, err := solana.PublicKeyFromBase58(payout.Destination)
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("%w: destination: %v", settlement.ErrPayoutRejected, err)
	}
	amount, err := ledger.ParseAmount(payout.TokenType, payout.AmountToken)
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("%w: %v", settlement.ErrPayoutRejected, err)
	}
	instruction, err := sender.transferInstruction(payout.TokenType, destination, uint64(amount))
	if err != nil {
		return settlement.Receipt{}, err
	}

	value, err := sender.client.call(func() (interface{}, error) {
		return sender.client.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	})
	if err != nil {
		return settlement.Receipt{}, err
	}
	blockhash, _ := value.(*rpc.GetLatestBlockhashResult)
	if blockhash == nil || blockhash.Value == nil {
		return settlement.Receipt{}, errors.New("latest blockhash missing")
	}

	transaction, err := solana.NewTransaction([]solana.Instruction{instruction}, blockhash.Value.Blockhash, solana.TransactionPayer(sender.signer.PublicKey()))
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("%w: build transaction: %v", settlement.ErrPayoutRejected, err)
	}
	if _, err := transaction.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(sender.signer.PublicKey()) {
			return &sender.signer
		}
		return nil
	}); err != nil {
		return settlement.Receipt{}, fmt.Errorf("%w: sign transaction: %v", settlement.ErrPayoutRejected, err)
	}

	signature := transaction.Signatures[0]
	meta, err := json.Marshal(payoutMeta{
		Destination:          payout.Destination,
		Token:                payout.TokenType.String(),
		AmountMinor:          amount.Int64(),
		Blockhash:            blockhash.Value.Blockhash.String(),
		LastValidBlockHeight: blockhash.Value.LastValidBlockHeight,
		Treasury:             sender.signer.PublicKey().String(),
	})
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("%w: encode meta: %v", settlement.ErrPayoutRejected, err)
	}
	receipt := settlement.Receipt{Signature: signature.String(), MetaJSON: string(meta)}

	_, err = sender.client.call(func() (interface{}, error) {
		return sender.client.rpc.SendTransactionWithOpts(ctx, transaction, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
	})
	if err != nil {
		sender.client.logger.Warn("payout submission unconfirmed",
			zap.String("cashout_request_id", payout.RequestID),
			zap.String("tx_hash", receipt.Signature),
			zap.Error(err))
		return receipt, err
	}
	sender.client.logger.Info("payout submitted",
		zap.String("cashout_request_id", payout.RequestID),
		zap.String("tx_hash", receipt.Signature),
		zap.String("token", payout.TokenType.String()))
	return receipt, nil
}

func (sender *PayoutSender) transferInstruction(currency ledger.Currency, destination solana.PublicKey, amount uint64) (solana.Instruction, error) {
	source := sender.signer.PublicKey()
	switch currency {
	case ledger.CurrencySOL:
		return system.NewTransferInstruction(amount, source, destination).Build(), nil
	case ledger.CurrencyUSDC:
		sourceAccount, _, err := solana.FindAssociatedTokenAddress(source, sender.usdcMint)
		if err != nil {
			return nil, fmt.Errorf("%w: treasury token account: %v", settlement.ErrPayoutRejected, err)
		}
		destinationAccount, _, err := solana.FindAssociatedTokenAddress(destination, sender.usdcMint)
		if err != nil {
			return nil, fmt.Errorf("%w: destination token account: %v", settlement.ErrPayoutRejected, err)
		}
		return token.NewTransferCheckedInstruction(
			amount,
			uint8(ledger.CurrencyUSDC.Decimals()),
			sourceAccount,
			sender.usdcMint,
			destinationAccount,
			source,
			nil,
		).Build(), nil
	default:
		return nil, fmt.Errorf("%w: %s cannot be paid out", settlement.ErrPayoutRejected, currency)
	}
}

// Confirm maps the signature status to a payout state. An unknown signature
// stays pending until the chain passes the blockhash's last valid height.
func (sender *PayoutSender) Confirm(ctx context.Context, signature string, metaJSON string) (settlement.PayoutState, error) {
	parsed, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return settlement.PayoutFailed, nil
	}
	var meta payoutMeta
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			sender.client.logger.Warn("payout meta unreadable", zap.String("tx_hash", signature), zap.Error(err))
		}
	}
	// The height is read before the status so a transaction that landed in
	// time is already visible when the status is fetched.
	var blockHeight uint64
	if meta.LastValidBlockHeight > 0 {
		value, err := sender.client.call(func() (interface{}, error) {
			return sender.client.rpc.GetBlockHeight(ctx, rpc.CommitmentFinalized)
		})
		if err != nil {
			return settlement.PayoutPending, err
		}
		blockHeight, _ = value.(uint64)
	}

	value, err := sender.client.call(func() (interface{}, error) {
		return sender.client.rpc.GetSignatureStatuses(ctx, true, parsed)
	})
	if err != nil && !errors.Is(err, payment.ErrTransactionNotFound) {
		return settlement.PayoutPending, err
	}
	statuses, _ := value.(*rpc.GetSignatureStatusesResult)
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		if meta.LastValidBlockHeight > 0 && blockHeight > meta.LastValidBlockHeight {
			return settlement.PayoutFailed, nil
		}
		return settlement.PayoutPending, nil
	}
	status := statuses.Value[0]
	if status.Err != nil {
		return settlement.PayoutFailed, nil
	}
	if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
		return settlement.PayoutConfirmed, nil
	}
	return settlement.PayoutPending, nil
}

type payoutMeta struct {
	Destination          string `json:"destination"`
	Token                string `json:"token"`
	AmountMinor          int64  `json:"amountMinor"`
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	Treasury             string `json:"treasury"`
}
