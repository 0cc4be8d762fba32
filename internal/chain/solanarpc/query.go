package solanarpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// FindTransactionByReference returns the oldest confirmed, successful transaction
// that lists reference among its accounts.
func (client *Client) FindTransactionByReference(ctx context.Context, reference payment.Reference, sinceUnixUTC int64) (payment.TransactionRecord, error) {
	limit := signatureLookupLimit
	value, err := client.call(func() (interface{}, error) {
		return client.rpc.GetSignaturesForAddressWithOpts(ctx, reference.PublicKey(), &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentConfirmed,
		})
	})
	if err != nil {
		return payment.TransactionRecord{}, err
	}
	signatures, _ := value.([]*rpc.TransactionSignature)

	var (
		matches  []*rpc.TransactionSignature
		inFlight *rpc.TransactionSignature
	)
	for _, signature := range signatures {
		if signature == nil || signature.Err != nil {
			continue
		}
		if signature.BlockTime != nil && int64(*signature.BlockTime) < sinceUnixUTC {
			continue
		}
		if !isConfirmed(signature.ConfirmationStatus) {
			inFlight = signature
			continue
		}
		matches = append(matches, signature)
	}
	if len(matches) == 0 {
		if inFlight != nil {
			return payment.TransactionRecord{Signature: inFlight.Signature.String(), Confirmed: false}, nil
		}
		return payment.TransactionRecord{}, payment.ErrTransactionNotFound
	}
	// Signatures arrive newest first.
	selected := matches[len(matches)-1]
	if len(matches) > 1 {
		client.logger.Warn("reference matched multiple transactions",
			zap.String("reference", reference.String()),
			zap.Int("matches", len(matches)))
	}

	record, err := client.loadTransaction(ctx, selected.Signature)
	if err != nil {
		return payment.TransactionRecord{}, err
	}
	record.MatchCount = len(matches)
	return record, nil
}

func (client *Client) loadTransaction(ctx context.Context, signature solana.Signature) (payment.TransactionRecord, error) {
	maxVersion := uint64(0)
	value, err := client.call(func() (interface{}, error) {
		return client.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
	})
	if err != nil {
		return payment.TransactionRecord{}, err
	}
	result, _ := value.(*rpc.GetTransactionResult)
	if result == nil || result.Meta == nil {
		return payment.TransactionRecord{}, payment.ErrTransactionNotFound
	}
	transaction, err := client.decode(result)
	if err != nil {
		return payment.TransactionRecord{}, fmt.Errorf("%w: decode transaction: %v", payment.ErrProviderUnavailable, err)
	}

	accounts := accountKeys(transaction, result.Meta)
	record := payment.TransactionRecord{
		Signature: signature.String(),
		Confirmed: result.Meta.Err == nil,
		Transfers: extractTransfers(accounts, result.Meta),
	}
	if len(accounts) > 0 {
		record.Sender = accounts[0].String()
	}
	if result.BlockTime != nil {
		record.BlockTimeUnixUTC = int64(*result.BlockTime)
	}
	return record, nil
}

func isConfirmed(status rpc.ConfirmationStatusType) bool {
	return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
}

// accountKeys lists static keys followed by lookup-table writable then readonly keys,
// the order balance arrays are indexed in.
func accountKeys(transaction *solana.Transaction, meta *rpc.TransactionMeta) []solana.PublicKey {
	keys := make([]solana.PublicKey, 0, len(transaction.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	keys = append(keys, transaction.Message.AccountKeys...)
	keys = append(keys, meta.LoadedAddresses.Writable...)
	keys = append(keys, meta.LoadedAddresses.ReadOnly...)
	return keys
}

type tokenHolding struct {
	owner string
	mint  string
}

// extractTransfers reports every positive balance change: lamports per account and
// token amounts per (owner, mint).
func extractTransfers(accounts []solana.PublicKey, meta *rpc.TransactionMeta) []payment.Transfer {
	var transfers []payment.Transfer
	for index := 0; index < len(meta.PostBalances) && index < len(meta.PreBalances) && index < len(accounts); index++ {
		post, pre := meta.PostBalances[index], meta.PreBalances[index]
		if post > pre {
			transfers = append(transfers, payment.Transfer{
				Recipient: accounts[index].String(),
				Amount:    ledger.Amount(post - pre),
			})
		}
	}

	deltas := map[tokenHolding]*big.Int{}
	var order []tokenHolding
	accumulate := func(balances []rpc.TokenBalance, sign int) {
		for _, balance := range balances {
			if balance.UiTokenAmount == nil {
				continue
			}
			amount, ok := new(big.Int).SetString(balance.UiTokenAmount.Amount, 10)
			if !ok {
				continue
			}
			holding := tokenHolding{mint: balance.Mint.String()}
			switch {
			case balance.Owner != nil:
				holding.owner = balance.Owner.String()
			case int(balance.AccountIndex) < len(accounts):
				holding.owner = accounts[balance.AccountIndex].String()
			default:
				continue
			}
			current, seen := deltas[holding]
			if !seen {
				current = new(big.Int)
				deltas[holding] = current
				order = append(order, holding)
			}
			if sign < 0 {
				current.Sub(current, amount)
			} else {
				current.Add(current, amount)
			}
		}
	}
	accumulate(meta.PreTokenBalances, -1)
	accumulate(meta.PostTokenBalances, 1)
	for _, holding := range order {
		delta := deltas[holding]
		if delta.Sign() <= 0 || !delta.IsInt64() {
			continue
		}
		transfers = append(transfers, payment.Transfer{
			Recipient: holding.owner,
			Mint:      holding.mint,
			Amount:    ledger.Amount(delta.Int64()),
		})
	}
	return transfers
}
