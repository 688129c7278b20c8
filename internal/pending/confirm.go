package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"txcore/internal/bundler"
	"txcore/internal/chains"
	"txcore/internal/store"
	"txcore/internal/txpopulate"
)

// secondaryForIndex renders an in-block position as a fixed-width string so
// lexical order matches numeric order.
func secondaryForIndex(index uint) string {
	return fmt.Sprintf("%010d", index)
}

// confirmFromReceipt settles an EOA or Safe record from an execution
// receipt. The transaction body is always re-fetched by the hash the
// receipt reports: when a gas bump or reorg mined a different hash than the
// one submitted, the receipt's hash is the canonical one.
func (w *Watcher) confirmFromReceipt(ctx context.Context, client chains.Client, rec *store.PendingTx, receipt *types.Receipt) (*WaitResult, error) {
	if receipt.BlockNumber == nil {
		return nil, fmt.Errorf("receipt for %s has no block number", receipt.TxHash.Hex())
	}
	tx, _, err := client.TransactionByHash(ctx, receipt.TxHash)
	if err != nil {
		return nil, fmt.Errorf("canonical transaction %s: %w", receipt.TxHash.Hex(), err)
	}
	if receipt.TxHash != rec.Envelope.TxHash && w.logger != nil {
		w.logger.Info("submission superseded by replacement",
			"account", rec.Account.Address.Hex(), "nonce", rec.Nonce,
			"submitted", rec.Envelope.TxHash.Hex(), "mined", receipt.TxHash.Hex())
	}

	chainID := new(big.Int).SetUint64(rec.Account.ChainID)
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		from = rec.Account.Address
	}
	var to common.Address
	if tx.To() != nil {
		to = *tx.To()
	}

	conf := &store.ConfirmedTx{
		Account:   rec.Account,
		Kind:      rec.Kind,
		Primary:   receipt.BlockNumber.Uint64(),
		Secondary: secondaryForIndex(receipt.TransactionIndex),

		Envelope: rec.Envelope,

		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockHash:   receipt.BlockHash,
		TxIndex:     receipt.TransactionIndex,
		From:        from,
		To:          to,
		Value:       tx.Value(),
		Data:        tx.Data(),
		Nonce:       tx.Nonce(),

		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		Success:           receipt.Status == types.ReceiptStatusSuccessful,

		FunctionSig: rec.FunctionSig,
		Timestamp:   time.Now().UTC(),
	}
	return w.commit(ctx, rec, conf)
}

// confirmFromUserOp settles a smart-account record from a bundler receipt.
// The order key pairs the block number with the operation hash, since many
// operations share one bundle transaction.
func (w *Watcher) confirmFromUserOp(ctx context.Context, client chains.Client, rec *store.PendingTx, opReceipt *bundler.Receipt) (*WaitResult, error) {
	inner := opReceipt.Receipt
	if inner.BlockNumber == nil {
		return nil, fmt.Errorf("user operation %s: receipt has no block number", opReceipt.UserOpHash.Hex())
	}
	if opReceipt.UserOpHash != rec.Envelope.UserOpHash && w.logger != nil {
		w.logger.Info("user operation superseded by replacement",
			"account", rec.Account.Address.Hex(), "nonce", rec.Nonce,
			"submitted", rec.Envelope.UserOpHash.Hex(), "mined", opReceipt.UserOpHash.Hex())
	}

	to, value, data := requestedCall(rec)
	conf := &store.ConfirmedTx{
		Account:   rec.Account,
		Kind:      rec.Kind,
		Primary:   inner.BlockNumber.ToInt().Uint64(),
		Secondary: opReceipt.UserOpHash.Hex(),

		Envelope: rec.Envelope,

		TxHash:      inner.TransactionHash,
		BlockNumber: inner.BlockNumber.ToInt().Uint64(),
		BlockHash:   inner.BlockHash,
		TxIndex:     uint(inner.TransactionIndex),
		From:        rec.Account.Address,
		To:          to,
		Value:       value,
		Data:        data,
		Nonce:       rec.Nonce,

		Success:     opReceipt.Success,
		FunctionSig: rec.FunctionSig,
		Timestamp:   time.Now().UTC(),
	}
	if opReceipt.ActualGasUsed != nil {
		conf.GasUsed = opReceipt.ActualGasUsed.ToInt().Uint64()
	}
	if inner.EffectiveGasPrice != nil {
		conf.EffectiveGasPrice = inner.EffectiveGasPrice.ToInt()
	}
	return w.commit(ctx, rec, conf)
}

// requestedCall recovers the inner call of a user operation from the stored
// request. The bundler receipt describes the bundle transaction, not the
// call the account made, so the request is the only faithful source of the
// settled to/value/data. An unreadable request leaves the recipient zero;
// it must never default to the sender, which would look like a nonce burn.
func requestedCall(rec *store.PendingTx) (to common.Address, value *big.Int, data []byte) {
	if len(rec.Request) == 0 {
		return
	}
	var req txpopulate.Request
	if err := json.Unmarshal(rec.Request, &req); err != nil {
		return
	}
	if req.To != nil && common.IsHexAddress(*req.To) {
		to = common.HexToAddress(*req.To)
	}
	if req.Value != nil {
		value = (*big.Int)(req.Value)
	}
	if req.Data != nil {
		data = *req.Data
	}
	return
}

// ConfirmInclusion settles rec against an externally discovered inclusion,
// re-fetching the canonical transaction and receipt first: the direct
// receipt fetch is more authoritative than any indexer row and always wins.
// The history synchronizer feeds locally-originated confirmations through
// here instead of writing them itself.
func (w *Watcher) ConfirmInclusion(ctx context.Context, rec *store.PendingTx, txHash common.Hash) (*WaitResult, error) {
	client, err := w.backends.ClientFor(ctx, rec.Account.ChainID)
	if err != nil {
		return nil, err
	}
	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if isNotFound(err) {
			// The indexer is ahead of our node; leave the record pending.
			return &WaitResult{Outcome: OutcomePending}, nil
		}
		return nil, err
	}
	return w.confirmFromReceipt(ctx, client, rec, receipt)
}

// commit merges the confirmation with any record already at its order key
// (the synchronizer may have arrived first), then atomically upserts the
// confirmed record and deletes the pending one. The notifier runs only
// after the transaction commits.
func (w *Watcher) commit(ctx context.Context, rec *store.PendingTx, conf *store.ConfirmedTx) (*WaitResult, error) {
	err := w.st.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.GetConfirmed(ctx, conf.Key())
		if err == nil {
			mergeConfirmed(conf, existing)
		} else if err != store.ErrNotFound {
			return err
		}
		if err := tx.UpsertConfirmed(ctx, conf); err != nil {
			return err
		}
		return tx.DeletePending(ctx, rec.Key())
	})
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	delete(w.live, rec.Key())
	w.mu.Unlock()

	if w.notifier != nil {
		w.notifier.Notify(ctx, conf, explorerTxURL(w.backends.ExplorerURL(rec.Account.ChainID), conf.TxHash))
	}
	if w.logger != nil {
		w.logger.Info("transaction confirmed",
			"account", rec.Account.Address.Hex(), "nonce", rec.Nonce,
			"tx", conf.TxHash.Hex(), "block", conf.BlockNumber,
			"success", conf.Success, "cancelled", conf.Cancelled())
	}
	return &WaitResult{Outcome: OutcomeConfirmed, Confirmed: conf}, nil
}

// mergeConfirmed folds fields only the existing record knows into the fresh
// confirmation. The cursor flag in particular must survive a re-confirm.
func mergeConfirmed(conf, existing *store.ConfirmedTx) {
	conf.FetchedCursor = existing.FetchedCursor
	if conf.FunctionSig == "" {
		conf.FunctionSig = existing.FunctionSig
	}
	if conf.Timestamp.IsZero() {
		conf.Timestamp = existing.Timestamp
	}
	if conf.Value == nil {
		conf.Value = existing.Value
	}
	if len(conf.Data) == 0 {
		conf.Data = existing.Data
	}
}

func explorerTxURL(base string, hash common.Hash) string {
	if base == "" {
		return ""
	}
	return base + "/tx/" + hash.Hex()
}
