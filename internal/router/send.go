package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"txcore/internal/account"
	"txcore/internal/store"
	"txcore/internal/txpopulate"
)

// SendRaw broadcasts an already-signed transaction and returns its hash. No
// pending record is written; callers that want lifecycle tracking follow up
// with AddPending.
func (r *Router) SendRaw(ctx context.Context, chainID uint64, raw []byte) (common.Hash, error) {
	client, err := r.ClientFor(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("decode raw transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send raw: %w", err)
	}
	if r.logger != nil {
		r.logger.Info("raw transaction broadcast", "chain_id", chainID, "tx", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

// SignAndSend populates req, submits it on the account's path, and persists
// the pending record. A record already occupying the nonce blocks the send
// unless replace is set, in which case the new submission overwrites it
// (speed-up and cancel both go through here).
func (r *Router) SignAndSend(ctx context.Context, meta account.Metadata, req txpopulate.Request, replace bool) (*store.PendingTx, error) {
	strat, client, err := r.strategyFor(ctx, meta)
	if err != nil {
		return nil, err
	}
	backend := &populateBackend{router: r, strat: strat, client: client, acct: meta.Ref}
	res, err := r.populator.Populate(ctx, backend, req)
	if err != nil {
		return nil, err
	}
	if res.EstimateErr != nil && r.logger != nil {
		r.logger.Warn("gas estimation failed, fallback limit recorded",
			"account", meta.Ref.Address.Hex(), "err", res.EstimateErr)
	}

	nonce := uint64(*res.Request.Nonce)
	key := store.PendingKey{Account: meta.Ref, Nonce: nonce}
	if !replace {
		if _, err := r.st.GetPending(ctx, key); err == nil {
			return nil, fmt.Errorf("%w: account %s nonce %d", ErrPendingExists, meta.Ref.Address.Hex(), nonce)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	env, err := strat.Submit(ctx, &res.Request)
	if err != nil {
		return nil, err
	}

	rawReq, err := json.Marshal(res.Request)
	if err != nil {
		return nil, err
	}
	rec := &store.PendingTx{
		Account:     meta.Ref,
		Nonce:       nonce,
		Kind:        account.KindOf(meta),
		Envelope:    *env,
		Request:     rawReq,
		FunctionSig: res.Request.FunctionSig(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.st.PutPending(ctx, rec); err != nil {
		return nil, err
	}
	if r.watcher != nil {
		r.watcher.TrackSubmission(key)
	}
	if r.logger != nil {
		r.logger.Info("transaction submitted",
			"account", meta.Ref.Address.Hex(), "kind", rec.Kind.String(),
			"nonce", nonce, "replace", replace,
			"tx", rec.Envelope.TxHash.Hex(), "user_op", rec.Envelope.UserOpHash.Hex())
	}
	return rec, nil
}
