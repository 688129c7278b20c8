package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"txcore/internal/account"
	"txcore/internal/pending"
	"txcore/internal/store"
)

// Confirmer is the state-machine confirmation path. Locally-originated
// transactions discovered through the indexer go through it instead of being
// written directly, so the direct receipt fetch stays authoritative.
type Confirmer interface {
	ConfirmInclusion(ctx context.Context, rec *store.PendingTx, txHash common.Hash) (*pending.WaitResult, error)
}

const defaultPageSize = 100

// Syncer incrementally pulls confirmed transactions for an account from the
// indexer and merges them with local state. One Sync call drains everything
// newer than the persisted cursor and returns; scheduling repeat passes is
// the caller's job.
type Syncer struct {
	logger    *slog.Logger
	st        store.Store
	indexer   Indexer
	confirmer Confirmer
	pageSize  int
}

func NewSyncer(logger *slog.Logger, st store.Store, indexer Indexer, confirmer Confirmer) *Syncer {
	return &Syncer{
		logger:    logger,
		st:        st,
		indexer:   indexer,
		confirmer: confirmer,
		pageSize:  defaultPageSize,
	}
}

// Sync fetches indexer pages newest-first until a page carries nothing newer
// than the cursor, reconciles every new row, then advances the cursor flag.
// Returns the number of records written or updated.
func (s *Syncer) Sync(ctx context.Context, acct account.Ref, kind account.Kind) (int, error) {
	cursor, err := s.findCursor(ctx, acct, kind)
	if err != nil {
		return 0, err
	}

	var (
		count  int
		newest *store.ConfirmedKey
	)
	for page := 1; ; page++ {
		entries, err := s.indexer.Transactions(ctx, acct.ChainID, acct.Address, page, s.pageSize)
		if err != nil {
			return count, err
		}
		if len(entries) == 0 {
			break
		}
		sawNewer := false
		for i := range entries {
			key := orderKey(acct, kind, &entries[i])
			if cursor != nil && !cursor.Less(key) {
				continue
			}
			sawNewer = true
			changed, err := s.reconcile(ctx, acct, kind, &entries[i])
			if err != nil {
				return count, err
			}
			if changed {
				count++
			}
			if newest == nil || newest.Less(key) {
				k := key
				newest = &k
			}
		}
		if !sawNewer || len(entries) < s.pageSize {
			break
		}
	}

	if newest != nil {
		if err := s.moveCursor(ctx, acct, kind, cursor, *newest); err != nil {
			return count, err
		}
	}
	if s.logger != nil {
		s.logger.Info("history synchronized",
			"account", acct.Address.Hex(), "kind", kind.String(), "updated", count)
	}
	return count, nil
}

// findCursor walks stored history backward in bounded pages until it finds
// the record flagged as the fetch cursor. Nil means no cursor exists and the
// next fetch is a full backfill.
func (s *Syncer) findCursor(ctx context.Context, acct account.Ref, kind account.Kind) (*store.ConfirmedKey, error) {
	var before *store.ConfirmedKey
	for {
		recs, err := s.st.ListConfirmedDesc(ctx, acct, kind, before, s.pageSize)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.FetchedCursor {
				key := rec.Key()
				return &key, nil
			}
		}
		if len(recs) < s.pageSize {
			return nil, nil
		}
		last := recs[len(recs)-1].Key()
		before = &last
	}
}

// reconcile merges one indexer row. A row matching a locally pending nonce is
// a local-origin confirmation and goes through the state machine; anything
// else is upserted by order key, updating in place only when an observable
// field actually changed.
func (s *Syncer) reconcile(ctx context.Context, acct account.Ref, kind account.Kind, e *Entry) (bool, error) {
	if s.confirmer != nil && e.From == acct.Address {
		rec, err := s.st.GetPending(ctx, store.PendingKey{Account: acct, Nonce: e.Nonce})
		if err == nil {
			res, err := s.confirmer.ConfirmInclusion(ctx, rec, e.TxHash)
			if err != nil {
				return false, err
			}
			return res.Outcome == pending.OutcomeConfirmed, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	incoming := entryRecord(acct, kind, e)
	var changed bool
	err := s.st.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.GetConfirmed(ctx, incoming.Key())
		if errors.Is(err, store.ErrNotFound) {
			changed = true
			return tx.UpsertConfirmed(ctx, incoming)
		}
		if err != nil {
			return err
		}
		if !materialChange(existing, incoming) {
			return nil
		}
		merged := *existing
		merged.TxHash = incoming.TxHash
		merged.Success = incoming.Success
		merged.Data = incoming.Data
		merged.GasUsed = incoming.GasUsed
		if incoming.FunctionSig != "" {
			merged.FunctionSig = incoming.FunctionSig
		}
		changed = true
		return tx.UpsertConfirmed(ctx, &merged)
	})
	return changed, err
}

// moveCursor shifts the fetch-cursor flag from the old record to the newest
// one in a single store transaction.
func (s *Syncer) moveCursor(ctx context.Context, acct account.Ref, kind account.Kind, old *store.ConfirmedKey, newest store.ConfirmedKey) error {
	if old != nil && *old == newest {
		return nil
	}
	return s.st.Update(ctx, func(tx store.Tx) error {
		if old != nil {
			rec, err := tx.GetConfirmed(ctx, *old)
			if err == nil && rec.FetchedCursor {
				cleared := *rec
				cleared.FetchedCursor = false
				if err := tx.UpsertConfirmed(ctx, &cleared); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		rec, err := tx.GetConfirmed(ctx, newest)
		if errors.Is(err, store.ErrNotFound) {
			// The newest row went through the confirmation path; flag
			// whatever is actually newest in the store.
			recs, lerr := tx.ListConfirmedDesc(ctx, acct, kind, nil, 1)
			if lerr != nil {
				return lerr
			}
			if len(recs) == 0 {
				return nil
			}
			rec = recs[0]
		} else if err != nil {
			return err
		}
		flagged := *rec
		flagged.FetchedCursor = true
		return tx.UpsertConfirmed(ctx, &flagged)
	})
}

// orderKey places an indexer row by its in-block position. Indexer rows are
// always canonical transactions naming the account as a party; a user
// operation's bundle transaction names the bundler and the entry point
// instead, so it never shows up in the account's row set. Operation-hash
// keys therefore arise only on the confirmation path, which keys the
// operation itself, never a row the indexer could also report.
func orderKey(acct account.Ref, kind account.Kind, e *Entry) store.ConfirmedKey {
	return store.ConfirmedKey{
		Account:   acct,
		Kind:      kind,
		Primary:   e.BlockNumber,
		Secondary: fmt.Sprintf("%010d", e.TxIndex),
	}
}

func entryRecord(acct account.Ref, kind account.Kind, e *Entry) *store.ConfirmedTx {
	key := orderKey(acct, kind, e)
	return &store.ConfirmedTx{
		Account:   acct,
		Kind:      kind,
		Primary:   key.Primary,
		Secondary: key.Secondary,

		TxHash:      e.TxHash,
		BlockNumber: e.BlockNumber,
		BlockHash:   e.BlockHash,
		TxIndex:     e.TxIndex,
		From:        e.From,
		To:          e.To,
		Value:       e.Value,
		Data:        e.Data,
		Nonce:       e.Nonce,

		GasUsed:           e.GasUsed,
		EffectiveGasPrice: e.GasPrice,
		Success:           e.Success,

		FunctionSig: e.FunctionSig,
		Timestamp:   e.Timestamp,
	}
}

func materialChange(existing, incoming *store.ConfirmedTx) bool {
	if existing.Success != incoming.Success {
		return true
	}
	if existing.TxHash != incoming.TxHash {
		return true
	}
	if !bytes.Equal(existing.Data, incoming.Data) {
		return true
	}
	if incoming.GasUsed != 0 && existing.GasUsed != incoming.GasUsed {
		return true
	}
	return false
}
