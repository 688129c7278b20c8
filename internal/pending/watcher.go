// Package pending owns the lifecycle of a submitted transaction from
// submission to confirmation, replacement or abandonment. One wait cycle
// blocks until the transaction settles or the polling timeout fires;
// timeouts re-checkpoint the watermark and hand control back to the caller.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"txcore/internal/account"
	"txcore/internal/bundler"
	"txcore/internal/chains"
	"txcore/internal/safeapi"
	"txcore/internal/store"
)

var (
	// ErrWaitInProgress: each pending record has at most one active wait.
	// Replacement goes through a new submission at the same nonce, never
	// through a second concurrent wait.
	ErrWaitInProgress = errors.New("wait already in progress for this record")
)

// UserOpReader is the bundler surface the watcher polls.
type UserOpReader interface {
	GetReceipt(ctx context.Context, userOpHash common.Hash) (*bundler.Receipt, error)
}

// SafeReader is the Safe-service surface the watcher polls.
type SafeReader interface {
	Transaction(ctx context.Context, safeTxHash string) (*safeapi.TxStatus, error)
}

// Backends resolves per-chain collaborators for the watcher. The router
// implements it.
type Backends interface {
	ClientFor(ctx context.Context, chainID uint64) (chains.Client, error)
	BlockPeriod(chainID uint64) time.Duration
	ExplorerURL(chainID uint64) string
	UserOpReaderFor(ctx context.Context, chainID uint64, entryPoint common.Address) (UserOpReader, error)
	SafeReader() SafeReader
}

// Notifier is invoked after a confirm transaction has committed.
type Notifier interface {
	Notify(ctx context.Context, rec *store.ConfirmedTx, explorerURL string)
}

const (
	DefaultWaitTimeout  = 5 * time.Minute
	DefaultPollInterval = 4 * time.Second

	// How far back the restart inclusion search will walk when a record
	// has no watermark at all.
	maxScanBlocks = 128
)

type Watcher struct {
	logger   *slog.Logger
	st       store.Store
	backends Backends
	notifier Notifier

	waitTimeout  time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	active map[store.PendingKey]struct{}
	live   map[store.PendingKey]struct{}
}

func NewWatcher(logger *slog.Logger, st store.Store, backends Backends, notifier Notifier, waitTimeout, pollInterval time.Duration) *Watcher {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Watcher{
		logger:       logger,
		st:           st,
		backends:     backends,
		notifier:     notifier,
		waitTimeout:  waitTimeout,
		pollInterval: pollInterval,
		active:       make(map[store.PendingKey]struct{}),
		live:         make(map[store.PendingKey]struct{}),
	}
}

// TrackSubmission marks a record as a live submission: the process that
// sent it is still attached, so its hash can be awaited directly.
func (w *Watcher) TrackSubmission(key store.PendingKey) {
	w.mu.Lock()
	w.live[key] = struct{}{}
	w.mu.Unlock()
}

// Wait blocks until rec settles, is abandoned, or the polling timeout
// fires. Exactly one wait may be active per record.
func (w *Watcher) Wait(ctx context.Context, rec *store.PendingTx) (*WaitResult, error) {
	key := rec.Key()
	w.mu.Lock()
	if _, ok := w.active[key]; ok {
		w.mu.Unlock()
		return nil, ErrWaitInProgress
	}
	w.active[key] = struct{}{}
	_, isLive := w.live[key]
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, key)
		w.mu.Unlock()
	}()

	client, err := w.backends.ClientFor(ctx, rec.Account.ChainID)
	if err != nil {
		return nil, err
	}

	if isLive {
		// Checkpoint before blocking so a restart mid-wait resumes from a
		// safe block instead of rescanning.
		if rec, err = w.checkpoint(ctx, client, rec); err != nil {
			return nil, err
		}
		res, err := w.awaitLive(ctx, client, rec)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		// Timed out: refresh the watermark and report still-pending.
		if rec, err = w.checkpoint(ctx, client, rec); err != nil {
			return nil, err
		}
		return &WaitResult{Outcome: OutcomePending}, nil
	}

	return w.resume(ctx, client, rec)
}

// checkpoint persists a watermark a safety margin behind the current head.
func (w *Watcher) checkpoint(ctx context.Context, client chains.Client, rec *store.PendingTx) (*store.PendingTx, error) {
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	margin := w.watermarkMargin(rec.Account.ChainID)
	start := uint64(0)
	if head > margin {
		start = head - margin
	}
	updated := *rec
	updated.StartBlock = start
	if err := w.st.PutPending(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// watermarkMargin converts twice the polling interval plus 500ms into
// blocks, minimum one.
func (w *Watcher) watermarkMargin(chainID uint64) uint64 {
	period := w.backends.BlockPeriod(chainID)
	if period <= 0 {
		period = 12 * time.Second
	}
	margin := 2*w.pollInterval + 500*time.Millisecond
	blocks := uint64((margin + period - 1) / period)
	if blocks == 0 {
		blocks = 1
	}
	return blocks
}

// awaitLive polls the submission's own handle until inclusion or timeout.
// A nil result with nil error means the timeout fired.
func (w *Watcher) awaitLive(ctx context.Context, client chains.Client, rec *store.PendingTx) (*WaitResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, w.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		res, err := w.pollOnce(waitCtx, client, rec)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return nil, nil // timeout, not cancellation
			}
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		case <-ticker.C:
		}
	}
}

// pollOnce checks the submission's status once. Nil result means still
// pending.
func (w *Watcher) pollOnce(ctx context.Context, client chains.Client, rec *store.PendingTx) (*WaitResult, error) {
	switch rec.Kind {
	case account.KindSmartAccount:
		return w.pollUserOp(ctx, client, rec)
	case account.KindMultisig:
		return w.pollSafe(ctx, client, rec)
	default:
		return w.pollEOA(ctx, client, rec)
	}
}

func (w *Watcher) pollEOA(ctx context.Context, client chains.Client, rec *store.PendingTx) (*WaitResult, error) {
	receipt, err := client.TransactionReceipt(ctx, rec.Envelope.TxHash)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return w.confirmFromReceipt(ctx, client, rec, receipt)
}

func (w *Watcher) pollUserOp(ctx context.Context, client chains.Client, rec *store.PendingTx) (*WaitResult, error) {
	if rec.Envelope.EntryPoint == nil {
		return nil, fmt.Errorf("smart-account record %s has no entry point", rec.Account)
	}
	reader, err := w.backends.UserOpReaderFor(ctx, rec.Account.ChainID, *rec.Envelope.EntryPoint)
	if err != nil {
		return nil, err
	}
	opReceipt, err := reader.GetReceipt(ctx, rec.Envelope.UserOpHash)
	if err != nil {
		if errors.Is(err, bundler.ErrUserOpNotFound) {
			// A null receipt is the normal in-flight answer; keep polling.
			return nil, nil
		}
		return nil, err
	}
	return w.confirmFromUserOp(ctx, client, rec, opReceipt)
}

func (w *Watcher) pollSafe(ctx context.Context, client chains.Client, rec *store.PendingTx) (*WaitResult, error) {
	reader := w.backends.SafeReader()
	if reader == nil {
		return nil, errors.New("no safe service configured")
	}
	status, err := reader.Transaction(ctx, rec.Envelope.SafeTxHash)
	if err != nil {
		if errors.Is(err, safeapi.ErrTxNotFound) {
			// Proposal vanished from the service: the Safe nonce was spent
			// by another transaction.
			return w.abandon(ctx, rec)
		}
		return nil, err
	}
	if !status.IsExecuted || status.TransactionHash == nil {
		return nil, nil
	}
	receipt, err := client.TransactionReceipt(ctx, *status.TransactionHash)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return w.confirmFromReceipt(ctx, client, rec, receipt)
}

// resume handles a record with no live handle: the process restarted or the
// record was adopted from external history. It searches from the watermark
// for the nonce's settled outcome.
func (w *Watcher) resume(ctx context.Context, client chains.Client, rec *store.PendingTx) (*WaitResult, error) {
	// The original submission may still be directly visible.
	res, err := w.pollOnce(ctx, client, rec)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}

	if rec.Kind == account.KindSmartAccount {
		// The bundler does not know the operation. Check the account's
		// entry-point counter before deciding: a counter past our nonce
		// means the operation very likely landed through a race and its
		// receipt will surface on a later cycle. Either way this is
		// pending-retry, never abandonment.
		if rec.Envelope.EntryPoint != nil {
			counter, err := bundler.Counter(ctx, client, *rec.Envelope.EntryPoint, rec.Account.Address)
			if err != nil {
				return nil, err
			}
			if counter > rec.Nonce && w.logger != nil {
				w.logger.Info("user operation counter advanced, awaiting receipt",
					"account", rec.Account.Address.Hex(), "nonce", rec.Nonce, "counter", counter)
			}
		}
		if _, err := w.checkpoint(ctx, client, rec); err != nil {
			return nil, err
		}
		return &WaitResult{Outcome: OutcomePending}, nil
	}
	if rec.Kind == account.KindMultisig {
		// Safe proposals live on the service; there is no on-chain search
		// to run. Refresh the watermark and retry later.
		if _, err := w.checkpoint(ctx, client, rec); err != nil {
			return nil, err
		}
		return &WaitResult{Outcome: OutcomePending}, nil
	}

	mined, err := client.NonceAt(ctx, rec.Account.Address, nil)
	if err != nil {
		return nil, err
	}
	if mined <= rec.Nonce {
		// Nonce not spent yet; still genuinely pending.
		if _, err := w.checkpoint(ctx, client, rec); err != nil {
			return nil, err
		}
		return &WaitResult{Outcome: OutcomePending}, nil
	}

	// The nonce was spent. Walk forward from the watermark looking for the
	// transaction that spent it; a different hash is the replacement case
	// (speed-up, cancel or reorg renumbering).
	found, err := w.scanForNonce(ctx, client, rec)
	if err != nil {
		return nil, err
	}
	if found == (common.Hash{}) {
		// Spent outside the scan window: superseded somewhere we cannot
		// see. Drop the record.
		return w.abandon(ctx, rec)
	}
	receipt, err := client.TransactionReceipt(ctx, found)
	if err != nil {
		return nil, err
	}
	return w.confirmFromReceipt(ctx, client, rec, receipt)
}

// scanForNonce searches blocks from the watermark to head for the
// transaction that consumed rec's nonce. Returns the zero hash when not
// found.
func (w *Watcher) scanForNonce(ctx context.Context, client chains.Client, rec *store.PendingTx) (common.Hash, error) {
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	start := rec.StartBlock
	if start == 0 {
		if head > maxScanBlocks {
			start = head - maxScanBlocks
		}
	}
	chainID := new(big.Int).SetUint64(rec.Account.ChainID)
	signer := types.LatestSignerForChainID(chainID)
	for n := start; n <= head; n++ {
		if ctx.Err() != nil {
			return common.Hash{}, ctx.Err()
		}
		block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return common.Hash{}, err
		}
		for _, tx := range block.Transactions() {
			if tx.Nonce() != rec.Nonce {
				continue
			}
			from, err := types.Sender(signer, tx)
			if err != nil {
				continue
			}
			if from == rec.Account.Address {
				return tx.Hash(), nil
			}
		}
	}
	return common.Hash{}, nil
}

func (w *Watcher) abandon(ctx context.Context, rec *store.PendingTx) (*WaitResult, error) {
	if err := w.st.DeletePending(ctx, rec.Key()); err != nil {
		return nil, err
	}
	// The key may be reused by a later record; it must not inherit this
	// submission's live handle.
	w.mu.Lock()
	delete(w.live, rec.Key())
	w.mu.Unlock()
	if w.logger != nil {
		w.logger.Info("pending record abandoned", "account", rec.Account.Address.Hex(), "nonce", rec.Nonce)
	}
	return &WaitResult{Outcome: OutcomeAbandoned}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}
