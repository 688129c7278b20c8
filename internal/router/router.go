// Package router dispatches transaction operations to the account's
// submission path. Classification happens per call from stored metadata;
// three strategies (plain account, ERC-4337, Safe) implement one contract
// and the router owns every shared collaborator: chain registry, signer,
// bundler cache, safe service, populator, fee estimator.
package router

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
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"txcore/internal/account"
	"txcore/internal/bundler"
	"txcore/internal/chains"
	"txcore/internal/fees"
	"txcore/internal/history"
	"txcore/internal/pending"
	"txcore/internal/safeapi"
	"txcore/internal/signer"
	"txcore/internal/store"
	"txcore/internal/txpopulate"
)

var (
	ErrNoBundler      = errors.New("no bundler configured for chain")
	ErrNoSafeService  = errors.New("no safe service configured")
	ErrNoEntryPoint   = errors.New("smart account has no entry point configured")
	ErrPendingExists  = errors.New("a pending transaction already occupies this nonce")
	ErrNoOwnerKey     = errors.New("no local key for any safe owner")
	ErrNoWatcher      = errors.New("no watcher attached")
	ErrNoSyncer       = errors.New("no history syncer attached")
	ErrRecipientEmpty = errors.New("recipient is required for this account kind")
)

// balanceConcurrency bounds the balance fan-out so a burst of addresses does
// not hammer a single RPC endpoint.
const balanceConcurrency = 3

// Config carries the router's per-chain collaborator addresses.
type Config struct {
	// BundlerURLs maps chain id to the ERC-4337 bundler endpoint.
	BundlerURLs map[uint64]string
	// BundlerTimeout applies to every bundler HTTP call.
	BundlerTimeout time.Duration
	// FeeHistoryWindow is the block window handed to the fee estimator.
	FeeHistoryWindow uint64
}

type Router struct {
	logger    *slog.Logger
	reg       *chains.Registry
	signer    signer.Signer
	st        store.Store
	safe      *safeapi.Client
	populator *txpopulate.Populator
	cfg       Config

	watcher *pending.Watcher
	syncer  *history.Syncer

	bmu      sync.Mutex
	bundlers map[string]*bundler.Client
	bgroup   singleflight.Group
}

func New(logger *slog.Logger, reg *chains.Registry, sg signer.Signer, st store.Store, safe *safeapi.Client, resolver txpopulate.NameResolver, cfg Config) *Router {
	if cfg.BundlerTimeout <= 0 {
		cfg.BundlerTimeout = 15 * time.Second
	}
	if cfg.FeeHistoryWindow == 0 {
		cfg.FeeHistoryWindow = 20
	}
	return &Router{
		logger:    logger,
		reg:       reg,
		signer:    sg,
		st:        st,
		safe:      safe,
		populator: txpopulate.NewPopulator(resolver),
		cfg:       cfg,
		bundlers:  make(map[string]*bundler.Client),
	}
}

// AttachWatcher wires the pending-transaction watcher in after construction;
// the watcher needs the router as its backend resolver, so the two cannot be
// built in one step.
func (r *Router) AttachWatcher(w *pending.Watcher) { r.watcher = w }

// AttachSyncer wires the history synchronizer in, same lifecycle as the
// watcher.
func (r *Router) AttachSyncer(s *history.Syncer) { r.syncer = s }

// ClientFor implements pending.Backends.
func (r *Router) ClientFor(ctx context.Context, chainID uint64) (chains.Client, error) {
	h, err := r.reg.Handle(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return h.Client, nil
}

// BlockPeriod implements pending.Backends.
func (r *Router) BlockPeriod(chainID uint64) time.Duration {
	ep, ok := r.reg.Endpoint(chainID)
	if !ok {
		return 0
	}
	return ep.BlockPeriod
}

// ExplorerURL implements pending.Backends.
func (r *Router) ExplorerURL(chainID uint64) string {
	ep, ok := r.reg.Endpoint(chainID)
	if !ok {
		return ""
	}
	return ep.ExplorerURL
}

// UserOpReaderFor implements pending.Backends.
func (r *Router) UserOpReaderFor(ctx context.Context, chainID uint64, entryPoint common.Address) (pending.UserOpReader, error) {
	return r.bundlerFor(ctx, chainID, entryPoint)
}

// SafeReader implements pending.Backends.
func (r *Router) SafeReader() pending.SafeReader {
	if r.safe == nil {
		return nil
	}
	return r.safe
}

// bundlerFor returns the cached bundler client for (chain, entry point),
// dialing it on first use with concurrent construction shared.
func (r *Router) bundlerFor(ctx context.Context, chainID uint64, entryPoint common.Address) (*bundler.Client, error) {
	key := fmt.Sprintf("%d/%s", chainID, entryPoint.Hex())
	r.bmu.Lock()
	if b, ok := r.bundlers[key]; ok {
		r.bmu.Unlock()
		return b, nil
	}
	url, ok := r.cfg.BundlerURLs[chainID]
	r.bmu.Unlock()
	if !ok || url == "" {
		return nil, fmt.Errorf("%w: chain %d", ErrNoBundler, chainID)
	}

	v, err, _ := r.bgroup.Do(key, func() (any, error) {
		b, err := bundler.Dial(ctx, url, entryPoint, r.cfg.BundlerTimeout)
		if err != nil {
			return nil, err
		}
		r.bmu.Lock()
		r.bundlers[key] = b
		r.bmu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*bundler.Client), nil
}

// NextNonce returns the account's next sequence number on its own submission
// path: pending pool nonce, entry-point counter, or Safe internal nonce.
func (r *Router) NextNonce(ctx context.Context, meta account.Metadata) (uint64, error) {
	strat, _, err := r.strategyFor(ctx, meta)
	if err != nil {
		return 0, err
	}
	return strat.NextNonce(ctx)
}

// EstimateGas estimates the execution gas of msg on the account's chain.
func (r *Router) EstimateGas(ctx context.Context, meta account.Metadata, msg ethereum.CallMsg) (uint64, error) {
	strat, _, err := r.strategyFor(ctx, meta)
	if err != nil {
		return 0, err
	}
	return strat.EstimateGas(ctx, msg)
}

// Populate fills in the missing fields of req for this account.
func (r *Router) Populate(ctx context.Context, meta account.Metadata, req txpopulate.Request) (*txpopulate.Result, error) {
	strat, client, err := r.strategyFor(ctx, meta)
	if err != nil {
		return nil, err
	}
	backend := &populateBackend{router: r, strat: strat, client: client, acct: meta.Ref}
	return r.populator.Populate(ctx, backend, req)
}

// EstimateGasFee runs the fee-history estimator for a chain.
func (r *Router) EstimateGasFee(ctx context.Context, chainID uint64) (*fees.Estimate, error) {
	client, err := r.ClientFor(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return fees.NewEstimator(client, r.cfg.FeeHistoryWindow).EstimateGasFee(ctx)
}

// Wait runs one wait cycle for the pending record at key.
func (r *Router) Wait(ctx context.Context, key store.PendingKey) (*pending.WaitResult, error) {
	if r.watcher == nil {
		return nil, ErrNoWatcher
	}
	rec, err := r.st.GetPending(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.watcher.Wait(ctx, rec)
}

// AddPending adopts an externally-submitted record: it is persisted without
// a live handle, so the next wait resumes through the watermark scan.
func (r *Router) AddPending(ctx context.Context, rec *store.PendingTx) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return r.st.PutPending(ctx, rec)
}

// FetchTransactions pulls new confirmed history for the account from the
// indexer. Returns the number of records written or updated.
func (r *Router) FetchTransactions(ctx context.Context, meta account.Metadata) (int, error) {
	if r.syncer == nil {
		return 0, ErrNoSyncer
	}
	return r.syncer.Sync(ctx, meta.Ref, account.KindOf(meta))
}

// Balances fetches native balances for addrs on one chain, at most
// balanceConcurrency calls in flight, results in caller order.
func (r *Router) Balances(ctx context.Context, chainID uint64, addrs []common.Address) ([]*big.Int, error) {
	client, err := r.ClientFor(ctx, chainID)
	if err != nil {
		return nil, err
	}
	out := make([]*big.Int, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(balanceConcurrency)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			bal, err := client.BalanceAt(gctx, addr, nil)
			if err != nil {
				return fmt.Errorf("balance %s: %w", addr.Hex(), err)
			}
			out[i] = bal
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// populateBackend binds the populator's view to one account's strategy.
type populateBackend struct {
	router *Router
	strat  strategy
	client chains.Client
	acct   account.Ref
}

func (b *populateBackend) NextNonce(ctx context.Context) (uint64, error) {
	return b.strat.NextNonce(ctx)
}

func (b *populateBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return b.strat.EstimateGas(ctx, msg)
}

func (b *populateBackend) ChainID() uint64 {
	return b.acct.ChainID
}

func (b *populateBackend) Address() common.Address {
	return b.acct.Address
}

// FeeData snapshots the chain's fee availability: dynamic caps when the head
// block carries a base fee, a legacy gas price either way.
func (b *populateBackend) FeeData(ctx context.Context) (*txpopulate.FeeData, error) {
	fd := &txpopulate.FeeData{}
	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head header: %w", err)
	}
	if header.BaseFee != nil {
		tip, err := b.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest tip: %w", err)
		}
		fd.MaxPriorityFeePerGas = tip
		// Cap at twice the current base fee plus the tip: survives several
		// consecutive full blocks.
		fd.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
	}
	if price, err := b.client.SuggestGasPrice(ctx); err == nil {
		fd.GasPrice = price
	} else if header.BaseFee == nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return fd, nil
}
