package chains

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/singleflight"
)

// Endpoint describes how to reach one chain.
type Endpoint struct {
	NetworkKind string
	ChainID     uint64
	HTTPURL     string
	BlockPeriod time.Duration
	ExplorerURL string
}

// Handle is a cached network connection for one chain.
type Handle struct {
	Endpoint Endpoint
	Client   Client

	rpcClient *rpc.Client
}

func (h *Handle) Close() {
	if h.rpcClient != nil {
		h.rpcClient.Close()
	}
}

// RawCall issues a raw JSON-RPC call on the handle's connection.
func (h *Handle) RawCall(ctx context.Context, result any, method string, args ...any) error {
	if h.rpcClient == nil {
		return fmt.Errorf("chain %d: no raw rpc client", h.Endpoint.ChainID)
	}
	return h.rpcClient.CallContext(ctx, result, method, args...)
}

// Registry caches one Handle per chain id. Construction is shared: when two
// callers race for the same uncached chain id, one dial happens and both get
// its result. Handles are rebuilt after Invalidate (endpoint change).
//
// Created once per process in cmd and torn down with Close on shutdown.
type Registry struct {
	logger    *slog.Logger
	timeout   time.Duration
	userAgent string

	mu        sync.Mutex
	endpoints map[uint64]Endpoint
	handles   map[uint64]*Handle
	group     singleflight.Group
}

func NewRegistry(logger *slog.Logger, endpoints []Endpoint, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	byID := make(map[uint64]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byID[ep.ChainID] = ep
	}
	return &Registry{
		logger:    logger,
		timeout:   timeout,
		userAgent: "txcore",
		endpoints: byID,
		handles:   make(map[uint64]*Handle),
	}
}

// Handle returns the cached handle for chainID, dialing it on first use.
func (r *Registry) Handle(ctx context.Context, chainID uint64) (*Handle, error) {
	r.mu.Lock()
	if h, ok := r.handles[chainID]; ok {
		r.mu.Unlock()
		return h, nil
	}
	ep, ok := r.endpoints[chainID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("chain %d: no endpoint configured", chainID)
	}

	key := fmt.Sprintf("%d", chainID)
	v, err, _ := r.group.Do(key, func() (any, error) {
		h, err := r.dial(ctx, ep)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		// An Invalidate between dial and store loses the race on purpose:
		// the stale handle is returned once and rebuilt on the next call.
		r.handles[chainID] = h
		r.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Endpoint reports the configured endpoint for chainID without dialing.
func (r *Registry) Endpoint(chainID uint64) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[chainID]
	return ep, ok
}

// SetEndpoint replaces the endpoint for a chain and drops any cached handle
// so the next caller rebuilds against the new configuration.
func (r *Registry) SetEndpoint(ep Endpoint) {
	r.mu.Lock()
	r.endpoints[ep.ChainID] = ep
	h := r.handles[ep.ChainID]
	delete(r.handles, ep.ChainID)
	r.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// Invalidate drops the cached handle for a chain.
func (r *Registry) Invalidate(chainID uint64) {
	r.mu.Lock()
	h := r.handles[chainID]
	delete(r.handles, chainID)
	r.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

func (r *Registry) Close() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[uint64]*Handle)
	r.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}

func (r *Registry) dial(ctx context.Context, ep Endpoint) (*Handle, error) {
	httpClient := &http.Client{Timeout: r.timeout}
	rpcClient, err := rpc.DialOptions(ctx, ep.HTTPURL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("chain %d dial: %w", ep.ChainID, err)
	}
	rpcClient.SetHeader("User-Agent", r.userAgent)
	if r.logger != nil {
		r.logger.Info("rpc connected", "chain_id", ep.ChainID, "network", ep.NetworkKind)
	}
	return &Handle{
		Endpoint:  ep,
		Client:    ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
	}, nil
}
