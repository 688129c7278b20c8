// Package txpopulate fills in the missing fields of a caller-supplied
// transaction request: sender, recipient resolution, fee scheme, nonce, gas
// limit and chain id. Population is a pure transform: the input request is
// never mutated, the result carries a new request plus the names of every
// field that was filled in and any non-fatal estimation error.
package txpopulate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrFromMismatch     = errors.New("from does not match the account address")
	ErrMixedFeeScheme   = errors.New("both gasPrice and EIP-1559 fee fields specified")
	ErrTypeFeeMismatch  = errors.New("transaction type conflicts with supplied fee fields")
	ErrBothGasFields    = errors.New(`both "gas" and "gasLimit" specified`)
	ErrChainIDMismatch  = errors.New("chainId does not match the account's chain")
	ErrNoFeeData        = errors.New("no fee data available for chain")
	ErrNameNotResolved  = errors.New("recipient name could not be resolved")
	ErrNoNameResolver   = errors.New("no name resolver configured")
	ErrFeeFieldsMissing = errors.New("type 2 requested but EIP-1559 fee data unavailable")
)

// fallbackGasLimit is used when estimation fails recoverably. Large enough
// for any realistic call, still under common block gas limits.
const fallbackGasLimit = 7_500_000

// FeeData is the raw per-chain fee availability snapshot population decides
// the transaction type from. Nil fields mean the chain does not provide that
// scheme.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Backend is the per-account view the populator needs. The router supplies
// an adapter bound to the account's kind-specific strategy.
type Backend interface {
	NextNonce(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	FeeData(ctx context.Context) (*FeeData, error)
	ChainID() uint64
	Address() common.Address
}

// NameResolver turns a human-readable recipient name into an address.
type NameResolver interface {
	Resolve(ctx context.Context, name string) (common.Address, error)
}

// GasEstimateError is the recoverable estimation failure recorded on the
// populate result when the fallback gas limit was applied.
type GasEstimateError struct {
	Err     error
	CallMsg ethereum.CallMsg
}

func (e *GasEstimateError) Error() string {
	if e == nil || e.Err == nil {
		return "gas estimation failed"
	}
	return "gas estimation failed: " + e.Err.Error()
}

func (e *GasEstimateError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Result is the populated request plus its population side channel.
type Result struct {
	Request Request

	// Populated names every field filled in by the populator, for UI
	// disclosure.
	Populated []string

	// EstimateErr is set when gas estimation failed and the fallback gas
	// limit was recorded instead. It never aborts population.
	EstimateErr *GasEstimateError
}

type Populator struct {
	resolver NameResolver
}

func NewPopulator(resolver NameResolver) *Populator {
	return &Populator{resolver: resolver}
}

// Populate validates req against the account and fills in every missing
// field. Fatal errors (malformed field combinations, unresolvable names,
// chain mismatch) return an error; gas-estimation failure is absorbed into
// the result.
func (p *Populator) Populate(ctx context.Context, backend Backend, req Request) (*Result, error) {
	out := req
	res := &Result{}

	if err := p.resolveFrom(backend, &out, res); err != nil {
		return nil, err
	}
	if err := p.resolveTo(ctx, &out); err != nil {
		return nil, err
	}
	if err := checkFeeExclusivity(&out); err != nil {
		return nil, err
	}
	if err := p.resolveFees(ctx, backend, &out, res); err != nil {
		return nil, err
	}
	if err := p.resolveNonce(ctx, backend, &out, res); err != nil {
		return nil, err
	}
	if err := normalizeGasAlias(&out, res); err != nil {
		return nil, err
	}
	p.resolveGasLimit(ctx, backend, &out, res)
	if err := resolveChainID(backend, &out, res); err != nil {
		return nil, err
	}
	normalizeData(&out)

	res.Request = out
	return res, nil
}

func (p *Populator) resolveFrom(backend Backend, req *Request, res *Result) error {
	addr := backend.Address()
	if req.From == nil {
		req.From = &addr
		res.Populated = append(res.Populated, "from")
		return nil
	}
	if *req.From != addr {
		return fmt.Errorf("%w: have %s, want %s", ErrFromMismatch, req.From.Hex(), addr.Hex())
	}
	return nil
}

func (p *Populator) resolveTo(ctx context.Context, req *Request) error {
	if req.To == nil {
		return nil
	}
	name := strings.TrimSpace(*req.To)
	if common.IsHexAddress(name) {
		addr := common.HexToAddress(name)
		req.SetToAddress(&addr)
		return nil
	}
	if p.resolver == nil {
		return fmt.Errorf("%w: %q", ErrNoNameResolver, name)
	}
	addr, err := p.resolver.Resolve(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrNameNotResolved, name, err)
	}
	// Rewrite the name to the resolved address so records persisted from
	// this request stay resolvable without the resolver.
	req.SetToAddress(&addr)
	return nil
}

func checkFeeExclusivity(req *Request) error {
	has1559 := req.MaxFeePerGas != nil || req.MaxPriorityFeePerGas != nil
	if req.GasPrice != nil && has1559 {
		return ErrMixedFeeScheme
	}
	if req.Type != nil {
		switch uint64(*req.Type) {
		case 0, 1:
			if has1559 {
				return fmt.Errorf("%w: legacy type with EIP-1559 fields", ErrTypeFeeMismatch)
			}
		case 2:
			if req.GasPrice != nil {
				return fmt.Errorf("%w: type 2 with gasPrice", ErrTypeFeeMismatch)
			}
		}
	}
	return nil
}

func (p *Populator) resolveFees(ctx context.Context, backend Backend, req *Request, res *Result) error {
	both1559 := req.MaxFeePerGas != nil && req.MaxPriorityFeePerGas != nil

	// Fully specified dynamic-fee request: nothing to fetch.
	if both1559 && (req.Type == nil || uint64(*req.Type) == 2) {
		if req.Type == nil {
			req.Type = newUint64(2)
			res.Populated = append(res.Populated, "type")
		}
		return nil
	}

	// Explicit legacy type only ever back-fills gasPrice.
	if req.Type != nil && uint64(*req.Type) != 2 {
		if req.GasPrice != nil {
			return nil
		}
		fd, err := backend.FeeData(ctx)
		if err != nil {
			return err
		}
		if fd.GasPrice == nil {
			return ErrNoFeeData
		}
		req.GasPrice = (*hexutil.Big)(new(big.Int).Set(fd.GasPrice))
		res.Populated = append(res.Populated, "gasPrice")
		return nil
	}

	fd, err := backend.FeeData(ctx)
	if err != nil {
		return err
	}

	// Explicit type 2 with missing fields: the chain must support the fee
	// market.
	if req.Type != nil && uint64(*req.Type) == 2 {
		if fd.MaxFeePerGas == nil || fd.MaxPriorityFeePerGas == nil {
			return ErrFeeFieldsMissing
		}
		fill1559(req, fd, res)
		return nil
	}

	// Unset type: upgrade to the fee market when the chain has one.
	if fd.MaxFeePerGas != nil && fd.MaxPriorityFeePerGas != nil {
		req.Type = newUint64(2)
		res.Populated = append(res.Populated, "type")
		if req.GasPrice != nil {
			// A bare legacy gas price rides along as both dynamic caps.
			price := (*big.Int)(req.GasPrice)
			req.MaxFeePerGas = (*hexutil.Big)(new(big.Int).Set(price))
			req.MaxPriorityFeePerGas = (*hexutil.Big)(new(big.Int).Set(price))
			req.GasPrice = nil
			res.Populated = append(res.Populated, "maxFeePerGas", "maxPriorityFeePerGas")
			return nil
		}
		fill1559(req, fd, res)
		return nil
	}
	if fd.GasPrice != nil {
		req.Type = newUint64(0)
		res.Populated = append(res.Populated, "type")
		if req.GasPrice == nil {
			req.GasPrice = (*hexutil.Big)(new(big.Int).Set(fd.GasPrice))
			res.Populated = append(res.Populated, "gasPrice")
		}
		return nil
	}
	return ErrNoFeeData
}

func fill1559(req *Request, fd *FeeData, res *Result) {
	if req.MaxFeePerGas == nil {
		req.MaxFeePerGas = (*hexutil.Big)(new(big.Int).Set(fd.MaxFeePerGas))
		res.Populated = append(res.Populated, "maxFeePerGas")
	}
	if req.MaxPriorityFeePerGas == nil {
		req.MaxPriorityFeePerGas = (*hexutil.Big)(new(big.Int).Set(fd.MaxPriorityFeePerGas))
		res.Populated = append(res.Populated, "maxPriorityFeePerGas")
	}
}

func (p *Populator) resolveNonce(ctx context.Context, backend Backend, req *Request, res *Result) error {
	if req.Nonce != nil {
		return nil
	}
	nonce, err := backend.NextNonce(ctx)
	if err != nil {
		return fmt.Errorf("next nonce: %w", err)
	}
	req.Nonce = newUint64(nonce)
	res.Populated = append(res.Populated, "nonce")
	return nil
}

func normalizeGasAlias(req *Request, res *Result) error {
	if req.Gas == nil {
		return nil
	}
	if req.GasLimit != nil {
		return ErrBothGasFields
	}
	req.GasLimit = req.Gas
	req.Gas = nil
	res.Populated = append(res.Populated, "gasLimit")
	return nil
}

func (p *Populator) resolveGasLimit(ctx context.Context, backend Backend, req *Request, res *Result) {
	if req.GasLimit != nil {
		return
	}
	msg := req.callMsg()
	gas, err := backend.EstimateGas(ctx, msg)
	if err != nil && isInsufficientFunds(err) && msg.Value != nil && msg.Value.Sign() > 0 && len(msg.Data) == 0 {
		// The balance check, not the call, may be what failed. A plain
		// transfer estimates the same without its value.
		retry := msg
		retry.Value = nil
		gas, err = backend.EstimateGas(ctx, retry)
	}
	if err != nil {
		res.EstimateErr = &GasEstimateError{Err: err, CallMsg: msg}
		gas = fallbackGasLimit
	}
	req.GasLimit = newUint64(gas)
	res.Populated = append(res.Populated, "gasLimit")
}

func resolveChainID(backend Backend, req *Request, res *Result) error {
	want := backend.ChainID()
	if req.ChainID == nil {
		req.ChainID = newUint64(want)
		res.Populated = append(res.Populated, "chainId")
		return nil
	}
	if uint64(*req.ChainID) != want {
		return fmt.Errorf("%w: have %d, want %d", ErrChainIDMismatch, uint64(*req.ChainID), want)
	}
	return nil
}

// normalizeData folds an explicitly empty payload into "absent" so that
// downstream equality checks (cancellation detection among them) see one
// representation.
func normalizeData(req *Request) {
	if req.Data != nil && len(*req.Data) == 0 {
		req.Data = nil
	}
}

func isInsufficientFunds(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

func newUint64(v uint64) *hexutil.Uint64 {
	u := hexutil.Uint64(v)
	return &u
}
