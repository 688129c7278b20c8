package router

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"txcore/internal/account"
	"txcore/internal/bundler"
	"txcore/internal/chains"
	"txcore/internal/safeapi"
	"txcore/internal/store"
	"txcore/internal/txpopulate"
)

// selectorExecute is the smart account's execute(address,uint256,bytes).
var selectorExecute = hexutil.MustDecode("0xb61d27f6")

// strategy is the per-kind submission contract. One instance is built per
// call from the account's current metadata.
type strategy interface {
	NextNonce(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	Submit(ctx context.Context, req *txpopulate.Request) (*store.Envelope, error)
}

func (r *Router) strategyFor(ctx context.Context, meta account.Metadata) (strategy, chains.Client, error) {
	client, err := r.ClientFor(ctx, meta.Ref.ChainID)
	if err != nil {
		return nil, nil, err
	}
	switch account.KindOf(meta) {
	case account.KindSmartAccount:
		if meta.EntryPoint == nil {
			return nil, nil, ErrNoEntryPoint
		}
		b, err := r.bundlerFor(ctx, meta.Ref.ChainID, *meta.EntryPoint)
		if err != nil {
			return nil, nil, err
		}
		return &aaStrategy{router: r, client: client, meta: meta, bundler: b}, client, nil
	case account.KindMultisig:
		if r.safe == nil {
			return nil, nil, ErrNoSafeService
		}
		return &safeStrategy{router: r, client: client, meta: meta}, client, nil
	default:
		return &eoaStrategy{router: r, client: client, meta: meta}, client, nil
	}
}

type eoaStrategy struct {
	router *Router
	client chains.Client
	meta   account.Metadata
}

func (s *eoaStrategy) NextNonce(ctx context.Context) (uint64, error) {
	return s.client.PendingNonceAt(ctx, s.meta.Ref.Address)
}

func (s *eoaStrategy) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return s.client.EstimateGas(ctx, msg)
}

func (s *eoaStrategy) Submit(ctx context.Context, req *txpopulate.Request) (*store.Envelope, error) {
	chainID := new(big.Int).SetUint64(s.meta.Ref.ChainID)
	tx := buildTransaction(req, chainID)
	signed, err := s.router.signer.SignTransaction(s.meta.Ref.Address, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	raw, _ := signed.MarshalBinary()
	return &store.Envelope{TxHash: signed.Hash(), Raw: raw}, nil
}

// buildTransaction assembles the wire transaction from a populated request.
func buildTransaction(req *txpopulate.Request, chainID *big.Int) *types.Transaction {
	var (
		value *big.Int
		data  []byte
	)
	if req.Value != nil {
		value = (*big.Int)(req.Value)
	}
	if req.Data != nil {
		data = *req.Data
	}
	nonce := uint64(*req.Nonce)
	gas := uint64(*req.GasLimit)

	if req.Type != nil && uint64(*req.Type) == 2 {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: (*big.Int)(req.MaxPriorityFeePerGas),
			GasFeeCap: (*big.Int)(req.MaxFeePerGas),
			Gas:       gas,
			To:        req.ToAddress(),
			Value:     value,
			Data:      data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: (*big.Int)(req.GasPrice),
		Gas:      gas,
		To:       req.ToAddress(),
		Value:    value,
		Data:     data,
	})
}

type aaStrategy struct {
	router  *Router
	client  chains.Client
	meta    account.Metadata
	bundler *bundler.Client
}

func (s *aaStrategy) NextNonce(ctx context.Context) (uint64, error) {
	return bundler.Counter(ctx, s.client, *s.meta.EntryPoint, s.meta.Ref.Address)
}

func (s *aaStrategy) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return s.client.EstimateGas(ctx, msg)
}

func (s *aaStrategy) Submit(ctx context.Context, req *txpopulate.Request) (*store.Envelope, error) {
	op, err := s.buildUserOp(req)
	if err != nil {
		return nil, err
	}

	est, err := s.bundler.EstimateGas(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("user operation gas: %w", err)
	}
	op.CallGasLimit = est.CallGasLimit
	op.VerificationGasLimit = est.VerificationGasLimit
	op.PreVerificationGas = est.PreVerificationGas

	chainID := new(big.Int).SetUint64(s.meta.Ref.ChainID)
	opHash := bundler.HashUserOp(op, *s.meta.EntryPoint, chainID)
	// Accounts validate against the personal-sign digest of the hash.
	sig, err := s.router.signer.SignHash(s.meta.Ref.Address, accounts.TextHash(opHash.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("sign user operation: %w", err)
	}
	sig[64] += 27
	op.Signature = sig

	sent, err := s.bundler.SendUserOperation(ctx, op)
	if err != nil {
		return nil, err
	}
	ep := *s.meta.EntryPoint
	return &store.Envelope{UserOpHash: sent, EntryPoint: &ep}, nil
}

func (s *aaStrategy) buildUserOp(req *txpopulate.Request) (*bundler.UserOperation, error) {
	var (
		value = new(big.Int)
		data  []byte
	)
	if req.Value != nil {
		value = (*big.Int)(req.Value)
	}
	if req.Data != nil {
		data = *req.Data
	}
	to := req.ToAddress()
	if to == nil {
		return nil, ErrRecipientEmpty
	}

	maxFee, maxPriority := req.MaxFeePerGas, req.MaxPriorityFeePerGas
	if maxFee == nil && req.GasPrice != nil {
		// Legacy-only chain: both caps ride on the gas price.
		maxFee, maxPriority = req.GasPrice, req.GasPrice
	}
	if maxFee == nil || maxPriority == nil {
		return nil, txpopulate.ErrNoFeeData
	}

	return &bundler.UserOperation{
		Sender:               s.meta.Ref.Address,
		Nonce:                (*hexutil.Big)(new(big.Int).SetUint64(uint64(*req.Nonce))),
		InitCode:             hexutil.Bytes{},
		CallData:             packExecute(*to, value, data),
		CallGasLimit:         (*hexutil.Big)(new(big.Int).SetUint64(uint64(*req.GasLimit))),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150_000)),
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(21_000)),
		MaxFeePerGas:         (*hexutil.Big)((*big.Int)(maxFee)),
		MaxPriorityFeePerGas: (*hexutil.Big)((*big.Int)(maxPriority)),
		PaymasterAndData:     hexutil.Bytes{},
		Signature:            make(hexutil.Bytes, 65),
	}, nil
}

// packExecute encodes execute(address,uint256,bytes) calldata.
func packExecute(to common.Address, value *big.Int, data []byte) hexutil.Bytes {
	padded := len(data)
	if rem := padded % 32; rem != 0 {
		padded += 32 - rem
	}
	out := make([]byte, 0, 4+5*32+padded)
	out = append(out, selectorExecute...)
	out = append(out, common.LeftPadBytes(to.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(value.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(3*32).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(data))).Bytes(), 32)...)
	out = append(out, common.RightPadBytes(data, padded)...)
	return out
}

type safeStrategy struct {
	router *Router
	client chains.Client
	meta   account.Metadata
}

func (s *safeStrategy) NextNonce(ctx context.Context) (uint64, error) {
	info, err := s.router.safe.SafeInfo(ctx, s.meta.Ref.Address)
	if err != nil {
		return 0, err
	}
	return info.Nonce, nil
}

func (s *safeStrategy) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return s.client.EstimateGas(ctx, msg)
}

func (s *safeStrategy) Submit(ctx context.Context, req *txpopulate.Request) (*store.Envelope, error) {
	to := req.ToAddress()
	if to == nil {
		return nil, ErrRecipientEmpty
	}
	value := new(big.Int)
	if req.Value != nil {
		value = (*big.Int)(req.Value)
	}
	var data []byte
	if req.Data != nil {
		data = *req.Data
	}

	owner, err := s.ownerKey()
	if err != nil {
		return nil, err
	}
	params := &safeapi.TxParams{
		To:    *to,
		Value: value,
		Data:  data,
		Nonce: uint64(*req.Nonce),
	}
	safeTxHash := safeapi.TxHash(s.meta.Ref.ChainID, s.meta.Ref.Address, params)
	sig, err := s.router.signer.SignHash(owner, safeTxHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign safe transaction: %w", err)
	}
	sig[64] += 27

	proposal := &safeapi.Proposal{
		To:             *to,
		Value:          value.String(),
		Nonce:          uint64(*req.Nonce),
		ContractTxHash: safeTxHash.Hex(),
		Sender:         owner,
		Signature:      hexutil.Encode(sig),
	}
	if len(data) > 0 {
		proposal.Data = hexutil.Encode(data)
	}
	if err := s.router.safe.Propose(ctx, s.meta.Ref.Address, proposal); err != nil {
		return nil, err
	}
	return &store.Envelope{SafeTxHash: safeTxHash.Hex()}, nil
}

// ownerKey picks the first configured owner we hold a key for.
func (s *safeStrategy) ownerKey() (common.Address, error) {
	for _, owner := range s.meta.Owners {
		if s.router.signer.Has(owner) {
			return owner, nil
		}
	}
	return common.Address{}, ErrNoOwnerKey
}
