package router

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"txcore/internal/account"
	"txcore/internal/chains"
	"txcore/internal/txpopulate"
)

func u64(v uint64) *hexutil.Uint64 { u := hexutil.Uint64(v); return &u }

func hexBig(v int64) *hexutil.Big { return (*hexutil.Big)(big.NewInt(v)) }

func TestPackExecuteLayout(t *testing.T) {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	data := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}

	out := packExecute(to, big.NewInt(7), data)

	// Selector, three head words, the length word, one padded payload word.
	if len(out) != 4+4*32+32 {
		t.Fatalf("calldata length %d", len(out))
	}
	if !bytes.Equal(out[:4], selectorExecute) {
		t.Fatal("wrong selector")
	}
	word := func(i int) []byte { return out[4+i*32 : 4+(i+1)*32] }
	if !bytes.Equal(word(0), common.LeftPadBytes(to.Bytes(), 32)) {
		t.Fatal("destination word mismatch")
	}
	if !bytes.Equal(word(1), common.LeftPadBytes([]byte{7}, 32)) {
		t.Fatal("value word mismatch")
	}
	// Bytes offset points past the three head words.
	if !bytes.Equal(word(2), common.LeftPadBytes([]byte{3 * 32}, 32)) {
		t.Fatal("offset word mismatch")
	}
	if !bytes.Equal(word(3), common.LeftPadBytes([]byte{5}, 32)) {
		t.Fatal("length word mismatch")
	}
	if !bytes.Equal(word(4), common.RightPadBytes(data, 32)) {
		t.Fatal("payload not right-padded")
	}
}

func TestPackExecuteEmptyData(t *testing.T) {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	out := packExecute(to, new(big.Int), nil)
	if len(out) != 4+4*32 {
		t.Fatalf("calldata length %d, want no payload past the length word", len(out))
	}
}

func TestBuildTransactionDynamic(t *testing.T) {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	req := &txpopulate.Request{
		Nonce:                u64(5),
		GasLimit:             u64(21000),
		MaxFeePerGas:         hexBig(100),
		MaxPriorityFeePerGas: hexBig(2),
		Value:                hexBig(1000),
		Type:                 u64(2),
	}
	req.SetToAddress(&to)

	tx := buildTransaction(req, big.NewInt(1))
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("tx type %d, want dynamic fee", tx.Type())
	}
	if tx.Nonce() != 5 || tx.Gas() != 21000 {
		t.Fatal("nonce or gas mismatch")
	}
	if tx.GasFeeCap().Int64() != 100 || tx.GasTipCap().Int64() != 2 {
		t.Fatal("fee caps mismatch")
	}
	if tx.ChainId().Int64() != 1 {
		t.Fatal("chain id not carried")
	}
	if tx.To() == nil || *tx.To() != to {
		t.Fatal("recipient mismatch")
	}
}

func TestBuildTransactionLegacy(t *testing.T) {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	req := &txpopulate.Request{
		Nonce:    u64(5),
		GasLimit: u64(50000),
		GasPrice: hexBig(30),
		Type:     u64(0),
	}
	req.SetToAddress(&to)

	tx := buildTransaction(req, big.NewInt(1))
	if tx.Type() != types.LegacyTxType {
		t.Fatalf("tx type %d, want legacy", tx.Type())
	}
	if tx.GasPrice().Int64() != 30 {
		t.Fatal("gas price mismatch")
	}
}

type fakeSigner struct {
	held map[common.Address]bool
}

func (f *fakeSigner) SignTransaction(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

func (f *fakeSigner) SignHash(addr common.Address, hash []byte) ([]byte, error) {
	return make([]byte, 65), nil
}

func (f *fakeSigner) Has(addr common.Address) bool { return f.held[addr] }

func TestOwnerKeySelection(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	c := common.HexToAddress("0x3333333333333333333333333333333333333333")

	r := &Router{signer: &fakeSigner{held: map[common.Address]bool{b: true, c: true}}}
	s := &safeStrategy{router: r, meta: account.Metadata{
		Owners:    []common.Address{a, b, c},
		Threshold: 2,
	}}

	owner, err := s.ownerKey()
	if err != nil {
		t.Fatalf("ownerKey: %v", err)
	}
	if owner != b {
		t.Fatalf("picked %s, want the first held owner", owner.Hex())
	}

	s.meta.Owners = []common.Address{a}
	if _, err := s.ownerKey(); !errors.Is(err, ErrNoOwnerKey) {
		t.Fatalf("got %v, want ErrNoOwnerKey", err)
	}
}

type feeClient struct {
	chains.Client

	baseFee  *big.Int
	tip      *big.Int
	gasPrice *big.Int
	priceErr error
}

func (f *feeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *feeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.tip, nil
}

func (f *feeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	return f.gasPrice, nil
}

func TestFeeDataDynamicChain(t *testing.T) {
	backend := &populateBackend{client: &feeClient{
		baseFee:  big.NewInt(50),
		tip:      big.NewInt(3),
		gasPrice: big.NewInt(60),
	}}
	fd, err := backend.FeeData(context.Background())
	if err != nil {
		t.Fatalf("FeeData: %v", err)
	}
	// Cap survives consecutive full blocks: twice the base fee plus the tip.
	if fd.MaxFeePerGas.Int64() != 103 {
		t.Fatalf("max fee %s, want 103", fd.MaxFeePerGas)
	}
	if fd.MaxPriorityFeePerGas.Int64() != 3 {
		t.Fatalf("priority fee %s, want 3", fd.MaxPriorityFeePerGas)
	}
	if fd.GasPrice.Int64() != 60 {
		t.Fatalf("gas price %s, want 60", fd.GasPrice)
	}
}

func TestFeeDataLegacyChain(t *testing.T) {
	backend := &populateBackend{client: &feeClient{gasPrice: big.NewInt(30)}}
	fd, err := backend.FeeData(context.Background())
	if err != nil {
		t.Fatalf("FeeData: %v", err)
	}
	if fd.MaxFeePerGas != nil || fd.MaxPriorityFeePerGas != nil {
		t.Fatal("legacy chain must not report dynamic caps")
	}
	if fd.GasPrice.Int64() != 30 {
		t.Fatalf("gas price %s, want 30", fd.GasPrice)
	}
}

func TestFeeDataLegacyChainPriceErrorIsFatal(t *testing.T) {
	backend := &populateBackend{client: &feeClient{priceErr: errors.New("unavailable")}}
	if _, err := backend.FeeData(context.Background()); err == nil {
		t.Fatal("want an error when a legacy chain cannot price gas")
	}
}

func TestFeeDataDynamicChainToleratesPriceError(t *testing.T) {
	backend := &populateBackend{client: &feeClient{
		baseFee:  big.NewInt(50),
		tip:      big.NewInt(3),
		priceErr: errors.New("unavailable"),
	}}
	fd, err := backend.FeeData(context.Background())
	if err != nil {
		t.Fatalf("FeeData: %v", err)
	}
	if fd.GasPrice != nil {
		t.Fatal("gas price should be unset when the node cannot price it")
	}
	if fd.MaxFeePerGas == nil {
		t.Fatal("dynamic caps must still be reported")
	}
}
