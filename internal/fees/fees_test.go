package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/params"

	"txcore/internal/chains"
)

// fakeClient implements the few calls the estimator makes; everything else
// panics through the embedded nil interface.
type fakeClient struct {
	chains.Client

	head       uint64
	histErr    error
	baseFees   []*big.Int // len = blocks + 1, trailing projection
	rewards    [][]*big.Int
	gasPrice   *big.Int
	histCalls  int
	histCounts []uint64
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return nil, errors.New("no gas price")
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeClient) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, percentiles []float64) (*ethereum.FeeHistory, error) {
	f.histCalls++
	f.histCounts = append(f.histCounts, blockCount)
	if f.histErr != nil {
		return nil, f.histErr
	}
	n := int(blockCount)
	oldest := lastBlock.Uint64() - blockCount + 1
	hist := &ethereum.FeeHistory{
		OldestBlock:  new(big.Int).SetUint64(oldest),
		GasUsedRatio: make([]float64, n),
	}
	for i := 0; i <= n; i++ {
		idx := i
		if idx >= len(f.baseFees) {
			idx = len(f.baseFees) - 1
		}
		hist.BaseFee = append(hist.BaseFee, new(big.Int).Set(f.baseFees[idx]))
	}
	for i := 0; i < n; i++ {
		idx := i
		if idx >= len(f.rewards) {
			idx = len(f.rewards) - 1
		}
		row := make([]*big.Int, len(f.rewards[idx]))
		for j, r := range f.rewards[idx] {
			row[j] = new(big.Int).Set(r)
		}
		hist.Reward = append(hist.Reward, row)
	}
	return hist, nil
}

func gweiInt(g int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(g), big.NewInt(params.GWei))
}

func uniformClient(head uint64, baseGwei int64, rewardGwei [3]int64) *fakeClient {
	return &fakeClient{
		head:     head,
		baseFees: []*big.Int{gweiInt(baseGwei)},
		rewards: [][]*big.Int{{
			gweiInt(rewardGwei[0]), gweiInt(rewardGwei[1]), gweiInt(rewardGwei[2]),
		}},
	}
}

func TestHistoryTrimsProjection(t *testing.T) {
	client := uniformClient(100, 10, [3]int64{2, 3, 4})
	est := NewEstimator(client, 5)

	blocks, err := est.History(context.Background(), 5, false)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(blocks) != 5 {
		t.Fatalf("got %d blocks, want 5", len(blocks))
	}
	for _, b := range blocks {
		if b.Projection {
			t.Fatalf("block %d is a projection, want none", b.Number)
		}
	}
}

func TestHistoryKeepsProjectionWhenAsked(t *testing.T) {
	client := uniformClient(100, 10, [3]int64{2, 3, 4})
	est := NewEstimator(client, 5)

	blocks, err := est.History(context.Background(), 5, true)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(blocks) != 6 {
		t.Fatalf("got %d blocks, want 6", len(blocks))
	}
	last := blocks[len(blocks)-1]
	if !last.Projection {
		t.Fatal("trailing block is not a projection")
	}
	if last.PriorityFees != nil {
		t.Fatal("projection block must not carry priority fees")
	}
	for _, b := range blocks[:len(blocks)-1] {
		if b.Projection {
			t.Fatalf("block %d is a projection, want only the trailing one", b.Number)
		}
	}
}

func TestHistoryChunksLargeWindows(t *testing.T) {
	client := uniformClient(5000, 10, [3]int64{2, 3, 4})
	est := NewEstimator(client, 5)

	blocks, err := est.History(context.Background(), 2000, false)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(blocks) != 2000 {
		t.Fatalf("got %d blocks, want 2000", len(blocks))
	}
	if client.histCalls != 2 {
		t.Fatalf("got %d fee history calls, want 2", client.histCalls)
	}
	for _, n := range client.histCounts {
		if n > 1024 {
			t.Fatalf("chunk of %d blocks exceeds the per-request cap", n)
		}
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Number != blocks[i-1].Number+1 {
			t.Fatalf("blocks not contiguous at index %d", i)
		}
	}
}

func TestEstimateTiersMonotonic(t *testing.T) {
	client := uniformClient(100, 30, [3]int64{2, 3, 5})
	est, err := NewEstimator(client, 10).EstimateGasFee(context.Background())
	if err != nil {
		t.Fatalf("EstimateGasFee: %v", err)
	}
	if est.Legacy {
		t.Fatal("unexpected legacy estimate")
	}
	for i := 1; i < len(est.Tiers); i++ {
		prev, cur := est.Tiers[i-1], est.Tiers[i]
		if cur.MaxFeePerGas.Cmp(prev.MaxFeePerGas) < 0 {
			t.Fatalf("tier %d max fee %s below tier %d max fee %s",
				i, cur.MaxFeePerGas, i-1, prev.MaxFeePerGas)
		}
		if cur.MaxPriorityFeePerGas.Cmp(prev.MaxPriorityFeePerGas) < 0 {
			t.Fatalf("tier %d priority fee below tier %d", i, i-1)
		}
	}
}

func TestEstimatePriorityFloor(t *testing.T) {
	// Everyone paid almost nothing; the floors must hold.
	client := uniformClient(100, 30, [3]int64{0, 0, 0})
	est, err := NewEstimator(client, 10).EstimateGasFee(context.Background())
	if err != nil {
		t.Fatalf("EstimateGasFee: %v", err)
	}
	wantFloor := []*big.Int{
		gweiInt(1),
		new(big.Int).Div(gweiInt(3), big.NewInt(2)),
		gweiInt(2),
	}
	for i, tier := range est.Tiers {
		if tier.MaxPriorityFeePerGas.Cmp(wantFloor[i]) != 0 {
			t.Fatalf("tier %d priority %s, want floor %s", i, tier.MaxPriorityFeePerGas, wantFloor[i])
		}
	}
}

func TestEstimateLegacyFallback(t *testing.T) {
	client := &fakeClient{
		head:     100,
		histErr:  errors.New("the method eth_feeHistory does not exist"),
		gasPrice: gweiInt(7),
	}
	est, err := NewEstimator(client, 10).EstimateGasFee(context.Background())
	if err != nil {
		t.Fatalf("EstimateGasFee: %v", err)
	}
	if !est.Legacy {
		t.Fatal("want legacy estimate")
	}
	if est.GasPrice.Cmp(gweiInt(7)) != 0 {
		t.Fatalf("gas price %s, want 7 gwei", est.GasPrice)
	}
	for i, tier := range est.Tiers {
		if tier.MaxPriorityFeePerGas != nil {
			t.Fatalf("tier %d has a priority fee on a legacy chain", i)
		}
		if tier.MaxFeePerGas == nil || tier.MaxFeePerGas.Sign() <= 0 {
			t.Fatalf("tier %d has no max fee", i)
		}
	}
	// Scaled suggestion keeps tier ordering.
	if est.Tiers[2].MaxFeePerGas.Cmp(est.Tiers[0].MaxFeePerGas) < 0 {
		t.Fatal("legacy tiers not monotonic")
	}
}

func TestLowerMedian(t *testing.T) {
	vals := []*big.Int{big.NewInt(5), big.NewInt(1), big.NewInt(9), big.NewInt(3)}
	if got := lowerMedian(vals); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("lower median %s, want 3", got)
	}
	// Input order preserved.
	if vals[0].Cmp(big.NewInt(5)) != 0 {
		t.Fatal("lowerMedian mutated its input")
	}
	odd := []*big.Int{big.NewInt(2), big.NewInt(8), big.NewInt(4)}
	if got := lowerMedian(odd); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("median %s, want 4", got)
	}
}
