// Package fees derives tiered EIP-1559 fee suggestions from recent block
// fee history, with a plain gas-price fallback for chains that predate the
// fee market.
package fees

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"txcore/internal/chains"
)

type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh

	tierCount = 3
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Per-tier policy. The base-fee percentage pads the latest base fee so the
// suggestion stays viable across several blocks without resubmission; it is
// not a prediction. Damping pulls the sampled priority fee slightly under
// what the percentile paid. Wait bands are static policy, not derived from
// data.
var (
	rewardPercentiles = []float64{10, 20, 30}

	baseFeePercent  = [tierCount]uint64{110, 120, 125}
	priorityPercent = [tierCount]uint64{94, 97, 98}
	priorityFloor   = [tierCount]*big.Int{
		big.NewInt(1 * params.GWei),
		big.NewInt(15 * params.GWei / 10),
		big.NewInt(2 * params.GWei),
	}

	minWait = [tierCount]time.Duration{15 * time.Second, 15 * time.Second, 15 * time.Second}
	maxWait = [tierCount]time.Duration{30 * time.Second, 45 * time.Second, 60 * time.Second}
)

// TierEstimate is the suggestion for one tier.
type TierEstimate struct {
	MinWait              time.Duration `json:"min_wait"`
	MaxWait              time.Duration `json:"max_wait"`
	MaxPriorityFeePerGas *big.Int      `json:"max_priority_fee_per_gas,omitempty"`
	MaxFeePerGas         *big.Int      `json:"max_fee_per_gas"`
}

// Estimate is the full suggestion set. Legacy is set on chains without fee
// history; in that shape GasPrice carries the node's suggestion and the
// tiers scale it without a priority-fee breakdown.
type Estimate struct {
	Legacy   bool                   `json:"legacy,omitempty"`
	BaseFee  *big.Int               `json:"base_fee,omitempty"`
	GasPrice *big.Int               `json:"gas_price,omitempty"`
	Tiers    [tierCount]TierEstimate `json:"tiers"`
}

const (
	// DefaultWindow is how many recent blocks feed an estimate.
	DefaultWindow = 5

	// maxBlocksPerRequest caps one eth_feeHistory call; larger windows are
	// chunked.
	maxBlocksPerRequest = 1024
)

type Estimator struct {
	client chains.Client
	window uint64
}

func NewEstimator(client chains.Client, window uint64) *Estimator {
	if window == 0 {
		window = DefaultWindow
	}
	return &Estimator{client: client, window: window}
}

// EstimateGasFee derives the tiered suggestion from the recent fee-history
// window. A fee-history failure is treated as "chain has no fee market" and
// degrades to the legacy shape rather than failing.
func (e *Estimator) EstimateGasFee(ctx context.Context) (*Estimate, error) {
	blocks, err := e.History(ctx, e.window, false)
	if err != nil || len(blocks) == 0 {
		return e.legacyEstimate(ctx)
	}
	latest := blocks[len(blocks)-1]
	if latest.BaseFee == nil {
		return e.legacyEstimate(ctx)
	}

	est := &Estimate{BaseFee: new(big.Int).Set(latest.BaseFee)}
	for tier := TierLow; tier <= TierHigh; tier++ {
		paddedBase := percentOf(latest.BaseFee, baseFeePercent[tier])
		priority := suggestedPriorityFee(blocks, tier)
		est.Tiers[tier] = TierEstimate{
			MinWait:              minWait[tier],
			MaxWait:              maxWait[tier],
			MaxPriorityFeePerGas: priority,
			MaxFeePerGas:         new(big.Int).Add(paddedBase, priority),
		}
	}
	return est, nil
}

func (e *Estimator) legacyEstimate(ctx context.Context) (*Estimate, error) {
	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	est := &Estimate{Legacy: true, GasPrice: new(big.Int).Set(price)}
	for tier := TierLow; tier <= TierHigh; tier++ {
		est.Tiers[tier] = TierEstimate{
			MinWait:      minWait[tier],
			MaxWait:      maxWait[tier],
			MaxFeePerGas: percentOf(price, baseFeePercent[tier]),
		}
	}
	return est, nil
}

// suggestedPriorityFee takes the lower median of the fees paid at the
// tier's percentile across the window, damps it, and floors it at the
// tier's minimum.
func suggestedPriorityFee(blocks []Block, tier Tier) *big.Int {
	var paid []*big.Int
	for _, b := range blocks {
		if b.Projection || len(b.PriorityFees) <= int(tier) {
			continue
		}
		if fee := b.PriorityFees[tier]; fee != nil {
			paid = append(paid, fee)
		}
	}
	floor := priorityFloor[tier]
	if len(paid) == 0 {
		return new(big.Int).Set(floor)
	}
	med := lowerMedian(paid)
	damped := percentOf(med, priorityPercent[tier])
	if damped.Cmp(floor) < 0 {
		return new(big.Int).Set(floor)
	}
	return damped
}

// lowerMedian returns the middle element, taking the lower of the two
// candidates on even counts. The input slice is not modified.
func lowerMedian(values []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Cmp(sorted[j-1]) < 0; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[(len(sorted)-1)/2]
}

func percentOf(v *big.Int, pct uint64) *big.Int {
	x, overflow := uint256.FromBig(v)
	if overflow {
		return new(big.Int).Set(v)
	}
	x.Mul(x, uint256.NewInt(pct))
	x.Div(x, uint256.NewInt(100))
	return x.ToBig()
}
