package fees

import (
	"context"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"
)

// Block is one fee-history sample. The protocol returns one extra trailing
// base fee for the not-yet-mined block; that entry is surfaced as a
// Projection block carrying only BaseFee. Projection blocks never have
// priority-fee data and must not be treated as samples.
type Block struct {
	Number       uint64
	BaseFee      *big.Int
	GasUsedRatio float64

	// PriorityFees holds the fee paid at each requested percentile, in
	// percentile order.
	PriorityFees []*big.Int

	Projection bool
}

// History fetches fee history for the blockCount most recent blocks. Calls
// are chunked so no single request spans more than maxBlocksPerRequest
// blocks; chunks are issued in parallel and concatenated in block order.
// The trailing next-block projection is trimmed unless includeNextBlock is
// set.
func (e *Estimator) History(ctx context.Context, blockCount uint64, includeNextBlock bool) ([]Block, error) {
	if blockCount == 0 {
		return nil, nil
	}
	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	if blockCount > head+1 {
		blockCount = head + 1
	}

	type chunk struct {
		count uint64
		last  uint64
	}
	var chunks []chunk
	last := head
	remaining := blockCount
	for remaining > 0 {
		n := remaining
		if n > maxBlocksPerRequest {
			n = maxBlocksPerRequest
		}
		chunks = append(chunks, chunk{count: n, last: last})
		remaining -= n
		last -= n
	}
	// chunks[0] is the newest; reverse into oldest-first order so the
	// concatenated result ascends.
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}

	results := make([][]Block, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			newest := i == len(chunks)-1
			blocks, err := e.fetchChunk(gctx, c.count, c.last, newest && includeNextBlock)
			if err != nil {
				return err
			}
			results[i] = blocks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Block
	for _, blocks := range results {
		out = append(out, blocks...)
	}
	return out, nil
}

func (e *Estimator) fetchChunk(ctx context.Context, count, lastBlock uint64, keepProjection bool) ([]Block, error) {
	hist, err := e.client.FeeHistory(ctx, count, new(big.Int).SetUint64(lastBlock), rewardPercentiles)
	if err != nil {
		return nil, err
	}
	if hist.OldestBlock == nil {
		return nil, fmt.Errorf("fee history: missing oldest block")
	}
	oldest := hist.OldestBlock.Uint64()
	n := len(hist.GasUsedRatio)

	blocks := make([]Block, 0, n+1)
	for i := 0; i < n; i++ {
		b := Block{
			Number:       oldest + uint64(i),
			GasUsedRatio: hist.GasUsedRatio[i],
		}
		if i < len(hist.BaseFee) && hist.BaseFee[i] != nil {
			b.BaseFee = new(big.Int).Set(hist.BaseFee[i])
		}
		if i < len(hist.Reward) {
			b.PriorityFees = make([]*big.Int, len(hist.Reward[i]))
			for j, r := range hist.Reward[i] {
				if r != nil {
					b.PriorityFees[j] = new(big.Int).Set(r)
				}
			}
		}
		blocks = append(blocks, b)
	}
	// The node always answers with one extra base fee: the projection for
	// the block after the last one requested.
	if keepProjection && len(hist.BaseFee) > n && hist.BaseFee[n] != nil {
		blocks = append(blocks, Block{
			Number:     oldest + uint64(n),
			BaseFee:    new(big.Int).Set(hist.BaseFee[n]),
			Projection: true,
		})
	}
	return blocks, nil
}
