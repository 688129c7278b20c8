// Command txcore-fees prints the fee-history estimate for one configured
// chain. Handy for eyeballing tier suggestions against a live endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/params"

	"txcore/internal/chains"
	"txcore/internal/config"
	"txcore/internal/fees"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	chainID := flag.Uint64("chain", 0, "chain id (defaults to the first configured chain)")
	window := flag.Uint64("window", 0, "fee history window in blocks (overrides config)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *chainID == 0 {
		*chainID = cfg.Chains[0].ChainID
	}
	if *window == 0 {
		*window = cfg.Fees.HistoryWindow
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	endpoints := make([]chains.Endpoint, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		endpoints = append(endpoints, chains.Endpoint{
			NetworkKind: ch.NetworkKind,
			ChainID:     ch.ChainID,
			HTTPURL:     ch.HTTPURL,
			BlockPeriod: ch.BlockPeriod.Duration,
			ExplorerURL: ch.ExplorerURL,
		})
	}
	registry := chains.NewRegistry(logger, endpoints, cfg.RPC.RequestTimeout.Duration)
	defer registry.Close()

	handle, err := registry.Handle(ctx, *chainID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	est, err := fees.NewEstimator(handle.Client, *window).EstimateGasFee(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "estimate: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("chain %d (window %d blocks)\n", *chainID, *window)
	if est.Legacy {
		fmt.Printf("legacy chain, gas price %s gwei\n", gwei(est.GasPrice))
	} else if est.BaseFee != nil {
		fmt.Printf("next base fee %s gwei\n", gwei(est.BaseFee))
	}
	for i, t := range est.Tiers {
		fmt.Printf("%-7s maxFee %10s gwei  priority %8s gwei  wait %s-%s\n",
			fees.Tier(i).String(), gwei(t.MaxFeePerGas), gwei(t.MaxPriorityFeePerGas),
			t.MinWait, t.MaxWait)
	}
}

func gwei(v *big.Int) string {
	if v == nil {
		return "-"
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(params.GWei))
	return f.Text('f', 2)
}
