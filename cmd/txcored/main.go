package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"txcore/internal/api"
	"txcore/internal/chains"
	"txcore/internal/config"
	"txcore/internal/history"
	"txcore/internal/notify"
	"txcore/internal/pending"
	"txcore/internal/router"
	"txcore/internal/safeapi"
	"txcore/internal/signer"
	"txcore/internal/store"
	"txcore/internal/store/pg"
	"txcore/internal/txpopulate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	passphrase := cfg.Passphrase()
	if passphrase == "" {
		logger.Warn("keystore passphrase env is empty", "env", cfg.KeyStore.PassphraseEnv)
	}
	keys, err := signer.NewKeystore(cfg.KeyStore.Dir, passphrase)
	if err != nil {
		logger.Error("keystore init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.Store.PostgresDSN != "" {
		pgStore, err := pg.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		st = pgStore
	} else {
		memStore, err := store.NewMemory(cfg.Store.SnapshotPath)
		if err != nil {
			logger.Error("store open failed", "error", err)
			os.Exit(1)
		}
		st = memStore
	}
	defer st.Close()

	endpoints := make([]chains.Endpoint, 0, len(cfg.Chains))
	bundlers := make(map[uint64]string, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		endpoints = append(endpoints, chains.Endpoint{
			NetworkKind: ch.NetworkKind,
			ChainID:     ch.ChainID,
			HTTPURL:     ch.HTTPURL,
			BlockPeriod: ch.BlockPeriod.Duration,
			ExplorerURL: ch.ExplorerURL,
		})
		if ch.BundlerURL != "" {
			bundlers[ch.ChainID] = ch.BundlerURL
		}
	}
	registry := chains.NewRegistry(logger, endpoints, cfg.RPC.RequestTimeout.Duration)
	defer registry.Close()

	var safeClient *safeapi.Client
	if cfg.Safe.URL != "" {
		safeClient = safeapi.New(cfg.Safe.URL, cfg.Safe.Timeout.Duration)
	}

	var resolver txpopulate.NameResolver
	if len(cfg.AddressBook) > 0 {
		resolver = txpopulate.NewStaticNames(cfg.AddressBook)
	}

	rt := router.New(logger, registry, keys, st, safeClient, resolver, router.Config{
		BundlerURLs:      bundlers,
		BundlerTimeout:   cfg.RPC.RequestTimeout.Duration,
		FeeHistoryWindow: cfg.Fees.HistoryWindow,
	})

	var notifier pending.Notifier = &notify.Log{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(logger, cfg.Notify.WebhookURL, cfg.RPC.RequestTimeout.Duration)
	}
	watcher := pending.NewWatcher(logger, st, rt, notifier,
		cfg.Pending.WaitTimeout.Duration, cfg.Pending.PollInterval.Duration)
	rt.AttachWatcher(watcher)

	if cfg.Indexer.URL != "" {
		indexer := history.NewHTTPIndexer(cfg.Indexer.URL, cfg.Indexer.APIKey, cfg.Indexer.Timeout.Duration)
		rt.AttachSyncer(history.NewSyncer(logger, st, indexer, watcher))
	}

	server := api.NewServer(cfg, logger, keys, rt)
	logger.Info("api starting", "listen", cfg.API.Listen)
	if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}
