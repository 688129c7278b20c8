// Package notify delivers post-confirmation notifications. The engine never
// blocks on delivery; a failed webhook is logged and dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"txcore/internal/store"
	"txcore/internal/util"
)

// Log writes a structured line per settled transaction.
type Log struct {
	Logger *slog.Logger
}

func (l *Log) Notify(_ context.Context, rec *store.ConfirmedTx, explorerURL string) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info("transaction settled",
		"account", rec.Account.Address.Hex(),
		"tx", rec.TxHash.Hex(),
		"block", rec.BlockNumber,
		"success", rec.Success,
		"cancelled", rec.Cancelled(),
		"explorer", explorerURL)
}

// Webhook POSTs the settled record to a configured URL.
type Webhook struct {
	logger *slog.Logger
	url    string
	http   *http.Client

	retryMax     int
	retryBackoff time.Duration
}

func NewWebhook(logger *slog.Logger, url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		logger:       logger,
		url:          strings.TrimSpace(url),
		http:         &http.Client{Timeout: timeout},
		retryMax:     2,
		retryBackoff: 500 * time.Millisecond,
	}
}

type webhookPayload struct {
	Account     string `json:"account"`
	ChainID     uint64 `json:"chain_id"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	Success     bool   `json:"success"`
	Cancelled   bool   `json:"cancelled"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

func (w *Webhook) Notify(ctx context.Context, rec *store.ConfirmedTx, explorerURL string) {
	if w.url == "" {
		return
	}
	body, err := json.Marshal(webhookPayload{
		Account:     rec.Account.Address.Hex(),
		ChainID:     rec.Account.ChainID,
		TxHash:      rec.TxHash.Hex(),
		BlockNumber: rec.BlockNumber,
		Success:     rec.Success,
		Cancelled:   rec.Cancelled(),
		ExplorerURL: explorerURL,
	})
	if err != nil {
		return
	}
	err = util.Retry(ctx, w.retryMax, w.retryBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return nil
	})
	if err != nil && w.logger != nil {
		w.logger.Warn("webhook delivery failed", "tx", rec.TxHash.Hex(), "err", err)
	}
}
