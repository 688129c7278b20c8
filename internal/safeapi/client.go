// Package safeapi talks to a Safe transaction service: next internal nonce,
// transaction proposal, and execution status by safe tx hash.
package safeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"txcore/internal/util"
)

var ErrTxNotFound = errors.New("safe transaction not found")

type Client struct {
	baseURL string
	http    *http.Client

	retryMax     int
	retryBackoff time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: timeout},
		retryMax:     2,
		retryBackoff: 500 * time.Millisecond,
	}
}

// Info is the per-safe state the engine needs; Nonce is the Safe's internal
// sequence, not an EVM account nonce.
type Info struct {
	Address   common.Address   `json:"address"`
	Nonce     uint64           `json:"nonce"`
	Threshold uint32           `json:"threshold"`
	Owners    []common.Address `json:"owners"`
}

// Proposal is a multisig transaction offered for owner approval.
type Proposal struct {
	To             common.Address `json:"to"`
	Value          string         `json:"value"`
	Data           string         `json:"data,omitempty"`
	Operation      int            `json:"operation"`
	SafeTxGas      uint64         `json:"safeTxGas"`
	Nonce          uint64         `json:"nonce"`
	ContractTxHash string         `json:"contractTransactionHash"`
	Sender         common.Address `json:"sender"`
	Signature      string         `json:"signature"`
}

// TxStatus is the execution state of a proposed transaction.
type TxStatus struct {
	SafeTxHash      string          `json:"safeTxHash"`
	Nonce           uint64          `json:"nonce"`
	To              common.Address  `json:"to"`
	Value           *big.Int        `json:"-"`
	RawValue        string          `json:"value"`
	Data            string          `json:"data"`
	IsExecuted      bool            `json:"isExecuted"`
	IsSuccessful    *bool           `json:"isSuccessful"`
	TransactionHash *common.Hash    `json:"transactionHash"`
	BlockNumber     *uint64         `json:"blockNumber"`
	Confirmations   json.RawMessage `json:"confirmations,omitempty"`
}

func (c *Client) SafeInfo(ctx context.Context, safe common.Address) (*Info, error) {
	var out Info
	url := fmt.Sprintf("%s/api/v1/safes/%s/", c.baseURL, safe.Hex())
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Propose(ctx context.Context, safe common.Address, p *Proposal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/v1/safes/%s/multisig-transactions/", c.baseURL, safe.Hex())
	return util.Retry(ctx, c.retryMax, c.retryBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("safe service: propose status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return nil
	})
}

func (c *Client) Transaction(ctx context.Context, safeTxHash string) (*TxStatus, error) {
	var out TxStatus
	url := fmt.Sprintf("%s/api/v1/multisig-transactions/%s/", c.baseURL, safeTxHash)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	if out.RawValue != "" {
		v, ok := new(big.Int).SetString(out.RawValue, 10)
		if !ok {
			return nil, fmt.Errorf("safe service: bad value %q", out.RawValue)
		}
		out.Value = v
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	var notFound bool
	err := util.Retry(ctx, c.retryMax, c.retryBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			// Definitive answer, not worth retrying.
			notFound = true
			return nil
		}
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("safe service: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		notFound = false
		return json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		return err
	}
	if notFound {
		return ErrTxNotFound
	}
	return nil
}
