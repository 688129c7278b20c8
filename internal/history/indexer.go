// Package history pulls confirmed transactions from an external indexer and
// reconciles them with the local store.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"txcore/internal/util"
)

// Entry is one confirmed transaction as reported by the indexer, already
// normalized from the wire shape.
type Entry struct {
	TxHash      common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	TxIndex     uint
	From        common.Address
	To          common.Address
	Value       *big.Int
	Data        []byte
	Nonce       uint64

	GasUsed  uint64
	GasPrice *big.Int
	Success  bool

	FunctionSig string
	Timestamp   time.Time
}

// Indexer serves confirmed-transaction pages for an address, newest first.
// Page numbering starts at 1; an empty page means history is exhausted.
type Indexer interface {
	Transactions(ctx context.Context, chainID uint64, addr common.Address, page, pageSize int) ([]Entry, error)
}

// HTTPIndexer talks to an etherscan-compatible account API.
type HTTPIndexer struct {
	baseURL string
	apiKey  string
	http    *http.Client

	retryMax     int
	retryBackoff time.Duration
}

func NewHTTPIndexer(baseURL, apiKey string, timeout time.Duration) *HTTPIndexer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPIndexer{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		http:         &http.Client{Timeout: timeout},
		retryMax:     2,
		retryBackoff: 500 * time.Millisecond,
	}
}

type indexerTx struct {
	BlockNumber  string `json:"blockNumber"`
	TimeStamp    string `json:"timeStamp"`
	Hash         string `json:"hash"`
	Nonce        string `json:"nonce"`
	BlockHash    string `json:"blockHash"`
	TxIndex      string `json:"transactionIndex"`
	From         string `json:"from"`
	To           string `json:"to"`
	Value        string `json:"value"`
	GasPrice     string `json:"gasPrice"`
	IsError      string `json:"isError"`
	Input        string `json:"input"`
	GasUsed      string `json:"gasUsed"`
	FunctionName string `json:"functionName"`
}

type indexerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (x *HTTPIndexer) Transactions(ctx context.Context, chainID uint64, addr common.Address, page, pageSize int) ([]Entry, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", addr.Hex())
	q.Set("chainid", strconv.FormatUint(chainID, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(pageSize))
	q.Set("sort", "desc")
	if x.apiKey != "" {
		q.Set("apikey", x.apiKey)
	}
	reqURL := x.baseURL + "/api?" + q.Encode()

	var body indexerResponse
	err := util.Retry(ctx, x.retryMax, x.retryBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := x.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("indexer: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return json.NewDecoder(resp.Body).Decode(&body)
	})
	if err != nil {
		return nil, err
	}

	// The API signals "no more rows" with status 0 and an empty result.
	if body.Status != "1" {
		if strings.Contains(body.Message, "No transactions found") {
			return nil, nil
		}
		return nil, fmt.Errorf("indexer: %s", body.Message)
	}
	var raw []indexerTx
	if err := json.Unmarshal(body.Result, &raw); err != nil {
		return nil, fmt.Errorf("indexer: decode result: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, t := range raw {
		e, err := t.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (t indexerTx) toEntry() (Entry, error) {
	block, err := strconv.ParseUint(t.BlockNumber, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("indexer: bad block number %q", t.BlockNumber)
	}
	nonce, err := strconv.ParseUint(t.Nonce, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("indexer: bad nonce %q", t.Nonce)
	}
	index, err := strconv.ParseUint(t.TxIndex, 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("indexer: bad transaction index %q", t.TxIndex)
	}
	value, ok := new(big.Int).SetString(t.Value, 10)
	if !ok {
		return Entry{}, fmt.Errorf("indexer: bad value %q", t.Value)
	}
	entry := Entry{
		TxHash:      common.HexToHash(t.Hash),
		BlockNumber: block,
		BlockHash:   common.HexToHash(t.BlockHash),
		TxIndex:     uint(index),
		From:        common.HexToAddress(t.From),
		Value:       value,
		Nonce:       nonce,
		Success:     t.IsError != "1",
		FunctionSig: strings.TrimSpace(t.FunctionName),
	}
	if t.To != "" {
		entry.To = common.HexToAddress(t.To)
	}
	if len(t.Input) > 2 {
		entry.Data = common.FromHex(t.Input)
	}
	if t.GasUsed != "" {
		if gas, err := strconv.ParseUint(t.GasUsed, 10, 64); err == nil {
			entry.GasUsed = gas
		}
	}
	if t.GasPrice != "" {
		if gp, ok := new(big.Int).SetString(t.GasPrice, 10); ok {
			entry.GasPrice = gp
		}
	}
	if t.TimeStamp != "" {
		if ts, err := strconv.ParseInt(t.TimeStamp, 10, 64); err == nil {
			entry.Timestamp = time.Unix(ts, 0).UTC()
		}
	}
	if entry.TxHash == (common.Hash{}) {
		return Entry{}, errors.New("indexer: entry without transaction hash")
	}
	return entry, nil
}
