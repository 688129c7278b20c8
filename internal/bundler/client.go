// Package bundler is the ERC-4337 client: user-operation submission and
// status polling through a bundler's JSON-RPC endpoint, plus the
// entry-point nonce read done directly against the chain.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"txcore/internal/chains"
)

// ErrUserOpNotFound is returned when the bundler does not know the
// operation. The caller must disambiguate a dropped operation from one that
// raced into a bundle by checking the account's entry-point counter.
var ErrUserOpNotFound = errors.New("user operation not found")

var selectorGetNonce = mustSelector("0x35567e1a") // getNonce(address,uint192)

// RPC is the raw call surface; satisfied by *rpc.Client and by fakes.
type RPC interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// UserOperation is the wire shape submitted to eth_sendUserOperation.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// GasEstimate is the bundler's answer to eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

// TxReceipt is the embedded on-chain receipt of the bundle transaction.
type TxReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       *hexutil.Big    `json:"blockNumber"`
	GasUsed           *hexutil.Big    `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	Status            *hexutil.Uint64 `json:"status"`
}

// Receipt is the bundler's user-operation receipt.
type Receipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Success       bool           `json:"success"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	Receipt       TxReceipt      `json:"receipt"`
}

type Client struct {
	rpc        RPC
	entryPoint common.Address
}

func New(rpcClient RPC, entryPoint common.Address) *Client {
	return &Client{rpc: rpcClient, entryPoint: entryPoint}
}

// Dial connects to a bundler endpoint.
func Dial(ctx context.Context, url string, entryPoint common.Address, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	rpcClient, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("bundler dial: %w", err)
	}
	rpcClient.SetHeader("User-Agent", "txcore")
	return New(rpcClient, entryPoint), nil
}

func (c *Client) EntryPoint() common.Address {
	return c.entryPoint
}

// SendUserOperation submits the operation and returns its hash.
func (c *Client) SendUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error) {
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendUserOperation", op, c.entryPoint); err != nil {
		return common.Hash{}, fmt.Errorf("send user operation: %w", err)
	}
	return hash, nil
}

// EstimateGas asks the bundler for the operation's gas components.
func (c *Client) EstimateGas(ctx context.Context, op *UserOperation) (*GasEstimate, error) {
	var out GasEstimate
	if err := c.rpc.CallContext(ctx, &out, "eth_estimateUserOperationGas", op, c.entryPoint); err != nil {
		return nil, fmt.Errorf("estimate user operation gas: %w", err)
	}
	return &out, nil
}

// OperationByHash is the bundler's answer to eth_getUserOperationByHash: the
// operation body plus its inclusion coordinates once bundled.
type OperationByHash struct {
	UserOperation   UserOperation  `json:"userOperation"`
	EntryPoint      common.Address `json:"entryPoint"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
}

// GetOperation looks the operation itself up by hash.
func (c *Client) GetOperation(ctx context.Context, userOpHash common.Hash) (*OperationByHash, error) {
	var out *OperationByHash
	if err := c.rpc.CallContext(ctx, &out, "eth_getUserOperationByHash", userOpHash); err != nil {
		return nil, fmt.Errorf("get user operation: %w", err)
	}
	if out == nil {
		return nil, ErrUserOpNotFound
	}
	return out, nil
}

// GetReceipt fetches the user-operation receipt. ErrUserOpNotFound means the
// bundler has no record of it yet (or anymore).
func (c *Client) GetReceipt(ctx context.Context, userOpHash common.Hash) (*Receipt, error) {
	var out *Receipt
	if err := c.rpc.CallContext(ctx, &out, "eth_getUserOperationReceipt", userOpHash); err != nil {
		return nil, fmt.Errorf("get user operation receipt: %w", err)
	}
	if out == nil {
		return nil, ErrUserOpNotFound
	}
	return out, nil
}

// Counter reads the account's entry-point sequence number (key 0) straight
// from the chain. Used to tell a dropped operation apart from one that
// landed through a different bundle.
func Counter(ctx context.Context, client chains.Client, entryPoint, sender common.Address) (uint64, error) {
	data := append([]byte{}, selectorGetNonce...)
	data = append(data, common.LeftPadBytes(sender.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(nil, 32)...)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("entry point getNonce: %w", err)
	}
	full := new(big.Int).SetBytes(out)
	// Low 64 bits carry the sequence for key 0.
	return full.Uint64(), nil
}

func mustSelector(hex string) []byte {
	b, err := hexutil.Decode(hex)
	if err != nil {
		panic(err)
	}
	if len(b) != 4 {
		panic("selector must be 4 bytes")
	}
	return b
}
