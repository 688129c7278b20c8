package bundler

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"txcore/internal/chains"
)

type fakeRPC struct {
	method string
	args   []any
	reply  func(result any) error
}

func (f *fakeRPC) CallContext(ctx context.Context, result any, method string, args ...any) error {
	f.method = method
	f.args = args
	if f.reply == nil {
		return nil
	}
	return f.reply(result)
}

func TestGetReceiptNullMeansNotFound(t *testing.T) {
	rpc := &fakeRPC{} // leaves *Receipt nil, like a JSON null result
	c := New(rpc, common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"))

	_, err := c.GetReceipt(context.Background(), common.HexToHash("0x01"))
	if !errors.Is(err, ErrUserOpNotFound) {
		t.Fatalf("got %v, want ErrUserOpNotFound", err)
	}
	if rpc.method != "eth_getUserOperationReceipt" {
		t.Fatalf("called %q", rpc.method)
	}
}

func TestGetOperationNullMeansNotFound(t *testing.T) {
	c := New(&fakeRPC{}, common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"))
	_, err := c.GetOperation(context.Background(), common.HexToHash("0x01"))
	if !errors.Is(err, ErrUserOpNotFound) {
		t.Fatalf("got %v, want ErrUserOpNotFound", err)
	}
}

func TestSendUserOperationPassesEntryPoint(t *testing.T) {
	entryPoint := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	want := common.HexToHash("0xbeef")
	rpc := &fakeRPC{reply: func(result any) error {
		*(result.(*common.Hash)) = want
		return nil
	}}
	c := New(rpc, entryPoint)

	got, err := c.SendUserOperation(context.Background(), &UserOperation{})
	if err != nil {
		t.Fatalf("SendUserOperation: %v", err)
	}
	if got != want {
		t.Fatalf("hash %s, want %s", got.Hex(), want.Hex())
	}
	if rpc.method != "eth_sendUserOperation" {
		t.Fatalf("called %q", rpc.method)
	}
	if len(rpc.args) != 2 || rpc.args[1] != entryPoint {
		t.Fatal("entry point not passed as the second argument")
	}
}

type counterClient struct {
	chains.Client

	msg ethereum.CallMsg
	out []byte
}

func (c *counterClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.msg = msg
	return c.out, nil
}

func TestCounterCalldataAndDecode(t *testing.T) {
	entryPoint := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")

	// High bits carry the 192-bit key; only the low 64 bits are the sequence.
	full := new(big.Int).Lsh(big.NewInt(9), 64)
	full.Add(full, big.NewInt(7))
	client := &counterClient{out: common.LeftPadBytes(full.Bytes(), 32)}

	n, err := Counter(context.Background(), client, entryPoint, sender)
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if n != 7 {
		t.Fatalf("counter %d, want the low 64 bits", n)
	}

	if client.msg.To == nil || *client.msg.To != entryPoint {
		t.Fatal("call not addressed to the entry point")
	}
	data := client.msg.Data
	if len(data) != 4+2*32 {
		t.Fatalf("calldata length %d", len(data))
	}
	if !bytes.Equal(data[:4], selectorGetNonce) {
		t.Fatal("wrong selector")
	}
	if !bytes.Equal(data[4:36], common.LeftPadBytes(sender.Bytes(), 32)) {
		t.Fatal("sender word mismatch")
	}
	if !bytes.Equal(data[36:68], make([]byte, 32)) {
		t.Fatal("key word must be zero")
	}
}

func TestHashUserOpSensitivity(t *testing.T) {
	entryPoint := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	op := &UserOperation{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                (*hexutil.Big)(big.NewInt(5)),
		InitCode:             hexutil.Bytes{},
		CallData:             hexutil.Bytes{0x01, 0x02},
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150_000)),
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(21_000)),
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(100)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(2)),
		PaymasterAndData:     hexutil.Bytes{},
	}

	base := HashUserOp(op, entryPoint, big.NewInt(1))
	if base == (common.Hash{}) {
		t.Fatal("zero hash")
	}
	if HashUserOp(op, entryPoint, big.NewInt(1)) != base {
		t.Fatal("hash not deterministic")
	}
	if HashUserOp(op, entryPoint, big.NewInt(10)) == base {
		t.Fatal("chain id not bound into the hash")
	}
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if HashUserOp(op, other, big.NewInt(1)) == base {
		t.Fatal("entry point not bound into the hash")
	}
	bumped := *op
	bumped.Nonce = (*hexutil.Big)(big.NewInt(6))
	if HashUserOp(&bumped, entryPoint, big.NewInt(1)) == base {
		t.Fatal("nonce not bound into the hash")
	}
	// The signature must not feed the digest; it is produced from it.
	signed := *op
	signed.Signature = make(hexutil.Bytes, 65)
	if HashUserOp(&signed, entryPoint, big.NewInt(1)) != base {
		t.Fatal("signature leaked into the hash")
	}
}
