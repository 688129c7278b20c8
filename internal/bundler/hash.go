package bundler

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashUserOp computes the entry-point v0.6 operation hash the account signs:
// keccak(abi.encode(keccak(packed op), entryPoint, chainId)).
func HashUserOp(op *UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash {
	packed := make([]byte, 0, 10*32)
	packed = append(packed, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	packed = append(packed, bigWord(op.Nonce.ToInt())...)
	packed = append(packed, crypto.Keccak256(op.InitCode)...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, bigWord(op.CallGasLimit.ToInt())...)
	packed = append(packed, bigWord(op.VerificationGasLimit.ToInt())...)
	packed = append(packed, bigWord(op.PreVerificationGas.ToInt())...)
	packed = append(packed, bigWord(op.MaxFeePerGas.ToInt())...)
	packed = append(packed, bigWord(op.MaxPriorityFeePerGas.ToInt())...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData)...)

	outer := make([]byte, 0, 3*32)
	outer = append(outer, crypto.Keccak256(packed)...)
	outer = append(outer, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	outer = append(outer, bigWord(chainID)...)
	return crypto.Keccak256Hash(outer)
}

func bigWord(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
