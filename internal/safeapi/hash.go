package safeapi

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// keccak256("EIP712Domain(uint256 chainId,address verifyingContract)")
var domainTypeHash = common.HexToHash("0x47e79534a245952e8b16893a336b85a3d9ea9fa8c573f3d803afb92a79469218")

// keccak256("SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)")
var safeTxTypeHash = common.HexToHash("0xbb8310d486368db6bd6f849402fdd73ad53d316b5a4b2644ad6efe0f941286d8")

// TxParams are the fields that enter the Safe's EIP-712 transaction digest.
// Zero-valued gas fields and addresses are the common no-refund case.
type TxParams struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
}

// TxHash computes the safeTxHash owners sign: the EIP-712 digest of p under
// the Safe's (chainId, address) domain.
func TxHash(chainID uint64, safe common.Address, p *TxParams) common.Hash {
	domain := make([]byte, 0, 3*32)
	domain = append(domain, domainTypeHash.Bytes()...)
	domain = append(domain, common.LeftPadBytes(new(big.Int).SetUint64(chainID).Bytes(), 32)...)
	domain = append(domain, common.LeftPadBytes(safe.Bytes(), 32)...)
	domainSeparator := crypto.Keccak256(domain)

	enc := make([]byte, 0, 11*32)
	enc = append(enc, safeTxTypeHash.Bytes()...)
	enc = append(enc, common.LeftPadBytes(p.To.Bytes(), 32)...)
	enc = append(enc, word(p.Value)...)
	enc = append(enc, crypto.Keccak256(p.Data)...)
	enc = append(enc, common.LeftPadBytes([]byte{p.Operation}, 32)...)
	enc = append(enc, word(p.SafeTxGas)...)
	enc = append(enc, word(p.BaseGas)...)
	enc = append(enc, word(p.GasPrice)...)
	enc = append(enc, common.LeftPadBytes(p.GasToken.Bytes(), 32)...)
	enc = append(enc, common.LeftPadBytes(p.RefundReceiver.Bytes(), 32)...)
	enc = append(enc, common.LeftPadBytes(new(big.Int).SetUint64(p.Nonce).Bytes(), 32)...)
	structHash := crypto.Keccak256(enc)

	msg := make([]byte, 0, 2+2*32)
	msg = append(msg, 0x19, 0x01)
	msg = append(msg, domainSeparator...)
	msg = append(msg, structHash...)
	return crypto.Keccak256Hash(msg)
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
