package txpopulate

import (
	"bytes"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Request is a partially-filled transaction request. To accepts either a hex
// address or a resolvable name; Gas is the accepted legacy alias for
// GasLimit and never survives population. The JSON field set is closed:
// decoding rejects any name not listed here.
type Request struct {
	From                 *common.Address `json:"from,omitempty"`
	To                   *string         `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Data                 *hexutil.Bytes  `json:"data,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasLimit             *hexutil.Uint64 `json:"gasLimit,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Type                 *hexutil.Uint64 `json:"type,omitempty"`
	ChainID              *hexutil.Uint64 `json:"chainId,omitempty"`

	// Resolved recipient, set during population.
	toAddr *common.Address
}

type requestAlias Request

// UnmarshalJSON enforces the closed field set.
func (r *Request) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var alias requestAlias
	if err := dec.Decode(&alias); err != nil {
		return err
	}
	*r = Request(alias)
	return nil
}

// ToAddress returns the resolved recipient, nil for contract creation.
func (r *Request) ToAddress() *common.Address {
	return r.toAddr
}

// SetToAddress binds the resolved recipient directly, bypassing name
// resolution. Used when a request is rebuilt from a stored record.
func (r *Request) SetToAddress(addr *common.Address) {
	r.toAddr = addr
	if addr != nil {
		s := addr.Hex()
		r.To = &s
	}
}

func (r *Request) value() *big.Int {
	if r.Value == nil {
		return nil
	}
	return (*big.Int)(r.Value)
}

func (r *Request) data() []byte {
	if r.Data == nil {
		return nil
	}
	return *r.Data
}

func (r *Request) callMsg() ethereum.CallMsg {
	msg := ethereum.CallMsg{
		To:    r.toAddr,
		Value: r.value(),
		Data:  r.data(),
	}
	if r.From != nil {
		msg.From = *r.From
	}
	if r.GasPrice != nil {
		msg.GasPrice = (*big.Int)(r.GasPrice)
	}
	if r.MaxFeePerGas != nil {
		msg.GasFeeCap = (*big.Int)(r.MaxFeePerGas)
	}
	if r.MaxPriorityFeePerGas != nil {
		msg.GasTipCap = (*big.Int)(r.MaxPriorityFeePerGas)
	}
	return msg
}

// FunctionSig reports the 4-byte selector of the request's call data as a
// hex string, or empty when there is no call.
func (r *Request) FunctionSig() string {
	data := r.data()
	if len(data) < 4 {
		return ""
	}
	return hexutil.Encode(data[:4])
}
