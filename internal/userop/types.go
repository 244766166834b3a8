package userop

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrMissingSignature = errors.New("operation has no signature")
	ErrAlreadySigned    = errors.New("operation is already signed")
)

// Operation is a gas-sponsored meta-transaction destined for the entry
// point. Once hashed it must be treated as immutable: any field change
// invalidates a signature made over the previous hash.
type Operation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// AttachSignature finalizes a two-phase build. The signature must have been
// produced over Hash(op, entryPoint, chainID) by the account owner or a
// granted session key.
func AttachSignature(op *Operation, signature []byte) error {
	if len(op.Signature) != 0 {
		return ErrAlreadySigned
	}
	if len(signature) == 0 {
		return ErrMissingSignature
	}
	op.Signature = append([]byte(nil), signature...)
	return nil
}

// operationJSON is the persisted wire form used by the pending registration
// store. Big integers travel as decimal strings, byte fields as 0x hex.
type operationJSON struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"init_code"`
	CallData             string `json:"call_data"`
	CallGasLimit         string `json:"call_gas_limit"`
	VerificationGasLimit string `json:"verification_gas_limit"`
	PreVerificationGas   string `json:"pre_verification_gas"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
	PaymasterAndData     string `json:"paymaster_and_data"`
	Signature            string `json:"signature"`
}

func (op *Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(operationJSON{
		Sender:               op.Sender.Hex(),
		Nonce:                bigString(op.Nonce),
		InitCode:             hexBytes(op.InitCode),
		CallData:             hexBytes(op.CallData),
		CallGasLimit:         bigString(op.CallGasLimit),
		VerificationGasLimit: bigString(op.VerificationGasLimit),
		PreVerificationGas:   bigString(op.PreVerificationGas),
		MaxFeePerGas:         bigString(op.MaxFeePerGas),
		MaxPriorityFeePerGas: bigString(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexBytes(op.PaymasterAndData),
		Signature:            hexBytes(op.Signature),
	})
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nonce, err := stringBig(raw.Nonce)
	if err != nil {
		return err
	}
	callGas, err := stringBig(raw.CallGasLimit)
	if err != nil {
		return err
	}
	verGas, err := stringBig(raw.VerificationGasLimit)
	if err != nil {
		return err
	}
	preGas, err := stringBig(raw.PreVerificationGas)
	if err != nil {
		return err
	}
	maxFee, err := stringBig(raw.MaxFeePerGas)
	if err != nil {
		return err
	}
	maxPrio, err := stringBig(raw.MaxPriorityFeePerGas)
	if err != nil {
		return err
	}
	initCode, err := bytesHex(raw.InitCode)
	if err != nil {
		return err
	}
	callData, err := bytesHex(raw.CallData)
	if err != nil {
		return err
	}
	pmData, err := bytesHex(raw.PaymasterAndData)
	if err != nil {
		return err
	}
	sig, err := bytesHex(raw.Signature)
	if err != nil {
		return err
	}
	op.Sender = common.HexToAddress(raw.Sender)
	op.Nonce = nonce
	op.InitCode = initCode
	op.CallData = callData
	op.CallGasLimit = callGas
	op.VerificationGasLimit = verGas
	op.PreVerificationGas = preGas
	op.MaxFeePerGas = maxFee
	op.MaxPriorityFeePerGas = maxPrio
	op.PaymasterAndData = pmData
	op.Signature = sig
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func stringBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("userop: invalid decimal integer " + s)
	}
	return v, nil
}

func hexBytes(b []byte) string {
	if len(b) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(b)
}

func bytesHex(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}
