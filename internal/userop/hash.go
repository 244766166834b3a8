package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hash computes the signing payload for an operation. Two levels: the inner
// hash commits to every operation field (variable-length fields by their own
// keccak), the outer hash binds the inner hash to the entry point and chain
// so a signature cannot be replayed against another deployment.
//
// Every verifier must reproduce this byte-for-byte; all words are 32 bytes,
// big-endian, in declaration order.
func Hash(op *Operation, entryPoint common.Address, chainID *big.Int) common.Hash {
	packed := make([]byte, 0, 10*32)
	packed = append(packed, leftPadAddress(op.Sender)...)
	packed = append(packed, word(op.Nonce)...)
	packed = append(packed, crypto.Keccak256(op.InitCode)...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, word(op.CallGasLimit)...)
	packed = append(packed, word(op.VerificationGasLimit)...)
	packed = append(packed, word(op.PreVerificationGas)...)
	packed = append(packed, word(op.MaxFeePerGas)...)
	packed = append(packed, word(op.MaxPriorityFeePerGas)...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData)...)
	inner := crypto.Keccak256(packed)

	outer := make([]byte, 0, 3*32)
	outer = append(outer, inner...)
	outer = append(outer, leftPadAddress(entryPoint)...)
	outer = append(outer, word(chainID)...)
	return common.BytesToHash(crypto.Keccak256(outer))
}

func word(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	return common.BigToHash(v).Bytes()
}

func leftPadAddress(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}
