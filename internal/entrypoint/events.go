package entrypoint

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// OpResult is one operation's outcome decoded from the entry point's result
// event stream. A batch transaction can be mined successfully while an
// individual operation inside it reverted, so per-operation results are the
// only trustworthy success signal.
type OpResult struct {
	OpHash  common.Hash
	Sender  common.Address
	Nonce   *big.Int
	Success bool
	GasCost *big.Int
	GasUsed *big.Int
}

var userOpEventID = parsedABI.Events["UserOperationEvent"].ID

// UserOpEventID is exported so tests can fabricate receipt logs.
func UserOpEventID() common.Hash {
	return userOpEventID
}

// EncodeResultLog builds a UserOperationEvent log; test helper for receipt
// fabrication.
func EncodeResultLog(opHash common.Hash, sender, paymaster common.Address, nonce *big.Int, success bool, gasCost, gasUsed *big.Int) (*types.Log, error) {
	data, err := parsedABI.Events["UserOperationEvent"].Inputs.NonIndexed().Pack(nonce, success, gasCost, gasUsed)
	if err != nil {
		return nil, err
	}
	return &types.Log{
		Topics: []common.Hash{
			userOpEventID,
			opHash,
			common.BytesToHash(common.LeftPadBytes(sender.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(paymaster.Bytes(), 32)),
		},
		Data: data,
	}, nil
}

// ParseResults extracts per-operation results from receipt logs. Logs from
// other contracts or other events are skipped; malformed result logs are
// skipped rather than failing the whole decode, since missing entries are
// detected by the caller when matching against submitted op hashes.
func (b *Binding) ParseResults(logs []*types.Log) []OpResult {
	results := make([]OpResult, 0, len(logs))
	for _, lg := range logs {
		if lg == nil || lg.Address != b.addr {
			continue
		}
		if len(lg.Topics) != 4 || lg.Topics[0] != userOpEventID {
			continue
		}
		unpacked, err := parsedABI.Events["UserOperationEvent"].Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(unpacked) != 4 {
			continue
		}
		nonce, ok1 := unpacked[0].(*big.Int)
		success, ok2 := unpacked[1].(bool)
		gasCost, ok3 := unpacked[2].(*big.Int)
		gasUsed, ok4 := unpacked[3].(*big.Int)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		results = append(results, OpResult{
			OpHash:  lg.Topics[1],
			Sender:  common.BytesToAddress(lg.Topics[2].Bytes()),
			Nonce:   nonce,
			Success: success,
			GasCost: gasCost,
			GasUsed: gasUsed,
		})
	}
	return results
}
