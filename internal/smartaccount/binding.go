// Package smartaccount packs the execution surface of the deployed account
// contract. Every meta-transaction's call data is one of these two shapes.
package smartaccount

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/fault"
)

const abiJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"target","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"executeBatch","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"targets","type":"address[]"},
		{"name":"values","type":"uint256[]"},
		{"name":"datas","type":"bytes[]"}],
	 "outputs":[]}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Call is one target invocation executed from the account.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// PackExecute encodes a single-call execution.
func PackExecute(call Call) ([]byte, error) {
	return parsedABI.Pack("execute", call.To, orZero(call.Value), emptyNotNil(call.Data))
}

// PackExecuteBatch encodes a multi-call execution. The account executes the
// calls in order and reverts the whole batch on the first failure.
func PackExecuteBatch(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, fault.Validation("empty call batch")
	}
	targets := make([]common.Address, 0, len(calls))
	values := make([]*big.Int, 0, len(calls))
	datas := make([][]byte, 0, len(calls))
	for _, c := range calls {
		targets = append(targets, c.To)
		values = append(values, orZero(c.Value))
		datas = append(datas, emptyNotNil(c.Data))
	}
	return parsedABI.Pack("executeBatch", targets, values, datas)
}

func ExecuteSelector() []byte      { return parsedABI.Methods["execute"].ID }
func ExecuteBatchSelector() []byte { return parsedABI.Methods["executeBatch"].ID }

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func emptyNotNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
