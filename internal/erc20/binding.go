// Package erc20 is the minimal token binding the engine needs: balance
// reads for the oracle and approval calldata executed from accounts as
// meta-transactions.
package erc20

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/chain"
	"cometshift/go-backend/internal/fault"
)

const abiJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"ok","type":"bool"}]}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// BalanceOf reads the token balance of account on the given token contract.
func BalanceOf(ctx context.Context, client chain.Client, token, account common.Address) (*big.Int, error) {
	data, err := parsedABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	ret, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fault.BlockchainRetryable(err, "token %s balance read failed", token.Hex())
	}
	out, err := parsedABI.Unpack("balanceOf", ret)
	if err != nil {
		return nil, fault.Blockchain(err, "token %s balance decode failed", token.Hex())
	}
	return out[0].(*big.Int), nil
}

// PackApprove encodes an approval, executed from the account as a
// meta-transaction.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return parsedABI.Pack("approve", spender, amount)
}

func BalanceOfSelector() []byte { return parsedABI.Methods["balanceOf"].ID }
func ApproveSelector() []byte   { return parsedABI.Methods["approve"].ID }
