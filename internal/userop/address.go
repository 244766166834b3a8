package userop

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account factory surface. createAccount is idempotent on-chain: calling it
// for an owner that already has an account returns the existing address.
const factoryABIJSON = `[
	{"type":"function","name":"createAccount","stateMutability":"nonpayable",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
	 "outputs":[{"name":"account","type":"address"}]}
]`

var factoryABI = mustABI(factoryABIJSON)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// accountIndex pins every owner to their first account slot. A multi-account
// product would thread this through; the custody flow needs exactly one.
var accountIndex = new(big.Int)

// ComputeAddress derives the counterfactual account address for an owner.
// Pure CREATE2 arithmetic over fixed deployment parameters: the same owner
// always maps to the same address, deployed or not, so funds can be sent
// there before the account contract exists.
func ComputeAddress(owner, factory common.Address, accountInitCodeHash common.Hash) common.Address {
	salt := crypto.Keccak256Hash(
		common.LeftPadBytes(owner.Bytes(), 32),
		common.BigToHash(accountIndex).Bytes(),
	)
	payload := make([]byte, 0, 1+20+32+32)
	payload = append(payload, 0xff)
	payload = append(payload, factory.Bytes()...)
	payload = append(payload, salt.Bytes()...)
	payload = append(payload, accountInitCodeHash.Bytes()...)
	return common.BytesToAddress(crypto.Keccak256(payload)[12:])
}

// DeploymentInitCode builds the initCode field for a not-yet-deployed
// sender: factory address followed by the createAccount calldata.
func DeploymentInitCode(owner, factory common.Address) ([]byte, error) {
	callData, err := factoryABI.Pack("createAccount", owner, accountIndex)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), factory.Bytes()...), callData...), nil
}
