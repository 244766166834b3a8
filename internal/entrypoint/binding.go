// Package entrypoint is the typed binding for the on-chain entry point:
// nonce reads, sponsor deposit reads, batch submission calldata and the
// per-operation result event stream. The ABI is defined once here; nothing
// else in the engine hand-encodes entry point calls.
package entrypoint

import (
	"bytes"
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/chain"
	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/userop"
)

const abiJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view",
	 "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
	 "outputs":[{"name":"nonce","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"deposit","type":"uint256"}]},
	{"type":"function","name":"handleOps","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"ops","type":"tuple[]","components":[
			{"name":"sender","type":"address"},
			{"name":"nonce","type":"uint256"},
			{"name":"initCode","type":"bytes"},
			{"name":"callData","type":"bytes"},
			{"name":"callGasLimit","type":"uint256"},
			{"name":"verificationGasLimit","type":"uint256"},
			{"name":"preVerificationGas","type":"uint256"},
			{"name":"maxFeePerGas","type":"uint256"},
			{"name":"maxPriorityFeePerGas","type":"uint256"},
			{"name":"paymasterAndData","type":"bytes"},
			{"name":"signature","type":"bytes"}]},
		{"name":"beneficiary","type":"address"}],
	 "outputs":[]},
	{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[
		{"name":"userOpHash","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"paymaster","type":"address","indexed":true},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"success","type":"bool","indexed":false},
		{"name":"actualGasCost","type":"uint256","indexed":false},
		{"name":"actualGasUsed","type":"uint256","indexed":false}]}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// nonceKey 0 is the sequential lane; parallel nonce lanes are unused here.
var nonceKey = new(big.Int)

type packedOp struct {
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

type Binding struct {
	addr    common.Address
	chainID *big.Int
	client  chain.Client
}

func New(addr common.Address, chainID *big.Int, client chain.Client) *Binding {
	return &Binding{addr: addr, chainID: new(big.Int).Set(chainID), client: client}
}

func (b *Binding) Address() common.Address {
	return b.addr
}

func (b *Binding) ChainID() *big.Int {
	return new(big.Int).Set(b.chainID)
}

// OpHash is the canonical operation hash for this deployment.
func (b *Binding) OpHash(op *userop.Operation) common.Hash {
	return userop.Hash(op, b.addr, b.chainID)
}

// NonceOf reads the live operation nonce for sender.
func (b *Binding) NonceOf(ctx context.Context, sender common.Address) (*big.Int, error) {
	data, err := parsedABI.Pack("getNonce", sender, nonceKey)
	if err != nil {
		return nil, err
	}
	ret, err := b.call(ctx, data)
	if err != nil {
		return nil, err
	}
	out, err := parsedABI.Unpack("getNonce", ret)
	if err != nil {
		return nil, fault.Blockchain(err, "getNonce decode failed")
	}
	return out[0].(*big.Int), nil
}

// DepositOf reads the gas deposit the entry point holds for an account,
// typically the sponsoring paymaster.
func (b *Binding) DepositOf(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := parsedABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	ret, err := b.call(ctx, data)
	if err != nil {
		return nil, err
	}
	out, err := parsedABI.Unpack("balanceOf", ret)
	if err != nil {
		return nil, fault.Blockchain(err, "balanceOf decode failed")
	}
	return out[0].(*big.Int), nil
}

// PackHandleOps encodes a batch submission.
func PackHandleOps(ops []*userop.Operation, beneficiary common.Address) ([]byte, error) {
	packed := make([]packedOp, 0, len(ops))
	for _, op := range ops {
		packed = append(packed, packedOp{
			Sender:               op.Sender,
			Nonce:                orZero(op.Nonce),
			InitCode:             emptyNotNil(op.InitCode),
			CallData:             emptyNotNil(op.CallData),
			CallGasLimit:         orZero(op.CallGasLimit),
			VerificationGasLimit: orZero(op.VerificationGasLimit),
			PreVerificationGas:   orZero(op.PreVerificationGas),
			MaxFeePerGas:         orZero(op.MaxFeePerGas),
			MaxPriorityFeePerGas: orZero(op.MaxPriorityFeePerGas),
			PaymasterAndData:     emptyNotNil(op.PaymasterAndData),
			Signature:            emptyNotNil(op.Signature),
		})
	}
	return parsedABI.Pack("handleOps", packed, beneficiary)
}

// ParseHandleOps decodes a batch submission back into its operations and
// beneficiary. Signatures survive the round trip; the operation hash does
// not depend on them anyway.
func ParseHandleOps(data []byte) ([]*userop.Operation, common.Address, error) {
	method := parsedABI.Methods["handleOps"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, common.Address{}, fault.Validation("not a handleOps call")
	}
	out, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, common.Address{}, fault.Validation("handleOps decode failed: %v", err)
	}
	packed := *abi.ConvertType(out[0], new([]packedOp)).(*[]packedOp)
	beneficiary := *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	ops := make([]*userop.Operation, 0, len(packed))
	for _, p := range packed {
		ops = append(ops, &userop.Operation{
			Sender:               p.Sender,
			Nonce:                p.Nonce,
			InitCode:             p.InitCode,
			CallData:             p.CallData,
			CallGasLimit:         p.CallGasLimit,
			VerificationGasLimit: p.VerificationGasLimit,
			PreVerificationGas:   p.PreVerificationGas,
			MaxFeePerGas:         p.MaxFeePerGas,
			MaxPriorityFeePerGas: p.MaxPriorityFeePerGas,
			PaymasterAndData:     p.PaymasterAndData,
			Signature:            p.Signature,
		})
	}
	return ops, beneficiary, nil
}

// GetNonceSelector is exported for mock wiring in tests.
func GetNonceSelector() []byte {
	return parsedABI.Methods["getNonce"].ID
}

func BalanceOfSelector() []byte {
	return parsedABI.Methods["balanceOf"].ID
}

func (b *Binding) call(ctx context.Context, data []byte) ([]byte, error) {
	ret, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &b.addr, Data: data}, nil)
	if err != nil {
		return nil, fault.BlockchainRetryable(err, "entry point call failed")
	}
	return ret, nil
}

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
