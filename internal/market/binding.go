// Package market is the typed binding for a lending market (comet-style
// pool): one base asset borrowed against several collateral assets. Reads
// go straight to the chain; mutating calls are only ever packed here and
// executed as meta-transactions by the engine.
package market

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
	{"type":"function","name":"supply","stateMutability":"nonpayable",
	 "inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable",
	 "inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"collateralBalanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"},{"name":"asset","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint128"}]},
	{"type":"function","name":"borrowBalanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint256"}]},
	{"type":"function","name":"allow","stateMutability":"nonpayable",
	 "inputs":[{"name":"manager","type":"address"},{"name":"isAllowed","type":"bool"}],"outputs":[]},
	{"type":"function","name":"hasPermission","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"manager","type":"address"}],
	 "outputs":[{"name":"allowed","type":"bool"}]},
	{"type":"function","name":"getUtilization","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"utilization","type":"uint256"}]},
	{"type":"function","name":"getSupplyRate","stateMutability":"view",
	 "inputs":[{"name":"utilization","type":"uint256"}],
	 "outputs":[{"name":"rate","type":"uint64"}]},
	{"type":"function","name":"getBorrowRate","stateMutability":"view",
	 "inputs":[{"name":"utilization","type":"uint256"}],
	 "outputs":[{"name":"rate","type":"uint64"}]}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

type Binding struct {
	addr   common.Address
	client chain.Client
}

func New(addr common.Address, client chain.Client) *Binding {
	return &Binding{addr: addr, client: client}
}

func (b *Binding) Address() common.Address {
	return b.addr
}

func (b *Binding) CollateralBalanceOf(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	return b.readBig(ctx, "collateralBalanceOf", account, asset)
}

func (b *Binding) BorrowBalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return b.readBig(ctx, "borrowBalanceOf", account)
}

func (b *Binding) HasPermission(ctx context.Context, owner, manager common.Address) (bool, error) {
	ret, err := b.read(ctx, "hasPermission", owner, manager)
	if err != nil {
		return false, err
	}
	out, err := parsedABI.Unpack("hasPermission", ret)
	if err != nil {
		return false, fault.Blockchain(err, "hasPermission decode failed")
	}
	return out[0].(bool), nil
}

func (b *Binding) Utilization(ctx context.Context) (*big.Int, error) {
	return b.readBig(ctx, "getUtilization")
}

// SupplyRatePerSecond and BorrowRatePerSecond return the on-chain
// per-second rate (1e18 scale) at the given utilization.
func (b *Binding) SupplyRatePerSecond(ctx context.Context, utilization *big.Int) (*big.Int, error) {
	return b.readUint64(ctx, "getSupplyRate", utilization)
}

func (b *Binding) BorrowRatePerSecond(ctx context.Context, utilization *big.Int) (*big.Int, error) {
	return b.readUint64(ctx, "getBorrowRate", utilization)
}

// PackAllow encodes the manager grant call, executed from the account as a
// meta-transaction during migration setup.
func PackAllow(manager common.Address, isAllowed bool) ([]byte, error) {
	return parsedABI.Pack("allow", manager, isAllowed)
}

func PackSupply(asset common.Address, amount *big.Int) ([]byte, error) {
	return parsedABI.Pack("supply", asset, amount)
}

func PackWithdraw(asset common.Address, amount *big.Int) ([]byte, error) {
	return parsedABI.Pack("withdraw", asset, amount)
}

// Selectors exported for mock wiring in tests.
func CollateralBalanceOfSelector() []byte { return parsedABI.Methods["collateralBalanceOf"].ID }
func BorrowBalanceOfSelector() []byte     { return parsedABI.Methods["borrowBalanceOf"].ID }
func HasPermissionSelector() []byte       { return parsedABI.Methods["hasPermission"].ID }
func GetUtilizationSelector() []byte      { return parsedABI.Methods["getUtilization"].ID }
func GetSupplyRateSelector() []byte       { return parsedABI.Methods["getSupplyRate"].ID }
func GetBorrowRateSelector() []byte       { return parsedABI.Methods["getBorrowRate"].ID }
func AllowSelector() []byte               { return parsedABI.Methods["allow"].ID }

func (b *Binding) read(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	ret, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &b.addr, Data: data}, nil)
	if err != nil {
		return nil, fault.BlockchainRetryable(err, "market %s %s failed", b.addr.Hex(), method)
	}
	return ret, nil
}

func (b *Binding) readBig(ctx context.Context, method string, args ...any) (*big.Int, error) {
	ret, err := b.read(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := parsedABI.Unpack(method, ret)
	if err != nil {
		return nil, fault.Blockchain(err, "market %s decode failed", method)
	}
	return out[0].(*big.Int), nil
}

func (b *Binding) readUint64(ctx context.Context, method string, args ...any) (*big.Int, error) {
	ret, err := b.read(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := parsedABI.Unpack(method, ret)
	if err != nil {
		return nil, fault.Blockchain(err, "market %s decode failed", method)
	}
	return new(big.Int).SetUint64(out[0].(uint64)), nil
}
