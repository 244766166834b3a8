package migrator

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

// The switcher contract performs the whole migration in one transaction:
// flash-borrow the debt asset, repay the source debt, move the collateral,
// borrow on the target market and swap back to repay the flash loan. Any
// sub-step failing reverts everything.
const switcherABIJSON = `[
	{"type":"function","name":"migrate","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"account","type":"address"},
		{"name":"sourceMarket","type":"address"},
		{"name":"targetMarket","type":"address"},
		{"name":"collateralAsset","type":"address"},
		{"name":"collateralAmount","type":"uint256"},
		{"name":"borrowAmount","type":"uint256"},
		{"name":"minOutputAmount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"authorize","stateMutability":"nonpayable",
	 "inputs":[],"outputs":[]},
	{"type":"function","name":"isAuthorized","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"authorized","type":"bool"}]}
]`

var switcherABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(switcherABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

type Switcher struct {
	addr   common.Address
	client chain.Client
}

func NewSwitcher(addr common.Address, client chain.Client) *Switcher {
	return &Switcher{addr: addr, client: client}
}

func (s *Switcher) Address() common.Address {
	return s.addr
}

// IsAuthorized reads whether the account has authorized the switcher to act
// on its behalf.
func (s *Switcher) IsAuthorized(ctx context.Context, account common.Address) (bool, error) {
	data, err := switcherABI.Pack("isAuthorized", account)
	if err != nil {
		return false, err
	}
	ret, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.addr, Data: data}, nil)
	if err != nil {
		return false, fault.BlockchainRetryable(err, "switcher authorization read failed")
	}
	out, err := switcherABI.Unpack("isAuthorized", ret)
	if err != nil {
		return false, fault.Blockchain(err, "isAuthorized decode failed")
	}
	return out[0].(bool), nil
}

// PackAuthorize encodes the account-side authorization call, executed from
// the account as a meta-transaction.
func PackAuthorize() ([]byte, error) {
	return switcherABI.Pack("authorize")
}

// PackMigrate encodes the atomic migration entry point.
func PackMigrate(account, sourceMarket, targetMarket, collateralAsset common.Address, collateralAmount, borrowAmount, minOutputAmount *big.Int) ([]byte, error) {
	return switcherABI.Pack("migrate",
		account, sourceMarket, targetMarket, collateralAsset,
		collateralAmount, borrowAmount, minOutputAmount)
}

// Selectors exported for mock wiring in tests.
func MigrateSelector() []byte      { return switcherABI.Methods["migrate"].ID }
func AuthorizeSelector() []byte    { return switcherABI.Methods["authorize"].ID }
func IsAuthorizedSelector() []byte { return switcherABI.Methods["isAuthorized"].ID }
