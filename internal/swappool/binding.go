// Package swappool reads spot prices from a concentrated-liquidity pool's
// price slot. The migration orchestrator prices the debt leg against the
// target market's borrow asset with it. The flash-loan pool and the swap
// pool are configured separately on purpose: pricing the swap against the
// pool the flash loan drains would let the loan move its own price.
package swappool

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
	{"type":"function","name":"slot0","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},
		{"name":"tick","type":"int24"},
		{"name":"observationIndex","type":"uint16"},
		{"name":"observationCardinality","type":"uint16"},
		{"name":"observationCardinalityNext","type":"uint16"},
		{"name":"feeProtocol","type":"uint8"},
		{"name":"unlocked","type":"bool"}]}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

var (
	wad  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	wad2 = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)
	q192 = new(big.Int).Lsh(big.NewInt(1), 192)
)

// Pool describes one pool deployment. Token order and decimals come from
// configuration; they are fixed contract properties, not market state.
type Pool struct {
	Addr      common.Address
	Token0    common.Address
	Token1    common.Address
	Decimals0 uint8
	Decimals1 uint8
}

// Quote is a decimals-corrected spot price: one whole unit of Token0 is
// worth PriceWad/1e18 whole units of Token1.
type Quote struct {
	Token0   common.Address
	Token1   common.Address
	PriceWad *big.Int
}

// UnitPriceOf returns the whole-unit price of `token` denominated in the
// pool's other token, wad scale. The second return is the denominating
// token. Resolving which slot the asset occupies happens here, so callers
// never reason about pool-internal token ordering.
func (q Quote) UnitPriceOf(token common.Address) (*big.Int, common.Address, bool) {
	switch token {
	case q.Token0:
		return new(big.Int).Set(q.PriceWad), q.Token1, true
	case q.Token1:
		if q.PriceWad.Sign() == 0 {
			return nil, common.Address{}, false
		}
		return new(big.Int).Quo(wad2, q.PriceWad), q.Token0, true
	default:
		return nil, common.Address{}, false
	}
}

func (q Quote) Has(token common.Address) bool {
	return token == q.Token0 || token == q.Token1
}

type Binding struct {
	pool   Pool
	client chain.Client
}

func New(pool Pool, client chain.Client) *Binding {
	return &Binding{pool: pool, client: client}
}

func (b *Binding) Pool() Pool {
	return b.pool
}

// SpotQuote reads the current price slot and corrects it for the two
// tokens' decimal precision.
func (b *Binding) SpotQuote(ctx context.Context) (Quote, error) {
	data, err := parsedABI.Pack("slot0")
	if err != nil {
		return Quote{}, err
	}
	ret, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &b.pool.Addr, Data: data}, nil)
	if err != nil {
		return Quote{}, fault.BlockchainRetryable(err, "price slot read for pool %s failed", b.pool.Addr.Hex())
	}
	out, err := parsedABI.Unpack("slot0", ret)
	if err != nil {
		return Quote{}, fault.Blockchain(err, "price slot decode failed")
	}
	sqrtPriceX96, ok := out[0].(*big.Int)
	if !ok || sqrtPriceX96.Sign() <= 0 {
		return Quote{}, fault.Blockchain(nil, "pool %s returned an empty price slot", b.pool.Addr.Hex())
	}
	return quoteFromSqrtPrice(b.pool, sqrtPriceX96), nil
}

// quoteFromSqrtPrice converts the Q64.96 sqrt price into a whole-unit wad
// price of token1 per token0:
//
//	raw1/raw0 = sqrtP^2 / 2^192
//	unit      = raw * 10^dec0 / 10^dec1
func quoteFromSqrtPrice(pool Pool, sqrtPriceX96 *big.Int) Quote {
	num := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	num.Mul(num, wad)
	num.Mul(num, pow10(pool.Decimals0))
	den := new(big.Int).Mul(q192, pow10(pool.Decimals1))
	return Quote{
		Token0:   pool.Token0,
		Token1:   pool.Token1,
		PriceWad: num.Quo(num, den),
	}
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Slot0Selector is exported for mock wiring in tests.
func Slot0Selector() []byte {
	return parsedABI.Methods["slot0"].ID
}

// EncodeSlot0Return builds a slot0 return payload; test helper.
func EncodeSlot0Return(sqrtPriceX96 *big.Int) ([]byte, error) {
	return parsedABI.Methods["slot0"].Outputs.Pack(
		sqrtPriceX96, big.NewInt(0), uint16(0), uint16(1), uint16(1), uint8(0), true)
}
