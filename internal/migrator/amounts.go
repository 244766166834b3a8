package migrator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/swappool"
)

// DefaultBufferBps pads the target-market borrow over the exact conversion
// of the source debt. The pad has to cover the flash-loan fee, the swap-pool
// fee and price movement between quote and execution. 200 bps is a
// conservative fixed upper bound over those three, not a fee model; tune it
// per deployment through configuration.
const DefaultBufferBps = 200

// DefaultSlippageBps bounds how far the swap leg's realized output may fall
// below the quoted conversion before the whole migration reverts on-chain.
const DefaultSlippageBps = 100

const bpsDenominator = 10_000

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Asset is a token with its fixed decimal precision, taken from
// configuration.
type Asset struct {
	Addr     common.Address
	Decimals uint8
}

// ConvertAmount reprices `amount` of `from` into `to` units using the pool
// quote. Token-ordering resolution lives in the quote; this only applies
// the decimal correction:
//
//	out = amount * unitPrice(from) * 10^toDec / (1e18 * 10^fromDec)
func ConvertAmount(amount *big.Int, from, to Asset, quote swappool.Quote) (*big.Int, error) {
	priceWad, denom, ok := quote.UnitPriceOf(from.Addr)
	if !ok {
		return nil, fault.Validation("asset %s is not in the configured swap pool", from.Addr.Hex())
	}
	if denom != to.Addr {
		return nil, fault.Validation("swap pool prices %s against %s, not %s", from.Addr.Hex(), denom.Hex(), to.Addr.Hex())
	}
	out := new(big.Int).Mul(amount, priceWad)
	out.Mul(out, pow10(to.Decimals))
	out.Quo(out, new(big.Int).Mul(wad, pow10(from.Decimals)))
	return out, nil
}

// CalculateBorrowAmount converts the live source debt into the target
// market's borrow asset and applies the safety buffer.
func CalculateBorrowAmount(debt *big.Int, debtAsset, borrowAsset Asset, quote swappool.Quote, bufferBps uint64) (*big.Int, error) {
	if debt == nil || debt.Sign() <= 0 {
		return nil, fault.Validation("debt amount must be positive")
	}
	converted, err := ConvertAmount(debt, debtAsset, borrowAsset, quote)
	if err != nil {
		return nil, err
	}
	buffered := new(big.Int).Mul(converted, big.NewInt(int64(bpsDenominator+bufferBps)))
	buffered.Quo(buffered, big.NewInt(bpsDenominator))
	if buffered.Sign() <= 0 {
		return nil, fault.BusinessRule("debt %s converts to a zero borrow amount; pool price unusable", debt)
	}
	return buffered, nil
}

// CalculateMinOutput is the on-chain slippage floor for the swap leg: the
// borrowed amount repriced back into the debt asset through the same quote,
// reduced by the slippage tolerance. Zero is never a legal floor.
func CalculateMinOutput(borrowAmount *big.Int, borrowAsset, debtAsset Asset, quote swappool.Quote, slippageBps uint64) (*big.Int, error) {
	if slippageBps >= bpsDenominator {
		return nil, fault.Validation("slippage tolerance %d bps leaves no floor", slippageBps)
	}
	expected, err := ConvertAmount(borrowAmount, borrowAsset, debtAsset, quote)
	if err != nil {
		return nil, err
	}
	floor := new(big.Int).Mul(expected, big.NewInt(int64(bpsDenominator-slippageBps)))
	floor.Quo(floor, big.NewInt(bpsDenominator))
	if floor.Sign() <= 0 {
		return nil, fault.BusinessRule("computed swap output floor is zero; refusing an unprotected swap")
	}
	return floor, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
