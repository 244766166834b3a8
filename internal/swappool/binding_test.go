package swappool

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/testutil/chainmock"
)

var (
	usdc     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	weth     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	poolAddr = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func usdcWethPool() Pool {
	return Pool{Addr: poolAddr, Token0: usdc, Token1: weth, Decimals0: 6, Decimals1: 18}
}

// sqrtPriceX96 for a raw ratio of 4e8 (1 WETH = 2500 USDC with 6/18
// decimals): sqrt(4e8) = 20000, shifted by 2^96.
func sqrtPriceFor2500() *big.Int {
	return new(big.Int).Lsh(big.NewInt(20_000), 96)
}

func TestSpotQuoteDecimalCorrection(t *testing.T) {
	mock := chainmock.New()
	ret, err := EncodeSlot0Return(sqrtPriceFor2500())
	if err != nil {
		t.Fatalf("encode slot0: %v", err)
	}
	mock.HandleReturn(poolAddr, Slot0Selector(), ret)

	q, err := New(usdcWethPool(), mock).SpotQuote(context.Background())
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	// 1 USDC = 0.0004 WETH
	if q.PriceWad.Cmp(big.NewInt(4e14)) != 0 {
		t.Fatalf("expected 4e14, got %s", q.PriceWad)
	}
}

func TestUnitPriceOfHandlesSlotOrdering(t *testing.T) {
	q := Quote{Token0: usdc, Token1: weth, PriceWad: big.NewInt(4e14)}

	priceUSDC, denom, ok := q.UnitPriceOf(usdc)
	if !ok || denom != weth {
		t.Fatal("usdc price lookup failed")
	}
	if priceUSDC.Cmp(big.NewInt(4e14)) != 0 {
		t.Fatalf("expected 4e14 WETH per USDC, got %s", priceUSDC)
	}

	priceWETH, denom, ok := q.UnitPriceOf(weth)
	if !ok || denom != usdc {
		t.Fatal("weth price lookup failed")
	}
	want := new(big.Int).Mul(big.NewInt(2500), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if priceWETH.Cmp(want) != 0 {
		t.Fatalf("expected 2500e18 USDC per WETH, got %s", priceWETH)
	}
}

func TestUnitPriceOfForeignToken(t *testing.T) {
	q := Quote{Token0: usdc, Token1: weth, PriceWad: big.NewInt(4e14)}
	if _, _, ok := q.UnitPriceOf(common.HexToAddress("0x9999")); ok {
		t.Fatal("foreign token must not resolve")
	}
}

func TestSpotQuoteZeroPriceRejected(t *testing.T) {
	mock := chainmock.New()
	ret, err := EncodeSlot0Return(big.NewInt(0))
	if err != nil {
		t.Fatalf("encode slot0: %v", err)
	}
	mock.HandleReturn(poolAddr, Slot0Selector(), ret)
	if _, err := New(usdcWethPool(), mock).SpotQuote(context.Background()); err == nil {
		t.Fatal("zero price slot must be rejected")
	}
}
