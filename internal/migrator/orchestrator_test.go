package migrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"cometshift/go-backend/internal/entrypoint"
	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/market"
	"cometshift/go-backend/internal/paymaster"
	"cometshift/go-backend/internal/sessionkey"
	"cometshift/go-backend/internal/signer"
	"cometshift/go-backend/internal/smartaccount"
	"cometshift/go-backend/internal/storage"
	"cometshift/go-backend/internal/submitter"
	"cometshift/go-backend/internal/swappool"
	"cometshift/go-backend/internal/testutil/chainmock"
	"cometshift/go-backend/internal/userop"
	"cometshift/go-backend/pkg/models"
)

var (
	account       = common.HexToAddress("0xA000000000000000000000000000000000000001")
	srcMarketAddr = common.HexToAddress("0xC0DE000000000000000000000000000000000001")
	tgtMarketAddr = common.HexToAddress("0xC0DE000000000000000000000000000000000002")
	switcherAddr  = common.HexToAddress("0xD1D0000000000000000000000000000000000001")
	poolAddr      = common.HexToAddress("0xB00B000000000000000000000000000000000001")
	flashPoolAddr = common.HexToAddress("0xB00B000000000000000000000000000000000002")
	epAddr        = common.HexToAddress("0x5FF1000000000000000000000000000000000001")
	sponsorAddr   = common.HexToAddress("0x4000000000000000000000000000000000000004")
	factoryAddr   = common.HexToAddress("0xFAC0000000000000000000000000000000000001")
	wbtcAddr      = common.HexToAddress("0x1000000000000000000000000000000000000003")

	wbtc = Asset{Addr: wbtcAddr, Decimals: 8}
)

type fakeBook struct {
	closed []string
	opened []models.Position
}

func (b *fakeBook) Close(account, marketAddr string) error {
	b.closed = append(b.closed, account+"/"+marketAddr)
	return nil
}

func (b *fakeBook) Open(p models.Position) (models.Position, error) {
	b.opened = append(b.opened, p)
	return p, nil
}

type allowAll struct{}

func (allowAll) VerifyGranted(context.Context, common.Address, common.Address) (bool, error) {
	return true, nil
}

type migHarness struct {
	mock *chainmock.Mock
	ep   *entrypoint.Binding
	orch *Orchestrator
	book *fakeBook
}

func word(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func boolWord(v bool) []byte {
	out := make([]byte, 32)
	if v {
		out[31] = 1
	}
	return out
}

func newMigHarness(t *testing.T) *migHarness {
	t.Helper()
	mock := chainmock.New()
	ep := entrypoint.New(epAddr, big.NewInt(8453), mock)
	sponsor := paymaster.New(sponsorAddr, ep)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mock.HandleReturn(epAddr, entrypoint.BalanceOfSelector(), word(new(big.Int).Lsh(big.NewInt(1), 64)))
	mock.HandleReturn(epAddr, entrypoint.GetNonceSelector(), word(big.NewInt(7)))

	// 20000 USDC of debt against 1 WBTC of collateral on the source market.
	mock.HandleReturn(srcMarketAddr, market.BorrowBalanceOfSelector(), word(big.NewInt(20_000_000_000)))
	mock.HandleReturn(srcMarketAddr, market.CollateralBalanceOfSelector(), word(big.NewInt(100_000_000)))

	// Setup already satisfied unless a test overrides these.
	mock.HandleReturn(switcherAddr, IsAuthorizedSelector(), boolWord(true))
	mock.HandleReturn(srcMarketAddr, market.HasPermissionSelector(), boolWord(true))
	mock.HandleReturn(tgtMarketAddr, market.HasPermissionSelector(), boolWord(true))

	// WETH at 2500 USDC: sqrtPriceX96 = 20000 << 96 for a 6/18 decimal pair.
	slot0, err := swappool.EncodeSlot0Return(new(big.Int).Lsh(big.NewInt(20_000), 96))
	if err != nil {
		t.Fatalf("slot0 payload: %v", err)
	}
	mock.HandleReturn(poolAddr, swappool.Slot0Selector(), slot0)

	mock.OnSend = func(tx *types.Transaction) *types.Receipt {
		ops, _, err := entrypoint.ParseHandleOps(tx.Data())
		if err != nil {
			return &types.Receipt{Status: types.ReceiptStatusFailed}
		}
		logs := make([]*types.Log, 0, len(ops))
		for _, op := range ops {
			lg, err := entrypoint.EncodeResultLog(ep.OpHash(op), op.Sender, sponsorAddr, op.Nonce, true, big.NewInt(1), big.NewInt(2))
			if err != nil {
				return &types.Receipt{Status: types.ReceiptStatusFailed}
			}
			lg.Address = epAddr
			logs = append(logs, lg)
		}
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: logs}
	}

	relayer, err := signer.FromHex("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	if err != nil {
		t.Fatalf("relayer key: %v", err)
	}
	sub := submitter.New(mock, ep, sponsor, relayer, common.HexToAddress("0xBE"), logger).
		WithTiming(time.Millisecond, time.Second)
	builder := userop.NewBuilder(ep, mock, factoryAddr)

	keys := sessionkey.NewMemoryKeyStore()
	if _, err := keys.Generate(account, time.Now().Add(24*time.Hour), []common.Address{srcMarketAddr, tgtMarketAddr, switcherAddr}); err != nil {
		t.Fatalf("session key: %v", err)
	}

	markets := map[common.Address]MarketDef{
		srcMarketAddr: {Binding: market.New(srcMarketAddr, mock), Collateral: wbtc, Base: usdc},
		tgtMarketAddr: {Binding: market.New(tgtMarketAddr, mock), Collateral: wbtc, Base: weth},
	}
	book := &fakeBook{}
	pool := swappool.New(swappool.Pool{
		Addr: poolAddr, Token0: usdcAddr, Token1: wethAddr, Decimals0: 6, Decimals1: 18,
	}, mock)

	orch, err := NewOrchestrator(
		NewSwitcher(switcherAddr, mock), pool, flashPoolAddr, markets,
		keys, allowAll{}, builder, sponsor, sub, ep, book, 0, 0, logger)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &migHarness{mock: mock, ep: ep, orch: orch, book: book}
}

// migrateArgs pulls the borrowAmount and minOutputAmount words out of the
// migrate calldata wrapped inside the sent batch.
func migrateArgs(t *testing.T, tx *types.Transaction) (borrow, minOut *big.Int) {
	t.Helper()
	ops, _, err := entrypoint.ParseHandleOps(tx.Data())
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	callData := ops[len(ops)-1].CallData
	if !bytes.HasPrefix(callData, smartaccount.ExecuteSelector()) {
		t.Fatalf("migration op is not an execute call")
	}
	// execute(target, value, bytes): 3 head words, then length-prefixed data.
	length := binary.BigEndian.Uint64(callData[4+96+24 : 4+96+32])
	inner := callData[4+128 : 4+128+int(length)]
	if !bytes.HasPrefix(inner, MigrateSelector()) {
		t.Fatalf("inner call is not migrate")
	}
	borrow = new(big.Int).SetBytes(inner[4+5*32 : 4+6*32])
	minOut = new(big.Int).SetBytes(inner[4+6*32 : 4+7*32])
	return borrow, minOut
}

func TestSwitchMarketHappyPath(t *testing.T) {
	h := newMigHarness(t)

	result, err := h.orch.SwitchMarket(context.Background(), account, srcMarketAddr, tgtMarketAddr, nil)
	if err != nil {
		t.Fatalf("SwitchMarket: %v", err)
	}
	if !result.Success || result.TxHash == "" || result.OpHash == "" {
		t.Fatalf("result = %+v", result)
	}
	if h.mock.SentCount() != 1 {
		t.Fatalf("satisfied setup still sent %d transactions, want 1", h.mock.SentCount())
	}

	borrow, minOut := migrateArgs(t, h.mock.SentTxs[0])
	wantBorrow, _ := new(big.Int).SetString("8160000000000000000", 10)
	if borrow.Cmp(wantBorrow) != 0 {
		t.Fatalf("borrowAmount = %s, want %s", borrow, wantBorrow)
	}
	if minOut.Sign() <= 0 {
		t.Fatal("minOutputAmount must be non-zero")
	}
	if minOut.Cmp(big.NewInt(20_196_000_000)) != 0 {
		t.Fatalf("minOutputAmount = %s", minOut)
	}

	if len(h.book.closed) != 1 || h.book.closed[0] != account.Hex()+"/"+srcMarketAddr.Hex() {
		t.Fatalf("closed = %v", h.book.closed)
	}
	if len(h.book.opened) != 1 {
		t.Fatalf("opened = %v", h.book.opened)
	}
	opened := h.book.opened[0]
	if opened.Market != tgtMarketAddr.Hex() || opened.CollateralAmount != "100000000" {
		t.Fatalf("opened position = %+v", opened)
	}
	if opened.DebtAmount != wantBorrow.String() {
		t.Fatalf("opened debt = %s", opened.DebtAmount)
	}
}

func TestSwitchMarketFirstMigrationHasNoRecordToClose(t *testing.T) {
	h := newMigHarness(t)
	store := storage.NewMemoryPositionStore()
	h.orch.positions = store

	result, err := h.orch.SwitchMarket(context.Background(), account, srcMarketAddr, tgtMarketAddr, nil)
	if err != nil {
		t.Fatalf("SwitchMarket: %v", err)
	}
	if !result.Success || result.TxHash == "" {
		t.Fatalf("result = %+v", result)
	}

	opened, ok := store.Active(account.Hex(), tgtMarketAddr.Hex())
	if !ok {
		t.Fatal("target position not recorded")
	}
	if opened.CollateralAmount != "100000000" {
		t.Fatalf("recorded collateral = %s", opened.CollateralAmount)
	}
	if got := len(store.List(account.Hex())); got != 1 {
		t.Fatalf("history length = %d, want only the target record", got)
	}
}

func TestSwitchMarketNothingToMigrate(t *testing.T) {
	h := newMigHarness(t)
	h.mock.HandleReturn(srcMarketAddr, market.BorrowBalanceOfSelector(), word(big.NewInt(0)))

	_, err := h.orch.SwitchMarket(context.Background(), account, srcMarketAddr, tgtMarketAddr, nil)
	if fault.KindOf(err) != fault.KindBusinessRule {
		t.Fatalf("expected business rule fault, got %v", err)
	}
	if fault.StepOf(err) != 1 {
		t.Fatalf("step = %d, want 1", fault.StepOf(err))
	}
	if h.mock.SentCount() != 0 {
		t.Fatal("empty position still produced a transaction")
	}
}

func TestSwitchMarketRunsMissingSetup(t *testing.T) {
	h := newMigHarness(t)
	h.mock.HandleReturn(switcherAddr, IsAuthorizedSelector(), boolWord(false))
	h.mock.HandleReturn(srcMarketAddr, market.HasPermissionSelector(), boolWord(false))

	result, err := h.orch.SwitchMarket(context.Background(), account, srcMarketAddr, tgtMarketAddr, nil)
	if err != nil {
		t.Fatalf("SwitchMarket: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if h.mock.SentCount() != 2 {
		t.Fatalf("sent %d transactions, want setup batch + migration", h.mock.SentCount())
	}
	setupOps, _, err := entrypoint.ParseHandleOps(h.mock.SentTxs[0].Data())
	if err != nil {
		t.Fatalf("decode setup batch: %v", err)
	}
	if !bytes.HasPrefix(setupOps[0].CallData, smartaccount.ExecuteBatchSelector()) {
		t.Fatal("setup operation is not a batched execution")
	}
}

func TestSwitchMarketCollateralCap(t *testing.T) {
	h := newMigHarness(t)

	// Move half the collateral.
	result, err := h.orch.SwitchMarket(context.Background(), account, srcMarketAddr, tgtMarketAddr, big.NewInt(50_000_000))
	if err != nil {
		t.Fatalf("SwitchMarket: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if h.book.opened[0].CollateralAmount != "50000000" {
		t.Fatalf("opened collateral = %s", h.book.opened[0].CollateralAmount)
	}

	// More than the live balance is a business-rule violation at step 2.
	_, err = h.orch.SwitchMarket(context.Background(), account, srcMarketAddr, tgtMarketAddr, big.NewInt(200_000_000))
	if fault.KindOf(err) != fault.KindBusinessRule || fault.StepOf(err) != 2 {
		t.Fatalf("expected step-2 business rule fault, got %v", err)
	}
}

func TestSwitchMarketRevertedMigrationSkipsBookkeeping(t *testing.T) {
	h := newMigHarness(t)
	h.mock.OnSend = func(tx *types.Transaction) *types.Receipt {
		ops, _, err := entrypoint.ParseHandleOps(tx.Data())
		if err != nil {
			return &types.Receipt{Status: types.ReceiptStatusFailed}
		}
		logs := make([]*types.Log, 0, len(ops))
		for _, op := range ops {
			lg, _ := entrypoint.EncodeResultLog(h.ep.OpHash(op), op.Sender, sponsorAddr, op.Nonce, false, big.NewInt(1), big.NewInt(2))
			lg.Address = epAddr
			logs = append(logs, lg)
		}
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: logs}
	}

	_, err := h.orch.SwitchMarket(context.Background(), account, srcMarketAddr, tgtMarketAddr, nil)
	if err == nil {
		t.Fatal("reverted migration reported as success")
	}
	if fault.StepOf(err) != 6 {
		t.Fatalf("step = %d, want 6", fault.StepOf(err))
	}
	if len(h.book.opened) != 0 || len(h.book.closed) != 0 {
		t.Fatal("bookkeeping ran despite on-chain failure")
	}
}

func TestOrchestratorRejectsSharedPools(t *testing.T) {
	h := newMigHarness(t)
	pool := swappool.New(swappool.Pool{Addr: poolAddr, Token0: usdcAddr, Token1: wethAddr, Decimals0: 6, Decimals1: 18}, h.mock)
	_, err := NewOrchestrator(
		NewSwitcher(switcherAddr, h.mock), pool, poolAddr, nil,
		sessionkey.NewMemoryKeyStore(), allowAll{}, nil, nil, nil, nil, nil, 0, 0,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("flash pool equal to swap pool accepted")
	}
}

func TestSwitchMarketUnknownMarket(t *testing.T) {
	h := newMigHarness(t)
	_, err := h.orch.SwitchMarket(context.Background(), account, common.HexToAddress("0xFF"), tgtMarketAddr, nil)
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("expected validation fault, got %v", err)
	}
}
