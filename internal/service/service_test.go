package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"cometshift/go-backend/internal/accounts"
	"cometshift/go-backend/internal/entrypoint"
	"cometshift/go-backend/internal/erc20"
	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/paymaster"
	"cometshift/go-backend/internal/sessionkey"
	"cometshift/go-backend/internal/signer"
	"cometshift/go-backend/internal/submitter"
	"cometshift/go-backend/internal/testutil/chainmock"
	"cometshift/go-backend/internal/userop"
	"cometshift/go-backend/pkg/models"
)

var (
	ownerAddr    = common.HexToAddress("0xA000000000000000000000000000000000000002")
	epAddr       = common.HexToAddress("0x5FF1000000000000000000000000000000000001")
	sponsorAddr  = common.HexToAddress("0x4000000000000000000000000000000000000004")
	factoryAddr  = common.HexToAddress("0xFAC0000000000000000000000000000000000001")
	marketAddr   = common.HexToAddress("0xC0DE000000000000000000000000000000000001")
	initCodeHash = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	pluginCfg    = sessionkey.PluginConfig{
		Plugin:         common.HexToAddress("0xD000000000000000000000000000000000000001"),
		ManifestHash:   common.HexToHash("0x22"),
		OwnerValidator: common.HexToAddress("0xD000000000000000000000000000000000000002"),
	}
)

type svcHarness struct {
	mock    *chainmock.Mock
	svc     *Service
	ep      *entrypoint.Binding
	account common.Address
}

func word(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func newSvcHarness(t *testing.T) *svcHarness {
	t.Helper()
	mock := chainmock.New()
	ep := entrypoint.New(epAddr, big.NewInt(8453), mock)
	sponsor := paymaster.New(sponsorAddr, ep)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mock.HandleReturn(epAddr, entrypoint.BalanceOfSelector(), word(new(big.Int).Lsh(big.NewInt(1), 64)))
	mock.HandleReturn(epAddr, entrypoint.GetNonceSelector(), word(big.NewInt(0)))
	mock.HandleReturn(pluginCfg.Plugin, sessionkey.IsSessionKeyOfSelector(), word(big.NewInt(1)))
	mock.OnSend = func(tx *types.Transaction) *types.Receipt {
		ops, _, err := entrypoint.ParseHandleOps(tx.Data())
		if err != nil {
			return &types.Receipt{Status: types.ReceiptStatusFailed}
		}
		logs := make([]*types.Log, 0, len(ops))
		for _, op := range ops {
			lg, _ := entrypoint.EncodeResultLog(ep.OpHash(op), op.Sender, sponsorAddr, op.Nonce, true, big.NewInt(1), big.NewInt(2))
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
	grants := sessionkey.NewManager(keys, sessionkey.NewMemoryRegistrationStore(), builder, sponsor, ep, ep, mock, pluginCfg)

	repo := accounts.NewCachedRepository(mock, factoryAddr, initCodeHash, time.Minute)
	t.Cleanup(repo.Stop)

	account := userop.ComputeAddress(ownerAddr, factoryAddr, initCodeHash)
	mock.Codes[account] = []byte{0x60}

	svc := New(Deps{
		Client:    mock,
		Repo:      repo,
		Grants:    grants,
		Keys:      keys,
		Builder:   builder,
		Sponsor:   sponsor,
		Submitter: sub,
		Hasher:    ep,
		Targets:   []common.Address{marketAddr},
		Logger:    logger,
	})
	return &svcHarness{mock: mock, svc: svc, ep: ep, account: account}
}

func TestComputeAddress(t *testing.T) {
	h := newSvcHarness(t)
	acct, err := h.svc.ComputeAddress(context.Background(), ownerAddr.Hex())
	if err != nil {
		t.Fatalf("ComputeAddress: %v", err)
	}
	if acct.Address != h.account.Hex() || !acct.Deployed {
		t.Fatalf("account = %+v", acct)
	}

	if _, err := h.svc.ComputeAddress(context.Background(), "not-an-address"); fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("expected validation fault, got %v", err)
	}
}

func TestGrantFlow(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	challenge, err := h.svc.BuildGrant(ctx, ownerAddr.Hex(), time.Time{})
	if err != nil {
		t.Fatalf("BuildGrant: %v", err)
	}
	if challenge.State != sessionkey.RegUnsigned || challenge.OpHash == "" {
		t.Fatalf("challenge = %+v", challenge)
	}

	// Re-building before signing serves the identical challenge.
	again, err := h.svc.BuildGrant(ctx, ownerAddr.Hex(), time.Time{})
	if err != nil {
		t.Fatalf("second BuildGrant: %v", err)
	}
	if again.OpHash != challenge.OpHash {
		t.Fatal("pending challenge hash changed between builds")
	}

	sig := "0x" + common.Bytes2Hex(bytes.Repeat([]byte{0x42}, 65))
	result, err := h.svc.SubmitGrant(ctx, challenge.Account, sig)
	if err != nil {
		t.Fatalf("SubmitGrant: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	reg, ok := h.svc.grants.Registrations().Get(h.account)
	if !ok || reg.State != sessionkey.RegConfirmed {
		t.Fatalf("registration = %+v", reg)
	}
	stored, _ := h.svc.keys.Get(h.account)
	if !stored.Granted {
		t.Fatal("granted flag not set after confirmation")
	}
}

func TestExecuteWithSessionKey(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	if _, err := h.svc.grants.Generate(h.account, time.Now().Add(time.Hour), []common.Address{marketAddr}); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	approve, err := erc20.PackApprove(common.HexToAddress("0xD1D0000000000000000000000000000000000001"), big.NewInt(1))
	if err != nil {
		t.Fatalf("pack approve: %v", err)
	}
	result, err := h.svc.ExecuteWithSessionKey(ctx, h.account.Hex(), []models.Call{
		{To: marketAddr.Hex(), Data: "0x" + common.Bytes2Hex(approve)},
	})
	if err != nil {
		t.Fatalf("ExecuteWithSessionKey: %v", err)
	}
	if !result.Success || result.TxHash == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteRejectsOutOfScopeTarget(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	if _, err := h.svc.grants.Generate(h.account, time.Now().Add(time.Hour), []common.Address{marketAddr}); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	_, err := h.svc.ExecuteWithSessionKey(ctx, h.account.Hex(), []models.Call{
		{To: "0xEEEE000000000000000000000000000000000001", Data: "0x01"},
	})
	if fault.KindOf(err) != fault.KindAuthorization {
		t.Fatalf("expected authorization fault, got %v", err)
	}
	if h.mock.SentCount() != 0 {
		t.Fatal("out-of-scope call was still submitted")
	}
}

func TestExecuteRejectsUngrantedKey(t *testing.T) {
	h := newSvcHarness(t)
	h.mock.HandleReturn(pluginCfg.Plugin, sessionkey.IsSessionKeyOfSelector(), word(big.NewInt(0)))

	if _, err := h.svc.grants.Generate(h.account, time.Now().Add(time.Hour), []common.Address{marketAddr}); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	_, err := h.svc.ExecuteWithSessionKey(context.Background(), h.account.Hex(), []models.Call{
		{To: marketAddr.Hex(), Data: "0x01"},
	})
	if fault.KindOf(err) != fault.KindAuthorization {
		t.Fatalf("expected authorization fault, got %v", err)
	}
	if h.mock.SentCount() != 0 {
		t.Fatal("ungranted key still burned sponsor gas")
	}
}

type stubSwitcher struct {
	result models.ExecutionResult
	err    error
}

func (s stubSwitcher) SwitchMarket(context.Context, common.Address, common.Address, common.Address, *big.Int) (models.ExecutionResult, error) {
	return s.result, s.err
}

func TestSwitchMarketKeepsResultOnBookkeepingError(t *testing.T) {
	h := newSvcHarness(t)
	h.svc.orch = stubSwitcher{
		result: models.ExecutionResult{Success: true, TxHash: "0xab", OpHash: "0xcd", GasUsed: "80001"},
		err:    fault.AtStep(7, fault.Blockchain(nil, "no active position for account on this market")),
	}

	result, err := h.svc.SwitchMarket(context.Background(), h.account.Hex(),
		marketAddr.Hex(), "0xC0DE000000000000000000000000000000000002", "")
	if err == nil {
		t.Fatal("bookkeeping failure swallowed")
	}
	if result.TxHash != "0xab" || result.OpHash != "0xcd" {
		t.Fatalf("mined identifiers discarded: %+v", result)
	}
}

func TestSwitchMarketValidatesInputs(t *testing.T) {
	h := newSvcHarness(t)
	_, err := h.svc.SwitchMarket(context.Background(), h.account.Hex(), "bogus", marketAddr.Hex(), "")
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("expected validation fault, got %v", err)
	}
	_, err = h.svc.SwitchMarket(context.Background(), h.account.Hex(), marketAddr.Hex(), marketAddr.Hex(), "-5")
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("expected validation fault for negative amount, got %v", err)
	}
}
