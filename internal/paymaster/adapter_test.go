package paymaster

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/userop"
)

var sponsor = common.HexToAddress("0x4000000000000000000000000000000000000004")

type fixedDeposits struct {
	deposit *big.Int
}

func (f fixedDeposits) DepositOf(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.deposit), nil
}

func testOp() *userop.Operation {
	return &userop.Operation{
		CallGasLimit:         big.NewInt(200_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(60_000),
		MaxFeePerGas:         big.NewInt(1_000_000_000),
	}
}

func TestSponsorshipDataDeterministicAndShaped(t *testing.T) {
	a := New(sponsor, fixedDeposits{big.NewInt(0)})
	first := a.SponsorshipData()
	second := a.SponsorshipData()
	if !bytes.Equal(first, second) {
		t.Fatal("sponsorship data not deterministic")
	}
	if !bytes.HasPrefix(first, sponsor.Bytes()) {
		t.Fatal("sponsorship data must start with the sponsor address")
	}
	if len(first) != 20+64 {
		t.Fatalf("unexpected sponsorship data length %d", len(first))
	}
}

func TestAttachChangesHash(t *testing.T) {
	ep := common.HexToAddress("0x01")
	op := testOp()
	before := userop.Hash(op, ep, big.NewInt(1))
	New(sponsor, fixedDeposits{big.NewInt(0)}).Attach(op)
	if userop.Hash(op, ep, big.NewInt(1)) == before {
		t.Fatal("attaching sponsorship must change the operation hash")
	}
}

func TestCheckDepositUnderfunded(t *testing.T) {
	a := New(sponsor, fixedDeposits{big.NewInt(1)})
	err := a.CheckDeposit(context.Background(), []*userop.Operation{testOp()})
	if !errors.Is(err, ErrSponsorDeposit) {
		t.Fatalf("expected ErrSponsorDeposit, got %v", err)
	}
}

func TestCheckDepositFunded(t *testing.T) {
	required := RequiredPrefund(testOp())
	a := New(sponsor, fixedDeposits{required})
	if err := a.CheckDeposit(context.Background(), []*userop.Operation{testOp()}); err != nil {
		t.Fatalf("funded sponsor rejected: %v", err)
	}
}
