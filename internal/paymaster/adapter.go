// Package paymaster attaches gas sponsorship to operations. The sponsor is
// one fixed paymaster contract; the engine never asks users to fund gas.
package paymaster

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/userop"
)

// ErrSponsorDeposit marks the whole-batch failure mode: the entry point
// rejects the batch before executing any operation when the sponsor's
// deposit cannot cover the required prefund. Callers must report it apart
// from a single operation reverting.
var ErrSponsorDeposit = errors.New("sponsor deposit insufficient for batch")

// Fixed auxiliary gas limits carried inside the sponsorship data. The same
// values are used for estimation and submission so estimates track actual
// gas; changing them changes every operation hash built afterwards.
const (
	sponsorVerificationGas = 60_000
	sponsorPostOpGas       = 40_000
)

type DepositReader interface {
	DepositOf(ctx context.Context, account common.Address) (*big.Int, error)
}

type Adapter struct {
	sponsor  common.Address
	deposits DepositReader
}

func New(sponsor common.Address, deposits DepositReader) *Adapter {
	return &Adapter{sponsor: sponsor, deposits: deposits}
}

func (a *Adapter) Sponsor() common.Address {
	return a.sponsor
}

// Attach fills the operation's sponsorship data. Deterministic for a given
// sponsor: address followed by the two auxiliary gas-limit words. The
// estimation placeholder and the submitted value are the same bytes, so
// estimated and actual gas stay aligned.
func (a *Adapter) Attach(op *userop.Operation) {
	op.PaymasterAndData = a.SponsorshipData()
}

func (a *Adapter) SponsorshipData() []byte {
	data := make([]byte, 0, 20+64)
	data = append(data, a.sponsor.Bytes()...)
	data = append(data, common.BigToHash(big.NewInt(sponsorVerificationGas)).Bytes()...)
	data = append(data, common.BigToHash(big.NewInt(sponsorPostOpGas)).Bytes()...)
	return data
}

// RequiredPrefund is the worst-case gas cost the entry point locks for one
// operation: the sum of its gas limits priced at the fee cap.
func RequiredPrefund(op *userop.Operation) *big.Int {
	total := new(big.Int)
	for _, g := range []*big.Int{op.CallGasLimit, op.VerificationGasLimit, op.PreVerificationGas} {
		if g != nil {
			total.Add(total, g)
		}
	}
	total.Add(total, big.NewInt(sponsorVerificationGas+sponsorPostOpGas))
	fee := op.MaxFeePerGas
	if fee == nil {
		fee = new(big.Int)
	}
	return total.Mul(total, fee)
}

// CheckDeposit verifies the sponsor can prefund the whole batch. Run before
// submission so an underfunded sponsor surfaces as ErrSponsorDeposit
// instead of an opaque entry point revert.
func (a *Adapter) CheckDeposit(ctx context.Context, ops []*userop.Operation) error {
	required := new(big.Int)
	for _, op := range ops {
		required.Add(required, RequiredPrefund(op))
	}
	deposit, err := a.deposits.DepositOf(ctx, a.sponsor)
	if err != nil {
		return err
	}
	if deposit.Cmp(required) < 0 {
		return fault.Blockchain(ErrSponsorDeposit,
			"sponsor %s deposit %s below required prefund %s", a.sponsor.Hex(), deposit, required)
	}
	return nil
}
