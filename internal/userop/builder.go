package userop

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/fault"
)

// NonceSource reads the live operation nonce for a sender from the entry
// point. Builders never cache nonces: a stale nonce silently invalidates
// every signature made over the resulting hash.
type NonceSource interface {
	NonceOf(ctx context.Context, sender common.Address) (*big.Int, error)
}

// FeeSource supplies the current fee market view for the fee cap fields.
type FeeSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

type Builder struct {
	nonces  NonceSource
	fees    FeeSource
	factory common.Address
}

func NewBuilder(nonces NonceSource, fees FeeSource, factory common.Address) *Builder {
	return &Builder{nonces: nonces, fees: fees, factory: factory}
}

// Build constructs an unsigned operation for sender. When the account is not
// yet deployed the initCode carries the factory deployment payload, so the
// first operation both deploys and executes. Gas limits come from the fixed
// per-shape table in gas.go.
func (b *Builder) Build(ctx context.Context, sender, owner common.Address, callData []byte, deployed bool, shape CallShape) (*Operation, error) {
	nonce, err := b.nonces.NonceOf(ctx, sender)
	if err != nil {
		return nil, fault.BlockchainRetryable(err, "nonce fetch for %s failed", sender.Hex())
	}

	var initCode []byte
	if !deployed {
		initCode, err = DeploymentInitCode(owner, b.factory)
		if err != nil {
			return nil, fault.Validation("deployment payload encode failed: %v", err)
		}
	}

	maxFee, err := b.fees.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fault.BlockchainRetryable(err, "gas price fetch failed")
	}
	tip, err := b.fees.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fault.BlockchainRetryable(err, "gas tip fetch failed")
	}
	// Double the base estimate so a signed operation stays includable
	// through moderate fee drift while it waits for an external signature.
	maxFee = new(big.Int).Mul(maxFee, big.NewInt(2))

	callGas, verGas, preGas := limitsFor(shape, !deployed)
	return &Operation{
		Sender:               sender,
		Nonce:                nonce,
		InitCode:             initCode,
		CallData:             append([]byte(nil), callData...),
		CallGasLimit:         callGas,
		VerificationGasLimit: verGas,
		PreVerificationGas:   preGas,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
	}, nil
}
