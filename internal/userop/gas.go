package userop

import "math/big"

// CallShape selects the fixed gas-limit defaults applied to an operation.
// The engine deliberately skips per-call estimation; these limits are
// conservative upper bounds per call shape, kept in one table so the
// trade-off stays visible and test-covered. Unused gas is refunded by the
// entry point, so over-provisioning costs the sponsor only deposit float.
type CallShape int

const (
	// ShapeExecute is a single account.execute call into one target.
	ShapeExecute CallShape = iota
	// ShapeExecuteBatch is account.executeBatch over several targets.
	ShapeExecuteBatch
	// ShapeInstallPlugin is a session-key plugin install.
	ShapeInstallPlugin
	// ShapeMigration is the cross-market switch: flash loan, repay,
	// withdraw, supply, borrow, swap and flash repayment in one call.
	ShapeMigration
)

type gasLimits struct {
	call         uint64
	verification uint64
	preVerify    uint64
}

var gasDefaults = map[CallShape]gasLimits{
	ShapeExecute:       {call: 200_000, verification: 150_000, preVerify: 60_000},
	ShapeExecuteBatch:  {call: 600_000, verification: 150_000, preVerify: 80_000},
	ShapeInstallPlugin: {call: 350_000, verification: 200_000, preVerify: 60_000},
	ShapeMigration:     {call: 1_600_000, verification: 150_000, preVerify: 80_000},
}

// deploymentVerificationGas is added when the operation carries initCode:
// the entry point runs the factory before validating the signature.
const deploymentVerificationGas = 300_000

func limitsFor(shape CallShape, deploying bool) (call, verification, preVerify *big.Int) {
	l, ok := gasDefaults[shape]
	if !ok {
		l = gasDefaults[ShapeExecute]
	}
	ver := l.verification
	if deploying {
		ver += deploymentVerificationGas
	}
	return new(big.Int).SetUint64(l.call),
		new(big.Int).SetUint64(ver),
		new(big.Int).SetUint64(l.preVerify)
}
