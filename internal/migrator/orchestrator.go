// Package migrator moves a leveraged position (collateral + debt) between
// lending markets with different base assets in a single atomic on-chain
// transaction, funded by a flash loan instead of the account's own liquidity.
package migrator

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/market"
	"cometshift/go-backend/internal/paymaster"
	"cometshift/go-backend/internal/platform/metrics"
	"cometshift/go-backend/internal/sessionkey"
	"cometshift/go-backend/internal/smartaccount"
	"cometshift/go-backend/internal/storage"
	"cometshift/go-backend/internal/swappool"
	"cometshift/go-backend/internal/userop"
	"cometshift/go-backend/pkg/models"
)

// MarketDef is one configured lending market: its binding, the collateral
// asset tracked there and the base asset borrowed from it.
type MarketDef struct {
	Binding    *market.Binding
	Collateral Asset
	Base       Asset
}

type OperationBuilder interface {
	Build(ctx context.Context, sender, owner common.Address, callData []byte, deployed bool, shape userop.CallShape) (*userop.Operation, error)
}

type BatchSubmitter interface {
	Submit(ctx context.Context, ops []*userop.Operation) ([]models.ExecutionResult, error)
}

type OpHasher interface {
	OpHash(op *userop.Operation) common.Hash
}

// GrantChecker answers whether a session key is live on the account's
// on-chain registry.
type GrantChecker interface {
	VerifyGranted(ctx context.Context, account, key common.Address) (bool, error)
}

// Bookkeeper is the position record store updated after a confirmed
// migration. Close reports storage.ErrPositionNotFound when the account
// holds no active record on the market.
type Bookkeeper interface {
	Close(account, marketAddr string) error
	Open(p models.Position) (models.Position, error)
}

type Orchestrator struct {
	switcher    *Switcher
	swapPool    *swappool.Binding
	markets     map[common.Address]MarketDef
	keys        *sessionkey.KeyStore
	grants      GrantChecker
	builder     OperationBuilder
	sponsor     *paymaster.Adapter
	submitter   BatchSubmitter
	hasher      OpHasher
	positions   Bookkeeper
	bufferBps   uint64
	slippageBps uint64
	logger      *slog.Logger
	now         func() time.Time
}

// NewOrchestrator wires the migration pipeline. The flash-loan pool the
// switcher draws from must differ from the swap pool prices are read from;
// pricing the swap against the pool the flash loan drains would let the
// loan move its own price.
func NewOrchestrator(
	switcher *Switcher,
	swapPool *swappool.Binding,
	flashPool common.Address,
	markets map[common.Address]MarketDef,
	keys *sessionkey.KeyStore,
	grants GrantChecker,
	builder OperationBuilder,
	sponsor *paymaster.Adapter,
	submitter BatchSubmitter,
	hasher OpHasher,
	positions Bookkeeper,
	bufferBps, slippageBps uint64,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if flashPool == swapPool.Pool().Addr {
		return nil, fault.Validation("flash-loan pool and swap pool must be distinct contracts")
	}
	if bufferBps == 0 {
		bufferBps = DefaultBufferBps
	}
	if slippageBps == 0 {
		slippageBps = DefaultSlippageBps
	}
	return &Orchestrator{
		switcher:    switcher,
		swapPool:    swapPool,
		markets:     markets,
		keys:        keys,
		grants:      grants,
		builder:     builder,
		sponsor:     sponsor,
		submitter:   submitter,
		hasher:      hasher,
		positions:   positions,
		bufferBps:   bufferBps,
		slippageBps: slippageBps,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// SwitchMarket migrates the account's position from source to target. The
// optional collateralAmount limits how much collateral moves; nil or zero
// moves the full live balance. Every error names the step it occurred at.
func (o *Orchestrator) SwitchMarket(ctx context.Context, account, source, target common.Address, collateralAmount *big.Int) (models.ExecutionResult, error) {
	result, err := o.switchMarket(ctx, account, source, target, collateralAmount)
	if err != nil {
		metrics.Migrations.WithLabelValues("failure").Inc()
		if step := fault.StepOf(err); step > 0 {
			metrics.MigrationStepFailures.WithLabelValues(stepLabel(step)).Inc()
		}
		return result, err
	}
	metrics.Migrations.WithLabelValues("success").Inc()
	return result, nil
}

func (o *Orchestrator) switchMarket(ctx context.Context, account, source, target common.Address, collateralAmount *big.Int) (models.ExecutionResult, error) {
	var zero models.ExecutionResult

	src, ok := o.markets[source]
	if !ok {
		return zero, fault.Validation("unknown source market %s", source.Hex())
	}
	tgt, ok := o.markets[target]
	if !ok {
		return zero, fault.Validation("unknown target market %s", target.Hex())
	}
	if source == target {
		return zero, fault.Validation("source and target market are the same")
	}

	// Step 1: live position on the source market. Both legs must exist
	// before anything else happens on-chain.
	debt, err := src.Binding.BorrowBalanceOf(ctx, account)
	if err != nil {
		return zero, fault.AtStep(1, err)
	}
	collateral, err := src.Binding.CollateralBalanceOf(ctx, account, src.Collateral.Addr)
	if err != nil {
		return zero, fault.AtStep(1, err)
	}
	if debt.Sign() == 0 || collateral.Sign() == 0 {
		return zero, fault.AtStep(1, fault.BusinessRule(
			"nothing to migrate for %s on %s: debt=%s collateral=%s",
			account.Hex(), source.Hex(), debt, collateral))
	}

	// Step 2: collateral is caller-capped or the full balance; debt is
	// always the live balance, since repayment must zero the position.
	moveCollateral := collateral
	if collateralAmount != nil && collateralAmount.Sign() > 0 {
		if collateralAmount.Cmp(collateral) > 0 {
			return zero, fault.AtStep(2, fault.BusinessRule(
				"requested collateral %s exceeds live balance %s", collateralAmount, collateral))
		}
		moveCollateral = new(big.Int).Set(collateralAmount)
	}

	// Step 3: spot price between the source debt asset and the target base
	// asset from the swap pool's price slot.
	quote, err := o.swapPool.SpotQuote(ctx)
	if err != nil {
		return zero, fault.AtStep(3, err)
	}

	// Step 4: buffered borrow on the target market plus the swap floor.
	borrowAmount, err := CalculateBorrowAmount(debt, src.Base, tgt.Base, quote, o.bufferBps)
	if err != nil {
		return zero, fault.AtStep(4, err)
	}
	minOutput, err := CalculateMinOutput(borrowAmount, tgt.Base, src.Base, quote, o.slippageBps)
	if err != nil {
		return zero, fault.AtStep(4, err)
	}

	signer, err := o.sessionSigner(ctx, account)
	if err != nil {
		return zero, fault.AtStep(5, err)
	}

	// Step 5: read-first setup. Already-satisfied grants are skipped, so a
	// retried migration issues no duplicate setup transactions.
	if err := o.ensureSetup(ctx, account, src, tgt, signer); err != nil {
		return zero, fault.AtStep(5, err)
	}

	// Step 6: the single atomic migration call.
	result, err := o.executeMigration(ctx, account, source, target, src, moveCollateral, borrowAmount, minOutput, signer)
	if err != nil {
		return result, fault.AtStep(6, err)
	}

	// Step 7: bookkeeping only after confirmed on-chain success.
	if err := o.recordMigration(account, source, target, src, tgt, moveCollateral, borrowAmount); err != nil {
		return result, fault.AtStep(7, err)
	}

	o.logger.Info("position migrated",
		slog.String("account", account.Hex()),
		slog.String("source", source.Hex()),
		slog.String("target", target.Hex()),
		slog.String("collateral", moveCollateral.String()),
		slog.String("borrow", borrowAmount.String()),
		slog.String("tx", result.TxHash))
	return result, nil
}

type opSigner interface {
	SignHash(hash common.Hash) ([]byte, error)
	Address() common.Address
}

func (o *Orchestrator) sessionSigner(ctx context.Context, account common.Address) (opSigner, error) {
	signer, err := o.keys.Signer(account, o.now())
	if err != nil {
		return nil, fault.Authorization("no usable session key for %s: %v", account.Hex(), err)
	}
	granted, err := o.grants.VerifyGranted(ctx, account, signer.Address())
	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, fault.Authorization("session key %s is not granted on account %s", signer.Address().Hex(), account.Hex())
	}
	return signer, nil
}

func (o *Orchestrator) ensureSetup(ctx context.Context, account common.Address, src, tgt MarketDef, signer opSigner) error {
	var calls []smartaccount.Call

	authorized, err := o.switcher.IsAuthorized(ctx, account)
	if err != nil {
		return err
	}
	if !authorized {
		data, err := PackAuthorize()
		if err != nil {
			return err
		}
		calls = append(calls, smartaccount.Call{To: o.switcher.Address(), Data: data})
	}

	for _, def := range []MarketDef{src, tgt} {
		allowed, err := def.Binding.HasPermission(ctx, account, o.switcher.Address())
		if err != nil {
			return err
		}
		if allowed {
			continue
		}
		data, err := market.PackAllow(o.switcher.Address(), true)
		if err != nil {
			return err
		}
		calls = append(calls, smartaccount.Call{To: def.Binding.Address(), Data: data})
	}

	if len(calls) == 0 {
		return nil
	}
	callData, err := smartaccount.PackExecuteBatch(calls)
	if err != nil {
		return err
	}
	_, err = o.runOperation(ctx, account, signer, callData, userop.ShapeExecuteBatch)
	return err
}

func (o *Orchestrator) executeMigration(ctx context.Context, account, source, target common.Address, src MarketDef, collateral, borrow, minOutput *big.Int, signer opSigner) (models.ExecutionResult, error) {
	migrateData, err := PackMigrate(account, source, target, src.Collateral.Addr, collateral, borrow, minOutput)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	callData, err := smartaccount.PackExecute(smartaccount.Call{To: o.switcher.Address(), Data: migrateData})
	if err != nil {
		return models.ExecutionResult{}, err
	}
	return o.runOperation(ctx, account, signer, callData, userop.ShapeMigration)
}

// runOperation builds, session-signs and submits one operation, requiring
// its per-operation result to be a success.
func (o *Orchestrator) runOperation(ctx context.Context, account common.Address, signer opSigner, callData []byte, shape userop.CallShape) (models.ExecutionResult, error) {
	// The account is deployed by this point: it holds a position and a
	// granted session key.
	op, err := o.builder.Build(ctx, account, account, callData, true, shape)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	o.sponsor.Attach(op)
	sig, err := signer.SignHash(o.hasher.OpHash(op))
	if err != nil {
		return models.ExecutionResult{}, fault.Authorization("session signing failed: %v", err)
	}
	if err := userop.AttachSignature(op, sig); err != nil {
		return models.ExecutionResult{}, fault.Validation("%v", err)
	}

	results, err := o.submitter.Submit(ctx, []*userop.Operation{op})
	if err != nil {
		return models.ExecutionResult{}, err
	}
	res := results[0]
	if !res.Success {
		return res, fault.Blockchain(nil, "operation %s reverted on-chain (tx %s, gas %s)", res.OpHash, res.TxHash, res.GasUsed)
	}
	return res, nil
}

func (o *Orchestrator) recordMigration(account, source, target common.Address, src, tgt MarketDef, collateral, borrow *big.Int) error {
	// Records mirror, never replace, on-chain state: an account's first
	// migration has no local source record to close.
	if err := o.positions.Close(account.Hex(), source.Hex()); err != nil && !errors.Is(err, storage.ErrPositionNotFound) {
		return err
	}
	_, err := o.positions.Open(models.Position{
		Account:          account.Hex(),
		Market:           target.Hex(),
		CollateralAsset:  src.Collateral.Addr.Hex(),
		CollateralAmount: collateral.String(),
		DebtAsset:        tgt.Base.Addr.Hex(),
		DebtAmount:       borrow.String(),
		Status:           models.PositionActive,
	})
	return err
}

func stepLabel(step int) string {
	switch step {
	case 1:
		return "precondition"
	case 2:
		return "amount_selection"
	case 3:
		return "price_discovery"
	case 4:
		return "borrow_computation"
	case 5:
		return "setup"
	case 6:
		return "migration_call"
	case 7:
		return "bookkeeping"
	default:
		return "unknown"
	}
}
