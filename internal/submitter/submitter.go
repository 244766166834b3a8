// Package submitter relays signed operation batches through the entry point
// and resolves per-operation outcomes from the result event stream.
package submitter

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"cometshift/go-backend/internal/chain"
	"cometshift/go-backend/internal/entrypoint"
	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/paymaster"
	"cometshift/go-backend/internal/platform/metrics"
	"cometshift/go-backend/internal/signer"
	"cometshift/go-backend/internal/userop"
	"cometshift/go-backend/pkg/models"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultReceiptTimeout = 3 * time.Minute
)

// ErrBatchReverted marks a mined batch whose transaction status is failed.
// Individual operation reverts do NOT produce this error; those surface as
// per-operation results with Success=false.
var ErrBatchReverted = errors.New("batch transaction reverted on-chain")

type Submitter struct {
	client         chain.Client
	ep             *entrypoint.Binding
	sponsor        *paymaster.Adapter
	relayer        *signer.Signer
	beneficiary    common.Address
	pollInterval   time.Duration
	receiptTimeout time.Duration
	logger         *slog.Logger
}

func New(client chain.Client, ep *entrypoint.Binding, sponsor *paymaster.Adapter, relayer *signer.Signer, beneficiary common.Address, logger *slog.Logger) *Submitter {
	return &Submitter{
		client:         client,
		ep:             ep,
		sponsor:        sponsor,
		relayer:        relayer,
		beneficiary:    beneficiary,
		pollInterval:   defaultPollInterval,
		receiptTimeout: defaultReceiptTimeout,
		logger:         logger,
	}
}

// WithTiming overrides the receipt polling cadence; tests shrink it.
func (s *Submitter) WithTiming(poll, timeout time.Duration) *Submitter {
	s.pollInterval = poll
	s.receiptTimeout = timeout
	return s
}

// Submit relays the batch and blocks until it is mined, then resolves one
// result per operation from the entry point's event stream. The mined batch
// transaction succeeding is not enough: an operation with no result event,
// or with a success=false event, is reported failed.
func (s *Submitter) Submit(ctx context.Context, ops []*userop.Operation) ([]models.ExecutionResult, error) {
	if len(ops) == 0 {
		return nil, fault.Validation("empty operation batch")
	}
	for i, op := range ops {
		if len(op.Signature) == 0 {
			return nil, fault.Validation("operation %d in batch is unsigned", i)
		}
	}

	// Underfunded sponsorship is checked before any gas is spent so it
	// surfaces as its own failure class, not as a simulation revert.
	if err := s.sponsor.CheckDeposit(ctx, ops); err != nil {
		metrics.OperationsSubmitted.WithLabelValues("sponsor_underfunded").Add(float64(len(ops)))
		return nil, err
	}

	callData, err := entrypoint.PackHandleOps(ops, s.beneficiary)
	if err != nil {
		return nil, fault.Validation("batch encode failed: %v", err)
	}

	tx, err := s.sendBatch(ctx, callData)
	if err != nil {
		metrics.OperationsSubmitted.WithLabelValues("send_failed").Add(float64(len(ops)))
		return nil, err
	}
	s.logger.Info("batch submitted",
		slog.String("tx", tx.Hash().Hex()),
		slog.Int("ops", len(ops)))

	started := time.Now()
	receipt, err := s.awaitReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	metrics.SubmitDuration.Observe(time.Since(started).Seconds())

	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.OperationsSubmitted.WithLabelValues("batch_reverted").Add(float64(len(ops)))
		return nil, fault.Blockchain(ErrBatchReverted, "batch tx %s reverted", tx.Hash().Hex())
	}
	return s.resolveResults(ops, receipt), nil
}

func (s *Submitter) sendBatch(ctx context.Context, callData []byte) (*types.Transaction, error) {
	to := s.ep.Address()
	from := s.relayer.Address()

	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: callData})
	if err != nil {
		if isRevert(err) {
			// The whole batch fails entry point validation before spending
			// gas; rebuilding with fresh nonces is the only way out.
			return nil, fault.Blockchain(err, "batch rejected in simulation")
		}
		return nil, fault.BlockchainRetryable(err, "batch gas estimation failed")
	}
	// Batch execution cost depends on the other operations mined in the same
	// block, so the estimate is doubled rather than padded by a percentage.
	gas *= 2

	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fault.BlockchainRetryable(err, "relayer nonce fetch failed")
	}
	gasFeeCap, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fault.BlockchainRetryable(err, "gas price fetch failed")
	}
	gasTipCap, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fault.BlockchainRetryable(err, "gas tip fetch failed")
	}
	chainID := s.ep.ChainID()

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: new(big.Int).Mul(gasFeeCap, big.NewInt(2)),
		Gas:       gas,
		To:        &to,
		Data:      callData,
	})
	signed, err := s.relayer.SignTx(tx, chainID)
	if err != nil {
		return nil, fault.Blockchain(err, "relayer signing failed")
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		if isNonceConflict(err) {
			return nil, fault.BlockchainRetryable(err, "relayer nonce conflict on tx %s", signed.Hash().Hex())
		}
		if isRevert(err) {
			return nil, fault.Blockchain(err, "batch rejected by node")
		}
		return nil, fault.BlockchainRetryable(err, "batch broadcast failed")
	}
	return signed, nil
}

func (s *Submitter) awaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fault.BlockchainRetryable(err, "receipt fetch for %s failed", txHash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, fault.BlockchainRetryable(ctx.Err(), "tx %s not mined before deadline", txHash.Hex())
		case <-ticker.C:
		}
	}
}

func (s *Submitter) resolveResults(ops []*userop.Operation, receipt *types.Receipt) []models.ExecutionResult {
	events := s.ep.ParseResults(receipt.Logs)
	byHash := make(map[common.Hash]entrypoint.OpResult, len(events))
	for _, ev := range events {
		byHash[ev.OpHash] = ev
	}

	results := make([]models.ExecutionResult, 0, len(ops))
	for _, op := range ops {
		hash := s.ep.OpHash(op)
		res := models.ExecutionResult{
			TxHash: receipt.TxHash.Hex(),
			OpHash: hash.Hex(),
		}
		if ev, ok := byHash[hash]; ok {
			res.Success = ev.Success
			if ev.GasUsed != nil {
				res.GasUsed = ev.GasUsed.String()
			}
		}
		outcome := "reverted"
		if res.Success {
			outcome = "success"
		} else {
			s.logger.Warn("operation reverted inside mined batch",
				slog.String("op_hash", hash.Hex()),
				slog.String("sender", op.Sender.Hex()),
				slog.String("tx", receipt.TxHash.Hex()))
		}
		metrics.OperationsSubmitted.WithLabelValues(outcome).Inc()
		results = append(results, res)
	}
	return results
}

func isNonceConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known")
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
