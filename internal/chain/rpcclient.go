package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"cometshift/go-backend/internal/platform/metrics"
)

const (
	defaultCallTimeout = 15 * time.Second
	retryAttempts      = 3
	retryBaseDelay     = 250 * time.Millisecond
)

// RPCClient wraps an ethclient with a token bucket and bounded retry for
// read paths. SendTransaction is never retried here: once a transaction may
// have reached the mempool a blind resend can double-spend the nonce.
type RPCClient struct {
	inner       *ethclient.Client
	limiter     *rate.Limiter
	callTimeout time.Duration
}

func Dial(ctx context.Context, endpoint string, rps float64, burst int) (*RPCClient, error) {
	inner, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return NewRPCClient(inner, rps, burst), nil
}

func NewRPCClient(inner *ethclient.Client, rps float64, burst int) *RPCClient {
	var limiter *rate.Limiter
	if rps > 0 && burst > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RPCClient{inner: inner, limiter: limiter, callTimeout: defaultCallTimeout}
}

func (c *RPCClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// isTransient reports whether an RPC failure is worth retrying with the
// same request. Execution reverts carry call-data problems and are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		return false
	}
	if strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction") {
		return false
	}
	return true
}

func readRetry[T any](ctx context.Context, c *RPCClient, call func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := retry.Do(
		func() error {
			if err := c.wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
			v, err := call(callCtx)
			if err != nil {
				if !isTransient(err) {
					return retry.Unrecoverable(err)
				}
				metrics.RPCRetries.Inc()
				return err
			}
			out = v
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return out, err
}

func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	return readRetry(ctx, c, func(ctx context.Context) (*big.Int, error) {
		return c.inner.ChainID(ctx)
	})
}

func (c *RPCClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return readRetry(ctx, c, func(ctx context.Context) ([]byte, error) {
		return c.inner.CodeAt(ctx, account, blockNumber)
	})
}

func (c *RPCClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return readRetry(ctx, c, func(ctx context.Context) (*big.Int, error) {
		return c.inner.BalanceAt(ctx, account, blockNumber)
	})
}

func (c *RPCClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return readRetry(ctx, c, func(ctx context.Context) ([]byte, error) {
		return c.inner.CallContract(ctx, msg, blockNumber)
	})
}

func (c *RPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return readRetry(ctx, c, func(ctx context.Context) (uint64, error) {
		return c.inner.PendingNonceAt(ctx, account)
	})
}

func (c *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return readRetry(ctx, c, func(ctx context.Context) (*big.Int, error) {
		return c.inner.SuggestGasPrice(ctx)
	})
}

func (c *RPCClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return readRetry(ctx, c, func(ctx context.Context) (*big.Int, error) {
		return c.inner.SuggestGasTipCap(ctx)
	})
}

func (c *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return readRetry(ctx, c, func(ctx context.Context) (uint64, error) {
		return c.inner.EstimateGas(ctx, msg)
	})
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.inner.SendTransaction(callCtx, tx)
}

func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	// Not-found is the routine polling answer while a tx is pending, so no
	// retry wrapper here; the submitter owns the polling loop.
	return c.inner.TransactionReceipt(callCtx, txHash)
}
