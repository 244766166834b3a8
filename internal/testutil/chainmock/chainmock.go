// Package chainmock provides an in-memory chain.Client with call counting
// for engine tests. Contract reads are answered by registered handlers
// keyed on target address and 4-byte selector.
package chainmock

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type handlerKey struct {
	to       common.Address
	selector [4]byte
}

type Mock struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	GasEstimate  uint64
	GasPrice     *big.Int
	GasTipCap    *big.Int

	Codes    map[common.Address][]byte
	Balances map[common.Address]*big.Int
	Nonces   map[common.Address]uint64

	handlers map[handlerKey]func(msg ethereum.CallMsg) ([]byte, error)

	SentTxs  []*types.Transaction
	Receipts map[common.Hash]*types.Receipt
	// OnSend, when set, produces the receipt returned for the sent tx.
	OnSend func(tx *types.Transaction) *types.Receipt

	contractCalls []ethereum.CallMsg
	sendErr       error
}

func New() *Mock {
	return &Mock{
		ChainIDValue: big.NewInt(8453),
		GasEstimate:  500_000,
		GasPrice:     big.NewInt(1_000_000_000),
		GasTipCap:    big.NewInt(100_000_000),
		Codes:        make(map[common.Address][]byte),
		Balances:     make(map[common.Address]*big.Int),
		Nonces:       make(map[common.Address]uint64),
		handlers:     make(map[handlerKey]func(msg ethereum.CallMsg) ([]byte, error)),
		Receipts:     make(map[common.Hash]*types.Receipt),
	}
}

// Handle registers a read handler for calls to `to` whose data starts with
// the given selector.
func (m *Mock) Handle(to common.Address, selector []byte, fn func(msg ethereum.CallMsg) ([]byte, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var key handlerKey
	key.to = to
	copy(key.selector[:], selector[:4])
	m.handlers[key] = fn
}

// HandleReturn registers a fixed return payload.
func (m *Mock) HandleReturn(to common.Address, selector []byte, ret []byte) {
	m.Handle(to, selector, func(ethereum.CallMsg) ([]byte, error) {
		return ret, nil
	})
}

func (m *Mock) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// ContractCallCount reports how many eth_call requests hit `to` with the
// given selector. A nil selector counts every call to the address.
func (m *Mock) ContractCallCount(to common.Address, selector []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.contractCalls {
		if msg.To == nil || *msg.To != to {
			continue
		}
		if selector == nil || (len(msg.Data) >= 4 && string(msg.Data[:4]) == string(selector[:4])) {
			n++
		}
	}
	return n
}

func (m *Mock) TotalContractCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contractCalls)
}

func (m *Mock) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentTxs)
}

func (m *Mock) ChainID(context.Context) (*big.Int, error) {
	return m.ChainIDValue, nil
}

func (m *Mock) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Codes[account], nil
}

func (m *Mock) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.Balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *Mock) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m.mu.Lock()
	m.contractCalls = append(m.contractCalls, msg)
	var fn func(msg ethereum.CallMsg) ([]byte, error)
	if msg.To != nil && len(msg.Data) >= 4 {
		var key handlerKey
		key.to = *msg.To
		copy(key.selector[:], msg.Data[:4])
		fn = m.handlers[key]
	}
	m.mu.Unlock()
	if fn == nil {
		to := "nil"
		sel := ""
		if msg.To != nil {
			to = msg.To.Hex()
		}
		if len(msg.Data) >= 4 {
			sel = hex.EncodeToString(msg.Data[:4])
		}
		return nil, fmt.Errorf("chainmock: no handler for %s selector 0x%s", to, sel)
	}
	return fn(msg)
}

func (m *Mock) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Nonces[account], nil
}

func (m *Mock) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.GasPrice), nil
}

func (m *Mock) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.GasTipCap), nil
}

func (m *Mock) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return m.GasEstimate, nil
}

func (m *Mock) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.SentTxs = append(m.SentTxs, tx)
	if m.OnSend != nil {
		if receipt := m.OnSend(tx); receipt != nil {
			receipt.TxHash = tx.Hash()
			m.Receipts[tx.Hash()] = receipt
		}
	}
	return nil
}

func (m *Mock) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.Receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}
