package models

import (
	"math/big"
	"strings"
	"time"
)

// Amounts cross the API boundary as decimal-string-encoded integers in the
// asset's smallest unit. Floating point never appears on the wire.

type Account struct {
	Address  string `json:"address"`
	Owner    string `json:"owner"`
	Deployed bool   `json:"deployed"`
}

type SessionKeyInfo struct {
	Address    string    `json:"address"`
	Status     string    `json:"status"` // pending | granted | expired
	ValidUntil time.Time `json:"valid_until"`
	Targets    []string  `json:"targets"`
}

type TokenBalance struct {
	Token   string `json:"token"`
	Symbol  string `json:"symbol,omitempty"`
	Balance string `json:"balance,omitempty"`
	Error   string `json:"error,omitempty"`
}

type MarketPosition struct {
	Market     string `json:"market"`
	Collateral string `json:"collateral,omitempty"`
	Debt       string `json:"debt,omitempty"`
	SupplyAPR  string `json:"supply_apr,omitempty"`
	BorrowAPR  string `json:"borrow_apr,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	PositionActive = "ACTIVE"
	PositionClosed = "CLOSED"
)

type Position struct {
	ID               string    `json:"id"`
	Account          string    `json:"account"`
	Market           string    `json:"market"`
	CollateralAsset  string    `json:"collateral_asset"`
	CollateralAmount string    `json:"collateral_amount"`
	DebtAsset        string    `json:"debt_asset"`
	DebtAmount       string    `json:"debt_amount"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type ExecutionResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash"`
	OpHash  string `json:"op_hash"`
	GasUsed string `json:"gas_used"`
}

// Call is one target invocation inside a batched session-key execution.
type Call struct {
	To    string `json:"to"`
	Value string `json:"value,omitempty"`
	Data  string `json:"data"`
}

// ParseAmount parses a decimal-string integer amount. Returns false for
// empty strings, signs, decimals points or any non-digit input.
func ParseAmount(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	return v, ok
}

// FormatAmount renders an amount for the API boundary; nil becomes "0".
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
