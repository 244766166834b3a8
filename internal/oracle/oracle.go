// Package oracle answers read-only portfolio questions: token balances and
// per-market lending positions for an account. Reads are best-effort per
// entry; one failing token or market never blanks the rest of the answer.
package oracle

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/chain"
	"cometshift/go-backend/internal/erc20"
	"cometshift/go-backend/internal/market"
	"cometshift/go-backend/pkg/models"
)

// NativeToken marks the chain's gas asset in a token list.
var NativeToken = common.Address{}

type TokenRef struct {
	Address common.Address
	Symbol  string
}

// MarketRef pairs a market binding with the collateral asset tracked there.
type MarketRef struct {
	Binding    *market.Binding
	Collateral common.Address
}

type Oracle struct {
	client  chain.Client
	tokens  []TokenRef
	markets []MarketRef
	logger  *slog.Logger
}

func New(client chain.Client, tokens []TokenRef, markets []MarketRef, logger *slog.Logger) *Oracle {
	return &Oracle{client: client, tokens: tokens, markets: markets, logger: logger}
}

// Balances reads the native balance plus every configured token balance. A
// failed read fills the entry's Error field and leaves Balance empty.
func (o *Oracle) Balances(ctx context.Context, account common.Address) []models.TokenBalance {
	out := make([]models.TokenBalance, 0, len(o.tokens))
	for _, tok := range o.tokens {
		entry := models.TokenBalance{Token: tok.Address.Hex(), Symbol: tok.Symbol}
		var err error
		if tok.Address == NativeToken {
			bal, berr := o.client.BalanceAt(ctx, account, nil)
			if err = berr; err == nil {
				entry.Balance = models.FormatAmount(bal)
			}
		} else {
			bal, berr := erc20.BalanceOf(ctx, o.client, tok.Address, account)
			if err = berr; err == nil {
				entry.Balance = models.FormatAmount(bal)
			}
		}
		if err != nil {
			entry.Error = err.Error()
			o.logger.Warn("balance read failed",
				slog.String("token", tok.Address.Hex()),
				slog.String("account", account.Hex()),
				slog.String("error", err.Error()))
		}
		out = append(out, entry)
	}
	return out
}

// Positions reads collateral, debt and current annualized rates for every
// configured market. A market whose reads fail is reported with its Error
// field set; an account with no position reports zero amounts, which is a
// well-formed answer rather than an error.
func (o *Oracle) Positions(ctx context.Context, account common.Address) []models.MarketPosition {
	out := make([]models.MarketPosition, 0, len(o.markets))
	for _, ref := range o.markets {
		out = append(out, o.readPosition(ctx, account, ref))
	}
	return out
}

func (o *Oracle) readPosition(ctx context.Context, account common.Address, ref MarketRef) models.MarketPosition {
	pos := models.MarketPosition{Market: ref.Binding.Address().Hex()}

	collateral, err := ref.Binding.CollateralBalanceOf(ctx, account, ref.Collateral)
	if err != nil {
		return o.failPosition(pos, account, err)
	}
	debt, err := ref.Binding.BorrowBalanceOf(ctx, account)
	if err != nil {
		return o.failPosition(pos, account, err)
	}
	utilization, err := ref.Binding.Utilization(ctx)
	if err != nil {
		return o.failPosition(pos, account, err)
	}
	supplyRate, err := ref.Binding.SupplyRatePerSecond(ctx, utilization)
	if err != nil {
		return o.failPosition(pos, account, err)
	}
	borrowRate, err := ref.Binding.BorrowRatePerSecond(ctx, utilization)
	if err != nil {
		return o.failPosition(pos, account, err)
	}

	pos.Collateral = models.FormatAmount(collateral)
	pos.Debt = models.FormatAmount(debt)
	pos.SupplyAPR = models.FormatAmount(market.AnnualizeRate(supplyRate))
	pos.BorrowAPR = models.FormatAmount(market.AnnualizeRate(borrowRate))
	return pos
}

func (o *Oracle) failPosition(pos models.MarketPosition, account common.Address, err error) models.MarketPosition {
	pos.Error = err.Error()
	o.logger.Warn("market position read failed",
		slog.String("market", pos.Market),
		slog.String("account", account.Hex()),
		slog.String("error", err.Error()))
	return pos
}
