// Package trades validates the raw trade list returned by a strategy.
package trades

import "github.com/shopspring/decimal"

// Trade is one validated trade record. Priced trades carry entry/exit
// prices, direction and size; the rest carry only a realized PnL.
type Trade struct {
	Priced     bool
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Direction  decimal.Decimal
	Size       decimal.Decimal
	PnL        decimal.Decimal
}

// NetPnL is (exit - entry) * size * direction for priced trades and the
// reported pnl otherwise.
func (t Trade) NetPnL() decimal.Decimal {
	if !t.Priced {
		return t.PnL
	}
	return t.ExitPrice.Sub(t.EntryPrice).Mul(t.Size).Mul(t.Direction)
}

// List is an ordered trade list. Order is kept but carries no meaning.
type List []Trade
