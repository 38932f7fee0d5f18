// Package metrics turns a validated trade list into performance statistics.
package metrics

import (
	"math"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"strategy-sandbox/internal/trades"
)

// Reported ratios and returns are rounded to this many decimal places.
const precision = 2

var hundred = decimal.NewFromInt(100)

// Compute aggregates list into a Result. It is pure and total: empty input
// and any internal fault both yield Empty().
//
// Sums are kept as exact decimals so the result does not depend on trade
// order. The equity-curve and time-based fields stay zero because trades
// carry no timestamps.
func Compute(list trades.List) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Int("trades", len(list)).
				Msg("metrics computation failed, returning empty metrics")
			res = Empty()
		}
	}()

	if len(list) == 0 {
		return Empty()
	}

	var (
		total, grossProfit, losses decimal.Decimal
		wins                       int64
	)
	for _, t := range list {
		pnl := t.NetPnL()
		total = total.Add(pnl)
		if pnl.IsPositive() {
			wins++
			grossProfit = grossProfit.Add(pnl)
		} else {
			losses = losses.Add(pnl)
		}
	}
	grossLoss := losses.Abs()
	n := decimal.NewFromInt(int64(len(list)))

	res = Result{
		TotalReturn:  total.Round(precision).InexactFloat64(),
		WinRate:      decimal.NewFromInt(wins).Mul(hundred).Div(n).Round(precision).InexactFloat64(),
		ProfitFactor: profitFactor(grossProfit, grossLoss),
		TotalTrades:  len(list),
	}
	if !res.finite() {
		log.Warn().
			Float64("total_return", res.TotalReturn).
			Int("trades", len(list)).
			Msg("metrics overflowed float64, returning empty metrics")
		return Empty()
	}
	return res
}

// profitFactor is gross profit over gross loss. With no losses it is +Inf,
// unless there was no profit either, in which case it is 0.
func profitFactor(grossProfit, grossLoss decimal.Decimal) Ratio {
	if grossLoss.IsZero() {
		if grossProfit.IsZero() {
			return 0
		}
		return Ratio(math.Inf(1))
	}
	return Ratio(grossProfit.Div(grossLoss).Round(precision).InexactFloat64())
}
