package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Ratio is a float that serializes +Inf as the string "Infinity".
type Ratio float64

// IsInf reports whether r is positive infinity.
func (r Ratio) IsInf() bool { return math.IsInf(float64(r), 1) }

func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsNaN(f), math.IsInf(f, -1):
		return nil, fmt.Errorf("ratio %v is not representable", f)
	}
	return strconv.AppendFloat(nil, f, 'f', -1, 64), nil
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != "Infinity" {
			return fmt.Errorf("invalid ratio %q", s)
		}
		*r = Ratio(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("invalid ratio: %w", err)
	}
	*r = Ratio(f)
	return nil
}

// Result is the fixed performance schema attached to a completed job.
// Every field is always present.
type Result struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	SortinoRatio     float64 `json:"sortino_ratio"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	WinRate          float64 `json:"win_rate"`
	ProfitFactor     Ratio   `json:"profit_factor"`
	TotalTrades      int     `json:"total_trades"`
	AvgTradeDuration float64 `json:"avg_trade_duration"`
	CalmarRatio      float64 `json:"calmar_ratio"`
}

// Empty is the canonical all-zero record.
func Empty() Result {
	return Result{}
}

// finite reports whether every field is a finite number. ProfitFactor may
// also be +Inf, which serializes as "Infinity".
func (r Result) finite() bool {
	for _, f := range []float64{
		r.TotalReturn, r.AnnualizedReturn, r.SharpeRatio, r.SortinoRatio,
		r.MaxDrawdown, r.WinRate, r.AvgTradeDuration, r.CalmarRatio,
	} {
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return false
		}
	}
	pf := float64(r.ProfitFactor)
	return !math.IsNaN(pf) && !math.IsInf(pf, -1)
}
