package models

import "github.com/shopspring/decimal"

// Stats summarizes the trading history.
type Stats struct {
	OpenPositions   int             `json:"open_positions"`
	ClosedPositions int             `json:"closed_positions"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRate         decimal.Decimal `json:"win_rate"` // percent of closed positions
	InvestedSOL     decimal.Decimal `json:"invested_sol"`
	RealizedPnLSOL  decimal.Decimal `json:"realized_pnl_sol"`
	Trades          int             `json:"trades"`
	FailedTrades    int             `json:"failed_trades"`
}

// Summarize builds Stats. Realized PnL only counts closed positions, whose
// proceeds are final.
func Summarize(positions []*Position, trades []*Trade) Stats {
	st := Stats{
		WinRate:        decimal.Zero,
		InvestedSOL:    decimal.Zero,
		RealizedPnLSOL: decimal.Zero,
	}
	for _, p := range positions {
		if p.IsOpen() {
			st.OpenPositions++
			continue
		}
		st.ClosedPositions++
		pnl := p.RealizedSOL.Sub(p.CostSOL)
		if pnl.IsPositive() {
			st.Wins++
		} else {
			st.Losses++
		}
		st.InvestedSOL = st.InvestedSOL.Add(p.CostSOL)
		st.RealizedPnLSOL = st.RealizedPnLSOL.Add(pnl)
	}
	if st.ClosedPositions > 0 {
		st.WinRate = decimal.NewFromInt(int64(st.Wins)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(st.ClosedPositions))).
			Round(2)
	}
	for _, t := range trades {
		if t.Status == TradeFailed {
			st.FailedTrades++
			continue
		}
		st.Trades++
	}
	return st
}
