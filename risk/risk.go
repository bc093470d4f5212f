// Package risk sizes positions and builds their exit plan.
package risk

import (
	"sort"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/moneyscripter/telesol/config"
	"github.com/moneyscripter/telesol/models"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTooManyPositions    = errors.New("too many open positions")
	ErrTradeTooSmall       = errors.New("trade size below minimum")
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

type Manager struct {
	cfg config.Trading
}

func New(cfg config.Trading) *Manager {
	return &Manager{cfg: cfg}
}

// Size returns the SOL amount to spend on a buy. A positive requested amount
// overrides the configured position percent; the result is always capped by
// the per trade limits and leaves the reserve untouched.
func (m *Manager) Size(balance, requested decimal.Decimal) (decimal.Decimal, error) {
	reserve := decimal.NewFromFloat(m.cfg.MinBalanceSOL)
	available := balance.Sub(reserve)
	if !available.IsPositive() {
		return decimal.Zero, errors.Wrapf(ErrInsufficientBalance, "balance %s SOL, reserve %s SOL", balance, reserve)
	}

	amount := requested
	if !amount.IsPositive() {
		amount = balance.Mul(decimal.NewFromFloat(m.cfg.PositionPercent)).Div(hundred)
	}
	if m.cfg.MaxPositionPercent > 0 {
		amount = decimal.Min(amount, balance.Mul(decimal.NewFromFloat(m.cfg.MaxPositionPercent)).Div(hundred))
	}
	if m.cfg.MaxTradeSOL > 0 {
		amount = decimal.Min(amount, decimal.NewFromFloat(m.cfg.MaxTradeSOL))
	}
	amount = decimal.Min(amount, available).Truncate(models.SOLDecimals)

	minTrade := decimal.NewFromFloat(m.cfg.MinTradeSOL)
	if !amount.IsPositive() || amount.LessThan(minTrade) {
		return decimal.Zero, errors.Wrapf(ErrTradeTooSmall, "%s SOL, minimum %s SOL", amount, minTrade)
	}
	return amount, nil
}

// CanOpen reports whether another position may be opened next to open ones.
func (m *Manager) CanOpen(open int) error {
	if m.cfg.MaxOpenPositions > 0 && open >= m.cfg.MaxOpenPositions {
		return errors.Wrapf(ErrTooManyPositions, "%d open, limit %d", open, m.cfg.MaxOpenPositions)
	}
	return nil
}

// Ladder builds the take profit levels of a position bought at entry. Signal
// targets are split evenly: with n levels the i-th sells 1/(n-i) of what is
// left. Without usable targets the configured ladder is used.
func (m *Manager) Ladder(signal models.Signal, entry decimal.Decimal) []models.TakeProfitLevel {
	var gains []decimal.Decimal
	for _, target := range signal.Targets {
		var gain decimal.Decimal
		switch {
		case target.Multiple.IsPositive():
			gain = target.Multiple.Sub(one)
		case target.Price.IsPositive() && entry.IsPositive():
			gain = target.Price.Div(entry).Sub(one)
		default:
			continue
		}
		if gain.IsPositive() {
			gains = append(gains, gain)
		}
	}

	if len(gains) == 0 {
		return m.DefaultLadder()
	}

	sort.Slice(gains, func(i, j int) bool { return gains[i].LessThan(gains[j]) })
	unique := gains[:1]
	for _, g := range gains[1:] {
		if !g.Equal(unique[len(unique)-1]) {
			unique = append(unique, g)
		}
	}

	n := len(unique)
	levels := make([]models.TakeProfitLevel, 0, n)
	for i, g := range unique {
		levels = append(levels, models.TakeProfitLevel{
			Level:       g.Round(8),
			SellPercent: hundred.Div(decimal.NewFromInt(int64(n - i))).Round(8),
		})
	}
	return levels
}

// DefaultLadder returns the configured take profit levels, sorted.
func (m *Manager) DefaultLadder() []models.TakeProfitLevel {
	levels := make([]models.TakeProfitLevel, 0, len(m.cfg.TakeProfits))
	for _, tp := range m.cfg.TakeProfits {
		levels = append(levels, models.TakeProfitLevel{
			Level:       decimal.NewFromFloat(tp.Level),
			SellPercent: decimal.NewFromFloat(tp.SellPercent),
		})
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Level.LessThan(levels[j].Level) })
	return levels
}

// StopLevel returns the stop loss of a position bought at entry as a negative
// gain ratio.
func (m *Manager) StopLevel(signal models.Signal, entry decimal.Decimal) decimal.Decimal {
	var stop decimal.Decimal
	switch {
	case signal.StopLoss.Percent.IsNegative():
		stop = signal.StopLoss.Percent.Div(hundred)
	case signal.StopLoss.Price.IsPositive() && entry.IsPositive() && signal.StopLoss.Price.LessThan(entry):
		stop = signal.StopLoss.Price.Div(entry).Sub(one)
	}
	if stop.IsNegative() && stop.GreaterThan(one.Neg()) {
		return stop.Round(8)
	}
	return decimal.NewFromFloat(m.cfg.StopLoss)
}
