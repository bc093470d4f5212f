package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneyscripter/telesol/models"
)

var hundred = decimal.NewFromInt(100)

// Exit is a sale decided by Evaluate.
type Exit struct {
	Reason models.CloseReason
	Price  decimal.Decimal
	Amount decimal.Decimal // tokens to sell
	Levels []int           // take profit levels filled by this exit
	Full   bool            // sells everything left and closes the position
}

// Evaluate decides whether p must be (partly) sold at price. The stop loss
// wins over everything else, then the max hold time, then take profits. All
// take profit levels crossed since the last evaluation are combined into one
// exit, each selling its percent of what the previous ones left.
func Evaluate(p *models.Position, price decimal.Decimal, now time.Time) *Exit {
	if !p.IsOpen() || p.RawRemaining() == 0 || !price.IsPositive() {
		return nil
	}
	gain := p.Gain(price)

	if p.StopLoss.IsNegative() && gain.LessThanOrEqual(p.StopLoss) {
		return FullExit(p, models.CloseStopLoss, price)
	}
	if p.MaxHold > 0 && p.Age(now) >= p.MaxHold {
		return FullExit(p, models.CloseTimeout, price)
	}

	exit := &Exit{Reason: models.CloseTakeProfit, Price: price}
	remaining := p.RemainingAmount
	for i, tp := range p.TakeProfits {
		if tp.Executed || gain.LessThan(tp.Level) {
			continue
		}
		exit.Levels = append(exit.Levels, i)
		if tp.SellPercent.GreaterThanOrEqual(hundred) {
			exit.Full = true
			remaining = decimal.Zero
			continue
		}
		remaining = remaining.Sub(remaining.Mul(tp.SellPercent).Div(hundred))
	}
	if len(exit.Levels) == 0 {
		return nil
	}

	if exit.Full || models.ToRaw(remaining, p.Decimals) == 0 {
		exit.Full = true
		exit.Amount = p.RemainingAmount
		return exit
	}
	exit.Amount = p.RemainingAmount.Sub(remaining).Truncate(int32(p.Decimals))
	if models.ToRaw(exit.Amount, p.Decimals) == 0 {
		// Too small to sell: the levels stay pending until more of them combine.
		return nil
	}
	return exit
}

// FullExit sells everything left in p.
func FullExit(p *models.Position, reason models.CloseReason, price decimal.Decimal) *Exit {
	return &Exit{
		Reason: reason,
		Price:  price,
		Amount: p.RemainingAmount,
		Full:   true,
	}
}

// Apply books an executed exit on p: sold tokens were sold for received SOL.
func Apply(p *models.Position, exit *Exit, sold, received decimal.Decimal, now time.Time) {
	for _, i := range exit.Levels {
		tp := &p.TakeProfits[i]
		tp.Executed = true
		tp.ExecutedAt = now
		tp.ExecutedPrice = exit.Price
	}
	if exit.Full {
		sold = p.RemainingAmount
	}
	p.ApplyExit(sold, received, exit.Reason, now)
}
