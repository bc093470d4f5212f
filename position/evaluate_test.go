package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/moneyscripter/telesol/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var opened = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// testPosition holds 1000 tokens (6 decimals) bought at 0.001 SOL with the
// default ladder.
func testPosition() *models.Position {
	return &models.Position{
		ID:              "pos-1",
		TokenAddress:    "mint",
		Decimals:        6,
		EntryPrice:      d("0.001"),
		InitialAmount:   d("1000"),
		RemainingAmount: d("1000"),
		CostSOL:         d("1"),
		StopLoss:        d("-0.75"),
		Status:          models.PositionOpen,
		OpenedAt:        opened,
		TakeProfits: []models.TakeProfitLevel{
			{Level: d("1"), SellPercent: d("20")},
			{Level: d("2.5"), SellPercent: d("20")},
			{Level: d("5"), SellPercent: d("20")},
			{Level: d("10"), SellPercent: d("20")},
			{Level: d("30"), SellPercent: d("25")},
			{Level: d("90"), SellPercent: d("50")},
		},
	}
}

func TestEvaluateNothing(t *testing.T) {
	p := testPosition()
	require.Nil(t, Evaluate(p, d("0.0015"), opened))
	require.Nil(t, Evaluate(p, decimal.Zero, opened))

	p.Status = models.PositionClosed
	require.Nil(t, Evaluate(p, d("1"), opened))
}

func TestEvaluateStopLoss(t *testing.T) {
	p := testPosition()
	exit := Evaluate(p, d("0.00025"), opened)
	require.NotNil(t, exit)
	require.Equal(t, models.CloseStopLoss, exit.Reason)
	require.True(t, exit.Full)
	require.True(t, exit.Amount.Equal(d("1000")))
	require.Empty(t, exit.Levels)
}

func TestEvaluateStopLossBeforeTimeout(t *testing.T) {
	p := testPosition()
	p.MaxHold = time.Hour
	exit := Evaluate(p, d("0.0001"), opened.Add(2*time.Hour))
	require.Equal(t, models.CloseStopLoss, exit.Reason)
}

func TestEvaluateTimeout(t *testing.T) {
	p := testPosition()
	p.MaxHold = time.Hour
	require.Nil(t, Evaluate(p, d("0.001"), opened.Add(59*time.Minute)))

	exit := Evaluate(p, d("0.001"), opened.Add(time.Hour))
	require.Equal(t, models.CloseTimeout, exit.Reason)
	require.True(t, exit.Full)
}

func TestEvaluateSingleLevel(t *testing.T) {
	p := testPosition()
	exit := Evaluate(p, d("0.002"), opened)
	require.Equal(t, models.CloseTakeProfit, exit.Reason)
	require.Equal(t, []int{0}, exit.Levels)
	require.False(t, exit.Full)
	require.True(t, exit.Amount.Equal(d("200")), exit.Amount.String())
}

func TestEvaluateCombinesCrossedLevels(t *testing.T) {
	p := testPosition()
	// gain 5 crosses levels 1, 2.5 and 5.
	exit := Evaluate(p, d("0.006"), opened)
	require.Equal(t, []int{0, 1, 2}, exit.Levels)
	// 1000 -> 800 -> 640 -> 512 left.
	require.True(t, exit.Amount.Equal(d("488")), exit.Amount.String())
}

func TestEvaluateLevelsExecuteOnce(t *testing.T) {
	p := testPosition()
	exit := Evaluate(p, d("0.002"), opened)
	Apply(p, exit, exit.Amount, d("0.4"), opened)

	require.True(t, p.TakeProfits[0].Executed)
	require.True(t, p.TakeProfits[0].ExecutedPrice.Equal(d("0.002")))
	require.True(t, p.RemainingAmount.Equal(d("800")))
	require.True(t, p.IsOpen())

	require.Nil(t, Evaluate(p, d("0.002"), opened))

	exit = Evaluate(p, d("0.0035"), opened)
	require.Equal(t, []int{1}, exit.Levels)
	require.True(t, exit.Amount.Equal(d("160")))
}

func TestEvaluateLastLevelCloses(t *testing.T) {
	p := testPosition()
	p.TakeProfits = []models.TakeProfitLevel{
		{Level: d("1"), SellPercent: d("50")},
		{Level: d("2"), SellPercent: d("100")},
	}
	exit := Evaluate(p, d("0.003"), opened)
	require.Equal(t, []int{0, 1}, exit.Levels)
	require.True(t, exit.Full)
	require.True(t, exit.Amount.Equal(d("1000")))

	Apply(p, exit, d("1000"), d("3"), opened)
	require.False(t, p.IsOpen())
	require.Equal(t, models.CloseTakeProfit, p.CloseReason)
	require.True(t, p.RemainingAmount.IsZero())
	require.True(t, p.RealizedSOL.Equal(d("3")))
}

func TestEvaluateDustCloses(t *testing.T) {
	p := testPosition()
	p.Decimals = 0
	p.RemainingAmount = d("1")
	p.TakeProfits = []models.TakeProfitLevel{{Level: d("1"), SellPercent: d("60")}}

	exit := Evaluate(p, d("0.002"), opened)
	require.True(t, exit.Full)
	require.True(t, exit.Amount.Equal(d("1")))
}

func TestEvaluateSubUnitExitWaits(t *testing.T) {
	p := testPosition()
	p.Decimals = 0
	p.InitialAmount = d("3")
	p.RemainingAmount = d("3")
	p.TakeProfits = []models.TakeProfitLevel{
		{Level: d("1"), SellPercent: d("20")},
		{Level: d("2"), SellPercent: d("50")},
	}

	// 20% of 3 tokens rounds down to nothing.
	require.Nil(t, Evaluate(p, d("0.002"), opened))
	require.False(t, p.TakeProfits[0].Executed)

	// Both levels together sell 3 - 3*0.8*0.5 = 1.8, truncated to 1.
	exit := Evaluate(p, d("0.003"), opened)
	require.NotNil(t, exit)
	require.Equal(t, []int{0, 1}, exit.Levels)
	require.True(t, exit.Amount.Equal(d("1")))
	require.False(t, exit.Full)
}

func TestApplyFullExitSellsRemaining(t *testing.T) {
	p := testPosition()
	exit := FullExit(p, models.CloseManual, d("0.001"))
	// The wallet returned less than planned; a full exit still closes.
	Apply(p, exit, d("990"), d("0.99"), opened)
	require.False(t, p.IsOpen())
	require.Equal(t, models.CloseManual, p.CloseReason)
	require.Equal(t, opened, p.ClosedAt)
}
