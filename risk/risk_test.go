package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/moneyscripter/telesol/config"
	"github.com/moneyscripter/telesol/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() config.Trading {
	return config.Trading{
		PositionPercent:    5,
		MaxPositionPercent: 10,
		MinBalanceSOL:      0.02,
		MinTradeSOL:        0.001,
		MaxOpenPositions:   2,
		StopLoss:           -0.75,
		TakeProfits: []config.TakeProfit{
			{Level: 2.5, SellPercent: 20},
			{Level: 1, SellPercent: 20},
			{Level: 90, SellPercent: 50},
		},
	}
}

func TestSize(t *testing.T) {
	for _, tt := range []struct {
		name      string
		cfg       func(*config.Trading)
		balance   string
		requested string
		want      string
		err       error
	}{
		{name: "Percent", balance: "10", want: "0.5"},
		{name: "Requested", balance: "10", requested: "0.3", want: "0.3"},
		{name: "CappedByMaxPercent", balance: "10", requested: "5", want: "1"},
		{name: "CappedByMaxTrade", cfg: func(c *config.Trading) { c.MaxTradeSOL = 0.2 }, balance: "10", want: "0.2"},
		{name: "KeepsReserve", cfg: func(c *config.Trading) { c.MaxPositionPercent = 100 }, balance: "0.05", requested: "1", want: "0.03"},
		{name: "Truncated", balance: "1.234567891234", want: "0.061728394"},
		{name: "Reserve", balance: "0.02", err: ErrInsufficientBalance},
		{name: "Empty", balance: "0", err: ErrInsufficientBalance},
		{name: "TooSmall", balance: "0.0205", err: ErrTradeTooSmall},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			requested := decimal.Zero
			if tt.requested != "" {
				requested = d(tt.requested)
			}

			got, err := New(cfg).Size(d(tt.balance), requested)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.True(t, d(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestCanOpen(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.CanOpen(1))
	require.ErrorIs(t, m.CanOpen(2), ErrTooManyPositions)

	unlimited := testConfig()
	unlimited.MaxOpenPositions = 0
	require.NoError(t, New(unlimited).CanOpen(100))
}

func TestLadderDefault(t *testing.T) {
	levels := New(testConfig()).Ladder(models.Signal{}, d("1"))
	require.Len(t, levels, 3)
	require.True(t, levels[0].Level.Equal(d("1")))
	require.True(t, levels[1].Level.Equal(d("2.5")))
	require.True(t, levels[2].Level.Equal(d("90")))
	require.True(t, levels[2].SellPercent.Equal(d("50")))
}

func TestLadderFromTargets(t *testing.T) {
	signal := models.Signal{Targets: []models.Target{
		{Multiple: d("5")},
		{Price: d("0.002")},
		{Multiple: d("2")},
		{Multiple: d("0.5")}, // below entry
		{Multiple: d("2")},   // duplicate
	}}

	levels := New(testConfig()).Ladder(signal, d("0.001"))
	require.Len(t, levels, 2)
	require.True(t, levels[0].Level.Equal(d("1")))
	require.True(t, levels[1].Level.Equal(d("4")))
	require.True(t, levels[0].SellPercent.Equal(d("50")))
	require.True(t, levels[1].SellPercent.Equal(d("100")))
}

func TestLadderEvenSplit(t *testing.T) {
	signal := models.Signal{Targets: []models.Target{{Multiple: d("2")}, {Multiple: d("3")}, {Multiple: d("4")}}}
	levels := New(testConfig()).Ladder(signal, d("1"))
	require.Len(t, levels, 3)

	// Each level sells a third of the initial amount.
	remaining := d("300")
	for _, l := range levels {
		sold := remaining.Mul(l.SellPercent).Div(d("100"))
		require.True(t, sold.Round(4).Equal(d("100")), "sold %s", sold)
		remaining = remaining.Sub(sold)
	}
	require.True(t, remaining.Round(4).IsZero())
}

func TestLadderPriceTargetsNeedEntry(t *testing.T) {
	signal := models.Signal{Targets: []models.Target{{Price: d("2")}}}
	levels := New(testConfig()).Ladder(signal, decimal.Zero)
	require.Len(t, levels, 3)
}

func TestStopLevel(t *testing.T) {
	m := New(testConfig())
	entry := d("0.01")

	require.True(t, m.StopLevel(models.Signal{}, entry).Equal(d("-0.75")))
	require.True(t, m.StopLevel(models.Signal{StopLoss: models.StopLoss{Percent: d("-30")}}, entry).Equal(d("-0.3")))
	require.True(t, m.StopLevel(models.Signal{StopLoss: models.StopLoss{Price: d("0.008")}}, entry).Equal(d("-0.2")))
	// A stop above entry cannot be a stop loss.
	require.True(t, m.StopLevel(models.Signal{StopLoss: models.StopLoss{Price: d("0.02")}}, entry).Equal(d("-0.75")))
	require.True(t, m.StopLevel(models.Signal{StopLoss: models.StopLoss{Percent: d("-100")}}, entry).Equal(d("-0.75")))
}
