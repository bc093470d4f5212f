package contract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moneyscripter/telesol/models"
)

const popcat = "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr"

func TestParseSignalFull(t *testing.T) {
	msg := "🚀 New call\n" +
		"CA: " + popcat + "\n" +
		"Entry: 0.00012 SOL\n" +
		"TP: 2x, 5x, 10x\n" +
		"SL: 30%\n" +
		"Buy 0.5 SOL"

	signal, ok := New().ParseSignal(msg)
	require.True(t, ok)
	require.Equal(t, Name, signal.Source)
	require.Equal(t, popcat, signal.TokenAddress)
	require.Equal(t, models.SideBuy, signal.Action)
	require.Equal(t, "0.00012", signal.EntryPrice.String())
	require.Equal(t, "0.5", signal.AmountSOL.String())
	require.Equal(t, "-30", signal.StopLoss.Percent.String())
	require.True(t, signal.StopLoss.Price.IsZero())

	require.Len(t, signal.Targets, 3)
	for i, want := range []string{"2", "5", "10"} {
		require.Equal(t, want, signal.Targets[i].Multiple.String())
		require.True(t, signal.Targets[i].Price.IsZero())
	}
	require.Equal(t, msg, signal.Raw)
}

func TestParseSignalAddressOnly(t *testing.T) {
	signal, ok := New().ParseSignal("aping https://dexscreener.com/solana/" + popcat)
	require.True(t, ok)
	require.Equal(t, popcat, signal.TokenAddress)
	require.Equal(t, models.SideBuy, signal.Action)
	require.Empty(t, signal.Targets)
	require.True(t, signal.StopLoss.IsZero())
	require.True(t, signal.AmountSOL.IsZero())
}

func TestParseSignalPriceTargets(t *testing.T) {
	msg := popcat + "\nTarget 1: 0.0002\nTarget 2: 0.0004\nStop loss: 0.00008"

	signal, ok := New().ParseSignal(msg)
	require.True(t, ok)
	require.Len(t, signal.Targets, 2)
	require.Equal(t, "0.0002", signal.Targets[0].Price.String())
	require.Equal(t, "0.0004", signal.Targets[1].Price.String())
	require.Equal(t, "0.00008", signal.StopLoss.Price.String())
}

func TestParseSignalSell(t *testing.T) {
	signal, ok := New().ParseSignal("Sell " + popcat + " now, TP 2x")
	require.True(t, ok)
	require.Equal(t, models.SideSell, signal.Action)
	require.Empty(t, signal.Targets)
}

func TestParseSignalBuyMentioningExit(t *testing.T) {
	for _, msg := range []string{
		"New gem " + popcat + "\nTargets: 2x 5x, sell half at TP1",
		"Buy " + popcat + " now, close to breakout",
		popcat + "\nwe exit at 10x",
	} {
		signal, ok := New().ParseSignal(msg)
		require.True(t, ok, msg)
		require.Equal(t, models.SideBuy, signal.Action, msg)
	}

	signal, _ := New().ParseSignal("New gem " + popcat + "\nTargets: 2x 5x, sell half at TP1")
	require.Len(t, signal.Targets, 2)
	require.Equal(t, "2", signal.Targets[0].Multiple.String())
	require.Equal(t, "5", signal.Targets[1].Multiple.String())
}

func TestParseSignalExitLine(t *testing.T) {
	signal, ok := New().ParseSignal("Nice run!\n🚨 EXIT " + popcat)
	require.True(t, ok)
	require.Equal(t, models.SideSell, signal.Action)
}

func TestParseSignalBarePrice(t *testing.T) {
	signal, ok := New().ParseSignal(popcat + " 0.0005 SOL")
	require.True(t, ok)
	require.Equal(t, "0.0005", signal.EntryPrice.String())
	require.True(t, signal.AmountSOL.IsZero())

	signal, ok = New().ParseSignal("Buy 0.5 SOL of " + popcat + " at 0.0002 SOL")
	require.True(t, ok)
	require.Equal(t, "0.5", signal.AmountSOL.String())
	require.Equal(t, "0.0002", signal.EntryPrice.String())

	signal, _ = New().ParseSignal("Buy 0.5 SOL of " + popcat)
	require.True(t, signal.EntryPrice.IsZero())
}

func TestParseTargetsLabels(t *testing.T) {
	targets := ParseTargets("2x TP2: 5x")
	require.Len(t, targets, 2)
	require.Equal(t, "5", targets[1].Multiple.String())
}

func TestParseSignalRejects(t *testing.T) {
	for _, msg := range []string{
		"",
		"gm everyone, new call soon",
		"0x52908400098527886E0F7030069857D2E4169EE7 to the moon",
		"wrapped sol " + models.WrappedSOLMint,
	} {
		_, ok := New().ParseSignal(msg)
		require.False(t, ok, msg)
	}
}

func TestFindAddressSkipsInvalid(t *testing.T) {
	// 44 base58 chars that do not decode to 32 bytes come first.
	text := "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz " + popcat
	require.Equal(t, popcat, FindAddress(text))
}

func TestParseStop(t *testing.T) {
	require.Equal(t, "-25", ParseStop("25", true).Percent.String())
	require.Equal(t, "-25", ParseStop("-25", true).Percent.String())
	require.Equal(t, "0.1", ParseStop("0.1", false).Price.String())
	require.True(t, ParseStop("0", true).IsZero())
}
