package bot

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/moneyscripter/telesol/events"
	domain "github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/validator"
)

const helpText = `Commands:
/start - control panel
/positions - open positions
/balance - wallet balance
/stats - trading summary
/close <id> - close a position (id prefix is enough)
/buy <mint> [sol] - buy a token
/check <mint> - run the token checks
/blacklist <mint> - never buy a token
/pause - stop acting on signals
/resume - act on signals again
/help - this message`

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortMint(mint string) string {
	if len(mint) > 10 {
		return mint[:4] + "…" + mint[len(mint)-4:]
	}
	return mint
}

func formatPosition(p *domain.Position) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%s %s\n", shortID(p.ID), shortMint(p.TokenAddress))
	fmt.Fprintf(&sb, "entry %s SOL, now %s SOL (%s%%)\n",
		p.EntryPrice.StringFixed(9), p.CurrentPrice.StringFixed(9), p.PnLPercent().StringFixed(2))
	fmt.Fprintf(&sb, "cost %s SOL, realized %s SOL, remaining %s",
		p.CostSOL.StringFixed(4), p.RealizedSOL.StringFixed(4), p.RemainingAmount.String())

	done := 0
	for _, tp := range p.TakeProfits {
		if tp.Executed {
			done++
		}
	}
	fmt.Fprintf(&sb, "\nTP %d/%d, SL %s%%", done, len(p.TakeProfits), p.StopLoss.Mul(decimal.NewFromInt(100)).StringFixed(0))
	if !p.IsOpen() {
		fmt.Fprintf(&sb, "\nclosed: %s", p.CloseReason)
	}
	return sb.String()
}

func formatPositions(positions []*domain.Position) string {
	if len(positions) == 0 {
		return "No open positions."
	}
	parts := make([]string, 0, len(positions)+1)
	parts = append(parts, fmt.Sprintf("Open positions (%d):", len(positions)))
	for _, p := range positions {
		parts = append(parts, formatPosition(p))
	}
	return strings.Join(parts, "\n\n")
}

func formatBalance(balance decimal.Decimal, dryRun bool) string {
	text := fmt.Sprintf("Balance: %s SOL", balance.StringFixed(4))
	if dryRun {
		text += " (paper)"
	}
	return text
}

func formatStats(st *domain.Stats) string {
	return fmt.Sprintf("Positions: %d open, %d closed\nWins %d, losses %d (%s%% win rate)\nRealized PnL %s SOL on %s SOL\nTrades %d, failed %d",
		st.OpenPositions, st.ClosedPositions,
		st.Wins, st.Losses, st.WinRate.StringFixed(2),
		st.RealizedPnLSOL.StringFixed(4), st.InvestedSOL.StringFixed(4),
		st.Trades, st.FailedTrades)
}

func formatCheck(res *validator.Result) string {
	var sb strings.Builder
	verdict := "PASSED"
	if !res.Valid {
		verdict = "REJECTED: " + res.Reason
	}
	fmt.Fprintf(&sb, "%s\n%s", res.Mint, verdict)
	for _, c := range res.Checks {
		mark := "ok"
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(&sb, "\n[%s] %s", mark, c.Check)
		if c.Detail != "" {
			fmt.Fprintf(&sb, ": %s", c.Detail)
		}
	}
	return sb.String()
}

// formatEvent renders the events worth a notification. ok is false for the
// rest.
func formatEvent(e events.Event) (string, bool) {
	switch e.Type {
	case events.PositionOpened:
		if e.Position == nil {
			return "", false
		}
		return "Position opened\n" + formatPosition(e.Position), true
	case events.PositionUpdated:
		if e.Position == nil {
			return "", false
		}
		return fmt.Sprintf("Take profit hit (%s)\n%s%s", e.Message, formatPosition(e.Position), tradeLine(e.Trade)), true
	case events.PositionClosed:
		if e.Position == nil {
			return "", false
		}
		p := e.Position
		pnl := p.RealizedSOL.Sub(p.CostSOL)
		return fmt.Sprintf("Position closed (%s)\n%s\nPnL %s SOL%s",
			p.CloseReason, formatPosition(p), pnl.StringFixed(4), tradeLine(e.Trade)), true
	case events.SignalRejected:
		return fmt.Sprintf("Signal rejected %s\n%s", shortMint(e.Token), e.Message), true
	case events.SignalFailed:
		return fmt.Sprintf("Signal failed %s\n%s", shortMint(e.Token), e.Message), true
	case events.TradeFailed:
		return fmt.Sprintf("Trade failed %s\n%s", shortMint(e.Token), e.Message), true
	case events.BotPaused:
		return "Trading paused", true
	case events.BotResumed:
		return "Trading resumed", true
	default:
		return "", false
	}
}

func tradeLine(t *domain.Trade) string {
	if t == nil {
		return ""
	}
	line := fmt.Sprintf("\nsold %s for %s SOL", t.TokenAmount.String(), t.SOLAmount.StringFixed(4))
	if t.Signature != "" {
		line += "\ntx " + t.Signature
	}
	return line
}
