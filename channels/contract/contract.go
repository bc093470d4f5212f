// Package contract parses free-form call posts that carry a token mint address.
package contract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/solana"
)

const Name = "contract"

var (
	addressRe = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)
	sellRe    = regexp.MustCompile(`(?im)^\W*(?:sell|exit)\b`)
	amountRe  = regexp.MustCompile(`(?i)\b(?:buy|amount|size)\s*[:=]?\s*(\d+(?:\.\d+)?)\s*SOL\b`)
	entryRe   = regexp.MustCompile(`(?i)(?:\bentry|\bprice|@)\s*[:=]?\s*(\d+(?:\.\d+)?(?:e-?\d+)?)`)
	priceRe   = regexp.MustCompile(`(?i)(?:^|[^\w.])(\d+(?:\.\d+)?(?:e-?\d+)?)\s*SOL\b`)
	targetRe  = regexp.MustCompile(`(?i)\b(?:tp\d*|targets?\s*\d*)\s*[:=]?\s*([^\n]*)`)
	stopRe    = regexp.MustCompile(`(?i)\b(?:sl|stop(?:[\s-]?loss)?)\s*[:=]?\s*(-?\d+(?:\.\d+)?(?:e-?\d+)?)\s*(%)?`)
	numberRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?(?:e-?\d+)?)\s*(x)?`)
	labelRe   = regexp.MustCompile(`(?i)\b(?:tp|targets?\s*)\d*\b`)
	cutRe     = regexp.MustCompile(`(?i)\b(?:sl|stop|entry|price|buy|sell|exit)\b`)
)

type Parser struct{}

func New() Parser {
	return Parser{}
}

func (Parser) ParseSignal(message string) (models.Signal, bool) {
	address := FindAddress(message)
	if address == "" {
		return models.Signal{}, false
	}

	signal := models.Signal{
		Source:       Name,
		TokenAddress: address,
		Action:       models.SideBuy,
		Raw:          message,
	}
	if sellRe.MatchString(message) {
		signal.Action = models.SideSell
		return signal, true
	}

	amountAt := -1
	if m := amountRe.FindStringSubmatchIndex(message); m != nil {
		signal.AmountSOL, _ = decimal.NewFromString(message[m[2]:m[3]])
		amountAt = m[2]
	}
	if m := entryRe.FindStringSubmatch(message); m != nil {
		signal.EntryPrice, _ = decimal.NewFromString(m[1])
	} else {
		signal.EntryPrice = barePrice(message, amountAt)
	}
	for _, m := range targetRe.FindAllStringSubmatch(message, -1) {
		signal.Targets = append(signal.Targets, ParseTargets(m[1])...)
	}
	if m := stopRe.FindStringSubmatch(message); m != nil {
		signal.StopLoss = ParseStop(m[1], m[2] != "")
	}
	return signal, true
}

// barePrice returns the first "<n> SOL" in text that is not the buy amount
// starting at amountAt.
func barePrice(text string, amountAt int) decimal.Decimal {
	for _, m := range priceRe.FindAllStringSubmatchIndex(text, -1) {
		if m[2] == amountAt {
			continue
		}
		if price, err := decimal.NewFromString(text[m[2]:m[3]]); err == nil && price.IsPositive() {
			return price
		}
	}
	return decimal.Zero
}

// FindAddress returns the first base58 string in text that decodes to a
// 32 byte key, skipping the wrapped SOL mint.
func FindAddress(text string) string {
	for _, candidate := range addressRe.FindAllString(text, -1) {
		if candidate == models.WrappedSOLMint {
			continue
		}
		if solana.IsValidAddress(candidate) {
			return candidate
		}
	}
	return ""
}

// ParseTargets reads targets from a list like "2x, 5x" or "0.0002 0.0004".
// Numbers followed by x are multiples of the entry, the rest are prices.
func ParseTargets(text string) []models.Target {
	if loc := cutRe.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	text = labelRe.ReplaceAllString(text, " ")
	var targets []models.Target
	for _, m := range numberRe.FindAllStringSubmatch(text, -1) {
		value, err := decimal.NewFromString(m[1])
		if err != nil || !value.IsPositive() {
			continue
		}
		if strings.EqualFold(m[2], "x") {
			targets = append(targets, models.Target{Multiple: value})
		} else {
			targets = append(targets, models.Target{Price: value})
		}
	}
	return targets
}

// ParseStop reads a stop value. Percent stops are always stored negative.
func ParseStop(value string, percent bool) models.StopLoss {
	v, err := decimal.NewFromString(value)
	if err != nil || v.IsZero() {
		return models.StopLoss{}
	}
	if percent {
		return models.StopLoss{Percent: v.Abs().Neg()}
	}
	return models.StopLoss{Price: v.Abs()}
}
