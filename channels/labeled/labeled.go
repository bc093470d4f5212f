// Package labeled parses posts written as "Key: value" lines, in English or
// Persian.
package labeled

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/moneyscripter/telesol/channels/contract"
	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/solana"
)

const Name = "labeled"

type field int

const (
	fieldToken field = iota
	fieldPosition
	fieldEntry
	fieldTarget
	fieldStop
	fieldAmount
)

// keys maps lower-cased labels to signal fields.
var keys = []struct {
	field field
	names []string
}{
	{fieldToken, []string{"contract", "address", "token", "mint", "ca", "نام", "توکن"}},
	{fieldPosition, []string{"position", "side", "نوع پوزیشن"}},
	{fieldEntry, []string{"entry", "price", "نقطه ورود"}},
	{fieldTarget, []string{"target", "tp", "تارگت"}},
	{fieldStop, []string{"stop loss", "stoploss", "stop", "sl", "حدضرر", "حد ضرر"}},
	{fieldAmount, []string{"amount", "size", "حجم"}},
}

// mustFound lists the fields a post has to carry to count as a signal.
var mustFound = []field{fieldToken}

type Parser struct{}

func New() Parser {
	return Parser{}
}

func (Parser) ParseSignal(message string) (models.Signal, bool) {
	signal := models.Signal{
		Source: Name,
		Action: models.SideBuy,
		Raw:    message,
	}

	found := make(map[field]bool)
	for _, line := range strings.Split(message, "\n") {
		key, value, ok := splitLine(line)
		if !ok {
			continue
		}
		f, ok := lookup(key)
		if !ok {
			continue
		}

		switch f {
		case fieldToken:
			value = clean(value)
			if !solana.IsValidAddress(value) {
				continue
			}
			signal.TokenAddress = value
		case fieldPosition:
			switch strings.ToLower(clean(value)) {
			case "sell", "short", "exit", "فروش":
				signal.Action = models.SideSell
			}
		case fieldEntry:
			d, err := decimal.NewFromString(firstNumber(value))
			if err != nil {
				continue
			}
			signal.EntryPrice = d
		case fieldTarget:
			signal.Targets = append(signal.Targets, contract.ParseTargets(value)...)
		case fieldStop:
			value = strings.TrimSpace(value)
			signal.StopLoss = contract.ParseStop(firstNumber(value), strings.Contains(value, "%"))
		case fieldAmount:
			d, err := decimal.NewFromString(firstNumber(value))
			if err != nil {
				continue
			}
			signal.AmountSOL = d
		}
		found[f] = true
	}

	for _, f := range mustFound {
		if !found[f] {
			return models.Signal{}, false
		}
	}
	return signal, true
}

// splitLine splits "Key: value" at the first colon. Numbered keys such as
// "Target 2" lose their number.
func splitLine(line string) (string, string, bool) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(parts[0]))
	key = strings.Trim(key, "-•*🔹🔸▪️ ")
	key = strings.TrimRight(key, "0123456789 #")
	return key, parts[1], key != ""
}

func lookup(key string) (field, bool) {
	for _, k := range keys {
		for _, name := range k.names {
			if key == name {
				return k.field, true
			}
		}
	}
	return 0, false
}

func clean(value string) string {
	value = strings.ReplaceAll(value, " ", "")
	value = strings.ReplaceAll(value, "/", "")
	return strings.TrimSpace(value)
}

func firstNumber(value string) string {
	value = strings.TrimSpace(value)
	end := 0
	for end < len(value) {
		c := value[end]
		if (c >= '0' && c <= '9') || c == '.' || (end == 0 && c == '-') {
			end++
			continue
		}
		break
	}
	return value[:end]
}
