package channels

import (
	"github.com/go-faster/errors"

	"github.com/moneyscripter/telesol/channels/contract"
	"github.com/moneyscripter/telesol/channels/labeled"
	"github.com/moneyscripter/telesol/models"
)

// Channels turns the text of a channel post into a signal. ok is false when the
// post carries no signal.
type Channels interface {
	ParseSignal(message string) (models.Signal, bool)
}

// AvailableChannels lists the known parsers.
var AvailableChannels = map[string]string{
	contract.Name: "first Solana mint address in the post, with optional price, targets and stop",
	labeled.Name:  "key: value posts (Token, Entry, Target, Stop loss, Amount)",
}

// New returns the parser registered under kind. An empty kind selects the
// contract parser.
func New(kind string) (Channels, error) {
	switch kind {
	case contract.Name, "":
		return contract.New(), nil
	case labeled.Name:
		return labeled.New(), nil
	default:
		return nil, errors.Errorf("unknown parser %q", kind)
	}
}
