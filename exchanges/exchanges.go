package exchanges

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNoRoute is returned when the venue has no route between two mints.
var ErrNoRoute = errors.New("no route")

// APIError is a non-2xx answer from a venue API.
type APIError struct {
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error (status %d, %s): %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Body)
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

type QuoteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64 // base units of InputMint
	SlippageBps int    // zero selects the exchange default
}

type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	MinOutAmount   uint64
	PriceImpactPct decimal.Decimal
	Route          []string
	Raw            json.RawMessage // venue payload needed to build the swap
}

// Fill is the outcome of an executed (or simulated) swap.
type Fill struct {
	Signature      string
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct decimal.Decimal
	DryRun         bool
}

// Exchange is a swap venue.
type Exchange interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
	// BuildSwap returns the base64 encoded unsigned transaction for quote.
	BuildSwap(ctx context.Context, quote *Quote, userPublicKey string) (string, error)
	// Prices returns the price of each mint in SOL. Unknown mints are omitted.
	Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error)
}

var AvailableExchanges = map[string]string{
	"jupiter": "https://jup.ag",
}
