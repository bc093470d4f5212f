// Package executor runs swaps between SOL and tokens.
package executor

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/exchanges"
	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/solana"
)

var ErrNothingToSell = errors.New("nothing to sell")

// Wallet signs and submits transactions.
type Wallet interface {
	HasWallet() bool
	Address() string
	SOLBalance(ctx context.Context) (decimal.Decimal, error)
	TokenBalance(ctx context.Context, mint string) (solana.TokenAmount, error)
	SignAndSend(ctx context.Context, txBase64 string) (string, error)
	Confirm(ctx context.Context, signature string) error
}

type Options struct {
	DryRun          bool
	PaperBalanceSOL decimal.Decimal // starting balance when dry running without a wallet
	SlippageBps     int
}

type Executor struct {
	exchange exchanges.Exchange
	wallet   Wallet
	opts     Options
	log      *zap.Logger

	// paper book used in dry run mode
	mu     sync.Mutex
	paper  bool
	sol    uint64
	tokens map[string]uint64
}

func New(exchange exchanges.Exchange, wallet Wallet, opts Options, log *zap.Logger) *Executor {
	e := &Executor{
		exchange: exchange,
		wallet:   wallet,
		opts:     opts,
		log:      log.Named("executor"),
		tokens:   make(map[string]uint64),
	}
	if opts.DryRun && !wallet.HasWallet() {
		e.paper = true
		e.sol = models.ToRaw(opts.PaperBalanceSOL, models.SOLDecimals)
	}
	return e
}

func (e *Executor) DryRun() bool {
	return e.opts.DryRun
}

// Balance returns the SOL available for trading.
func (e *Executor) Balance(ctx context.Context) (decimal.Decimal, error) {
	if e.paper {
		e.mu.Lock()
		defer e.mu.Unlock()
		return models.FromRaw(e.sol, models.SOLDecimals), nil
	}
	return e.wallet.SOLBalance(ctx)
}

// Buy spends lamports on mint.
func (e *Executor) Buy(ctx context.Context, mint string, lamports uint64) (*exchanges.Fill, error) {
	if e.paper {
		e.mu.Lock()
		enough := e.sol >= lamports
		e.mu.Unlock()
		if !enough {
			return nil, errors.Errorf("paper balance below %d lamports", lamports)
		}
	}

	fill, err := e.swap(ctx, models.WrappedSOLMint, mint, lamports)
	if err != nil {
		return nil, errors.Wrap(err, "buy")
	}
	if e.opts.DryRun {
		e.mu.Lock()
		e.sol -= min(e.sol, fill.InAmount)
		e.tokens[mint] += fill.OutAmount
		e.mu.Unlock()
	}
	return fill, nil
}

// Sell swaps up to raw base units of mint back to SOL. The amount is capped by
// what the wallet actually holds.
func (e *Executor) Sell(ctx context.Context, mint string, raw uint64) (*exchanges.Fill, error) {
	held, err := e.held(ctx, mint)
	if err != nil {
		return nil, errors.Wrap(err, "token balance")
	}
	if held < raw {
		e.log.Warn("Sell amount capped by balance",
			zap.String("mint", mint),
			zap.Uint64("want", raw),
			zap.Uint64("held", held),
		)
		raw = held
	}
	if raw == 0 {
		return nil, errors.Wrap(ErrNothingToSell, mint)
	}

	fill, err := e.swap(ctx, mint, models.WrappedSOLMint, raw)
	if err != nil {
		return nil, errors.Wrap(err, "sell")
	}
	if e.opts.DryRun {
		e.mu.Lock()
		e.tokens[mint] -= min(e.tokens[mint], fill.InAmount)
		if e.tokens[mint] == 0 {
			delete(e.tokens, mint)
		}
		e.sol += fill.OutAmount
		e.mu.Unlock()
	}
	return fill, nil
}

func (e *Executor) held(ctx context.Context, mint string) (uint64, error) {
	if e.opts.DryRun {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.tokens[mint], nil
	}
	balance, err := e.wallet.TokenBalance(ctx, mint)
	if err != nil {
		return 0, err
	}
	return balance.Raw, nil
}

func (e *Executor) swap(ctx context.Context, in, out string, amount uint64) (*exchanges.Fill, error) {
	quote, err := e.exchange.Quote(ctx, exchanges.QuoteRequest{
		InputMint:   in,
		OutputMint:  out,
		Amount:      amount,
		SlippageBps: e.opts.SlippageBps,
	})
	if err != nil {
		return nil, err
	}

	fill := &exchanges.Fill{
		InAmount:       quote.InAmount,
		OutAmount:      quote.OutAmount,
		PriceImpactPct: quote.PriceImpactPct,
		DryRun:         e.opts.DryRun,
	}
	if e.opts.DryRun {
		e.log.Info("Paper swap",
			zap.String("in", in),
			zap.String("out", out),
			zap.Uint64("in_amount", fill.InAmount),
			zap.Uint64("out_amount", fill.OutAmount),
		)
		return fill, nil
	}

	tx, err := e.exchange.BuildSwap(ctx, quote, e.wallet.Address())
	if err != nil {
		return nil, err
	}
	sig, err := e.wallet.SignAndSend(ctx, tx)
	if err != nil {
		return nil, err
	}
	fill.Signature = sig
	e.log.Info("Swap sent", zap.String("signature", sig), zap.String("in", in), zap.String("out", out))

	if err := e.wallet.Confirm(ctx, sig); err != nil {
		return nil, errors.Wrapf(err, "confirm %s", sig)
	}
	e.log.Info("Swap confirmed", zap.String("signature", sig))
	return fill, nil
}
