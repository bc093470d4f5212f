// Package validator decides whether a token is safe enough to buy.
package validator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/cache"
	"github.com/moneyscripter/telesol/config"
	"github.com/moneyscripter/telesol/exchanges"
	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/solana"
)

type Check string

const (
	CheckAddress         Check = "address"
	CheckBlacklist       Check = "blacklist"
	CheckMint            Check = "mint"
	CheckMintAuthority   Check = "mint_authority"
	CheckFreezeAuthority Check = "freeze_authority"
	CheckHolders         Check = "holders"
	CheckLiquidity       Check = "liquidity"
	CheckSellRoute       Check = "sell_route"
)

// Rejection is returned when a token fails a check.
type Rejection struct {
	Mint   string
	Check  Check
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("token %s rejected by %s check: %s", r.Mint, r.Check, r.Reason)
}

type CheckResult struct {
	Check  Check  `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type Result struct {
	Mint           string          `json:"mint"`
	Valid          bool            `json:"valid"`
	Reason         string          `json:"reason,omitempty"`
	Decimals       uint8           `json:"decimals"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	Checks         []CheckResult   `json:"checks"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// Err returns the rejection of an invalid result, nil otherwise.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	check := CheckAddress
	if n := len(r.Checks); n > 0 {
		check = r.Checks[n-1].Check
	}
	return &Rejection{Mint: r.Mint, Check: check, Reason: r.Reason}
}

// Chain reads token state from the blockchain.
type Chain interface {
	MintInfo(ctx context.Context, mint string) (*solana.MintInfo, error)
	LargestHolders(ctx context.Context, mint string) ([]solana.Holder, error)
}

// Quoter prices swaps.
type Quoter interface {
	Quote(ctx context.Context, req exchanges.QuoteRequest) (*exchanges.Quote, error)
}

type Validator struct {
	chain  Chain
	quoter Quoter
	cfg    config.Validation
	cache  *cache.Cache
	log    *zap.Logger

	mu        sync.RWMutex
	blacklist map[string]struct{}
}

func New(cfg config.Validation, chain Chain, quoter Quoter, c *cache.Cache, log *zap.Logger) *Validator {
	v := &Validator{
		chain:     chain,
		quoter:    quoter,
		cfg:       cfg,
		cache:     c,
		log:       log,
		blacklist: make(map[string]struct{}),
	}
	for _, mint := range cfg.Blacklist {
		v.blacklist[mint] = struct{}{}
	}
	return v
}

// Validate runs the checks in order and stops at the first failure. The
// returned error is a *Rejection for failed checks. Errors reaching the chain
// or the exchange are returned as is and are not cached.
func (v *Validator) Validate(ctx context.Context, mint string) (*Result, error) {
	if v.IsBlacklisted(mint) {
		res := &Result{Mint: mint, CheckedAt: time.Now()}
		res.fail(CheckBlacklist, "token is blacklisted")
		return res, res.Err()
	}
	if cached, ok := v.cache.Get(mint); ok {
		res := cached.(*Result)
		return res, res.Err()
	}

	res, err := v.run(ctx, mint)
	if err != nil {
		return nil, err
	}
	v.cache.Set(mint, res)

	if !res.Valid {
		v.log.Info("Token rejected", zap.String("mint", mint), zap.String("reason", res.Reason))
	}
	return res, res.Err()
}

func (v *Validator) run(ctx context.Context, mint string) (*Result, error) {
	res := &Result{Mint: mint, CheckedAt: time.Now()}

	if !solana.IsValidAddress(mint) {
		return res.fail(CheckAddress, "invalid address format"), nil
	}
	res.pass(CheckAddress, "")
	res.pass(CheckBlacklist, "")

	info, err := v.chain.MintInfo(ctx, mint)
	if errors.Is(err, solana.ErrMintNotFound) {
		return res.fail(CheckMint, "mint does not exist on chain"), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mint info")
	}
	if !info.Initialized {
		return res.fail(CheckMint, "mint is not initialized"), nil
	}
	res.Decimals = info.Decimals
	res.pass(CheckMint, fmt.Sprintf("supply %d, decimals %d", info.Supply, info.Decimals))

	if v.cfg.RequireMintRenounced {
		if info.MintAuthority != "" {
			return res.fail(CheckMintAuthority, "mint authority is set to "+info.MintAuthority), nil
		}
		res.pass(CheckMintAuthority, "")
	}
	if v.cfg.RequireNoFreeze {
		if info.FreezeAuthority != "" {
			return res.fail(CheckFreezeAuthority, "freeze authority is set to "+info.FreezeAuthority), nil
		}
		res.pass(CheckFreezeAuthority, "")
	}

	if v.cfg.MaxTopHolderPct > 0 || v.cfg.MaxTop10Pct > 0 {
		holders, err := v.chain.LargestHolders(ctx, mint)
		if err != nil {
			return nil, errors.Wrap(err, "largest holders")
		}
		top, top10 := concentration(holders, info.Supply)
		detail := fmt.Sprintf("top holder %s%%, top 10 %s%%", top.StringFixed(2), top10.StringFixed(2))
		if v.cfg.MaxTopHolderPct > 0 && top.GreaterThan(decimal.NewFromFloat(v.cfg.MaxTopHolderPct)) {
			return res.fail(CheckHolders, detail), nil
		}
		if v.cfg.MaxTop10Pct > 0 && top10.GreaterThan(decimal.NewFromFloat(v.cfg.MaxTop10Pct)) {
			return res.fail(CheckHolders, detail), nil
		}
		res.pass(CheckHolders, detail)
	}

	quoteLamports := models.ToRaw(decimal.NewFromFloat(v.cfg.MinLiquiditySOL), models.SOLDecimals)
	if quoteLamports == 0 {
		quoteLamports = models.ToRaw(decimal.NewFromFloat(0.1), models.SOLDecimals)
	}
	buy, err := v.quoter.Quote(ctx, exchanges.QuoteRequest{
		InputMint:  models.WrappedSOLMint,
		OutputMint: mint,
		Amount:     quoteLamports,
	})
	if errors.Is(err, exchanges.ErrNoRoute) {
		return res.fail(CheckLiquidity, "no buy route"), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "buy quote")
	}
	res.PriceImpactPct = buy.PriceImpactPct
	detail := fmt.Sprintf("price impact %s%% for %v SOL", buy.PriceImpactPct.StringFixed(2), v.cfg.MinLiquiditySOL)
	if v.cfg.MaxPriceImpactPct > 0 && buy.PriceImpactPct.GreaterThan(decimal.NewFromFloat(v.cfg.MaxPriceImpactPct)) {
		return res.fail(CheckLiquidity, detail), nil
	}
	res.pass(CheckLiquidity, detail)

	_, err = v.quoter.Quote(ctx, exchanges.QuoteRequest{
		InputMint:  mint,
		OutputMint: models.WrappedSOLMint,
		Amount:     buy.OutAmount,
	})
	if errors.Is(err, exchanges.ErrNoRoute) {
		return res.fail(CheckSellRoute, "no sell route"), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sell quote")
	}
	res.pass(CheckSellRoute, "")

	res.Valid = true
	return res, nil
}

func (r *Result) pass(check Check, detail string) {
	r.Checks = append(r.Checks, CheckResult{Check: check, Passed: true, Detail: detail})
}

func (r *Result) fail(check Check, reason string) *Result {
	r.Checks = append(r.Checks, CheckResult{Check: check, Passed: false, Detail: reason})
	r.Valid = false
	r.Reason = reason
	return r
}

// concentration returns the share of supply held by the largest holder and by
// the ten largest holders, in percent.
func concentration(holders []solana.Holder, supply uint64) (decimal.Decimal, decimal.Decimal) {
	if supply == 0 || len(holders) == 0 {
		return decimal.Zero, decimal.Zero
	}
	sorted := make([]solana.Holder, len(holders))
	copy(sorted, holders)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Raw > sorted[j].Raw })

	total := models.FromRaw(supply, 0)
	percent := func(raw uint64) decimal.Decimal {
		return models.FromRaw(raw, 0).Div(total).Mul(decimal.NewFromInt(100))
	}

	top := percent(sorted[0].Raw)
	var sum uint64
	for i := 0; i < len(sorted) && i < 10; i++ {
		sum += sorted[i].Raw
	}
	return top, percent(sum)
}

func (v *Validator) Blacklist(mint string) {
	v.mu.Lock()
	v.blacklist[mint] = struct{}{}
	v.mu.Unlock()
	v.cache.Del(mint)
	v.log.Info("Token blacklisted", zap.String("mint", mint))
}

func (v *Validator) Unblacklist(mint string) {
	v.mu.Lock()
	delete(v.blacklist, mint)
	v.mu.Unlock()
	v.cache.Del(mint)
}

func (v *Validator) IsBlacklisted(mint string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.blacklist[mint]
	return ok
}

// Blacklisted returns the blacklisted mints, sorted.
func (v *Validator) Blacklisted() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.blacklist))
	for mint := range v.blacklist {
		out = append(out, mint)
	}
	sort.Strings(out)
	return out
}

// ClearCache forgets every cached result.
func (v *Validator) ClearCache() {
	v.cache.Clear()
}
