package validator

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/moneyscripter/telesol/cache"
	"github.com/moneyscripter/telesol/config"
	"github.com/moneyscripter/telesol/exchanges"
	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/solana"
)

const bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

type fakeChain struct {
	mint      *solana.MintInfo
	mintErr   error
	holders   []solana.Holder
	mintCalls int
}

func (f *fakeChain) MintInfo(context.Context, string) (*solana.MintInfo, error) {
	f.mintCalls++
	if f.mintErr != nil {
		return nil, f.mintErr
	}
	return f.mint, nil
}

func (f *fakeChain) LargestHolders(context.Context, string) ([]solana.Holder, error) {
	return f.holders, nil
}

type fakeQuoter struct {
	buyErr  error
	sellErr error
	impact  decimal.Decimal
	calls   int
}

func (f *fakeQuoter) Quote(_ context.Context, req exchanges.QuoteRequest) (*exchanges.Quote, error) {
	f.calls++
	if req.InputMint == models.WrappedSOLMint {
		if f.buyErr != nil {
			return nil, f.buyErr
		}
		return &exchanges.Quote{InAmount: req.Amount, OutAmount: 1_000_000, PriceImpactPct: f.impact}, nil
	}
	if f.sellErr != nil {
		return nil, f.sellErr
	}
	return &exchanges.Quote{InAmount: req.Amount, OutAmount: req.Amount / 2}, nil
}

func safeChain() *fakeChain {
	return &fakeChain{
		mint: &solana.MintInfo{Supply: 1000, Decimals: 5, Initialized: true},
		holders: []solana.Holder{
			{Address: "a", Raw: 100},
			{Address: "b", Raw: 50},
			{Address: "c", Raw: 50},
		},
	}
}

func testConfig() config.Validation {
	return config.Validation{
		MinLiquiditySOL:      40,
		MaxPriceImpactPct:    5,
		RequireMintRenounced: true,
		RequireNoFreeze:      true,
		MaxTopHolderPct:      30,
		MaxTop10Pct:          60,
	}
}

func newValidator(t *testing.T, cfg config.Validation, chain Chain, quoter Quoter) *Validator {
	t.Helper()
	c, err := cache.New(1000, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return New(cfg, chain, quoter, c, zaptest.NewLogger(t))
}

func requireRejected(t *testing.T, err error, check Check) {
	t.Helper()
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, check, rej.Check)
}

func TestValidatePasses(t *testing.T) {
	chain := safeChain()
	quoter := &fakeQuoter{impact: decimal.NewFromFloat(1.5)}
	v := newValidator(t, testConfig(), chain, quoter)

	res, err := v.Validate(context.Background(), bonk)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, uint8(5), res.Decimals)

	var checks []Check
	for _, c := range res.Checks {
		require.True(t, c.Passed)
		checks = append(checks, c.Check)
	}
	require.Equal(t, []Check{
		CheckAddress, CheckBlacklist, CheckMint, CheckMintAuthority,
		CheckFreezeAuthority, CheckHolders, CheckLiquidity, CheckSellRoute,
	}, checks)

	// Cached.
	_, err = v.Validate(context.Background(), bonk)
	require.NoError(t, err)
	require.Equal(t, 1, chain.mintCalls)
	require.Equal(t, 2, quoter.calls)
}

func TestValidateRejects(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mint   string
		chain  func(c *fakeChain)
		quoter *fakeQuoter
		check  Check
	}{
		{
			name:  "BadAddress",
			mint:  "not-an-address",
			check: CheckAddress,
		},
		{
			name:  "MissingMint",
			chain: func(c *fakeChain) { c.mintErr = solana.ErrMintNotFound },
			check: CheckMint,
		},
		{
			name:  "MintAuthority",
			chain: func(c *fakeChain) { c.mint.MintAuthority = "auth" },
			check: CheckMintAuthority,
		},
		{
			name:  "FreezeAuthority",
			chain: func(c *fakeChain) { c.mint.FreezeAuthority = "auth" },
			check: CheckFreezeAuthority,
		},
		{
			name:  "TopHolder",
			chain: func(c *fakeChain) { c.holders = []solana.Holder{{Address: "whale", Raw: 400}} },
			check: CheckHolders,
		},
		{
			name: "Top10",
			chain: func(c *fakeChain) {
				c.holders = nil
				for i := 0; i < 10; i++ {
					c.holders = append(c.holders, solana.Holder{Raw: 70})
				}
			},
			check: CheckHolders,
		},
		{
			name:   "NoBuyRoute",
			quoter: &fakeQuoter{buyErr: errors.Wrap(exchanges.ErrNoRoute, "quote")},
			check:  CheckLiquidity,
		},
		{
			name:   "PriceImpact",
			quoter: &fakeQuoter{impact: decimal.NewFromInt(12)},
			check:  CheckLiquidity,
		},
		{
			name:   "NoSellRoute",
			quoter: &fakeQuoter{sellErr: exchanges.ErrNoRoute},
			check:  CheckSellRoute,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			chain := safeChain()
			if tt.chain != nil {
				tt.chain(chain)
			}
			quoter := tt.quoter
			if quoter == nil {
				quoter = &fakeQuoter{}
			}
			mint := tt.mint
			if mint == "" {
				mint = bonk
			}

			res, err := newValidator(t, testConfig(), chain, quoter).Validate(context.Background(), mint)
			requireRejected(t, err, tt.check)
			require.False(t, res.Valid)
			require.NotEmpty(t, res.Reason)

			last := res.Checks[len(res.Checks)-1]
			require.Equal(t, tt.check, last.Check)
			require.False(t, last.Passed)
		})
	}
}

func TestValidateStopsAtFirstFailure(t *testing.T) {
	chain := safeChain()
	chain.mint.MintAuthority = "auth"
	quoter := &fakeQuoter{}

	_, err := newValidator(t, testConfig(), chain, quoter).Validate(context.Background(), bonk)
	requireRejected(t, err, CheckMintAuthority)
	require.Zero(t, quoter.calls)
}

func TestValidateChainErrorNotCached(t *testing.T) {
	chain := safeChain()
	chain.mintErr = errors.New("rpc down")
	v := newValidator(t, testConfig(), chain, &fakeQuoter{})

	for i := 0; i < 2; i++ {
		res, err := v.Validate(context.Background(), bonk)
		require.Error(t, err)
		require.Nil(t, res)
		var rej *Rejection
		require.False(t, errors.As(err, &rej))
	}
	require.Equal(t, 2, chain.mintCalls)
}

func TestBlacklist(t *testing.T) {
	chain := safeChain()
	v := newValidator(t, testConfig(), chain, &fakeQuoter{})

	_, err := v.Validate(context.Background(), bonk)
	require.NoError(t, err)

	v.Blacklist(bonk)
	require.True(t, v.IsBlacklisted(bonk))
	require.Equal(t, []string{bonk}, v.Blacklisted())

	_, err = v.Validate(context.Background(), bonk)
	requireRejected(t, err, CheckBlacklist)

	v.Unblacklist(bonk)
	_, err = v.Validate(context.Background(), bonk)
	require.NoError(t, err)
	require.Equal(t, 2, chain.mintCalls)
}

func TestBlacklistFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Blacklist = []string{bonk}
	_, err := newValidator(t, cfg, safeChain(), &fakeQuoter{}).Validate(context.Background(), bonk)
	requireRejected(t, err, CheckBlacklist)
}

func TestConcentration(t *testing.T) {
	top, top10 := concentration([]solana.Holder{{Raw: 10}, {Raw: 300}, {Raw: 90}}, 1000)
	require.Equal(t, "30", top.String())
	require.Equal(t, "40", top10.String())

	top, top10 = concentration(nil, 1000)
	require.True(t, top.IsZero())
	require.True(t, top10.IsZero())
}
