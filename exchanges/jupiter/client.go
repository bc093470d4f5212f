// Package jupiter provides a client for the Jupiter aggregator API on Solana.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/moneyscripter/telesol/exchanges"
	"github.com/moneyscripter/telesol/models"
)

const (
	Name = "jupiter"

	DefaultBaseURL  = "https://lite-api.jup.ag/swap/v1"
	DefaultPriceURL = "https://lite-api.jup.ag/price/v2"
	DefaultTimeout  = 30 * time.Second

	defaultSlippageBps = 100
	maxPriceIDs        = 100
)

var noRouteCodes = map[string]bool{
	"COULD_NOT_FIND_ANY_ROUTE": true,
	"NO_ROUTES_FOUND":          true,
	"TOKEN_NOT_TRADABLE":       true,
}

// Client is a Jupiter API client.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	priceURL    string
	apiKey      string
	slippageBps int
	maxRetries  int
	limiter     *rate.Limiter
	log         *zap.Logger
}

// ClientConfig contains configuration for the Jupiter client.
type ClientConfig struct {
	BaseURL       string
	PriceURL      string
	APIKey        string // sent as bearer token when set
	SlippageBps   int
	RatePerSecond float64
	MaxRetries    int
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

var _ exchanges.Exchange = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		httpClient:  cfg.HTTPClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		priceURL:    strings.TrimRight(cfg.PriceURL, "/"),
		apiKey:      cfg.APIKey,
		slippageBps: cfg.SlippageBps,
		maxRetries:  cfg.MaxRetries,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		log:         cfg.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.priceURL == "" {
		c.priceURL = DefaultPriceURL
	}
	if c.slippageBps <= 0 {
		c.slippageBps = defaultSlippageBps
	}
	if c.httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

func (c *Client) Name() string {
	return Name
}

// Quote fetches an ExactIn swap quote.
func (c *Client) Quote(ctx context.Context, req exchanges.QuoteRequest) (*exchanges.Quote, error) {
	if req.InputMint == "" || req.OutputMint == "" {
		return nil, errors.New("input and output mint are required")
	}
	if req.Amount == 0 {
		return nil, errors.New("amount is required")
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = c.slippageBps
	}

	query := url.Values{}
	query.Set("inputMint", req.InputMint)
	query.Set("outputMint", req.OutputMint)
	query.Set("amount", strconv.FormatUint(req.Amount, 10))
	query.Set("slippageBps", strconv.Itoa(slippage))
	query.Set("swapMode", "ExactIn")

	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/quote?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "quote")
	}

	var resp QuoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decode quote")
	}
	if len(resp.RoutePlan) == 0 {
		return nil, errors.Wrapf(exchanges.ErrNoRoute, "%s -> %s", req.InputMint, req.OutputMint)
	}
	return toQuote(&resp, body)
}

func toQuote(resp *QuoteResponse, raw []byte) (*exchanges.Quote, error) {
	in, err := strconv.ParseUint(resp.InAmount, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse inAmount %q", resp.InAmount)
	}
	out, err := strconv.ParseUint(resp.OutAmount, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse outAmount %q", resp.OutAmount)
	}
	var minOut uint64
	if resp.OtherAmountThreshold != "" {
		if minOut, err = strconv.ParseUint(resp.OtherAmountThreshold, 10, 64); err != nil {
			return nil, errors.Wrapf(err, "parse otherAmountThreshold %q", resp.OtherAmountThreshold)
		}
	}
	impact := decimal.Zero
	if resp.PriceImpactPct != "" {
		if impact, err = decimal.NewFromString(resp.PriceImpactPct); err != nil {
			return nil, errors.Wrapf(err, "parse priceImpactPct %q", resp.PriceImpactPct)
		}
	}

	route := make([]string, 0, len(resp.RoutePlan))
	for _, step := range resp.RoutePlan {
		route = append(route, step.SwapInfo.Label)
	}

	return &exchanges.Quote{
		InputMint:  resp.InputMint,
		OutputMint: resp.OutputMint,
		InAmount:   in,
		OutAmount:  out,
		// Jupiter reports the impact as a fraction.
		PriceImpactPct: impact.Mul(decimal.NewFromInt(100)),
		MinOutAmount:   minOut,
		Route:          route,
		Raw:            json.RawMessage(raw),
	}, nil
}

// BuildSwap builds the swap transaction for quote.
func (c *Client) BuildSwap(ctx context.Context, quote *exchanges.Quote, userPublicKey string) (string, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return "", errors.New("quote is required")
	}
	if userPublicKey == "" {
		return "", errors.New("user public key is required")
	}

	payload, err := json.Marshal(SwapRequest{
		QuoteResponse:             quote.Raw,
		UserPublicKey:             userPublicKey,
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
	})
	if err != nil {
		return "", errors.Wrap(err, "encode swap request")
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/swap", payload)
	if err != nil {
		return "", errors.Wrap(err, "swap")
	}

	var resp SwapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Wrap(err, "decode swap")
	}
	if resp.SwapTransaction == "" {
		return "", errors.New("swap response has no transaction")
	}
	return resp.SwapTransaction, nil
}

// Prices returns SOL denominated prices, querying at most 100 ids per request.
func (c *Client) Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(mints))
	for start := 0; start < len(mints); start += maxPriceIDs {
		end := min(start+maxPriceIDs, len(mints))

		query := url.Values{}
		query.Set("ids", strings.Join(mints[start:end], ","))
		query.Set("vsToken", models.WrappedSOLMint)

		body, err := c.do(ctx, http.MethodGet, c.priceURL+"?"+query.Encode(), nil)
		if err != nil {
			return nil, errors.Wrap(err, "price")
		}

		var resp PriceResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errors.Wrap(err, "decode price")
		}
		for mint, data := range resp.Data {
			if data == nil || data.Price == "" {
				continue
			}
			price, err := decimal.NewFromString(data.Price)
			if err != nil {
				c.log.Warn("Bad price", zap.String("mint", mint), zap.String("price", data.Price))
				continue
			}
			prices[mint] = price
		}
	}
	return prices, nil
}

// do sends one request through the rate limiter, retrying transport errors,
// 429 and 5xx answers with exponential backoff.
func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body []byte
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "create request"))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return errors.Wrap(err, "request")
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "read response")
		}
		if resp.StatusCode != http.StatusOK {
			apiErr := parseError(resp.StatusCode, data)
			if noRouteCodes[apiErr.Code] {
				return backoff.Permanent(errors.Wrap(exchanges.ErrNoRoute, apiErr.Error()))
			}
			if apiErr.Temporary() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		body = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	notify := func(err error, wait time.Duration) {
		c.log.Debug("Retry request", zap.String("url", target), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}

func parseError(status int, body []byte) *exchanges.APIError {
	apiErr := &exchanges.APIError{Status: status, Body: strings.TrimSpace(string(body))}
	var resp errorResponse
	if json.Unmarshal(body, &resp) == nil {
		apiErr.Code = resp.ErrorCode
		if resp.Error != "" {
			apiErr.Body = resp.Error
		}
	}
	return apiErr
}
