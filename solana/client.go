// Package solana wraps the Solana JSON-RPC API with the bot wallet.
package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/models"
)

var (
	ErrNoWallet          = errors.New("no wallet configured")
	ErrTransactionFailed = errors.New("transaction failed")
	ErrConfirmTimeout    = errors.New("transaction not confirmed in time")
	ErrMintNotFound      = errors.New("mint account not found")
)

const defaultConfirmTimeout = 60 * time.Second

// Client wraps the Solana RPC client with signing capabilities. A client
// without a private key can only read chain state.
type Client struct {
	rpc            *rpc.Client
	privateKey     solana.PrivateKey
	publicKey      solana.PublicKey
	hasWallet      bool
	commitment     rpc.CommitmentType
	confirmTimeout time.Duration
	log            *zap.Logger
}

// ClientConfig contains configuration for the Solana client.
type ClientConfig struct {
	RPCURL         string // QuickNode or any Solana RPC endpoint
	PrivateKey     string // Base58 encoded private key, optional
	Commitment     string
	ConfirmTimeout time.Duration
	Logger         *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	rpcURL := cfg.RPCURL
	if rpcURL == "" {
		rpcURL = rpc.MainNetBeta_RPC
	}
	commitment := rpc.CommitmentType(cfg.Commitment)
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	timeout := cfg.ConfirmTimeout
	if timeout == 0 {
		timeout = defaultConfirmTimeout
	}
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	c := &Client{
		rpc:            rpc.New(rpcURL),
		commitment:     commitment,
		confirmTimeout: timeout,
		log:            lg,
	}

	if cfg.PrivateKey != "" {
		privateKey, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "parse private key")
		}
		c.privateKey = privateKey
		c.publicKey = privateKey.PublicKey()
		c.hasWallet = true
	}
	return c, nil
}

func (c *Client) HasWallet() bool {
	return c.hasWallet
}

// Address returns the wallet public key as a base58 string.
func (c *Client) Address() string {
	if !c.hasWallet {
		return ""
	}
	return c.publicKey.String()
}

func (c *Client) Health(ctx context.Context) error {
	if _, err := c.rpc.GetHealth(ctx); err != nil {
		return errors.Wrap(err, "get health")
	}
	return nil
}

// SOLBalance returns the wallet balance in SOL.
func (c *Client) SOLBalance(ctx context.Context) (decimal.Decimal, error) {
	if !c.hasWallet {
		return decimal.Zero, ErrNoWallet
	}
	balance, err := c.rpc.GetBalance(ctx, c.publicKey, c.commitment)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "get balance")
	}
	return models.FromRaw(balance.Value, models.SOLDecimals), nil
}

// TokenAmount is an SPL token amount in base units.
type TokenAmount struct {
	Raw      uint64
	Decimals uint8
}

// TokenBalance sums the wallet's token accounts for mint.
func (c *Client) TokenBalance(ctx context.Context, mint string) (TokenAmount, error) {
	if !c.hasWallet {
		return TokenAmount{}, ErrNoWallet
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return TokenAmount{}, errors.Wrap(err, "parse mint")
	}

	accounts, err := c.rpc.GetTokenAccountsByOwner(
		ctx,
		c.publicKey,
		&rpc.GetTokenAccountsConfig{Mint: &mintKey},
		&rpc.GetTokenAccountsOpts{
			Commitment: c.commitment,
			Encoding:   solana.EncodingJSONParsed,
		},
	)
	if err != nil {
		return TokenAmount{}, errors.Wrap(err, "get token accounts")
	}

	var total TokenAmount
	for _, account := range accounts.Value {
		if account == nil || account.Account.Data == nil {
			continue
		}
		amount, err := parseTokenAccount(account.Account.Data.GetRawJSON())
		if err != nil {
			c.log.Warn("Skip token account", zap.Stringer("account", account.Pubkey), zap.Error(err))
			continue
		}
		total.Raw += amount.Raw
		total.Decimals = amount.Decimals
	}
	return total, nil
}

func parseTokenAccount(raw []byte) (TokenAmount, error) {
	var parsed struct {
		Parsed struct {
			Info struct {
				TokenAmount struct {
					Amount   string `json:"amount"`
					Decimals uint8  `json:"decimals"`
				} `json:"tokenAmount"`
			} `json:"info"`
		} `json:"parsed"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return TokenAmount{}, errors.Wrap(err, "decode token account")
	}
	amount := parsed.Parsed.Info.TokenAmount
	rawAmount, err := strconv.ParseUint(amount.Amount, 10, 64)
	if err != nil {
		return TokenAmount{}, errors.Wrapf(err, "parse amount %q", amount.Amount)
	}
	return TokenAmount{Raw: rawAmount, Decimals: amount.Decimals}, nil
}

// MintInfo is the decoded state of an SPL token mint.
type MintInfo struct {
	Address         string
	Supply          uint64
	Decimals        uint8
	Initialized     bool
	MintAuthority   string // empty when renounced
	FreezeAuthority string // empty when absent
}

func (c *Client) MintInfo(ctx context.Context, mint string) (*MintInfo, error) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, errors.Wrap(err, "parse mint")
	}
	account, err := c.rpc.GetAccountInfoWithOpts(ctx, mintKey, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
		Encoding:   solana.EncodingBase64,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (account == nil || account.Value == nil)) {
		return nil, ErrMintNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get mint account")
	}
	info, err := decodeMint(account.Value.Owner, account.Value.Data.GetBinary())
	if err != nil {
		return nil, err
	}
	info.Address = mint
	return info, nil
}

const (
	mintSize         = 82
	tokenAccountSize = 165
	accountTypeMint  = 1
)

var token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PcNBEjG6v1cmEd")

// isMint reports whether an account owned by owner holding data is a mint.
// Token-2022 mints with extensions carry the account type after the padding
// up to the token account size.
func isMint(owner solana.PublicKey, data []byte) bool {
	switch {
	case owner.Equals(solana.TokenProgramID):
		return len(data) == mintSize
	case owner.Equals(token2022ProgramID):
		return len(data) == mintSize || (len(data) > tokenAccountSize && data[tokenAccountSize] == accountTypeMint)
	default:
		return false
	}
}

func decodeMint(owner solana.PublicKey, data []byte) (*MintInfo, error) {
	if !isMint(owner, data) {
		return nil, errors.Wrapf(ErrMintNotFound, "account owned by %s with %d bytes is not a mint", owner, len(data))
	}
	var m token.Mint
	if err := m.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, errors.Wrap(err, "decode mint")
	}
	info := &MintInfo{
		Supply:      m.Supply,
		Decimals:    m.Decimals,
		Initialized: m.IsInitialized,
	}
	if m.MintAuthority != nil {
		info.MintAuthority = m.MintAuthority.String()
	}
	if m.FreezeAuthority != nil {
		info.FreezeAuthority = m.FreezeAuthority.String()
	}
	return info, nil
}

// Holder is one of the largest token accounts of a mint.
type Holder struct {
	Address string
	Raw     uint64
}

// LargestHolders returns up to 20 largest token accounts of mint.
func (c *Client) LargestHolders(ctx context.Context, mint string) ([]Holder, error) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, errors.Wrap(err, "parse mint")
	}
	res, err := c.rpc.GetTokenLargestAccounts(ctx, mintKey, c.commitment)
	if err != nil {
		return nil, errors.Wrap(err, "get largest accounts")
	}
	holders := make([]Holder, 0, len(res.Value))
	for _, v := range res.Value {
		if v == nil {
			continue
		}
		raw, err := strconv.ParseUint(v.Amount, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse amount %q", v.Amount)
		}
		holders = append(holders, Holder{Address: v.Address.String(), Raw: raw})
	}
	return holders, nil
}

// SignAndSend decodes a base64 transaction built by the aggregator, signs it
// with the wallet key and submits it.
func (c *Client) SignAndSend(ctx context.Context, txBase64 string) (string, error) {
	if !c.hasWallet {
		return "", ErrNoWallet
	}
	txBytes, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", errors.Wrap(err, "decode transaction")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(txBytes))
	if err != nil {
		return "", errors.Wrap(err, "parse transaction")
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if c.publicKey.Equals(key) {
			return &c.privateKey
		}
		return nil
	}); err != nil {
		return "", errors.Wrap(err, "sign transaction")
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return "", errors.Wrap(err, "send transaction")
	}
	return sig.String(), nil
}

var errPending = errors.New("transaction pending")

// Confirm polls the signature status until the transaction reaches the
// configured commitment, fails on chain, or the confirmation timeout passes.
func (c *Client) Confirm(ctx context.Context, signature string) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return errors.Wrap(err, "parse signature")
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		statuses, err := c.rpc.GetSignatureStatuses(waitCtx, true, sig)
		if err != nil {
			c.log.Debug("Signature status", zap.String("signature", signature), zap.Error(err))
			return err
		}
		if len(statuses.Value) == 0 || statuses.Value[0] == nil {
			return errPending
		}
		status := statuses.Value[0]
		if status.Err != nil {
			return backoff.Permanent(errors.Wrapf(ErrTransactionFailed, "%s: %v", signature, status.Err))
		}
		if reached(status.ConfirmationStatus, c.commitment) {
			return nil
		}
		return errPending
	}

	err = backoff.Retry(op, backoff.WithContext(b, waitCtx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransactionFailed):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case waitCtx.Err() != nil:
		return errors.Wrapf(ErrConfirmTimeout, "%s after %s", signature, c.confirmTimeout)
	default:
		return errors.Wrap(err, "confirm")
	}
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return want != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return want == rpc.CommitmentProcessed
	}
	return false
}

// IsValidAddress reports whether address is a base58 encoded 32 byte key.
func IsValidAddress(address string) bool {
	if len(address) < 32 || len(address) > 44 {
		return false
	}
	_, err := solana.PublicKeyFromBase58(address)
	return err == nil
}
