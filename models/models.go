package models

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// WrappedSOLMint is the mint of wrapped SOL, the quote currency for every swap.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// SOLDecimals is the number of decimals of native SOL (lamports).
const SOLDecimals = 9

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type SignalStatus string

const (
	SignalNew        SignalStatus = "new"
	SignalProcessing SignalStatus = "processing"
	SignalExecuted   SignalStatus = "executed"
	SignalRejected   SignalStatus = "rejected"
	SignalFailed     SignalStatus = "failed"
)

// Target is a take-profit target taken from a signal. Exactly one of Price
// (absolute, SOL per token) or Multiple (of the entry price, e.g. 2 for 2x) is set.
type Target struct {
	Price    decimal.Decimal `json:"price,omitempty"`
	Multiple decimal.Decimal `json:"multiple,omitempty"`
}

// StopLoss is a stop taken from a signal. Percent is negative, e.g. -30 for -30%.
type StopLoss struct {
	Price   decimal.Decimal `json:"price,omitempty"`
	Percent decimal.Decimal `json:"percent,omitempty"`
}

func (s StopLoss) IsZero() bool {
	return s.Price.IsZero() && s.Percent.IsZero()
}

type Signal struct {
	ID           string          `json:"id"`
	ChannelID    int64           `json:"channel_id"`
	MessageID    int             `json:"message_id"`
	Source       string          `json:"source"`
	TokenAddress string          `json:"token_address"`
	Action       Side            `json:"action"`
	EntryPrice   decimal.Decimal `json:"entry_price,omitempty"`
	Targets      []Target        `json:"targets,omitempty"`
	StopLoss     StopLoss        `json:"stop_loss"`
	AmountSOL    decimal.Decimal `json:"amount_sol,omitempty"`
	Raw          string          `json:"raw,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
	Status       SignalStatus    `json:"status"`
	Error        string          `json:"error,omitempty"`
	PositionID   string          `json:"position_id,omitempty"`
}

func (s *Signal) IsBuy() bool {
	return s.Action == SideBuy
}

// UpdateStatus moves the signal to status, recording err when given.
func (s *Signal) UpdateStatus(status SignalStatus, err error) {
	s.Status = status
	if err != nil {
		s.Error = err.Error()
	}
}

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

type CloseReason string

const (
	CloseTakeProfit CloseReason = "take_profit"
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTimeout    CloseReason = "timeout"
	CloseManual     CloseReason = "manual"
	CloseSignal     CloseReason = "signal"
)

// TakeProfitLevel sells SellPercent of the remaining amount once the gain
// ratio (price/entry - 1) reaches Level.
type TakeProfitLevel struct {
	Level         decimal.Decimal `json:"level"`
	SellPercent   decimal.Decimal `json:"sell_percent"`
	Executed      bool            `json:"executed"`
	ExecutedAt    time.Time       `json:"executed_at,omitempty"`
	ExecutedPrice decimal.Decimal `json:"executed_price,omitempty"`
}

type Position struct {
	ID              string            `json:"id"`
	SignalID        string            `json:"signal_id,omitempty"`
	TokenAddress    string            `json:"token_address"`
	Decimals        uint8             `json:"decimals"`
	EntryPrice      decimal.Decimal   `json:"entry_price"`
	InitialAmount   decimal.Decimal   `json:"initial_amount"`
	RemainingAmount decimal.Decimal   `json:"remaining_amount"`
	CostSOL         decimal.Decimal   `json:"cost_sol"`
	RealizedSOL     decimal.Decimal   `json:"realized_sol"`
	TakeProfits     []TakeProfitLevel `json:"take_profits"`
	StopLoss        decimal.Decimal   `json:"stop_loss"`
	MaxHold         time.Duration     `json:"max_hold,omitempty"`
	CurrentPrice    decimal.Decimal   `json:"current_price,omitempty"`
	Status          PositionStatus    `json:"status"`
	CloseReason     CloseReason       `json:"close_reason,omitempty"`
	OpenedAt        time.Time         `json:"opened_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ClosedAt        time.Time         `json:"closed_at,omitempty"`
}

func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// Gain returns price/entry - 1.
func (p *Position) Gain(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Div(p.EntryPrice).Sub(decimal.NewFromInt(1))
}

// PnLPercent is the unrealized gain at the last seen price, in percent.
func (p *Position) PnLPercent() decimal.Decimal {
	if p.CurrentPrice.IsZero() {
		return decimal.Zero
	}
	return p.Gain(p.CurrentPrice).Mul(decimal.NewFromInt(100))
}

// ValueSOL is the remaining amount valued at the last seen price.
func (p *Position) ValueSOL() decimal.Decimal {
	return p.RemainingAmount.Mul(p.CurrentPrice)
}

// Age is the time since the position was opened.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

func (p *Position) UpdatePrice(price decimal.Decimal, now time.Time) {
	p.CurrentPrice = price
	p.UpdatedAt = now
}

// RawRemaining converts the remaining amount into base units, rounded down.
func (p *Position) RawRemaining() uint64 {
	return ToRaw(p.RemainingAmount, p.Decimals)
}

// ApplyExit books a sale of amount tokens for solReceived. The position closes
// once nothing is left.
func (p *Position) ApplyExit(amount, solReceived decimal.Decimal, reason CloseReason, now time.Time) {
	if amount.GreaterThan(p.RemainingAmount) {
		amount = p.RemainingAmount
	}
	p.RemainingAmount = p.RemainingAmount.Sub(amount)
	p.RealizedSOL = p.RealizedSOL.Add(solReceived)
	p.UpdatedAt = now
	if p.RawRemaining() == 0 {
		p.RemainingAmount = decimal.Zero
		p.Status = PositionClosed
		p.CloseReason = reason
		p.ClosedAt = now
	}
}

type TradeStatus string

const (
	TradeConfirmed TradeStatus = "confirmed"
	TradeFailed    TradeStatus = "failed"
)

type Trade struct {
	ID           string          `json:"id"`
	PositionID   string          `json:"position_id"`
	TokenAddress string          `json:"token_address"`
	Side         Side            `json:"side"`
	SOLAmount    decimal.Decimal `json:"sol_amount"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
	Price        decimal.Decimal `json:"price"`
	Signature    string          `json:"signature,omitempty"`
	Status       TradeStatus     `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	DryRun       bool            `json:"dry_run,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ToRaw converts a UI amount into base units, rounded down.
func ToRaw(amount decimal.Decimal, decimals uint8) uint64 {
	if amount.Sign() <= 0 {
		return 0
	}
	return uint64(amount.Shift(int32(decimals)).Floor().IntPart())
}

// FromRaw converts base units into a UI amount.
func FromRaw(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}
