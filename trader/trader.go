// Package trader turns signals into positions.
package trader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/events"
	"github.com/moneyscripter/telesol/exchanges"
	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/position"
	"github.com/moneyscripter/telesol/risk"
	"github.com/moneyscripter/telesol/validator"
)

var (
	ErrPaused           = errors.New("trading is paused")
	ErrDuplicateSignal  = errors.New("signal already processed")
	ErrPositionExists   = errors.New("token already has an open position")
	ErrNoTokensReceived = errors.New("swap returned no tokens")
)

type Store interface {
	SaveSignal(ctx context.Context, s *models.Signal) error
	SignalSeen(ctx context.Context, channelID int64, messageID int) (bool, error)
	SavePosition(ctx context.Context, p *models.Position) error
	SaveTrade(ctx context.Context, t *models.Trade) error
	Position(ctx context.Context, id string) (*models.Position, error)
	ListPositions(ctx context.Context, status models.PositionStatus, limit int) ([]*models.Position, error)
	ListTrades(ctx context.Context, limit int) ([]*models.Trade, error)
}

type Validator interface {
	Validate(ctx context.Context, mint string) (*validator.Result, error)
	Blacklist(mint string)
}

type Buyer interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	Buy(ctx context.Context, mint string, lamports uint64) (*exchanges.Fill, error)
}

// Positions is the position tracker.
type Positions interface {
	Open(p *models.Position) error
	Close(ctx context.Context, id string, reason models.CloseReason) (*models.Position, error)
	CloseMint(ctx context.Context, mint string, reason models.CloseReason) (*models.Position, error)
	ByMint(mint string) (*models.Position, bool)
	Positions() []*models.Position
	Count() int
}

type Options struct {
	Workers int
	MaxHold time.Duration
}

type Status struct {
	Paused        bool `json:"paused"`
	OpenPositions int  `json:"open_positions"`
}

type Trader struct {
	store     Store
	validator Validator
	buyer     Buyer
	positions Positions
	risk      *risk.Manager
	bus       events.Publisher
	opts      Options
	log       *zap.Logger
	now       func() time.Time

	paused atomic.Bool

	// seen holds the (channel, message) keys being processed; once stored
	// the signal index deduplicates them.
	mu        sync.Mutex
	seen      map[string]struct{}
	inflight  map[string]struct{}
	opening   int
	committed decimal.Decimal
}

func New(store Store, v Validator, buyer Buyer, positions Positions, rm *risk.Manager, bus events.Publisher, opts Options, log *zap.Logger) *Trader {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Trader{
		store:     store,
		validator: v,
		buyer:     buyer,
		positions: positions,
		risk:      rm,
		bus:       bus,
		opts:      opts,
		log:       log.Named("trader"),
		now:       time.Now,
		seen:      make(map[string]struct{}),
		inflight:  make(map[string]struct{}),
	}
}

// Run processes signals on a bounded pool of workers until ctx is done or
// signals is closed, then waits for the running ones.
func (t *Trader) Run(ctx context.Context, signals <-chan models.Signal) error {
	p := pool.New().WithMaxGoroutines(t.opts.Workers)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			p.Go(func() {
				if _, err := t.Process(ctx, sig); err != nil {
					t.log.Info("Signal not executed",
						zap.String("signal", sig.ID),
						zap.String("token", sig.TokenAddress),
						zap.Error(err),
					)
				}
			})
		}
	}
}

// Process runs one signal through the pipeline. A buy returns the opened
// position, a sell the closed one.
func (t *Trader) Process(ctx context.Context, sig models.Signal) (*models.Position, error) {
	return t.process(ctx, &sig, false)
}

// ManualBuy buys amountSOL of mint, or the configured size when amountSOL is
// zero. Manual buys go through even when trading is paused.
func (t *Trader) ManualBuy(ctx context.Context, mint string, amountSOL decimal.Decimal) (*models.Position, error) {
	sig := &models.Signal{
		Source:       "manual",
		TokenAddress: mint,
		Action:       models.SideBuy,
		AmountSOL:    amountSOL,
	}
	return t.process(ctx, sig, true)
}

func (t *Trader) process(ctx context.Context, sig *models.Signal, manual bool) (*models.Position, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = t.now()
	}
	sig.Status = models.SignalNew

	if !manual && t.Paused() {
		return nil, t.reject(ctx, sig, ErrPaused)
	}
	release, err := t.claimSignal(ctx, sig)
	if err != nil {
		return nil, err
	}
	defer release()
	t.bus.Publish(events.Event{Type: events.SignalReceived, Token: sig.TokenAddress, Signal: clone(sig)})

	if !sig.IsBuy() {
		return t.closeOnSignal(ctx, sig)
	}

	if !t.claimMint(sig.TokenAddress) {
		return nil, t.reject(ctx, sig, errors.Wrap(ErrPositionExists, sig.TokenAddress))
	}
	defer t.releaseMint(sig.TokenAddress)

	sig.UpdateStatus(models.SignalProcessing, nil)
	t.saveSignal(ctx, sig)

	p, err := t.open(ctx, sig)
	if err != nil {
		if rejected(err) {
			return nil, t.reject(ctx, sig, err)
		}
		return nil, t.fail(ctx, sig, err)
	}

	sig.PositionID = p.ID
	sig.UpdateStatus(models.SignalExecuted, nil)
	t.saveSignal(ctx, sig)
	return p, nil
}

// claimSignal rejects a (channel, message) pair seen before. The returned
// func drops the in-memory claim once the signal is stored.
func (t *Trader) claimSignal(ctx context.Context, sig *models.Signal) (func(), error) {
	if sig.ChannelID == 0 {
		return func() {}, nil
	}
	key := fmt.Sprintf("%d:%d", sig.ChannelID, sig.MessageID)
	t.mu.Lock()
	if _, ok := t.seen[key]; ok {
		t.mu.Unlock()
		return nil, errors.Wrap(ErrDuplicateSignal, key)
	}
	t.seen[key] = struct{}{}
	t.mu.Unlock()
	release := func() {
		t.mu.Lock()
		delete(t.seen, key)
		t.mu.Unlock()
	}

	seen, err := t.store.SignalSeen(ctx, sig.ChannelID, sig.MessageID)
	if err != nil {
		t.log.Warn("Check signal index", zap.String("key", key), zap.Error(err))
		return release, nil
	}
	if seen {
		release()
		return nil, errors.Wrap(ErrDuplicateSignal, key)
	}
	return release, nil
}

func (t *Trader) claimMint(mint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[mint]; ok {
		return false
	}
	if _, ok := t.positions.ByMint(mint); ok {
		return false
	}
	t.inflight[mint] = struct{}{}
	return true
}

func (t *Trader) releaseMint(mint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, mint)
}

func (t *Trader) closeOnSignal(ctx context.Context, sig *models.Signal) (*models.Position, error) {
	p, err := t.positions.CloseMint(ctx, sig.TokenAddress, models.CloseSignal)
	if errors.Is(err, position.ErrNotFound) {
		return nil, t.reject(ctx, sig, err)
	}
	if err != nil {
		return nil, t.fail(ctx, sig, err)
	}
	sig.PositionID = p.ID
	sig.UpdateStatus(models.SignalExecuted, nil)
	t.saveSignal(ctx, sig)
	return p, nil
}

// open validates, sizes and buys. The returned position is tracked.
func (t *Trader) open(ctx context.Context, sig *models.Signal) (*models.Position, error) {
	res, err := t.validator.Validate(ctx, sig.TokenAddress)
	if err != nil {
		return nil, err
	}

	balance, err := t.buyer.Balance(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "balance")
	}
	amount, err := t.reserve(balance, sig.AmountSOL)
	if err != nil {
		return nil, err
	}
	defer t.unreserve(amount)

	lamports := models.ToRaw(amount, models.SOLDecimals)
	fill, err := t.buyer.Buy(ctx, sig.TokenAddress, lamports)
	if err != nil {
		t.recordFailedBuy(ctx, sig, amount, err)
		return nil, err
	}
	spent := models.FromRaw(fill.InAmount, models.SOLDecimals)
	received := models.FromRaw(fill.OutAmount, res.Decimals)
	if !received.IsPositive() {
		return nil, errors.Wrapf(ErrNoTokensReceived, "spent %s SOL", spent)
	}

	now := t.now()
	entry := spent.Div(received)
	p := &models.Position{
		ID:              uuid.NewString(),
		SignalID:        sig.ID,
		TokenAddress:    sig.TokenAddress,
		Decimals:        res.Decimals,
		EntryPrice:      entry,
		InitialAmount:   received,
		RemainingAmount: received,
		CostSOL:         spent,
		TakeProfits:     t.risk.Ladder(*sig, entry),
		StopLoss:        t.risk.StopLevel(*sig, entry),
		MaxHold:         t.opts.MaxHold,
		CurrentPrice:    entry,
		Status:          models.PositionOpen,
		OpenedAt:        now,
		UpdatedAt:       now,
	}
	trade := &models.Trade{
		ID:           uuid.NewString(),
		PositionID:   p.ID,
		TokenAddress: p.TokenAddress,
		Side:         models.SideBuy,
		SOLAmount:    spent,
		TokenAmount:  received,
		Price:        entry,
		Signature:    fill.Signature,
		Status:       models.TradeConfirmed,
		Reason:       sig.Source,
		DryRun:       fill.DryRun,
		CreatedAt:    now,
	}

	// The tokens are bought: from here on failures are logged, never returned.
	if err := t.store.SaveTrade(ctx, trade); err != nil {
		t.log.Error("Save trade", zap.String("trade", trade.ID), zap.Error(err))
	}
	if err := t.store.SavePosition(ctx, p); err != nil {
		t.log.Error("Save position", zap.String("position", p.ID), zap.Error(err))
	}
	if err := t.positions.Open(p); err != nil {
		t.log.Error("Track position", zap.String("position", p.ID), zap.Error(err))
	}

	t.bus.Publish(events.Event{Type: events.TradeExecuted, Token: p.TokenAddress, Position: p, Trade: trade})
	t.bus.Publish(events.Event{Type: events.PositionOpened, Token: p.TokenAddress, Position: p, Signal: clone(sig)})
	t.log.Info("Position opened",
		zap.String("position", p.ID),
		zap.String("token", p.TokenAddress),
		zap.Stringer("cost_sol", spent),
		zap.Stringer("tokens", received),
		zap.Stringer("entry", entry),
		zap.Int("levels", len(p.TakeProfits)),
		zap.Stringer("stop", p.StopLoss),
		zap.Bool("dry_run", fill.DryRun),
	)
	return p, nil
}

// reserve takes a position slot and sizes the buy against the balance not
// already committed to buys in flight.
func (t *Trader) reserve(balance, requested decimal.Decimal) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.risk.CanOpen(t.positions.Count() + t.opening); err != nil {
		return decimal.Zero, err
	}
	amount, err := t.risk.Size(balance.Sub(t.committed), requested)
	if err != nil {
		return decimal.Zero, err
	}
	t.opening++
	t.committed = t.committed.Add(amount)
	return amount, nil
}

func (t *Trader) unreserve(amount decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opening--
	t.committed = t.committed.Sub(amount)
}

func (t *Trader) recordFailedBuy(ctx context.Context, sig *models.Signal, amount decimal.Decimal, cause error) {
	trade := &models.Trade{
		ID:           uuid.NewString(),
		TokenAddress: sig.TokenAddress,
		Side:         models.SideBuy,
		SOLAmount:    amount,
		Status:       models.TradeFailed,
		Reason:       cause.Error(),
		CreatedAt:    t.now(),
	}
	if err := t.store.SaveTrade(ctx, trade); err != nil {
		t.log.Error("Save trade", zap.String("trade", trade.ID), zap.Error(err))
	}
	t.bus.Publish(events.Event{Type: events.TradeFailed, Token: sig.TokenAddress, Message: cause.Error(), Trade: trade})
}

// rejected reports whether err is a decision not to trade rather than a
// failure to trade.
func rejected(err error) bool {
	var rejection *validator.Rejection
	return errors.As(err, &rejection) ||
		errors.Is(err, risk.ErrInsufficientBalance) ||
		errors.Is(err, risk.ErrTooManyPositions) ||
		errors.Is(err, risk.ErrTradeTooSmall) ||
		errors.Is(err, ErrPositionExists) ||
		errors.Is(err, ErrPaused)
}

func (t *Trader) reject(ctx context.Context, sig *models.Signal, err error) error {
	sig.UpdateStatus(models.SignalRejected, err)
	t.saveSignal(ctx, sig)
	t.bus.Publish(events.Event{Type: events.SignalRejected, Token: sig.TokenAddress, Message: err.Error(), Signal: clone(sig)})
	return err
}

func (t *Trader) fail(ctx context.Context, sig *models.Signal, err error) error {
	sig.UpdateStatus(models.SignalFailed, err)
	t.saveSignal(ctx, sig)
	t.bus.Publish(events.Event{Type: events.SignalFailed, Token: sig.TokenAddress, Message: err.Error(), Signal: clone(sig)})
	t.log.Warn("Signal failed", zap.String("signal", sig.ID), zap.String("token", sig.TokenAddress), zap.Error(err))
	return err
}

func (t *Trader) saveSignal(ctx context.Context, sig *models.Signal) {
	if err := t.store.SaveSignal(ctx, sig); err != nil {
		t.log.Error("Save signal", zap.String("signal", sig.ID), zap.Error(err))
	}
}

func (t *Trader) Pause() {
	if t.paused.CompareAndSwap(false, true) {
		t.log.Info("Trading paused")
		t.bus.Publish(events.Event{Type: events.BotPaused, Message: "trading paused"})
	}
}

func (t *Trader) Resume() {
	if t.paused.CompareAndSwap(true, false) {
		t.log.Info("Trading resumed")
		t.bus.Publish(events.Event{Type: events.BotResumed, Message: "trading resumed"})
	}
}

func (t *Trader) Paused() bool {
	return t.paused.Load()
}

func (t *Trader) Status() Status {
	return Status{Paused: t.Paused(), OpenPositions: t.positions.Count()}
}

// Close sells what is left of the position with the given id or id prefix.
// A position that is no longer tracked but stored as closed reports
// position.ErrClosed.
func (t *Trader) Close(ctx context.Context, id string) (*models.Position, error) {
	p, err := t.positions.Close(ctx, id, models.CloseManual)
	if !errors.Is(err, position.ErrNotFound) {
		return p, err
	}
	stored, serr := t.store.Position(ctx, id)
	if serr != nil || stored.IsOpen() {
		return nil, err
	}
	return stored, errors.Wrap(position.ErrClosed, id)
}

// Stats summarizes every stored position and trade.
func (t *Trader) Stats(ctx context.Context) (*models.Stats, error) {
	positions, err := t.store.ListPositions(ctx, "", 0)
	if err != nil {
		return nil, errors.Wrap(err, "list positions")
	}
	trades, err := t.store.ListTrades(ctx, 0)
	if err != nil {
		return nil, errors.Wrap(err, "list trades")
	}
	st := models.Summarize(positions, trades)
	return &st, nil
}

func (t *Trader) Positions() []*models.Position {
	return t.positions.Positions()
}

// CheckToken runs the validator. A rejected token is a result, not an error.
func (t *Trader) CheckToken(ctx context.Context, mint string) (*validator.Result, error) {
	res, err := t.validator.Validate(ctx, mint)
	var rejection *validator.Rejection
	if errors.As(err, &rejection) {
		return res, nil
	}
	return res, err
}

func (t *Trader) Blacklist(mint string) {
	t.validator.Blacklist(mint)
}

func (t *Trader) Balance(ctx context.Context) (decimal.Decimal, error) {
	return t.buyer.Balance(ctx)
}

func clone(sig *models.Signal) *models.Signal {
	c := *sig
	c.Targets = append([]models.Target(nil), sig.Targets...)
	return &c
}
