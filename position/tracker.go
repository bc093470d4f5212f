// Package position tracks open positions against live prices and exits them
// along their take profit ladder or at the stop loss.
package position

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/events"
	"github.com/moneyscripter/telesol/exchanges"
	"github.com/moneyscripter/telesol/executor"
	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/pricefeed"
)

const retryDelay = 30 * time.Second

var (
	ErrNotFound  = errors.New("position not found")
	ErrClosed    = errors.New("position is closed")
	ErrBusy      = errors.New("position exit in progress")
	ErrAmbiguous = errors.New("position id prefix is ambiguous")
)

type Store interface {
	SavePosition(ctx context.Context, p *models.Position) error
	SaveTrade(ctx context.Context, t *models.Trade) error
	OpenPositions(ctx context.Context) ([]*models.Position, error)
}

type Seller interface {
	Sell(ctx context.Context, mint string, raw uint64) (*exchanges.Fill, error)
}

type Feed interface {
	Track(mint string)
	Untrack(mint string)
	Subscribe(buffer int) (<-chan pricefeed.Update, func())
	Last(mint string) (pricefeed.Update, bool)
}

type Tracker struct {
	store  Store
	seller Seller
	feed   Feed
	bus    events.Publisher
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	positions map[string]*models.Position
	byMint    map[string]string
	busy      map[string]bool
	retryAt   map[string]time.Time
	wg        sync.WaitGroup
}

func NewTracker(store Store, seller Seller, feed Feed, bus events.Publisher, log *zap.Logger) *Tracker {
	return &Tracker{
		store:     store,
		seller:    seller,
		feed:      feed,
		bus:       bus,
		log:       log.Named("tracker"),
		now:       time.Now,
		positions: make(map[string]*models.Position),
		byMint:    make(map[string]string),
		busy:      make(map[string]bool),
		retryAt:   make(map[string]time.Time),
	}
}

// Load starts tracking the open positions found in the store.
func (t *Tracker) Load(ctx context.Context) error {
	open, err := t.store.OpenPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "load open positions")
	}
	for _, p := range open {
		if err := t.Open(p); err != nil {
			t.log.Warn("Skip stored position", zap.String("id", p.ID), zap.Error(err))
		}
	}
	t.log.Info("Positions loaded", zap.Int("count", len(open)))
	return nil
}

// Open starts tracking p. Only one open position per token is allowed.
func (t *Tracker) Open(p *models.Position) error {
	if !p.IsOpen() {
		return ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byMint[p.TokenAddress]; ok && id != p.ID {
		return errors.Errorf("token %s already has open position %s", p.TokenAddress, id)
	}
	t.positions[p.ID] = clone(p)
	t.byMint[p.TokenAddress] = p.ID
	t.feed.Track(p.TokenAddress)
	return nil
}

// Run evaluates positions on every price update until ctx is done, then waits
// for running exits.
func (t *Tracker) Run(ctx context.Context) error {
	updates, cancel := t.feed.Subscribe(256)
	defer cancel()
	defer t.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			t.OnPrice(ctx, u)
		}
	}
}

// OnPrice records a new price and starts an exit when one is due.
func (t *Tracker) OnPrice(ctx context.Context, u pricefeed.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byMint[u.Mint]
	if !ok {
		return
	}
	p := t.positions[id]
	p.UpdatePrice(u.Price, u.Time)
	now := t.now()
	if t.busy[id] || now.Before(t.retryAt[id]) {
		return
	}

	exit := Evaluate(p, u.Price, now)
	if exit == nil {
		return
	}
	t.busy[id] = true
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if _, err := t.execute(ctx, id, exit); err != nil {
			t.log.Warn("Exit failed", zap.String("position", id), zap.String("reason", string(exit.Reason)), zap.Error(err))
		}
	}()
}

// Close sells everything left in the position with the given id or id prefix.
func (t *Tracker) Close(ctx context.Context, id string, reason models.CloseReason) (*models.Position, error) {
	t.mu.Lock()
	p, err := t.find(id)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if t.busy[p.ID] {
		t.mu.Unlock()
		return nil, ErrBusy
	}
	price := p.CurrentPrice
	if u, ok := t.feed.Last(p.TokenAddress); ok {
		price = u.Price
	}
	t.busy[p.ID] = true
	exit := FullExit(p, reason, price)
	t.mu.Unlock()

	return t.execute(ctx, p.ID, exit)
}

// CloseMint closes the open position on mint.
func (t *Tracker) CloseMint(ctx context.Context, mint string, reason models.CloseReason) (*models.Position, error) {
	t.mu.Lock()
	id, ok := t.byMint[mint]
	t.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "no open position on %s", mint)
	}
	return t.Close(ctx, id, reason)
}

// find resolves an id or unique id prefix. t.mu must be held.
func (t *Tracker) find(id string) (*models.Position, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	if p, ok := t.positions[id]; ok {
		return p, nil
	}
	var found *models.Position
	for key, p := range t.positions {
		if !strings.HasPrefix(key, id) {
			continue
		}
		if found != nil {
			return nil, errors.Wrap(ErrAmbiguous, id)
		}
		found = p
	}
	if found == nil {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return found, nil
}

func (t *Tracker) execute(ctx context.Context, id string, exit *Exit) (*models.Position, error) {
	defer func() {
		t.mu.Lock()
		delete(t.busy, id)
		t.mu.Unlock()
	}()

	t.mu.Lock()
	p, ok := t.positions[id]
	if !ok {
		t.mu.Unlock()
		return nil, errors.Wrap(ErrNotFound, id)
	}
	mint, decimals := p.TokenAddress, p.Decimals
	t.mu.Unlock()

	raw := models.ToRaw(exit.Amount, decimals)
	var fill *exchanges.Fill
	if raw > 0 {
		var err error
		fill, err = t.seller.Sell(ctx, mint, raw)
		if errors.Is(err, executor.ErrNothingToSell) {
			// The tokens left the wallet some other way.
			t.log.Warn("Nothing left to sell, closing position", zap.String("position", id))
			exit.Full = true
			fill = &exchanges.Fill{}
		} else if err != nil {
			t.mu.Lock()
			t.retryAt[id] = t.now().Add(retryDelay)
			t.mu.Unlock()
			t.recordFailure(ctx, id, mint, exit, err)
			return nil, errors.Wrap(err, "sell")
		}
	} else {
		fill = &exchanges.Fill{}
	}

	now := t.now()
	sold := models.FromRaw(fill.InAmount, decimals)
	received := models.FromRaw(fill.OutAmount, models.SOLDecimals)

	t.mu.Lock()
	p = t.positions[id]
	Apply(p, exit, sold, received, now)
	snapshot := clone(p)
	delete(t.retryAt, id)
	if !p.IsOpen() {
		delete(t.positions, id)
		delete(t.byMint, mint)
		t.feed.Untrack(mint)
	}
	t.mu.Unlock()

	var trade *models.Trade
	if fill.InAmount > 0 {
		trade = &models.Trade{
			ID:           uuid.NewString(),
			PositionID:   id,
			TokenAddress: mint,
			Side:         models.SideSell,
			SOLAmount:    received,
			TokenAmount:  sold,
			Price:        unitPrice(received, sold),
			Signature:    fill.Signature,
			Status:       models.TradeConfirmed,
			Reason:       string(exit.Reason),
			DryRun:       fill.DryRun,
			CreatedAt:    now,
		}
		if err := t.store.SaveTrade(ctx, trade); err != nil {
			t.log.Error("Save trade", zap.String("trade", trade.ID), zap.Error(err))
		}
		t.bus.Publish(events.Event{Type: events.TradeExecuted, Token: mint, Position: snapshot, Trade: trade})
	}
	if err := t.store.SavePosition(ctx, snapshot); err != nil {
		t.log.Error("Save position", zap.String("position", id), zap.Error(err))
	}

	eventType := events.PositionUpdated
	if !snapshot.IsOpen() {
		eventType = events.PositionClosed
	}
	t.bus.Publish(events.Event{
		Type:     eventType,
		Token:    mint,
		Message:  string(exit.Reason),
		Position: snapshot,
		Trade:    trade,
	})
	t.log.Info("Position exit",
		zap.String("position", id),
		zap.String("reason", string(exit.Reason)),
		zap.Stringer("sold", sold),
		zap.Stringer("received_sol", received),
		zap.Stringer("remaining", snapshot.RemainingAmount),
	)
	return snapshot, nil
}

func (t *Tracker) recordFailure(ctx context.Context, id, mint string, exit *Exit, cause error) {
	trade := &models.Trade{
		ID:           uuid.NewString(),
		PositionID:   id,
		TokenAddress: mint,
		Side:         models.SideSell,
		TokenAmount:  exit.Amount,
		Status:       models.TradeFailed,
		Reason:       string(exit.Reason) + ": " + cause.Error(),
		CreatedAt:    t.now(),
	}
	if err := t.store.SaveTrade(ctx, trade); err != nil {
		t.log.Error("Save trade", zap.String("trade", trade.ID), zap.Error(err))
	}
	t.bus.Publish(events.Event{Type: events.TradeFailed, Token: mint, Message: cause.Error(), Trade: trade})
}

// Positions returns copies of the tracked positions, oldest first.
func (t *Tracker) Positions() []*models.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ByMint returns a copy of the open position on mint.
func (t *Tracker) ByMint(mint string) (*models.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byMint[mint]
	if !ok {
		return nil, false
	}
	return clone(t.positions[id]), true
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// Wait blocks until running exits finish.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func unitPrice(sol, tokens decimal.Decimal) decimal.Decimal {
	if tokens.IsZero() {
		return decimal.Zero
	}
	return sol.Div(tokens)
}

func clone(p *models.Position) *models.Position {
	c := *p
	c.TakeProfits = append([]models.TakeProfitLevel(nil), p.TakeProfits...)
	return &c
}
