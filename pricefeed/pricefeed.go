// Package pricefeed polls token prices and fans them out to subscribers.
package pricefeed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const batchSize = 100

// Source returns SOL prices for mints. Unknown mints are omitted.
type Source interface {
	Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error)
}

type Update struct {
	Mint  string
	Price decimal.Decimal
	Time  time.Time
}

type Feed struct {
	source   Source
	interval time.Duration
	limiter  *rate.Limiter
	log      *zap.Logger

	mu     sync.RWMutex
	refs   map[string]int
	last   map[string]Update
	subs   map[int]chan Update
	nextID int
}

// New returns a feed polling source every interval. Batches are spaced by
// the limiter so a large watch list does not burst the price API.
func New(source Source, interval time.Duration, log *zap.Logger) *Feed {
	return &Feed{
		source:   source,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		log:      log.Named("pricefeed"),
		refs:     make(map[string]int),
		last:     make(map[string]Update),
		subs:     make(map[int]chan Update),
	}
}

// Track adds a reference to mint. Mints are polled while referenced.
func (f *Feed) Track(mint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[mint]++
}

// Untrack drops a reference to mint.
func (f *Feed) Untrack(mint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[mint] <= 1 {
		delete(f.refs, mint)
		delete(f.last, mint)
		return
	}
	f.refs[mint]--
}

// Tracked returns the polled mints, sorted.
func (f *Feed) Tracked() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	mints := make([]string, 0, len(f.refs))
	for mint := range f.refs {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	return mints
}

// Last returns the latest known price of mint.
func (f *Feed) Last(mint string) (Update, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u, ok := f.last[mint]
	return u, ok
}

// Subscribe returns a channel receiving every update and a function that
// cancels the subscription. Updates are dropped when the channel is full.
func (f *Feed) Subscribe(buffer int) (<-chan Update, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan Update, buffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

// Run polls until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
				f.log.Warn("Poll prices", zap.Error(err))
			}
		}
	}
}

// Poll fetches the prices of all tracked mints once and publishes them.
func (f *Feed) Poll(ctx context.Context) error {
	mints := f.Tracked()
	var firstErr error
	for start := 0; start < len(mints); start += batchSize {
		batch := mints[start:min(start+batchSize, len(mints))]
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		prices, err := f.source.Prices(ctx, batch)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		now := time.Now()
		for _, mint := range batch {
			price, ok := prices[mint]
			if !ok || !price.IsPositive() {
				continue
			}
			f.publish(Update{Mint: mint, Price: price, Time: now})
		}
	}
	return firstErr
}

func (f *Feed) publish(u Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.refs[u.Mint]; !ok {
		return
	}
	f.last[u.Mint] = u
	for id, ch := range f.subs {
		select {
		case ch <- u:
		default:
			f.log.Debug("Subscriber is slow, update dropped", zap.Int("subscriber", id), zap.String("mint", u.Mint))
		}
	}
}
