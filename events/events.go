// Package events carries trading events from the pipeline to notification
// sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/models"
)

type Type string

const (
	SignalReceived  Type = "signal.received"
	SignalRejected  Type = "signal.rejected"
	SignalFailed    Type = "signal.failed"
	PositionOpened  Type = "position.opened"
	PositionUpdated Type = "position.updated"
	PositionClosed  Type = "position.closed"
	TradeExecuted   Type = "trade.executed"
	TradeFailed     Type = "trade.failed"
	BotPaused       Type = "bot.paused"
	BotResumed      Type = "bot.resumed"
)

type Event struct {
	ID       string           `json:"id"`
	Type     Type             `json:"type"`
	Time     time.Time        `json:"time"`
	Token    string           `json:"token,omitempty"`
	Message  string           `json:"message,omitempty"`
	Signal   *models.Signal   `json:"signal,omitempty"`
	Position *models.Position `json:"position,omitempty"`
	Trade    *models.Trade    `json:"trade,omitempty"`
}

// Sink receives every published event.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Bus queues events and hands them to the sinks from a single goroutine.
type Bus struct {
	queue chan Event
	log   *zap.Logger

	mu    sync.RWMutex
	sinks []Sink
}

func NewBus(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		queue: make(chan Event, buffer),
		log:   log.Named("events"),
	}
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish never blocks. Events are dropped when the queue is full.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case b.queue <- e:
	default:
		b.log.Warn("Event queue is full, event dropped", zap.String("type", string(e.Type)))
	}
}

// Run dispatches events until ctx is done, then drains what is queued.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(ctx, e)
		case <-ctx.Done():
			b.drain()
			return nil
		}
	}
}

func (b *Bus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-b.queue:
			b.dispatch(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Handle(ctx, e); err != nil {
			b.log.Warn("Sink failed",
				zap.String("sink", s.Name()),
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
		}
	}
}

// LogSink writes events to the log.
type LogSink struct {
	Log *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Handle(_ context.Context, e Event) error {
	fields := []zap.Field{zap.String("type", string(e.Type))}
	if e.Token != "" {
		fields = append(fields, zap.String("token", e.Token))
	}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}
	if e.Position != nil {
		fields = append(fields,
			zap.String("position", e.Position.ID),
			zap.Stringer("remaining", e.Position.RemainingAmount),
		)
	}
	if e.Trade != nil {
		fields = append(fields,
			zap.String("side", string(e.Trade.Side)),
			zap.Stringer("sol", e.Trade.SOLAmount),
			zap.String("signature", e.Trade.Signature),
		)
	}
	s.Log.Info("Event", fields...)
	return nil
}
