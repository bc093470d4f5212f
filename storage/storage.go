// Package storage persists signals, positions and trades.
package storage

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/moneyscripter/telesol/models"
)

var ErrNotFound = errors.New("not found")

// Store is implemented by storage/bolt and storage/postgres. List calls
// return the newest records first; a non-positive limit returns everything.
type Store interface {
	// SaveSignal inserts or updates s. Signals with a channel id are indexed
	// by (channel, message) for SignalSeen.
	SaveSignal(ctx context.Context, s *models.Signal) error
	SignalSeen(ctx context.Context, channelID int64, messageID int) (bool, error)
	ListSignals(ctx context.Context, limit int) ([]*models.Signal, error)

	SavePosition(ctx context.Context, p *models.Position) error
	Position(ctx context.Context, id string) (*models.Position, error)
	OpenPositions(ctx context.Context) ([]*models.Position, error)
	// ListPositions filters on status unless it is empty.
	ListPositions(ctx context.Context, status models.PositionStatus, limit int) ([]*models.Position, error)

	SaveTrade(ctx context.Context, t *models.Trade) error
	ListTrades(ctx context.Context, limit int) ([]*models.Trade, error)

	Close() error
}
