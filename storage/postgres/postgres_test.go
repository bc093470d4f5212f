package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/storage"
)

func TestLimitClause(t *testing.T) {
	require.Equal(t, "", limitClause(0))
	require.Equal(t, "", limitClause(-1))
	require.Equal(t, " LIMIT 25", limitClause(25))
}

// TestStore runs against the database in TELESOL_TEST_POSTGRES_DSN.
func TestStore(t *testing.T) {
	dsn := os.Getenv("TELESOL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TELESOL_TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	channel := time.Now().UnixNano()
	sig := &models.Signal{ID: uuid.NewString(), ChannelID: channel, MessageID: 7, ReceivedAt: time.Now(), Status: models.SignalNew}
	require.NoError(t, s.SaveSignal(ctx, sig))
	sig.UpdateStatus(models.SignalExecuted, nil)
	require.NoError(t, s.SaveSignal(ctx, sig))

	seen, err := s.SignalSeen(ctx, channel, 7)
	require.NoError(t, err)
	require.True(t, seen)
	seen, err = s.SignalSeen(ctx, channel, 8)
	require.NoError(t, err)
	require.False(t, seen)

	signals, err := s.ListSignals(ctx, 1)
	require.NoError(t, err)
	require.Len(t, signals, 1)

	p := &models.Position{ID: uuid.NewString(), TokenAddress: "mint", Status: models.PositionOpen, OpenedAt: time.Now()}
	require.NoError(t, s.SavePosition(ctx, p))
	got, err := s.Position(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "mint", got.TokenAddress)

	p.Status = models.PositionClosed
	require.NoError(t, s.SavePosition(ctx, p))
	closed, err := s.ListPositions(ctx, models.PositionClosed, 0)
	require.NoError(t, err)
	require.NotEmpty(t, closed)

	_, err = s.Position(ctx, uuid.NewString())
	require.ErrorIs(t, err, storage.ErrNotFound)

	tr := &models.Trade{ID: uuid.NewString(), Side: models.SideBuy, Status: models.TradeConfirmed, CreatedAt: time.Now()}
	require.NoError(t, s.SaveTrade(ctx, tr))
	require.NoError(t, s.SaveTrade(ctx, tr))
	trades, err := s.ListTrades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
}
