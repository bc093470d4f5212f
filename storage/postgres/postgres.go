// Package postgres stores records as JSONB documents in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
  id          text PRIMARY KEY,
  channel_id  bigint NOT NULL,
  message_id  integer NOT NULL,
  received_at timestamptz NOT NULL,
  payload     jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS signals_message_idx ON signals (channel_id, message_id);
CREATE INDEX IF NOT EXISTS signals_received_idx ON signals (received_at DESC);

CREATE TABLE IF NOT EXISTS positions (
  id         text PRIMARY KEY,
  status     text NOT NULL,
  opened_at  timestamptz NOT NULL,
  payload    jsonb NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS positions_status_idx ON positions (status, opened_at DESC);

CREATE TABLE IF NOT EXISTS trades (
  id         text PRIMARY KEY,
  created_at timestamptz NOT NULL,
  payload    jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_created_idx ON trades (created_at DESC);
`

var _ storage.Store = (*Store)(nil)

type Store struct {
	DB  *pgxpool.Pool
	log *zap.Logger
}

// Open connects to dsn and creates the tables.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	s := New(pool, log)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(db *pgxpool.Pool, log *zap.Logger) *Store {
	return &Store{DB: db, log: log.Named("storage")}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate")
	}
	s.log.Info("Postgres schema ready")
	return nil
}

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

func (s *Store) SaveSignal(ctx context.Context, sig *models.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return errors.Wrap(err, "encode signal")
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO signals (id, channel_id, message_id, received_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload
	`, sig.ID, sig.ChannelID, sig.MessageID, sig.ReceivedAt, data)
	return errors.Wrap(err, "save signal")
}

func (s *Store) SignalSeen(ctx context.Context, channelID int64, messageID int) (bool, error) {
	if channelID == 0 {
		return false, nil
	}
	var seen bool
	err := s.DB.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM signals WHERE channel_id = $1 AND message_id = $2)`,
		channelID, messageID,
	).Scan(&seen)
	if err != nil {
		return false, errors.Wrap(err, "query signal")
	}
	return seen, nil
}

func (s *Store) ListSignals(ctx context.Context, limit int) ([]*models.Signal, error) {
	rows, err := s.DB.Query(ctx, `SELECT payload FROM signals ORDER BY received_at DESC, id DESC`+limitClause(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query signals")
	}
	return collect[models.Signal](rows)
}

func (s *Store) SavePosition(ctx context.Context, p *models.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode position")
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO positions (id, status, opened_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET status = EXCLUDED.status,
		              payload = EXCLUDED.payload,
		              updated_at = now()
	`, p.ID, string(p.Status), p.OpenedAt, data)
	return errors.Wrap(err, "save position")
}

func (s *Store) Position(ctx context.Context, id string) (*models.Position, error) {
	var data []byte
	err := s.DB.QueryRow(ctx, `SELECT payload FROM positions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(storage.ErrNotFound, "position %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query position")
	}
	p := &models.Position{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "decode position")
	}
	return p, nil
}

func (s *Store) OpenPositions(ctx context.Context) ([]*models.Position, error) {
	return s.ListPositions(ctx, models.PositionOpen, 0)
}

func (s *Store) ListPositions(ctx context.Context, status models.PositionStatus, limit int) ([]*models.Position, error) {
	q := `SELECT payload FROM positions`
	var args []any
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, string(status))
	}
	q += ` ORDER BY opened_at DESC` + limitClause(limit)
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query positions")
	}
	return collect[models.Position](rows)
}

func (s *Store) SaveTrade(ctx context.Context, t *models.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode trade")
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO trades (id, created_at, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.CreatedAt, data)
	return errors.Wrap(err, "save trade")
}

func (s *Store) ListTrades(ctx context.Context, limit int) ([]*models.Trade, error) {
	rows, err := s.DB.Query(ctx, `SELECT payload FROM trades ORDER BY created_at DESC, id DESC`+limitClause(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	return collect[models.Trade](rows)
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return ` LIMIT ` + fmt.Sprint(limit)
}

// collect decodes a single jsonb column from every row.
func collect[T any](rows pgx.Rows) ([]*T, error) {
	defer rows.Close()
	out := make([]*T, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan")
		}
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, errors.Wrap(err, "decode")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
