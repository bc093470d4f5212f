// Package bolt is the embedded bbolt backed store.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/storage"
)

var (
	signalsBucket     = []byte("signals")
	signalIndexBucket = []byte("signal_index")
	positionsBucket   = []byte("positions")
	tradesBucket      = []byte("trades")
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	db  *bbolt.DB
	log *zap.Logger
}

// Open opens (or creates) the database file at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{signalsBucket, signalIndexBucket, positionsBucket, tradesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log = log.Named("storage")
	log.Info("Bolt store opened", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "close bolt")
	}
	s.log.Info("Bolt store closed")
	return nil
}

// timeKey sorts records by time, then id.
func timeKey(t time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return append(key, id...)
}

func indexKey(channelID int64, messageID int) []byte {
	return []byte(fmt.Sprintf("%d:%d", channelID, messageID))
}

func (s *Store) SaveSignal(_ context.Context, sig *models.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return errors.Wrap(err, "encode signal")
	}
	key := timeKey(sig.ReceivedAt, sig.ID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(signalsBucket).Put(key, data); err != nil {
			return errors.Wrap(err, "put signal")
		}
		if sig.ChannelID == 0 {
			return nil
		}
		return tx.Bucket(signalIndexBucket).Put(indexKey(sig.ChannelID, sig.MessageID), key)
	})
}

func (s *Store) SignalSeen(_ context.Context, channelID int64, messageID int) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		seen = tx.Bucket(signalIndexBucket).Get(indexKey(channelID, messageID)) != nil
		return nil
	})
	return seen, err
}

func (s *Store) ListSignals(_ context.Context, limit int) ([]*models.Signal, error) {
	var out []*models.Signal
	err := s.db.View(func(tx *bbolt.Tx) error {
		return newestFirst(tx.Bucket(signalsBucket), limit, func(v []byte) error {
			sig := &models.Signal{}
			if err := json.Unmarshal(v, sig); err != nil {
				return errors.Wrap(err, "decode signal")
			}
			out = append(out, sig)
			return nil
		})
	})
	return out, err
}

func (s *Store) SavePosition(_ context.Context, p *models.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode position")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(positionsBucket).Put([]byte(p.ID), data)
	})
}

func (s *Store) Position(_ context.Context, id string) (*models.Position, error) {
	var p *models.Position
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(positionsBucket).Get([]byte(id))
		if v == nil {
			return errors.Wrapf(storage.ErrNotFound, "position %s", id)
		}
		p = &models.Position{}
		return json.Unmarshal(v, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) OpenPositions(ctx context.Context) ([]*models.Position, error) {
	return s.ListPositions(ctx, models.PositionOpen, 0)
}

func (s *Store) ListPositions(_ context.Context, status models.PositionStatus, limit int) ([]*models.Position, error) {
	var out []*models.Position
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(positionsBucket).ForEach(func(_, v []byte) error {
			p := &models.Position{}
			if err := json.Unmarshal(v, p); err != nil {
				return errors.Wrap(err, "decode position")
			}
			if status == "" || p.Status == status {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveTrade(_ context.Context, t *models.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode trade")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tradesBucket).Put(timeKey(t.CreatedAt, t.ID), data)
	})
}

func (s *Store) ListTrades(_ context.Context, limit int) ([]*models.Trade, error) {
	var out []*models.Trade
	err := s.db.View(func(tx *bbolt.Tx) error {
		return newestFirst(tx.Bucket(tradesBucket), limit, func(v []byte) error {
			t := &models.Trade{}
			if err := json.Unmarshal(v, t); err != nil {
				return errors.Wrap(err, "decode trade")
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

func newestFirst(b *bbolt.Bucket, limit int, fn func(v []byte) error) error {
	c := b.Cursor()
	n := 0
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if limit > 0 && n >= limit {
			break
		}
		if err := fn(v); err != nil {
			return err
		}
		n++
	}
	return nil
}
