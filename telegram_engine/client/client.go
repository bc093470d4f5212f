// Package client listens to Telegram channels as a user account (MTProto).
package client

import (
	"context"
	"os"
	"path/filepath"
	"time"

	pebbledb "github.com/cockroachdb/pebble"
	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/contrib/pebble"
	"github.com/gotd/contrib/storage"
	"github.com/gotd/td/examples"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/moneyscripter/telesol/channels"
)

// Message is a post received from a listened channel.
type Message struct {
	ChannelID int64
	MessageID int
	Text      string
	Date      time.Time
}

// ReceivingChannel routes the posts of one channel to Chan.
type ReceivingChannel struct {
	Name      string
	Chan      chan Message
	ChannelID int64
	Parser    channels.Channels
}

// Engine is a gotd user client delivering new channel posts to the
// receiving channels. Run blocks until ctx is done or the connection fails.
type Engine struct {
	Phone             string
	AppID             int
	AppHash           string
	SessionDir        string
	ReceivingChannels []ReceivingChannel
	Log               *zap.Logger
}

func (e *Engine) Run(ctx context.Context) error {
	if e.Phone == "" || e.AppID == 0 || e.AppHash == "" {
		return errors.New("telegram client phone, app_id and app_hash are required")
	}
	lg := e.Log.Named("telegram")

	sessionDir := e.SessionDir
	if sessionDir == "" {
		sessionDir = "session"
	}
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return errors.Wrap(err, "create session dir")
	}

	sessionStorage := &session.FileStorage{
		Path: filepath.Join(sessionDir, "session.json"),
	}

	// Peer storage, for resolve caching and short updates handling.
	db, err := pebbledb.Open(filepath.Join(sessionDir, "peers.pebble.db"), &pebbledb.Options{})
	if err != nil {
		return errors.Wrap(err, "create pebble storage")
	}
	defer func() { _ = db.Close() }()
	peerDB := pebble.NewPeerStorage(db)

	dispatcher := tg.NewUpdateDispatcher()
	updateHandler := storage.UpdateHook(dispatcher, peerDB)

	// Update state storage, for gap recovery after restarts.
	boltdb, err := bbolt.Open(filepath.Join(sessionDir, "updates.bolt.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return errors.Wrap(err, "create bolt storage")
	}
	defer func() { _ = boltdb.Close() }()
	gaps := updates.New(updates.Config{
		Handler: updateHandler,
		Logger:  lg.Named("gaps"),
		Storage: boltstor.NewStateStorage(boltdb),
	})

	waiter := floodwait.NewWaiter().WithCallback(func(ctx context.Context, wait floodwait.FloodWait) {
		lg.Warn("Flood wait", zap.Duration("wait", wait.Duration))
	})

	client := telegram.NewClient(e.AppID, e.AppHash, telegram.Options{
		Logger:         lg,
		SessionStorage: sessionStorage,
		UpdateHandler:  gaps,
		Middlewares: []telegram.Middleware{
			waiter,
			ratelimit.New(rate.Every(100*time.Millisecond), 5),
		},
	})
	api := client.API()

	dispatcher.OnNewChannelMessage(func(ctx context.Context, _ tg.Entities, u *tg.UpdateNewChannelMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		return e.dispatch(ctx, msg)
	})

	flow := auth.NewFlow(examples.Terminal{PhoneNumber: e.Phone}, auth.SendCodeOptions{})

	return waiter.Run(ctx, func(ctx context.Context) error {
		return client.Run(ctx, func(ctx context.Context) error {
			if err := client.Auth().IfNecessary(ctx, flow); err != nil {
				return errors.Wrap(err, "auth")
			}
			self, err := client.Self(ctx)
			if err != nil {
				return errors.Wrap(err, "call self")
			}
			lg.Info("Logged in", zap.String("username", self.Username), zap.Int64("id", self.ID))

			// Warm up the peer storage so channel updates can be resolved.
			lg.Info("Collecting dialogs")
			collector := storage.CollectPeers(peerDB)
			if err := collector.Dialogs(ctx, query.GetDialogs(api).Iter()); err != nil {
				return errors.Wrap(err, "collect peers")
			}

			return gaps.Run(ctx, api, self.ID, updates.AuthOptions{
				IsBot: self.Bot,
				OnStart: func(ctx context.Context) {
					lg.Info("Listening to channels", zap.Int("channels", len(e.ReceivingChannels)))
				},
			})
		})
	})
}

// dispatch hands a channel post to the receiving channel listening to it.
func (e *Engine) dispatch(ctx context.Context, msg *tg.Message) error {
	if msg.Out || msg.Message == "" {
		return nil
	}
	peer, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return nil
	}
	for _, rc := range e.ReceivingChannels {
		if rc.ChannelID != peer.ChannelID {
			continue
		}
		m := Message{
			ChannelID: peer.ChannelID,
			MessageID: msg.ID,
			Text:      msg.Message,
			Date:      time.Unix(int64(msg.Date), 0),
		}
		select {
		case rc.Chan <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
