package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/moneyscripter/telesol/api"
	"github.com/moneyscripter/telesol/cache"
	"github.com/moneyscripter/telesol/channels"
	"github.com/moneyscripter/telesol/config"
	"github.com/moneyscripter/telesol/events"
	"github.com/moneyscripter/telesol/exchanges/jupiter"
	"github.com/moneyscripter/telesol/executor"
	"github.com/moneyscripter/telesol/logger"
	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/position"
	"github.com/moneyscripter/telesol/pricefeed"
	"github.com/moneyscripter/telesol/risk"
	"github.com/moneyscripter/telesol/solana"
	"github.com/moneyscripter/telesol/storage"
	"github.com/moneyscripter/telesol/storage/bolt"
	"github.com/moneyscripter/telesol/storage/postgres"
	"github.com/moneyscripter/telesol/telegram_engine/bot"
	"github.com/moneyscripter/telesol/telegram_engine/client"
	"github.com/moneyscripter/telesol/trader"
	"github.com/moneyscripter/telesol/validator"
)

const validationCacheSize = 10_000

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	config.LoadConfig(configPath)
	cfg := config.AppConfig

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Run failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

func openStore(ctx context.Context, cfg config.Storage, log *zap.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, log)
	default:
		return bolt.Open(cfg.Path, log)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Close store", zap.Error(err))
		}
	}()

	// Chain and swaps
	chain, err := solana.NewClient(solana.ClientConfig{
		RPCURL:         cfg.Solana.RPCURL,
		PrivateKey:     cfg.Solana.PrivateKey,
		Commitment:     cfg.Solana.Commitment,
		ConfirmTimeout: cfg.Solana.ConfirmTimeout,
		Logger:         log.Named("solana"),
	})
	if err != nil {
		return errors.Wrap(err, "solana client")
	}
	jup := jupiter.NewClient(jupiter.ClientConfig{
		BaseURL:       cfg.Jupiter.BaseURL,
		PriceURL:      cfg.Jupiter.PriceURL,
		APIKey:        cfg.Jupiter.APIKey,
		SlippageBps:   cfg.Jupiter.SlippageBps,
		RatePerSecond: cfg.Jupiter.RatePerSecond,
		MaxRetries:    cfg.Jupiter.MaxRetries,
		Logger:        log.Named("jupiter"),
	})
	exec := executor.New(jup, chain, executor.Options{
		DryRun:          cfg.Trading.DryRun,
		PaperBalanceSOL: decimal.NewFromFloat(cfg.Trading.PaperBalanceSOL),
		SlippageBps:     cfg.Jupiter.SlippageBps,
	}, log)
	log.Info("Wallet",
		zap.String("address", chain.Address()),
		zap.Bool("dry_run", cfg.Trading.DryRun),
	)

	validationCache, err := cache.New(validationCacheSize, cfg.Validation.CacheTTL)
	if err != nil {
		return errors.Wrap(err, "validation cache")
	}
	defer validationCache.Close()
	tokens := validator.New(cfg.Validation, chain, jup, validationCache, log)

	// Events
	bus := events.NewBus(cfg.Events.Buffer, log)
	bus.AddSink(events.LogSink{Log: log.Named("events")})
	hub := api.NewHub(log)
	bus.AddSink(hub)
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafkaSink := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer func() { _ = kafkaSink.Close() }()
		bus.AddSink(kafkaSink)
	}
	if cfg.TelegramBot.Token != "" && len(cfg.TelegramBot.AdminIDs) > 0 {
		notifier, err := bot.NewNotifier(cfg.TelegramBot.Token, cfg.TelegramBot.AdminIDs, log)
		if err != nil {
			log.Warn("Telegram notifications disabled", zap.Error(err))
		} else {
			bus.AddSink(notifier)
		}
	}

	// Positions
	feed := pricefeed.New(jup, cfg.Trading.PriceInterval, log)
	tracker := position.NewTracker(store, exec, feed, bus, log)
	if err := tracker.Load(ctx); err != nil {
		return errors.Wrap(err, "load positions")
	}

	t := trader.New(store, tokens, exec, tracker, risk.New(cfg.Trading), bus, trader.Options{
		Workers: cfg.Trading.Workers,
		MaxHold: cfg.Trading.MaxHold,
	}, log)

	signals := make(chan models.Signal, 100)
	receivingChannels, err := buildChannels(cfg.Channels)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(ctx) })
	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return tracker.Run(ctx) })
	g.Go(func() error { return t.Run(ctx, signals) })

	for _, rc := range receivingChannels {
		g.Go(func() error { return forward(ctx, rc, signals, log) })
	}

	switch {
	case len(receivingChannels) == 0:
		log.Warn("No channels configured, only manual trading is available")
	case cfg.TelegramClient.Phone == "" || cfg.TelegramClient.AppID == 0:
		log.Warn("Telegram client is not configured, channels are not listened to")
	default:
		engine := &client.Engine{
			Phone:             cfg.TelegramClient.Phone,
			AppID:             cfg.TelegramClient.AppID,
			AppHash:           cfg.TelegramClient.AppHash,
			SessionDir:        cfg.TelegramClient.SessionDir,
			ReceivingChannels: receivingChannels,
			Log:               log,
		}
		g.Go(func() error { return listen(ctx, engine, log) })
	}

	// Telegram Bot
	if cfg.TelegramBot.Token != "" {
		controlBot := bot.New(t, cfg.TelegramBot.AdminIDs, cfg.Trading.DryRun, log)
		g.Go(func() error {
			if err := controlBot.Run(ctx, cfg.TelegramBot.Token); err != nil {
				log.Error("Control bot stopped", zap.Error(err))
			}
			return nil
		})
	}

	apiServer := api.NewServer(t, store, hub, api.Options{
		Token:  cfg.API.Token,
		DryRun: cfg.Trading.DryRun,
		// Quote and submit, then wait for confirmation.
		TradeTimeout: cfg.Solana.ConfirmTimeout + time.Minute,
	}, log)
	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           apiServer.R,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve api")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	tracker.Wait()
	return err
}

func buildChannels(list []config.Channel) ([]client.ReceivingChannel, error) {
	var out []client.ReceivingChannel
	for _, ch := range list {
		parser, err := channels.New(ch.Parser)
		if err != nil {
			return nil, errors.Wrapf(err, "channel %q", ch.Name)
		}
		out = append(out, client.ReceivingChannel{
			Name:      ch.Name,
			Chan:      make(chan client.Message, 1000),
			ChannelID: ch.ID,
			Parser:    parser,
		})
	}
	return out, nil
}

// forward parses the posts of one channel into signals.
func forward(ctx context.Context, rc client.ReceivingChannel, signals chan<- models.Signal, log *zap.Logger) error {
	lg := log.With(zap.String("channel", rc.Name), zap.Int64("channel_id", rc.ChannelID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-rc.Chan:
			sig, ok := rc.Parser.ParseSignal(msg.Text)
			if !ok {
				lg.Debug("No signal in post", zap.Int("message_id", msg.MessageID))
				continue
			}
			sig.ChannelID = msg.ChannelID
			sig.MessageID = msg.MessageID
			sig.Source = rc.Name
			sig.Raw = msg.Text
			sig.ReceivedAt = msg.Date
			if sig.ReceivedAt.IsZero() {
				sig.ReceivedAt = time.Now()
			}
			lg.Info("Received signal",
				zap.String("token", sig.TokenAddress),
				zap.String("action", string(sig.Action)),
			)
			select {
			case signals <- sig:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// listen keeps the user client connected, reconnecting with backoff.
func listen(ctx context.Context, engine *client.Engine, log *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := engine.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Error("Telegram client stopped, reconnecting", zap.Error(err), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
